package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// dailyFile appends to <dir>/<prefix>-<date>.log and moves on to a new file
// the first time it is written to on a new day.
type dailyFile struct {
	dir    string
	prefix string
	now    func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

func openDailyFile(dir, prefix string, now func() time.Time) (*dailyFile, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	d := &dailyFile{dir: dir, prefix: prefix, now: now}
	err = d.rotate(now().Format(time.DateOnly))
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *dailyFile) path(day string) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s-%s.log", d.prefix, day))
}

// rotate must be called with mu held.
func (d *dailyFile) rotate(day string) error {
	f, err := os.OpenFile(d.path(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if d.file != nil {
		d.file.Close()
	}
	d.file = f
	d.day = day
	return nil
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return 0, os.ErrClosed
	}
	day := d.now().Format(time.DateOnly)
	if day != d.day {
		err := d.rotate(day)
		if err != nil {
			return 0, err
		}
	}
	return d.file.Write(p)
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
