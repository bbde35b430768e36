package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScopedAPI(t *testing.T) {
	rec := &Recorder{}
	tel := NewScopedAPI("history", rec)

	tel.ReportBroken("store.flush", errors.New("disk full"), "history.json")
	tel.ReportWarning("store.open", "history file is empty")
	tel.ReportInfo("history loaded", 3)
	tel.ReportDebug("history file does not exist")
	tel.ReportCount("records", 3)

	reports := rec.Reports()
	require.Len(t, reports, 5)
	require.Equal(t, "history: store.flush", reports[0].ID)
	require.Equal(t, "broken", reports[0].Kind)
	require.Len(t, reports[0].Params, 2)
	require.Equal(t, []any{int64(3)}, reports[4].Params)

	require.True(t, rec.Has("broken", "store.flush"))
	require.True(t, rec.Has("warning", "store.open"))
	require.False(t, rec.Has("broken", "store.open"))
}

func TestNestedScopes(t *testing.T) {
	rec := &Recorder{}
	tel := NewScopedAPI("download_tracker", NewScopedAPI("runner", rec))
	tel.ReportWarning("tracker.await")
	require.Equal(t, "runner: download_tracker: tracker.await", rec.Reports()[0].ID)
}

func TestInitSlog(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	dir := t.TempDir()
	var tty bytes.Buffer
	now := time.Date(2024, time.April, 1, 9, 0, 0, 0, time.UTC)

	closeLogs, err := InitSlog(SlogOptions{
		Level: "info",
		Dir:   dir,
		Now:   func() time.Time { return now },
		Tty:   &tty,
	})
	require.NoError(t, err)

	tel := SlogAPI{}
	tel.ReportInfo("run started", "abc")
	tel.ReportDebug("hidden at info")
	tel.ReportWarning("runner: runner.contract", "link not found")
	require.NoError(t, closeLogs())

	require.Contains(t, tty.String(), "run started")
	require.NotContains(t, tty.String(), "hidden at info")

	system, err := os.ReadFile(filepath.Join(dir, "system", "system-2024-04-01.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(system)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "run started", first["msg"])
	require.Equal(t, "abc", first["params.0"])

	errorLog, err := os.ReadFile(filepath.Join(dir, "debug", "error.log"))
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(errorLog), "\n"))
	require.Contains(t, string(errorLog), "link not found")
}

func TestInitSlogRotatesDaily(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	dir := t.TempDir()
	var tty bytes.Buffer
	var mu sync.Mutex
	now := time.Date(2024, time.April, 1, 23, 59, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	closeLogs, err := InitSlog(SlogOptions{Level: "info", Dir: dir, Now: clock, Tty: &tty})
	require.NoError(t, err)

	tel := SlogAPI{}
	tel.ReportInfo("first run")
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	tel.ReportInfo("second run")
	tel.ReportInfo("third run")
	require.NoError(t, closeLogs())

	first, err := os.ReadFile(filepath.Join(dir, "system", "system-2024-04-01.log"))
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(first), "\n"))
	require.Contains(t, string(first), "first run")

	second, err := os.ReadFile(filepath.Join(dir, "system", "system-2024-04-02.log"))
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(second), "\n"))
	require.Contains(t, string(second), "second run")
	require.Contains(t, string(second), "third run")
}

func TestDailyFileClosed(t *testing.T) {
	f, err := openDailyFile(t.TempDir(), "system", time.Now)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err = f.Write([]byte("late\n"))
	require.ErrorIs(t, err, os.ErrClosed)
}

func TestInitSlogWithoutDir(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	var tty bytes.Buffer
	closeLogs, err := InitSlog(SlogOptions{Level: "debug", Tty: &tty})
	require.NoError(t, err)
	SlogAPI{}.ReportDebug("visible at debug")
	require.NoError(t, closeLogs())
	require.Contains(t, tty.String(), "visible at debug")
}
