// Package restyutil dumps the http exchanges of a resty client for debugging.
package restyutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
)

type Output interface {
	Write(id string, contents string) error
}

// FilesystemOutput writes each exchange into its own file under a directory.
type FilesystemOutput struct {
	directory string
}

// NewFilesystemOutput empties dir (creating it if needed) and writes into it.
func NewFilesystemOutput(dir string) (FilesystemOutput, error) {
	err := os.RemoveAll(dir)
	if err != nil {
		return FilesystemOutput{}, err
	}
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return FilesystemOutput{}, err
	}
	return FilesystemOutput{directory: dir}, nil
}

func (o FilesystemOutput) Write(id string, contents string) error {
	return os.WriteFile(filepath.Join(o.directory, id), []byte(contents), 0600)
}

// DumpExchanges writes every response client receives to output, files are
// named by a counter in request order.
func DumpExchanges(client *resty.Client, output Output) {
	var counter atomic.Uint64
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		id := fmt.Sprintf("%04d.txt", counter.Add(1))
		err := output.Write(id, formatExchange(res))
		if err != nil {
			fmt.Fprintf(os.Stderr, "restyutil: failed to write %s: %s\n", id, err)
		}
		return nil
	})
}
