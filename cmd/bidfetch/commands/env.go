package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"bidfetch/internal/components/telemetry"
	"bidfetch/internal/config"
	"bidfetch/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
)

// env is what every command starts from.
type env struct {
	cfg config.Config
	tel telemetry.API
	// close flushes otel and closes the log files
	close func()
}

func bootstrap(ctx context.Context) env {
	root, err := filepath.Abs(*rootDir)
	if err != nil {
		serviceutil.Fatal("failed to resolve root", err)
	}

	cfg, found, err := config.Load(root)
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}

	closeLogs, err := telemetry.InitSlog(telemetry.SlogOptions{
		Level: cfg.LogLevel,
		Dir:   cfg.LogDir,
	})
	if err != nil {
		serviceutil.Fatal("failed to open log files", err)
	}
	if !found {
		slog.Warn("config.json5 not found, using defaults", "root", root)
	}

	otel, err := telemetry.SetupOtelFromEnv(ctx, "bidfetch")
	if err != nil {
		slog.Warn("failed to setup otel, continuing without it", "err", err)
	}

	return env{
		cfg: cfg,
		tel: telemetry.SlogAPI{},
		close: func() {
			err := errors.Join(otel.Shutdown(context.WithoutCancel(ctx)), closeLogs())
			if err != nil {
				slog.Warn("cleanup failed", "err", err)
			}
		},
	}
}

// fatal runs cleanup before exiting, os.Exit skips deferred calls.
func (e env) fatal(message string, err error) {
	e.close()
	serviceutil.Fatal(message, err)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}
