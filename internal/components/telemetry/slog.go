package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// SlogAPI implements API using the log/slog package.
type SlogAPI struct {
	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
}

func (s SlogAPI) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (SlogAPI) formatParams(out *[]any, params []any) {
	for i, p := range params {
		*out = append(
			*out,
			fmt.Sprintf("params.%d", i),
			p,
		)
	}
}

func (s SlogAPI) ReportBroken(id string, params ...any) {
	remainingPairs := []any{"id", id}
	s.formatParams(&remainingPairs, params)
	s.logger().Error("broken component", remainingPairs...)
}

func (s SlogAPI) ReportWarning(id string, params ...any) {
	remainingPairs := []any{"id", id}
	s.formatParams(&remainingPairs, params)
	s.logger().Warn("warning", remainingPairs...)
}

func (s SlogAPI) ReportInfo(message string, params ...any) {
	remainingPairs := []any{}
	s.formatParams(&remainingPairs, params)
	s.logger().Info(message, remainingPairs...)
}

func (s SlogAPI) ReportDebug(message string, params ...any) {
	remainingPairs := []any{}
	s.formatParams(&remainingPairs, params)
	s.logger().Debug(message, remainingPairs...)
}

func (s SlogAPI) ReportCount(id string, count int64) {
	s.logger().Info("count", "id", id, "n", count)
}

// SlogOptions configures InitSlog.
type SlogOptions struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Dir is the log root, `system/` and `debug/` are created beneath it.
	// Empty disables file output.
	Dir string
	// Now dates the system log file, it defaults to time.Now.
	Now func() time.Time
	Tty io.Writer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitSlog sets the default slog logger: a colored console handler plus,
// when opts.Dir is set, a JSON system log that starts a new file every day
// and a warn+ error log.
// The returned function closes the log files.
func InitSlog(opts SlogOptions) (func() error, error) {
	level := parseLevel(opts.Level)
	tty := opts.Tty
	if tty == nil {
		tty = os.Stdout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	console := charmlog.NewWithOptions(tty, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Level:           charmlog.Level(level),
	})

	handlers := []slog.Handler{console}
	var files []io.Closer
	closeFiles := func() error {
		var errs []error
		for _, f := range files {
			errs = append(errs, f.Close())
		}
		return errors.Join(errs...)
	}

	if opts.Dir != "" {
		system, err := openDailyFile(filepath.Join(opts.Dir, "system"), "system", now)
		if err != nil {
			return nil, err
		}
		files = append(files, system)

		errorPath := filepath.Join(opts.Dir, "debug", "error.log")
		err = os.MkdirAll(filepath.Dir(errorPath), 0755)
		if err != nil {
			closeFiles()
			return nil, err
		}
		errorLog, err := os.OpenFile(errorPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			closeFiles()
			return nil, err
		}
		files = append(files, errorLog)

		handlers = append(
			handlers,
			slog.NewJSONHandler(system, &slog.HandlerOptions{Level: level}),
			slog.NewJSONHandler(errorLog, &slog.HandlerOptions{Level: slog.LevelWarn}),
		)
	}

	slog.SetDefault(slog.New(fanout(handlers)))
	return closeFiles, nil
}

// fanout forwards every record to each handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		errs = append(errs, h.Handle(ctx, record.Clone()))
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
