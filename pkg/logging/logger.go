package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/offlinefirst/keyboard-monitor/pkg/config"
)

// FuncKey names the attribute carrying the function that logged the record.
const FuncKey = "func"

// Options describe how to configure a logger instance.
type Options struct {
	// FilePath enables the file sink when non-empty. The file is appended to.
	FilePath  string
	FileLevel string

	ConsoleLevel string
	// Format applies to the console sink: text, json or auto. The file sink
	// is always text.
	Format  string
	Console io.Writer
}

// New creates a structured logger that writes every record to a file sink and
// a console sink, each with its own minimum level. The returned closer
// releases the log file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	consoleLevel, err := parseLevel(opts.ConsoleLevel)
	if err != nil {
		return nil, nil, err
	}
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	format, err := config.NormalizeFormat(opts.Format)
	if err != nil {
		return nil, nil, err
	}
	if format == "auto" {
		format = "json"
		if isTerminal(console) {
			format = "text"
		}
	}

	handlers := []slog.Handler{newHandler(console, format, consoleLevel)}
	closer := io.Closer(closerFunc(func() error { return nil }))

	if path := strings.TrimSpace(opts.FilePath); path != "" {
		fileLevel, err := parseLevel(opts.FileLevel)
		if err != nil {
			return nil, nil, err
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create log directory: %w", err)
			}
		}
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, newHandler(file, "text", fileLevel))
		closer = file
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(&fanout{handlers: handlers}), closer, nil
}

func newHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replaceAttr,
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(level string) (slog.Leveler, error) {
	normalized, err := config.NormalizeLogLevel(level)
	if err != nil {
		return nil, err
	}

	var lvl slog.Level
	switch normalized {
	case "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unhandled log level %q", normalized)
	}

	var levelVar slog.LevelVar
	levelVar.Set(lvl)
	return &levelVar, nil
}

// replaceAttr renders times in UTC and swaps the source location for the
// name of the calling function.
func replaceAttr(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return attr
	}
	switch attr.Key {
	case slog.TimeKey:
		if attr.Value.Kind() == slog.KindTime {
			attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339))
		}
	case slog.SourceKey:
		src, ok := attr.Value.Any().(*slog.Source)
		if !ok || src == nil || src.Function == "" {
			return slog.Attr{}
		}
		return slog.String(FuncKey, shortFunc(src.Function))
	}
	return attr
}

// shortFunc trims the import path: "github.com/x/y/pkg/capture.(*Listener).Run"
// becomes "capture.(*Listener).Run".
func shortFunc(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
