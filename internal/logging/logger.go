package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Output formats accepted by Configure.
const (
	FormatAuto = ""
	FormatText = "text"
	FormatJSON = "json"
	FormatDev  = "dev"
)

var (
	logLevel = new(slog.LevelVar)
	logger   atomic.Pointer[slog.Logger]
)

func init() {
	level := parseLogLevel(os.Getenv("MCPD_DEBUG"))
	logLevel.Set(level)

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger.Store(slog.New(handler))
}

// Logger returns the global logger instance.
func Logger() *slog.Logger {
	return logger.Load()
}

// SetLogLevel sets the global log level for the entire process.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// Configure replaces the global logger with one writing format to w. The
// auto format picks the colored dev handler when w is a terminal and
// plain text otherwise.
func Configure(w io.Writer, format string) error {
	handler, err := newHandler(w, format)
	if err != nil {
		return err
	}
	l := slog.New(handler)
	logger.Store(l)
	slog.SetDefault(l)
	return nil
}

func newHandler(w io.Writer, format string) (slog.Handler, error) {
	if format == FormatAuto {
		format = FormatText
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = FormatDev
		}
	}

	switch format {
	case FormatText:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}), nil
	case FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel}), nil
	case FormatDev:
		return tint.NewHandler(w, &tint.Options{
			Level:      logLevel,
			TimeFormat: "[15:04:05.000]",
		}), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// ParseLevel accepts the MCPD_DEBUG digits as well as level names.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "error":
		return slog.LevelError, nil
	case "1", "warn", "warning":
		return slog.LevelWarn, nil
	case "2", "info":
		return slog.LevelInfo, nil
	case "3", "debug":
		return slog.LevelDebug, nil
	}
	return slog.LevelWarn, fmt.Errorf("unknown log level %q", s)
}

// parseLogLevel converts MCPD_DEBUG environment variable values to slog levels.
// Mapping: 0=Error, 1=Warn, 2=Info, 3=Debug
// Default: Warn if not set or invalid
func parseLogLevel(envVal string) slog.Level {
	switch envVal {
	case "0":
		return slog.LevelError
	case "1":
		return slog.LevelWarn
	case "2":
		return slog.LevelInfo
	case "3":
		return slog.LevelDebug
	default:
		return slog.LevelWarn
	}
}
