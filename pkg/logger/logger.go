// Package logger configures the debugger's structured logging.
//
// Debugger output meant for the user (thread lists, register dumps) is
// printed by the commands themselves; this logger carries diagnostics such
// as dropped virtual threads or plugin load failures, on stderr by default.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/phuslu/log"
)

// Config controls the default logger.
type Config struct {
	Level  string // trace, debug, info, warn, error
	Format string // console, json
	Color  bool
	Writer io.Writer
}

func parseLogLevel(levelStr string) log.Level {
	switch strings.ToLower(levelStr) {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.WarnLevel
	}
}

// Configure replaces log.DefaultLogger. Component loggers created
// afterwards inherit its level and writer.
func Configure(cfg Config) {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	var writer log.Writer
	switch cfg.Format {
	case "json":
		writer = &log.IOWriter{Writer: w}
	default:
		writer = &log.ConsoleWriter{
			ColorOutput:    cfg.Color,
			QuoteString:    true,
			EndWithMessage: true,
			Writer:         w,
		}
	}

	log.DefaultLogger = log.Logger{
		Level:      parseLogLevel(cfg.Level),
		TimeFormat: "15:04:05.000",
		Writer:     writer,
	}
}

// New returns a logger tagged with component.
func New(component string) *log.Logger {
	bl := &log.DefaultLogger
	return &log.Logger{
		Level:        bl.Level,
		TimeField:    bl.TimeField,
		TimeFormat:   bl.TimeFormat,
		TimeLocation: bl.TimeLocation,
		Writer:       bl.Writer,
		Context:      log.NewContext(bl.Context).Str("component", component).Value(),
	}
}

// Discard returns a logger that drops everything, for tests.
func Discard() *log.Logger {
	return &log.Logger{
		Level:  log.PanicLevel,
		Writer: &log.IOWriter{Writer: io.Discard},
	}
}
