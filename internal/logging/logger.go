package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger *zerolog.Logger
)

// Options configures the global logger.
type Options struct {
	Level  string    // debug, info, warn, error
	Format string    // console or json
	Output io.Writer // defaults to stderr
}

// Init initializes the global structured logger with console output.
func Init(level string) {
	Configure(Options{Level: level, Format: "console"})
}

// Configure replaces the global logger.
func Configure(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	l := zerolog.New(out).With().Timestamp().Logger().Level(parseLevel(opts.Level))

	mu.Lock()
	logger = &l
	mu.Unlock()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the global logger instance.
func Logger() *zerolog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		Init("info")
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	return l
}

// With returns a child logger tagged with a component name.
func With(component string) zerolog.Logger {
	return Logger().With().Str("component", component).Logger()
}

// Debug logs a debug message. args are alternating keys and values.
func Debug(msg string, args ...any) {
	emit(Logger().Debug(), msg, args)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	emit(Logger().Info(), msg, args)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	emit(Logger().Warn(), msg, args)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	emit(Logger().Error(), msg, args)
}

func emit(ev *zerolog.Event, msg string, args []any) {
	if ev == nil {
		return
	}
	if len(args) > 0 {
		ev = ev.Fields(args)
	}
	ev.Msg(msg)
}
