package logging

import (
	"fmt"
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
	Level  string
	Format string // "console" or "json"
	Output io.Writer
}

// Init initializes the global structured logger with a console writer on stderr.
func Init(level string) {
	Configure(Options{Level: level})
}

// Configure initializes the global logger from opts.
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

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	write(Logger().Debug(), msg, args)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	write(Logger().Info(), msg, args)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	write(Logger().Warn(), msg, args)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	write(Logger().Error(), msg, args)
}

// write attaches alternating key/value pairs to the event.
func write(ev *zerolog.Event, msg string, args []any) {
	if ev == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			ev = ev.Str("!BADKEY", key)
			break
		}
		switch v := args[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}
