// Package logging provides the structured logger used across bioengine.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the handful of levels the engine actually distinguishes.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls how the default logger is constructed.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// DefaultConfig returns a sensible default: info level, console output.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Output: os.Stderr}
}

var (
	mu      sync.RWMutex
	current zerolog.Logger
	once    sync.Once
)

func zLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init (re)configures the default logger. Safe to call more than once;
// later calls replace the logger atomically.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var l zerolog.Logger
	if cfg.JSONOutput {
		l = zerolog.New(out).With().Timestamp().Logger()
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	l = l.Level(zLevel(cfg.Level))

	mu.Lock()
	current = l
	mu.Unlock()
}

func ensureInit() {
	once.Do(func() { Init(DefaultConfig()) })
}

// Default returns the process-wide logger, initializing it on first use.
func Default() zerolog.Logger {
	ensureInit()
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetDefault overrides the process-wide logger directly (used by tests
// that want to capture output into a buffer).
func SetDefault(l zerolog.Logger) {
	mu.Lock()
	current = l
	mu.Unlock()
}

// WithComponent returns a child logger tagged with component=name, the
// same field every subsystem (dma, bulk, wal, blobstore...) attaches to
// its log lines so a single engine's output can be filtered per layer.
func WithComponent(name string) zerolog.Logger {
	return Default().With().Str("component", name).Logger()
}
