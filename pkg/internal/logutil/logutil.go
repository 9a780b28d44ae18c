package logutil

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the process-wide base logger.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// JSON switches from the console writer to line-delimited JSON.
	JSON bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

var (
	mu   sync.RWMutex
	base = defaultLogger()
)

func defaultLogger() zerolog.Logger {
	cfg := Config{Level: os.Getenv("MOCKHUB_LOG_LEVEL")}
	if os.Getenv("MOCKHUB_LOG_JSON") == "1" || os.Getenv("MOCKHUB_LOG_FORMAT") == "json" {
		cfg.JSON = true
	}
	return build(cfg)
}

func build(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// Setup replaces the base logger. Loggers handed out earlier keep their old sink.
func Setup(cfg Config) {
	l := build(cfg)
	mu.Lock()
	base = l
	mu.Unlock()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New returns a child of the base logger tagged with component.
func New(component string) *zerolog.Logger {
	mu.RLock()
	l := base.With().Str("component", component).Logger()
	mu.RUnlock()
	return &l
}

// Or returns l when non-nil, otherwise a fresh component logger.
func Or(l *zerolog.Logger, component string) *zerolog.Logger {
	if l != nil {
		return l
	}
	return New(component)
}

// Nop is a logger that discards everything; handy in tests.
func Nop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}
