// Package logging configures the process-wide zerolog logger and hands
// out per-component child loggers.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

var (
	mu      sync.Mutex
	base    zerolog.Logger
	initted bool
)

// Options controls how the base logger is constructed.
type Options struct {
	// Level is the minimum level that will be logged ("debug", "info",
	// "warn", "error"). Defaults to "info".
	Level string

	// JSON forces structured JSON output even when the writer is a TTY.
	// Used for daemon/service deployment where logs are captured by
	// journald or a container runtime rather than read by a human.
	JSON bool

	Writer io.Writer
}

// Init configures the base logger. Safe to call once at process
// startup; WithComponent works with sane defaults even if Init is
// never called.
func Init(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	level := parseLevel(opts.Level)

	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}

	useConsole := false
	if f, ok := writer.(*os.File); ok {
		useConsole = !opts.JSON && isatty.IsTerminal(f.Fd())
	}

	var out io.Writer = writer
	if useConsole {
		out = zerolog.ConsoleWriter{
			Out:        colorable.NewColorable(writer.(*os.File)),
			TimeFormat: time.RFC3339,
		}
	}

	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
	initted = true
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a logger tagged with the given component name,
// initializing the base logger with defaults if Init has not run yet.
func WithComponent(name string) zerolog.Logger {
	mu.Lock()
	if !initted {
		mu.Unlock()
		Init(Options{})
		mu.Lock()
	}
	l := base
	mu.Unlock()
	return l.With().Str("component", name).Logger()
}
