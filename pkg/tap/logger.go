// Package tap provides context-scoped logging for the edgelens daemons.
//
// Every long-running component receives its logger through the context; the
// package falls back to a process-wide default configured from LOG_LEVEL and
// LOG_JSON. All records are additionally captured in an in-memory ring
// buffer so the status APIs and the CLI can serve recent log lines without
// touching files.
package tap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
)

// contextKey is used for storing the logger in context
type contextKey struct{}

var (
	// defaultLogger is the fallback logger when none is found in context
	defaultLogger *slog.Logger
	// globalLogBuffer stores recent records for retrieval
	globalLogBuffer *LogBuffer
)

func init() {
	InitLogger()
}

// InitLogger initializes the default logger from the LOG_LEVEL and LOG_JSON
// environment variables.
func InitLogger() {
	level, jsonOutput := settingsFromEnv()
	globalLogBuffer = newLogBuffer(4096)
	defaultLogger = buildLogger(level, jsonOutput, os.Stdout)
}

// InitProcessLogger points the default logger at stdout plus an append-only
// file named <name>.log under dir. LOG_LEVEL and LOG_JSON apply as in
// InitLogger. The caller owns the returned file handle.
func InitProcessLogger(dir, name string) (io.Closer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	level, jsonOutput := settingsFromEnv()
	defaultLogger = buildLogger(level, jsonOutput, io.MultiWriter(os.Stdout, f))
	return f, nil
}

// settingsFromEnv reads LOG_LEVEL and LOG_JSON.
func settingsFromEnv() (slog.Level, bool) {
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	return level, os.Getenv("LOG_JSON") == "true"
}

// buildLogger assembles the output handler plus the capture handler.
func buildLogger(level slog.Level, jsonOutput bool, output io.Writer) *slog.Logger {
	var outHandler slog.Handler
	if jsonOutput {
		outHandler = slog.NewJSONHandler(output, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		outHandler = slog.NewTextHandler(output, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
					t := a.Value.Time()
					a.Value = slog.StringValue(t.Format("15:04:05.000"))
				}
				return a
			},
		})
	}

	if globalLogBuffer == nil {
		globalLogBuffer = newLogBuffer(4096)
	}
	return slog.New(newMultiHandler(outHandler, newBufferHandler(globalLogBuffer)))
}

// Logger returns the logger carried by ctx, or the process default if none
// is set. Never returns nil.
func Logger(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return defaultLogger
}

// WithLogger returns a new context carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = defaultLogger
	}
	return context.WithValue(ctx, contextKey{}, logger)
}

// Default returns the process-wide default logger.
func Default() *slog.Logger {
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(logger *slog.Logger) {
	if logger != nil {
		defaultLogger = logger
	}
}

// NewLogger creates a logger with explicit settings. Records still feed the
// shared ring buffer.
func NewLogger(level slog.Level, jsonOutput bool, output io.Writer) *slog.Logger {
	if output == nil {
		output = os.Stdout
	}
	return buildLogger(level, jsonOutput, output)
}

// NewDiscardLogger creates a logger whose output is discarded. Records are
// still captured in the ring buffer, which keeps tests observable.
func NewDiscardLogger() *slog.Logger {
	if globalLogBuffer == nil {
		globalLogBuffer = newLogBuffer(4096)
	}
	return slog.New(newMultiHandler(slog.NewTextHandler(io.Discard, nil), newBufferHandler(globalLogBuffer)))
}

// GetLogBuffer returns the shared in-memory log buffer.
func GetLogBuffer() *LogBuffer {
	return globalLogBuffer
}

// Go runs fn in a goroutine with panic recovery. A panic is logged with its
// stack and reported on errCh if there is room.
func Go(logger *slog.Logger, errCh chan<- error, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err := fmt.Errorf("goroutine panicked: %v", r)
				logger.Error("Goroutine panic", "panic", r, "stack", string(stack))
				select {
				case errCh <- err:
				default:
					logger.Error("Failed to send panic to error channel")
				}
			}
		}()
		fn()
	}()
}
