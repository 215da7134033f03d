// Package logutil owns the process-wide zap logger and adapts it to
// core.Logger.
package logutil

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Swind/go-gpu-stream/core"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats accepted by New.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
)

// New builds a zap logger. level is a zap level name ("debug", "info",
// "warn", "error"); format is FormatJSON or FormatConsole.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("logutil: %w", err)
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "", FormatJSON:
		cfg = zap.NewProductionConfig()
	case FormatConsole:
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("logutil: unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// InitLogger installs the global logger at info level with JSON output.
// Subsequent calls are no-ops.
func InitLogger() {
	mu.Lock()
	defer mu.Unlock()

	if logger != nil {
		return
	}
	l, err := New("info", FormatJSON)
	if err != nil {
		l = zap.NewNop()
	}
	logger = l
}

// SetLogger replaces the global logger.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// GetLogger returns the global logger, initialising it on first use.
func GetLogger() *zap.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	InitLogger()
	return GetLogger()
}

// CoreLogger adapts a zap logger to core.Logger.
type CoreLogger struct {
	l *zap.Logger
}

var _ core.Logger = (*CoreLogger)(nil)

// NewCoreLogger wraps l. A nil l uses the global logger.
func NewCoreLogger(l *zap.Logger) *CoreLogger {
	if l == nil {
		l = GetLogger()
	}
	return &CoreLogger{l: l.WithOptions(zap.AddCallerSkip(1))}
}

func (c *CoreLogger) Debug(msg string, fields ...core.Field) { c.l.Debug(msg, zapFields(fields)...) }
func (c *CoreLogger) Info(msg string, fields ...core.Field)  { c.l.Info(msg, zapFields(fields)...) }
func (c *CoreLogger) Warn(msg string, fields ...core.Field)  { c.l.Warn(msg, zapFields(fields)...) }
func (c *CoreLogger) Error(msg string, fields ...core.Field) { c.l.Error(msg, zapFields(fields)...) }

// Zap returns the wrapped logger.
func (c *CoreLogger) Zap() *zap.Logger {
	return c.l
}

func zapFields(fields []core.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		if err, ok := f.Value.(error); ok {
			out[i] = zap.NamedError(f.Key, err)
			continue
		}
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}
