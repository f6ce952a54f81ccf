// Package logging builds the process zap logger and carries it through contexts.
package logging

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const loggerKey = contextKey("logger")

var (
	defaultLogger     *zap.Logger
	defaultLoggerOnce sync.Once
	confMu            sync.Mutex
	conf              = Config{Level: zapcore.InfoLevel}
)

// Config selects the level and optional rotating JSON file output.
type Config struct {
	Level      zapcore.Level
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SetConfig replaces the configuration used by DefaultLogger. It has no effect
// once DefaultLogger has been built.
func SetConfig(c Config) {
	confMu.Lock()
	defer confMu.Unlock()
	conf = c
}

// NewLogger builds a logger writing human-readable lines to stdout and, when
// FilePath is set, JSON lines to a rotated file.
func NewLogger(c Config) *zap.Logger {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	ec.CallerKey = ""

	level := zap.NewAtomicLevelAt(c.Level)
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(ec), zapcore.AddSync(os.Stdout), level),
	}

	if c.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    orDefault(c.MaxSizeMB, 10),
			MaxBackups: orDefault(c.MaxBackups, 3),
			MaxAge:     orDefault(c.MaxAgeDays, 15),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...))
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// DefaultLogger returns the lazily built process logger.
func DefaultLogger() *zap.Logger {
	defaultLoggerOnce.Do(func() {
		confMu.Lock()
		c := conf
		confMu.Unlock()
		defaultLogger = NewLogger(c)
	})
	return defaultLogger
}

// WithLogger stores logger on the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the context logger, falling back to DefaultLogger.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// ParseLevel maps a textual level onto zapcore, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}
