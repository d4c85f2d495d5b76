// Package logger provides tagged, structured logging for slabvalue.
// Every call carries a short component tag ("CACHE", "POLL", "DB", ...) so
// log lines can be filtered per subsystem.
package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	base = zap.NewNop()
)

// Init builds the process-wide logger. level is a zap level name
// ("debug", "info", "warn", "error"); dev switches to the console encoder.
func Init(level string, dev bool) error {
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.TimeKey = "time"

	if level != "" {
		lvl, err := zapcore.ParseLevel(strings.ToLower(level))
		if err != nil {
			return fmt.Errorf("parse log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	Set(l)
	return nil
}

// Set replaces the process-wide logger (tests use zaptest/observer loggers).
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	base = l
	mu.Unlock()
}

// L returns the underlying zap logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered entries.
func Sync() {
	_ = L().Sync()
}

func tagged(tag string) *zap.Logger {
	return L().With(zap.String("tag", tag))
}

// Info logs an informational message.
func Info(tag, msg string, fields ...zap.Field) {
	tagged(tag).Info(msg, fields...)
}

// Success logs a completed operation.
func Success(tag, msg string, fields ...zap.Field) {
	tagged(tag).Info(msg, append(fields, zap.Bool("ok", true))...)
}

// Warn logs a recoverable problem.
func Warn(tag, msg string, fields ...zap.Field) {
	tagged(tag).Warn(msg, fields...)
}

// Error logs a failure.
func Error(tag, msg string, fields ...zap.Field) {
	tagged(tag).Error(msg, fields...)
}

// Debug logs verbose diagnostics.
func Debug(tag, msg string, fields ...zap.Field) {
	tagged(tag).Debug(msg, fields...)
}

// Banner logs the startup banner.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	L().Info("slabvalue valuation engine", zap.String("version", version))
}

// Section marks the start of a logical phase (startup, shutdown).
func Section(title string) {
	L().Info("== " + title + " ==")
}

// Stats logs a single named statistic.
func Stats(key string, value interface{}) {
	L().Info("stat", zap.String("key", key), zap.Any("value", value))
}

// Server logs the listen address.
func Server(addr string) {
	L().Info("listening", zap.String("tag", "HTTP"), zap.String("addr", "http://"+addr))
}
