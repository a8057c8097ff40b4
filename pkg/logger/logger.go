// Package logger provides component-tagged logging for the whole process.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Init installs the process logger at the given level ("debug", "info",
// "warn", "error"). Before Init the package is silent, which keeps tests
// quiet by default.
func Init(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	built, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	mu.Lock()
	root = built
	mu.Unlock()
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

func get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

func zfields(component string, fields map[string]any) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	out = append(out, zap.String("component", component))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func DebugC(component, msg string) {
	get().Debug(msg, zap.String("component", component))
}

func InfoC(component, msg string) {
	get().Info(msg, zap.String("component", component))
}

func WarnC(component, msg string) {
	get().Warn(msg, zap.String("component", component))
}

func ErrorC(component, msg string) {
	get().Error(msg, zap.String("component", component))
}

func DebugCF(component, msg string, fields map[string]any) {
	get().Debug(msg, zfields(component, fields)...)
}

func InfoCF(component, msg string, fields map[string]any) {
	get().Info(msg, zfields(component, fields)...)
}

func WarnCF(component, msg string, fields map[string]any) {
	get().Warn(msg, zfields(component, fields)...)
}

func ErrorCF(component, msg string, fields map[string]any) {
	get().Error(msg, zfields(component, fields)...)
}
