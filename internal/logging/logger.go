package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxFileSizeMB  = 10
	maxFileBackups = 5
	maxFileAgeDays = 28
)

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	return cfg.Build()
}

// NewLoggerWithFile logs JSON to stderr and to a rotated file at path. An
// empty path behaves like NewLogger.
func NewLoggerWithFile(level, path string) (*zap.Logger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewLogger(level)
	}

	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	threshold := zap.NewAtomicLevelAt(ParseLevel(level))
	rotated := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxFileSizeMB,
		MaxBackups: maxFileBackups,
		MaxAge:     maxFileAgeDays,
		Compress:   true,
	})

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), threshold),
		zapcore.NewCore(encoder, rotated, threshold),
	)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// ParseLevel maps a configured level name to a zap level. Unknown names fall
// back to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
