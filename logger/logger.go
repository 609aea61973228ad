// Package logger builds the zap loggers used by the command-line tools.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger that writes debug (when enabled) and info entries to stdout and
// warnings and errors to stderr, JSON encoded.
func New(debug bool) *zap.Logger {
	return zap.New(NewCore(debug, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr)))
}

// NewCore builds the tee core behind New with explicit sinks.
func NewCore(debug bool, stdout, stderr zapcore.WriteSyncer) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	if debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	lowLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		if debug && level == zapcore.DebugLevel {
			return true
		}
		return level == zapcore.InfoLevel
	})
	highLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= zapcore.WarnLevel
	})

	return zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), stdout, lowLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), stderr, highLevel),
	)
}
