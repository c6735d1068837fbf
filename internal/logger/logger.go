// Package logger builds the zap loggers used across kadnet.
package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var debug atomic.Bool

// SetDebug switches newly created loggers to the development configuration
func SetDebug(enabled bool) {
	debug.Store(enabled)
}

// New takes in a package name and returns a logger tagged with it.
func New(pkg string) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)

	if _, ok := os.LookupEnv("KADNET_DEBUG"); ok || debug.Load() {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		l, err = cfg.Build()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}

	return l.With(zap.String("package", pkg))
}

// OrNop returns l, or a no-op logger when l is nil
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
