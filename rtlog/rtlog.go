// Package rtlog wraps zap to give the runtime's subsystems a single,
// cheaply-passed logger keyed off SKIP_GC_VERBOSE (0-3), rather than
// each package constructing its own.
package rtlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the sugared zap logger type used across the runtime.
type Logger = *zap.SugaredLogger

// New builds a Logger whose minimum level is derived from verbose,
// which matches the SKIP_GC_VERBOSE range: 0 silences everything
// below Warn, 1 enables Info, 2 enables Debug, 3 additionally turns on
// zap's development stacktraces.
func New(verbose int) Logger {
	level := zapcore.WarnLevel
	switch {
	case verbose >= 2:
		level = zapcore.DebugLevel
	case verbose == 1:
		level = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = verbose < 3
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()

	logger, err := cfg.Build()
	if err != nil {
		// Building a console encoder from static config cannot
		// realistically fail; fall back to a no-op rather than
		// letting a logging misconfiguration take down the runtime.
		return Nop()
	}
	return logger.Sugar()
}

// Nop returns a Logger that discards everything, for tests and
// embeddings that don't want runtime log output.
func Nop() Logger {
	return zap.NewNop().Sugar()
}
