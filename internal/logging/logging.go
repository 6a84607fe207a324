// Package logging builds the process-wide zap logger with a hot-reloadable
// level, grounded on the teacher's logging.go (console encoder with
// zap.NewProductionEncoderConfig, a zapcore.Core over an explicit writer,
// an AtomicLevel feeding the core) pared down to this node's one sink:
// stdout/stderr, JSON or console, no per-module log routing.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a *zap.Logger plus the AtomicLevel backing it, so the
// Heartbeat Reconciler can lower or raise verbosity when a remote config
// snapshot changes log_level without rebuilding the logger.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New builds a Logger writing to stderr, JSON-encoded when json is true
// (matching the teacher's production default) or console-encoded
// otherwise (matching its development default), starting at levelName
// ("debug", "info", "warn", "error"; unrecognized names fall back to info).
func New(levelName string, json bool) *Logger {
	level := zap.NewAtomicLevel()
	level.SetLevel(parseLevel(levelName))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if json {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)
	return &Logger{Logger: zap.New(core), level: level}
}

// SetLevel changes verbosity at runtime, used by the heartbeat reconciler
// when a reloaded DynamicConfig snapshot carries a different log_level.
func (l *Logger) SetLevel(levelName string) {
	l.level.SetLevel(parseLevel(levelName))
}

func parseLevel(name string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
