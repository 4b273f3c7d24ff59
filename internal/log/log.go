// Package log provides the structured logging wrapper used throughout
// this module. The call shape — Log(level, msg, keyvals...) — mirrors
// the teacher's own Logger interface (pkg/kgo's
// cl.cfg.logger.Log(LogLevelDebug, "msg", "k", v, ...)), backed here by
// a zap.SugaredLogger instead of the teacher's own implementation.
package log

import "go.uber.org/zap"

// Level mirrors the teacher's LogLevel enum.
type Level int

const (
	LevelNone Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

// Logger is the minimal logging interface every package in this module
// depends on, never on *zap.Logger directly — this is what lets tests
// inject Nop() without pulling in zap's test harness.
type Logger interface {
	Log(level Level, msg string, keyvals ...interface{})
}

// zapLogger adapts a *zap.SugaredLogger to Logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New wraps z as a Logger.
func New(z *zap.Logger) Logger {
	return &zapLogger{sugar: z.Sugar()}
}

func (l *zapLogger) Log(level Level, msg string, keyvals ...interface{}) {
	switch level {
	case LevelError:
		l.sugar.Errorw(msg, keyvals...)
	case LevelWarn:
		l.sugar.Warnw(msg, keyvals...)
	case LevelInfo:
		l.sugar.Infow(msg, keyvals...)
	case LevelDebug:
		l.sugar.Debugw(msg, keyvals...)
	}
}

type nopLogger struct{}

func (nopLogger) Log(Level, string, ...interface{}) {}

// Nop returns a Logger that discards everything, for tests and for
// components constructed without an explicit logger.
func Nop() Logger { return nopLogger{} }
