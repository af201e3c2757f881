package logger

import "sync/atomic"

var defLogger atomic.Value

func init() {
	defLogger.Store(loggerBox{New(Options{Level: InfoLevel, Format: JSONFormat})})
}

type loggerBox struct{ Logger }

// GetLogger returns the process wide logger.
func GetLogger() Logger {
	return defLogger.Load().(loggerBox).Logger
}

// SetDefault replaces the process wide logger returned by GetLogger.
func SetDefault(l Logger) {
	if l != nil {
		defLogger.Store(loggerBox{l})
	}
}

func Debug(msg string, keysAndValues ...any) {
	GetLogger().Debug(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...any) {
	GetLogger().Info(msg, keysAndValues...)
}
