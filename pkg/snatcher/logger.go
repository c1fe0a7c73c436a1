package snatcher

import (
	"sync"

	"go.uber.org/zap"
)

var (
	defaultMu     sync.Mutex
	defaultLogger *zap.Logger
)

// DefaultLogger returns the process-wide logger used when no logger is configured.
// It is built on first use and reused afterwards.
func DefaultLogger() *zap.Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultLogger == nil {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		defaultLogger = l.Named("bodysnatcher")
	}
	return defaultLogger
}

// SetDefaultLogger replaces the process-wide logger. Snatchers that were
// already constructed keep the logger they were given.
func SetDefaultLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}
