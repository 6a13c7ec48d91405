package logger

import (
	"go.uber.org/zap"

	nvramdb "github.com/thebardofavon/nvram-db"
)

// Zap wraps a zap.Logger to implement nvramdb.Logger.
type Zap struct {
	logger *zap.SugaredLogger
}

// NewZap creates a nvramdb.Logger from a zap.Logger. Records are logged
// under the logger name Component.
func NewZap(logger *zap.Logger) nvramdb.Logger {
	return &Zap{logger: logger.Named(Component).Sugar()}
}

// Error logs an error message with key-value pairs.
func (z *Zap) Error(msg string, args ...any) {
	z.logger.Errorw(msg, args...)
}

// Warn logs a warning message with key-value pairs.
func (z *Zap) Warn(msg string, args ...any) {
	z.logger.Warnw(msg, args...)
}

// Info logs an info message with key-value pairs.
func (z *Zap) Info(msg string, args ...any) {
	z.logger.Infow(msg, args...)
}
