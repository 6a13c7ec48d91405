package logger

import (
	"github.com/sirupsen/logrus"

	nvramdb "github.com/thebardofavon/nvram-db"
)

// Logrus wraps a logrus.Logger to implement nvramdb.Logger.
type Logrus struct {
	logger *logrus.Entry
}

// NewLogrus creates a nvramdb.Logger from a logrus.Logger. Records carry a
// "component" field set to Component.
func NewLogrus(logger *logrus.Logger) nvramdb.Logger {
	return &Logrus{logger: logger.WithField("component", Component)}
}

// Error logs an error message with key-value pairs.
func (l *Logrus) Error(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Error(msg)
}

// Warn logs a warning message with key-value pairs.
func (l *Logrus) Warn(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Warn(msg)
}

// Info logs an info message with key-value pairs.
func (l *Logrus) Info(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Info(msg)
}

func argsToFields(args []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			fields[key] = args[i+1]
		}
	}
	return fields
}
