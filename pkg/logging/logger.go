package logging

import (
	"github.com/sirupsen/logrus"

	"chatvault/pkg/config"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Fields represents structured logging fields
type Fields = logrus.Fields

// Level represents a log level
type Level = logrus.Level

// Log levels
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger creates a new configured logger instance
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService returns a logger configured like NewLogger.
// serviceName is not attached to log entries: WithField builds an Entry,
// and the *logrus.Logger taken back from it carries no fields.
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()

	logger = logger.WithField("service", serviceName).Logger

	return logger
}
