// Package log configures the process logger and hands out module scoped entries.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

func Setup(logLevel string) {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func WithModule(module string) *logrus.Entry {
	return logrus.WithField("module", module)
}

// Discard returns an entry that drops everything, for tests and optional collaborators.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(discardWriter{})

	return logrus.NewEntry(logger)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
