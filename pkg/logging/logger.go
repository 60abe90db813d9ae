package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. Debug output is enabled by the --debug
// flag rather than threading the check through every component.
func New(debug bool, format string) logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return log
}

// Nop discards everything, for components built without a logger.
func Nop() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// OrNop returns log, or a discarding logger when log is nil.
func OrNop(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return Nop()
	}
	return log
}
