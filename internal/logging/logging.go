// Package logging constructs the service logger. Components receive a
// *logrus.Entry tagged with their component name; there is no global logger.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger from the configured level and format. Unknown levels
// fall back to info rather than failing startup.
func New(level, format string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return log
}

// Component returns a logger entry tagged for one component.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}
