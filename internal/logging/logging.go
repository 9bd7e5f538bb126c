// Package logging configures the process-wide structured logger.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Setup configures logrus's output format and level. jsonOutput selects the
// JSON formatter (for log aggregation); otherwise a human-readable text
// formatter is used.
func Setup(level string, jsonOutput bool) {
	if jsonOutput {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// For returns a logger scoped to a component, the unit logging is organized
// around throughout the player runtime.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
