// Package logging wires up the process-wide logrus logger, following
// the teacher's preference for plain standard-library plumbing
// upgraded to the rest of the pack's structured-logging choice
// (logrus, as used across bureau-foundation-bureau's services).
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger configured from level and format ("text"
// or "json"), writing to stderr.
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
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return log
}
