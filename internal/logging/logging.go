// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus logger from the given level and format.
// Invalid levels fall back to info; any format other than "json" means text.
func New(level, format string, output io.Writer) *logrus.Logger {
	log := logrus.New()

	if output == nil {
		output = os.Stdout
	}
	log.SetOutput(output)

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
