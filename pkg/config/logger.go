package config

import (
	"github.com/sirupsen/logrus"
)

// Log is the process-wide logger, configured once by SetupLogger.
var Log = logrus.New()

// SetupLogger configures Log's formatter and level. level is parsed with
// logrus.ParseLevel; an empty or invalid level falls back to Info.
func SetupLogger(level string) {
	Log.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Log.SetLevel(lvl)
}

// NodeLogger returns a contextual logger for one node, carrying its listen
// address on every entry.
func NodeLogger(addr string) *logrus.Entry {
	return Log.WithField("node_addr", addr)
}
