package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger. format is "json" or "text"; empty picks
// json in production and text otherwise. An unknown level falls back to info.
func Setup(level, format string, production bool) {
	logrus.SetOutput(os.Stdout)

	if format == "" {
		format = "text"
		if production {
			format = "json"
		}
	}
	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Warnf("unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}
