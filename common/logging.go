// Package common provides the shared logging infrastructure for the scribe
// service. Logging is built on logrus with an output splitter that routes
// error-level messages to stderr and everything else to stdout, so container
// orchestrators and log aggregators can treat the two streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. It matches the literal "level=error" marker produced by the
// logrus text formatter, avoiding any parsing on the hot path.
type OutputSplitter struct{}

// Write implements io.Writer for the splitter.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance used across all scribe components.
// Services configure its level and format once at startup via Configure;
// everything else imports and uses it directly.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// Configure applies the logging section of the service configuration to the
// global logger. Level falls back to info, format to text.
func Configure(level, format string) {
	switch level {
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "warn":
		Logger.SetLevel(logrus.WarnLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}
	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// ComponentLogger returns an entry pre-tagged with a component field, the
// convention used by background tasks so failures carry structured
// (component, code, message) context.
func ComponentLogger(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}
