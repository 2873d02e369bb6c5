package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otellogrus"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// New builds a dedicated logger; components receive entries derived from it instead of
// writing through the package-level logrus logger.
func New(level string, format Format, out io.Writer) (*logrus.Logger, error) {
	l := logrus.New()

	if out == nil {
		out = os.Stderr
	}
	l.SetOutput(out)

	if level == "" {
		level = "info"
	}

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("logger.New: invalid level %q: %w", level, err)
	}
	l.SetLevel(lvl)

	switch format {
	case FormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{})
	case FormatText, "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("logger.New: unknown format %q", format)
	}

	// Set up Telemetry
	l.AddHook(otellogrus.NewHook(otellogrus.WithLevels(
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
	)))

	return l, nil
}

// Component returns an entry tagged with the component name.
func Component(l *logrus.Logger, name string) *logrus.Entry {
	if l == nil {
		l = logrus.StandardLogger()
	}

	return l.WithField("component", name)
}
