package observability

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // json, pretty
}

// Logger wraps logrus with pepeunit field conventions.
type Logger struct {
	*logrus.Logger
}

func NewLogger(cfg LogConfig, out io.Writer) *Logger {
	l := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch cfg.Format {
	case "pretty":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000000Z",
		})
	default:
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000000Z",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	if out == nil {
		out = os.Stdout
	}
	l.SetOutput(out)
	return &Logger{Logger: l}
}

// DiscardLogger is used by tests and by components built without a logger.
func DiscardLogger() *Logger {
	return NewLogger(LogConfig{Level: "panic"}, io.Discard)
}

// ForComponent returns a logger scoped to a specific component target.
func (l *Logger) ForComponent(component string) *logrus.Entry {
	return l.Logger.WithField("target", "pepeunit::"+component)
}
