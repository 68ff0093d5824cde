package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with the audit helpers the core uses.
type Logger struct {
	*logrus.Logger
}

// New builds a logger at level. env "prod" switches to JSON output.
func New(level, env string) *Logger {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if env == "prod" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stdout)

	return &Logger{Logger: log}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Logger{Logger: log}
}

// WithComponent tags entries with the component name.
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// Audit records who attempted what on which resource and whether it went through.
func (l *Logger) Audit(actorID int64, action, resource string, success bool, details logrus.Fields) {
	entry := l.Logger.WithFields(logrus.Fields{
		"audit":    true,
		"actor_id": actorID,
		"action":   action,
		"resource": resource,
		"success":  success,
	})
	if len(details) > 0 {
		entry = entry.WithFields(details)
	}

	if success {
		entry.Info("audit event")
	} else {
		entry.Warn("audit event denied")
	}
}
