package observability

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusLogger adapts a logrus entry to the Logger interface.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger builds a JSON logrus logger tagged with the component name.
// An empty level falls back to LOG_LEVEL and then to info.
func NewLogrusLogger(out io.Writer, level, component string) *LogrusLogger {
	if out == nil {
		out = os.Stdout
	}
	base := logrus.New()
	base.SetOutput(out)
	base.SetReportCaller(true)
	base.SetLevel(parseLevel(level))
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
		},
	})
	entry := logrus.NewEntry(base)
	if component = strings.TrimSpace(component); component != "" {
		entry = entry.WithField("component", component)
	}
	return &LogrusLogger{entry: entry}
}

// WithComponent returns a child logger with a different component tag.
func (l *LogrusLogger) WithComponent(component string) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField("component", component)}
}

// Debug logs at debug level.
func (l *LogrusLogger) Debug(msg string, fields ...Field) { l.with(fields).Debug(msg) }

// Info logs at info level.
func (l *LogrusLogger) Info(msg string, fields ...Field) { l.with(fields).Info(msg) }

// Warn logs at warn level.
func (l *LogrusLogger) Warn(msg string, fields ...Field) { l.with(fields).Warn(msg) }

// Error logs at error level.
func (l *LogrusLogger) Error(msg string, fields ...Field) { l.with(fields).Error(msg) }

func (l *LogrusLogger) with(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		if err, ok := f.Value.(error); ok && err != nil {
			data[f.Key] = err.Error()
			continue
		}
		data[f.Key] = f.Value
	}
	return l.entry.WithFields(data)
}

func parseLevel(level string) logrus.Level {
	candidate := strings.ToLower(strings.TrimSpace(level))
	if candidate == "" {
		candidate = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	}
	if candidate == "" {
		return logrus.InfoLevel
	}
	lvl, err := logrus.ParseLevel(candidate)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
