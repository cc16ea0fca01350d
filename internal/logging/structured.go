// Package logging provides structured logging for gateway components.
//
// Every component gets its own Logger via New. Events are logged by name
// with a flat field map, the same shape everywhere:
//
//	log := logging.New("orchestrator")
//	log.Info("message_done", logging.Fields{"key": key, "chunks": n})
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Fields is a set of structured key/value pairs attached to an event.
type Fields map[string]interface{}

// Options configures the shared base logger.
type Options struct {
	Level  string    // debug, info, warn, error
	Format string    // text, json, auto
	Output io.Writer // defaults to os.Stderr
}

var (
	baseMu sync.RWMutex
	base   = newBase(Options{})
)

func newBase(opts Options) *logrus.Logger {
	l := logrus.New()
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	l.SetOutput(out)

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if useJSON(opts.Format, out) {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "ts",
				logrus.FieldKeyMsg:  "event",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	}
	return l
}

// useJSON picks JSON unless asked for text or writing to a terminal.
func useJSON(format string, out io.Writer) bool {
	switch strings.ToLower(format) {
	case "json":
		return true
	case "text":
		return false
	}
	if f, ok := out.(*os.File); ok {
		fd := f.Fd()
		return !(isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
	}
	return true
}

// Configure replaces the base logger. Loggers created earlier pick up the
// new configuration on their next event.
func Configure(opts Options) {
	l := newBase(opts)
	baseMu.Lock()
	base = l
	baseMu.Unlock()
}

func current() *logrus.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// Logger provides structured logging for one component.
type Logger struct {
	component string
	fields    Fields
}

// New creates a new logger for a component.
func New(component string) *Logger {
	return &Logger{component: component}
}

// With returns a logger that adds fields to every event.
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{component: l.component, fields: merged}
}

// WithContext attaches the request ID carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := GetRequestID(ctx); id != "" {
		return l.With(Fields{"request_id": id})
	}
	return l
}

func (l *Logger) entry(extra Fields, err error) *logrus.Entry {
	e := current().WithField("component", l.component)
	if len(l.fields) > 0 {
		e = e.WithFields(logrus.Fields(l.fields))
	}
	if len(extra) > 0 {
		e = e.WithFields(logrus.Fields(extra))
	}
	if err != nil {
		e = e.WithError(err)
	}
	return e
}

// Debug logs a debug event.
func (l *Logger) Debug(event string, extra Fields) {
	l.entry(extra, nil).Debug(event)
}

// Info logs an info event.
func (l *Logger) Info(event string, extra Fields) {
	l.entry(extra, nil).Info(event)
}

// Warn logs a warning event.
func (l *Logger) Warn(event string, extra Fields, err error) {
	l.entry(extra, err).Warn(event)
}

// Error logs an error event.
func (l *Logger) Error(event string, extra Fields, err error) {
	l.entry(extra, err).Error(event)
}

// TimedEvent logs an info event with duration_ms since start.
func (l *Logger) TimedEvent(event string, start time.Time, extra Fields) {
	e := l.entry(extra, nil).WithField("duration_ms", time.Since(start).Milliseconds())
	e.Info(event)
}

// Writer returns an io.Writer that logs each line at warn level. Used to
// route third-party loggers (net/http) through logrus.
func (l *Logger) Writer() *io.PipeWriter {
	return l.entry(nil, nil).WriterLevel(logrus.WarnLevel)
}
