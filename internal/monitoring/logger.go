// Package monitoring holds the process-wide diagnostic logger.
//
// Logf is kept as a plain function variable so tests can redirect or mute
// it. Structured output goes through a logrus logger that Configure sets up
// from the command line.
package monitoring

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stderr, false)
)

// Logf is the package-level diagnostic logger. It defaults to the logrus
// info level but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	Logger().Infof(format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Options configures the structured logger.
type Options struct {
	// Level is a logrus level name ("debug", "info", "warn", ...).
	Level string
	// File, when set, additionally writes rotated logs to this path.
	File     string
	NoColors bool
}

// Configure rebuilds the structured logger from opts.
func Configure(opts Options) error {
	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	writers := []io.Writer{os.Stderr}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    50,
			MaxAge:     7,
			MaxBackups: 3,
		})
	}

	l := newLogger(io.MultiWriter(writers...), opts.NoColors || opts.File != "")
	l.SetLevel(level)

	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

// SetOutput points the structured logger at w. Intended for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(w)
}

// Logger returns the current structured logger.
func Logger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// WithComponent returns an entry tagged with the component name.
func WithComponent(name string) *logrus.Entry {
	return Logger().WithField("component", name)
}

func Debugf(format string, v ...interface{}) { Logger().Debugf(format, v...) }
func Infof(format string, v ...interface{})  { Logger().Infof(format, v...) }
func Warnf(format string, v ...interface{})  { Logger().Warnf(format, v...) }
func Errorf(format string, v ...interface{}) { Logger().Errorf(format, v...) }

func newLogger(w io.Writer, noColors bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&formatter.Formatter{
		NoColors:        noColors,
		TimestampFormat: "2006-01-02 15:04:05.000",
		HideKeys:        true,
		FieldsOrder:     []string{"component"},
	})
	return l
}
