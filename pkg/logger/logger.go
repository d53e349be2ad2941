// Package logger provides structured logging for Pingu using Logrus.
// Every component logs through an entry carrying a "component" field.
package logger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Fields is re-exported so callers need not import logrus for simple use.
type Fields = logrus.Fields

var (
	log            *logrus.Logger
	mu             sync.RWMutex
	currentLogFile io.Closer
)

func init() {
	log = logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)
}

// Initialize sets up the global logger. It can be called again on reload;
// a previously opened log file is flushed and closed first.
//   - level: debug, info, warn, error
//   - format: json, text
//   - output: stdout, stderr, file
//   - outputFile: path used when output is "file"
func Initialize(level, format, output string, outputFile string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		}
	case "text":
		formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		}
	default:
		return fmt.Errorf("invalid log format %q: must be json or text", format)
	}

	var (
		writer io.Writer
		closer io.Closer
	)
	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	case "file":
		if outputFile == "" {
			return fmt.Errorf("logFile must be specified when logOutput is 'file'")
		}
		file, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", outputFile, err)
		}
		buffered := &bufferedFileWriter{
			Writer: bufio.NewWriterSize(file, 64*1024),
			file:   file,
		}
		writer, closer = buffered, buffered
	default:
		return fmt.Errorf("invalid log output %q: must be stdout, stderr, or file", output)
	}

	next := logrus.New()
	next.SetLevel(lvl)
	next.SetFormatter(formatter)
	next.SetOutput(writer)

	mu.Lock()
	defer mu.Unlock()

	if currentLogFile != nil {
		if err := currentLogFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close previous log file: %v\n", err)
		}
	}
	log = next
	currentLogFile = closer

	return nil
}

// bufferedFileWriter serialises writes to a buffered log file.
type bufferedFileWriter struct {
	mu sync.Mutex
	*bufio.Writer
	file *os.File
}

func (w *bufferedFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Writer.Write(p)
}

// Flush writes buffered data to the file.
func (w *bufferedFileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Writer.Flush()
}

// Close flushes the buffer and closes the file.
func (w *bufferedFileWriter) Close() error {
	if err := w.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}
	return w.file.Close()
}

// Get returns the global logger instance.
func Get() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// SetOutput redirects the global logger. Tests use it to capture log lines.
func SetOutput(w io.Writer) {
	Get().SetOutput(w)
}

// Component returns an entry tagged with the component name:
//
//	logger.Component("monitor").WithField("device", name).Info("state changed")
func Component(name string) *logrus.Entry {
	return Get().WithField("component", name)
}

// WithFields returns a logger entry with structured fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Get().WithFields(fields)
}

// WithField returns a logger entry with a single structured field.
func WithField(key string, value interface{}) *logrus.Entry {
	return Get().WithField(key, value)
}

// WithError returns a logger entry with an error field.
func WithError(err error) *logrus.Entry {
	return Get().WithError(err)
}

func Debugf(format string, args ...interface{}) {
	Get().Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	Get().Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	Get().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	Get().Errorf(format, args...)
}

// SetLevel sets the log level programmatically.
func SetLevel(level logrus.Level) {
	Get().SetLevel(level)
}

// GetLevel returns the current log level.
func GetLevel() logrus.Level {
	return Get().GetLevel()
}

// Close flushes any buffered log data and closes the log file if one is open.
// It is safe to call Close multiple times.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if currentLogFile != nil {
		err := currentLogFile.Close()
		currentLogFile = nil
		return err
	}
	return nil
}

// Flush writes buffered log data to the output. Call it before shutdown.
func Flush() error {
	mu.RLock()
	defer mu.RUnlock()

	if flusher, ok := log.Out.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}
