// Package logging provides a structured logging wrapper around charmbracelet/log.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	defaultLogger     *log.Logger
	defaultLoggerOnce sync.Once
	mu                sync.Mutex
)

func getDefaultLogger() *log.Logger {
	defaultLoggerOnce.Do(func() {
		if defaultLogger == nil {
			defaultLogger = New("info")
		}
	})
	return defaultLogger
}

// New creates a new logger with the specified level.
// Valid levels: "debug", "info", "warn", "error".
func New(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: false,
		ReportCaller:    false,
	})
	setLoggerLevel(logger, level)
	return logger
}

func setLoggerLevel(logger *log.Logger, level string) {
	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "info":
		logger.SetLevel(log.InfoLevel)
	case "warn", "warning":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}

// Init initializes the default logger with the specified level.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()
	defaultLoggerOnce.Do(func() {
		defaultLogger = New(level)
	})
}

// SetLevel sets the logging level for the default logger.
func SetLevel(level string) {
	setLoggerLevel(getDefaultLogger(), level)
}

// SetOutput sets the output destination for the default logger.
func SetOutput(w io.Writer) {
	getDefaultLogger().SetOutput(w)
}

// Default returns the default logger instance.
func Default() *log.Logger {
	return getDefaultLogger()
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...interface{}) {
	getDefaultLogger().Debugf(format, args...)
}

// Infof logs a formatted message at info level.
func Infof(format string, args ...interface{}) {
	getDefaultLogger().Infof(format, args...)
}

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...interface{}) {
	getDefaultLogger().Warnf(format, args...)
}

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...interface{}) {
	getDefaultLogger().Errorf(format, args...)
}
