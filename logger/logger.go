package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var defaultLogger = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return l
}

// SetLevelFromString sets log level from string (debug, info, warn, error)
func SetLevelFromString(levelStr string) {
	level, err := logrus.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		defaultLogger.Warnf("[LOGGER] Unknown log level %q, keeping %s", levelStr, defaultLogger.GetLevel())
		return
	}
	defaultLogger.SetLevel(level)
	defaultLogger.Infof("[LOGGER] Log level set to %s", strings.ToUpper(level.String()))
}

// SetFile mirrors log output into a rotated file in addition to stdout
func SetFile(path string) {
	if path == "" {
		return
	}
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	defaultLogger.SetOutput(io.MultiWriter(os.Stdout, rotated))
	defaultLogger.Infof("[LOGGER] Logging to %s", path)
}

// GetLevelString returns current log level as string
func GetLevelString() string {
	return strings.ToUpper(defaultLogger.GetLevel().String())
}

// Debug logs at DEBUG level
func Debug(format string, v ...interface{}) {
	defaultLogger.Debugf(format, v...)
}

// Info logs at INFO level
func Info(format string, v ...interface{}) {
	defaultLogger.Infof(format, v...)
}

// Warn logs at WARN level
func Warn(format string, v ...interface{}) {
	defaultLogger.Warnf(format, v...)
}

// Error logs at ERROR level
func Error(format string, v ...interface{}) {
	defaultLogger.Errorf(format, v...)
}

// Fatal logs at FATAL level and exits
func Fatal(format string, v ...interface{}) {
	defaultLogger.Fatalf(format, v...)
}
