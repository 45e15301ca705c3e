package utils

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Logger *logrus.Logger

// LogRotation controls file rotation when output is "file"
type LogRotation struct {
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// InitLogger initializes the global logger
func InitLogger(level, format, output, file string) error {
	return InitLoggerWithRotation(level, format, output, file, LogRotation{MaxSize: 100, MaxBackups: 3, MaxAge: 28})
}

// InitLoggerWithRotation initializes the global logger, rotating the log file through lumberjack
func InitLoggerWithRotation(level, format, output, file string, rotation LogRotation) error {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	}

	logger.SetOutput(logOutput(output, file, rotation))
	Logger = logger
	return nil
}

func logOutput(output, file string, rotation LogRotation) io.Writer {
	switch {
	case output == "file" && file != "":
		return &lumberjack.Logger{
			Filename:   file,
			MaxSize:    rotation.MaxSize,
			MaxBackups: rotation.MaxBackups,
			MaxAge:     rotation.MaxAge,
			Compress:   rotation.Compress,
		}
	case output == "stderr":
		return os.Stderr
	default:
		return os.Stdout
	}
}

// SetLogLevel changes the level of the global logger at runtime
func SetLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	GetLogger().SetLevel(logLevel)
	return nil
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	if Logger == nil {
		// Initialize with defaults if not already initialized
		InitLogger("info", "json", "stdout", "")
	}
	return Logger
}

// ComponentLogger returns an entry tagged with the component name
func ComponentLogger(component string) *logrus.Entry {
	return GetLogger().WithField("component", component)
}
