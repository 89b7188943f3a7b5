package obs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tingly-dev/toolfence/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogging configures the standard logrus logger from cfg. Logs go to
// console, and additionally to a rotating file when cfg.File is set. The
// returned closer releases the file.
func SetupLogging(cfg config.Log, console io.Writer) (io.Closer, error) {
	if console == nil {
		console = os.Stderr
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		logrus.SetOutput(console)
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	fileLogger := NewRotatingLogger(cfg)
	logrus.SetOutput(io.MultiWriter(console, fileLogger))
	return fileLogger, nil
}

// NewRotatingLogger creates a lumberjack logger with the rotation settings of cfg.
func NewRotatingLogger(cfg config.Log) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// ApplyLevel changes the log level, keeping the current one on a bad value.
func ApplyLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithError(err).Warn("Ignoring invalid log level")
		return
	}
	if parsed != logrus.GetLevel() {
		logrus.SetLevel(parsed)
		logrus.Infof("Log level set to %s", parsed)
	}
}
