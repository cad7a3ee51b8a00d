// Package logging builds the logrus loggers used by the tempnum binaries.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type appNameHook struct {
	appName string
}

// Levels implements logrus.Hook.
func (h *appNameHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *appNameHook) Fire(entry *logrus.Entry) error {
	entry.Message = "[" + h.appName + "] " + entry.Message
	return nil
}

// New returns a text logger writing to stderr that prefixes every message
// with appName. An empty or invalid level falls back to info.
func New(appName, level string) *logrus.Logger {
	return NewWithOutput(appName, level, os.Stderr)
}

// NewWithOutput is New with an explicit writer.
func NewWithOutput(appName, level string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to INFO", level)
	}
	logger.SetLevel(lvl)

	if appName != "" {
		logger.AddHook(&appNameHook{appName: appName})
	}
	return logger
}

// ParseLevel parses level case-insensitively. Empty means info. On error the
// returned level is info.
func ParseLevel(level string) (logrus.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, err
	}
	return lvl, nil
}
