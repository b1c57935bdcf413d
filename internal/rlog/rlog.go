// Package rlog is a thin facade over github.com/sammck-go/logger, adding
// fatih/color level-tag colorization the way share/logger.go's BasicLogger
// prefixes output, and a CLI-facing level-string parser for cmd/socksrelay's
// --log-level flag.
package rlog

import (
	"os"

	"github.com/fatih/color"
	"github.com/sammck-go/logger"
)

var levelColors = map[logger.LogLevel]*color.Color{
	logger.LogLevelError:   color.New(color.FgRed, color.Bold),
	logger.LogLevelWarning: color.New(color.FgYellow),
	logger.LogLevelInfo:    color.New(color.FgGreen),
	logger.LogLevelDebug:   color.New(color.FgCyan),
	logger.LogLevelTrace:   color.New(color.FgMagenta),
}

// ParseLevel converts a CLI-facing level name ("error", "warning", "info",
// "debug", "trace") into a logger.LogLevel, defaulting to LogLevelInfo for
// an empty or unrecognized name.
func ParseLevel(name string) logger.LogLevel {
	switch name {
	case "error":
		return logger.LogLevelError
	case "warning", "warn":
		return logger.LogLevelWarning
	case "info", "":
		return logger.LogLevelInfo
	case "debug":
		return logger.LogLevelDebug
	case "trace":
		return logger.LogLevelTrace
	default:
		return logger.LogLevelInfo
	}
}

// New builds the relay's root logger, writing to stderr. It applies no
// colorization itself; Tag is the separate helper for colored level tags.
func New(prefix string, level logger.LogLevel) (logger.Logger, error) {
	return logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithPrefix(prefix),
		logger.WithLogLevel(level),
	)
}

// Tag returns name wrapped in the color conventionally associated with
// level, or unstyled if color is unavailable (e.g. output redirected to a
// file, or NO_COLOR is set).
func Tag(level logger.LogLevel, name string) string {
	c, ok := levelColors[level]
	if !ok || color.NoColor {
		return name
	}
	return c.Sprint(name)
}

// Fatalf logs a formatted fatal error and exits with status 1, mirroring
// share/logger.go's Logger.Fatalf.
func Fatalf(log logger.Logger, f string, args ...interface{}) {
	log.Fatalf(f, args...)
}
