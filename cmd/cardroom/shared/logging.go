// Package shared holds the helpers every cardroom subcommand uses:
// logger construction and signal-aware contexts.
package shared

import (
	"os"

	"github.com/charmbracelet/log"
)

// SetupLogger builds the root logger every component derives from.
func SetupLogger(level, format string) *log.Logger {
	opts := log.Options{
		ReportTimestamp: true,
	}
	if format == "json" {
		opts.Formatter = log.JSONFormatter
	}

	logger := log.NewWithOptions(os.Stderr, opts)
	switch level {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
	return logger
}
