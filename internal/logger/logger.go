// Package logger configures the process-wide structured logger. All packages
// log through github.com/phuslu/log's default logger; Setup points it at a
// rotating file plus a human-readable console stream.
package logger

import (
	"strings"

	"github.com/phuslu/log"
)

// Setup initializes the default logger with size-based file rotation and a
// console writer. maxSizeMB bounds a single log file; maxBackups bounds how
// many rotated files are kept.
func Setup(filename string, maxSizeMB int64, maxBackups int, level string) {
	log.DefaultLogger = log.Logger{
		Level:      parseLevel(level),
		TimeFormat: "2006-01-02 15:04:05.000",
		Caller:     1,
		Writer: &log.MultiEntryWriter{
			&log.ConsoleWriter{
				ColorOutput:    true,
				EndWithMessage: true,
			},
			&log.FileWriter{
				Filename:   filename,
				MaxSize:    maxSizeMB * 1024 * 1024,
				MaxBackups: maxBackups,
				LocalTime:  true,
			},
		},
	}
}

func parseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
