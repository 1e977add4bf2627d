package session

import (
	"context"
	"log/slog"

	"github.com/vkngwrapper/anari-examples/backend"
)

func levelFor(severity backend.Severity) slog.Level {
	switch severity {
	case backend.SeverityFatalError, backend.SeverityError:
		return slog.LevelError
	case backend.SeverityWarning, backend.SeverityPerformanceWarning:
		return slog.LevelWarn
	case backend.SeverityInfo:
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

// StatusLogger routes device status messages to logger, keyed by severity.
func StatusLogger(logger *slog.Logger) backend.StatusFunc {
	return func(severity backend.Severity, message string) {
		logger.Log(context.Background(), levelFor(severity), message, "severity", severity.String())
	}
}
