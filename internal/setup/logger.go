package setup

import (
	"log/slog"
	"sync/atomic"

	"github.com/cochaviz/peforge/internal/logging"
)

var packageLogger atomic.Pointer[slog.Logger]

// SetLogger replaces the logger used by preflight and env-file operations. nil
// restores the process default.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		packageLogger.Store(nil)
		return
	}
	packageLogger.Store(logger.With(logging.ComponentKey, "setup"))
}

func getLogger() *slog.Logger {
	if logger := packageLogger.Load(); logger != nil {
		return logger
	}
	return logging.Ensure(nil).With(logging.ComponentKey, "setup")
}
