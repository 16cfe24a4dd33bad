package mount

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	ps "github.com/shirou/gopsutil/v3/process"

	"github.com/cochaviz/peforge/internal/logging"
)

// ProcessTerminator kills processes by executable name using the host process table.
type ProcessTerminator struct {
	Logger *slog.Logger
}

// NewProcessTerminator returns a terminator logging through logger.
func NewProcessTerminator(logger *slog.Logger) *ProcessTerminator {
	return &ProcessTerminator{Logger: logger}
}

// Terminate kills every process whose name matches one of names, ignoring case.
// It returns the number of processes killed.
func (t *ProcessTerminator) Terminate(ctx context.Context, names ...string) (int, error) {
	procs, err := ps.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	logger := logging.Ensure(t.Logger).With("component", "mount.terminate")

	var errs []error
	killed := 0
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || !matchesAny(name, names) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		killed++
		logger.Warn("terminated servicing process", "name", name, "pid", p.Pid)
	}
	return killed, errors.Join(errs...)
}

func matchesAny(name string, names []string) bool {
	for _, candidate := range names {
		if strings.EqualFold(name, candidate) || strings.EqualFold(name, strings.TrimSuffix(candidate, ".exe")) {
			return true
		}
	}
	return false
}
