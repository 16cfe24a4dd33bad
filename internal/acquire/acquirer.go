// Package acquire produces the initial media tree of a session, either through
// the kit's provisioning script or by assembling it from the installed kit files.
package acquire

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/bootassets"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/fsutil"
	"github.com/cochaviz/peforge/internal/logging"
	"github.com/cochaviz/peforge/internal/process"
	"github.com/cochaviz/peforge/internal/workspace"
)

// Strategy selects how the media tree is produced.
type Strategy string

const (
	StrategyCopyPE Strategy = "copype"
	StrategyLegacy Strategy = "legacy"
)

// ParseStrategy accepts the strategy names used in configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyCopyPE:
		return StrategyCopyPE, nil
	case StrategyLegacy:
		return StrategyLegacy, nil
	}
	return "", fault.New(fault.Configuration, "acquire", "unknown acquisition strategy %q", s)
}

// MinImageSize is the working-image size below which the tree is suspect.
const MinImageSize int64 = 100 << 20

// Provisioner creates and populates a media tree in one call. *adk.CopyPE satisfies it.
type Provisioner interface {
	Create(ctx context.Context, a arch.Architecture, target string) (process.Result, error)
}

// Result describes a completed acquisition.
type Result struct {
	Strategy   Strategy
	FellBack   bool
	ImageSize  int64
	Undersized bool
	// Diagnosis classifies the provisioning failure that caused a fallback.
	Diagnosis Diagnosis
	Assets    *bootassets.Report
}

// Acquirer runs the preferred strategy and falls back to the legacy one.
type Acquirer struct {
	Preferred   Strategy
	Provisioner Provisioner
	// WinPERoot is the kit's preinstallation environment directory used by the legacy strategy.
	WinPERoot string
	Resolver  *bootassets.Resolver
	FreeSpace func(path string) (uint64, error)
	Logger    *slog.Logger
}

// Acquire builds the media tree for session. The session's image directory is
// replaced; nothing else in the workspace is touched.
func (a *Acquirer) Acquire(ctx context.Context, session *workspace.Session) (Result, error) {
	logger := logging.Ensure(a.Logger).With("component", "acquire", "session", session.ID)
	preferred, err := ParseStrategy(string(a.Preferred))
	if err != nil {
		return Result{}, err
	}

	var result Result
	var preferredErr error
	if preferred == StrategyCopyPE {
		diagnosis, err := a.copype(ctx, session, logger)
		if err == nil {
			result.Strategy = StrategyCopyPE
			return a.finish(session, result, logger), nil
		}
		result.Diagnosis = diagnosis
		if ctx.Err() != nil {
			return result, fault.Wrap(fault.Cancelled, "acquire", ctx.Err())
		}
		// A timed out script may still hold files in the target; the phase stops here.
		if fault.Is(err, fault.ProcessTimeout) {
			logger.Error("provisioning script timed out", "error", err)
			return result, err
		}
		preferredErr = err
		result.FellBack = true
		logger.Warn("provisioning script failed; falling back to legacy acquisition", "diagnosis", diagnosis.String(), "error", err)
	}

	report, err := a.legacy(ctx, session, logger)
	if err != nil {
		if preferredErr != nil {
			return result, fault.Wrapf(fault.KindOf(err), "acquire", errors.Join(preferredErr, err), "all acquisition strategies failed")
		}
		return result, err
	}
	result.Strategy = StrategyLegacy
	result.Assets = &report
	return a.finish(session, result, logger), nil
}

func (a *Acquirer) finish(session *workspace.Session, result Result, logger *slog.Logger) Result {
	result.ImageSize = fsutil.Size(session.WorkingImage())
	if result.ImageSize < MinImageSize {
		result.Undersized = true
		logger.Warn("working image is smaller than expected; the tree may be incomplete",
			"path", session.WorkingImage(), "bytes", result.ImageSize, "minimum", MinImageSize)
	}
	logger.Info("media tree acquired", "strategy", string(result.Strategy), "fell_back", result.FellBack, "image_bytes", result.ImageSize)
	return result
}
