package setup

import (
	"runtime"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/acquire"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/media"
	"github.com/cochaviz/peforge/internal/privilege"
	"github.com/cochaviz/peforge/internal/tools"
)

// Finder resolves tool paths. *tools.Locator satisfies it.
type Finder interface {
	FindAll(a arch.Architecture, required ...tools.Tool) (map[tools.Tool]string, error)
}

// Requirements selects which tools a build needs.
type Requirements struct {
	Acquire acquire.Strategy
	Media   media.Strategy
	// SkipMedia drops the media tools.
	SkipMedia bool
}

// RequiredTools lists the tools a build with r needs. bcdedit is optional and
// never listed.
func RequiredTools(r Requirements) []tools.Tool {
	required := []tools.Tool{tools.DISM}
	if r.Acquire != acquire.StrategyLegacy {
		required = append(required, tools.CopyPE)
	}
	if !r.SkipMedia {
		if r.Media != media.StrategyOscdimg {
			required = append(required, tools.MakeWinPEMedia)
		}
		// Both media strategies may end up in oscdimg.
		required = append(required, tools.Oscdimg)
	}
	return required
}

// Preflight checks tools and elevation.
type Preflight struct {
	Finder    Finder
	Privilege privilege.Checker
	// GOOS defaults to runtime.GOOS.
	GOOS string
}

// Verify reports every missing tool, then checks elevation. It never modifies
// the host.
func (p *Preflight) Verify(a arch.Architecture, r Requirements) (map[tools.Tool]string, error) {
	logger := getLogger().With("arch", a)

	goos := p.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos != "windows" {
		logger.Warn("deployment tools only run on windows", "goos", goos)
	}

	if p.Finder == nil {
		return nil, fault.New(fault.Configuration, "setup.preflight", "no tool finder configured")
	}
	found, err := p.Finder.FindAll(a, RequiredTools(r)...)
	if err != nil {
		logger.Error("required tools missing", "error", err)
		return found, err
	}
	for tool, path := range found {
		logger.Debug("tool available", "tool", tool.String(), "path", path)
	}

	if err := privilege.Require(p.Privilege, "setup.preflight"); err != nil {
		return found, err
	}
	logger.Info("preflight passed", "tools", len(found))
	return found, nil
}
