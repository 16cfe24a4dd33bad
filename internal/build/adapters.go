package build

import (
	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/components"
	"github.com/cochaviz/peforge/internal/mount"
	"github.com/cochaviz/peforge/internal/setup"
	"github.com/cochaviz/peforge/internal/tools"
)

// Preflight checks the host before anything is written. *setup.Preflight satisfies it.
type Preflight interface {
	Verify(a arch.Architecture, r setup.Requirements) (map[tools.Tool]string, error)
}

// Kit reports where the deployment kit is installed. *tools.Locator satisfies it.
type Kit interface {
	KitRoots() []string
	WinPERoot() string
	DeploymentToolsRoot() string
	SystemRoot() string
}

// Servicer is the full image-service primitive set. *adk.DISM satisfies it.
type Servicer interface {
	mount.Servicer
	components.Servicer
}
