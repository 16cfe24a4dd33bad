package adk

import (
	"context"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/process"
)

// CopyPE drives the provisioning script that creates a media tree.
type CopyPE struct {
	Path   string
	Runner process.Runner
	// Env carries the kit root variables the script reads.
	Env []string
}

// Create provisions target for architecture a. target must not exist.
func (c *CopyPE) Create(ctx context.Context, a arch.Architecture, target string) (process.Result, error) {
	return run(ctx, c.Runner, "copype", process.Command{
		Path:  c.Path,
		Args:  []string{a.String(), target},
		Env:   c.Env,
		Class: process.Bulk,
	})
}
