// Package adk builds command lines for the deployment toolkit and runs them
// through a process.Runner. It contains no servicing logic of its own.
package adk

import (
	"context"

	"github.com/cochaviz/peforge/internal/process"
)

func run(ctx context.Context, runner process.Runner, op string, cmd process.Command) (process.Result, error) {
	cmd.Capture = true
	result, err := runner.Run(ctx, cmd)
	if err != nil {
		return result, err
	}
	return result, result.Err(op)
}
