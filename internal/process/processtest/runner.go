// Package processtest provides a scripted process.Runner for tests.
package processtest

import (
	"context"
	"strings"
	"sync"

	"github.com/cochaviz/peforge/internal/process"
)

// HandlerFunc produces the outcome for one command.
type HandlerFunc func(cmd process.Command) (process.Result, error)

// Runner records every command and answers through Handler.
// A nil Handler succeeds with exit code zero.
type Runner struct {
	Handler HandlerFunc

	mu    sync.Mutex
	calls []process.Command
}

// Run records cmd and delegates to Handler.
func (r *Runner) Run(_ context.Context, cmd process.Command) (process.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()

	if r.Handler == nil {
		return process.Result{}, nil
	}
	return r.Handler(cmd)
}

// Calls returns a copy of the recorded commands.
func (r *Runner) Calls() []process.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]process.Command(nil), r.calls...)
}

// CallsTo returns the commands whose tool name matches name.
func (r *Runner) CallsTo(name string) []process.Command {
	var out []process.Command
	for _, call := range r.Calls() {
		if call.Name() == strings.ToLower(name) {
			out = append(out, call)
		}
	}
	return out
}

// HasArg reports whether any argument of cmd starts with prefix, ignoring case.
func HasArg(cmd process.Command, prefix string) bool {
	prefix = strings.ToLower(prefix)
	for _, arg := range cmd.Args {
		if strings.HasPrefix(strings.ToLower(arg), prefix) {
			return true
		}
	}
	return false
}

// ArgValue returns the remainder of the first argument starting with prefix.
func ArgValue(cmd process.Command, prefix string) (string, bool) {
	lower := strings.ToLower(prefix)
	for _, arg := range cmd.Args {
		if strings.HasPrefix(strings.ToLower(arg), lower) {
			return arg[len(prefix):], true
		}
	}
	return "", false
}

// Fail builds a result with the given exit code and stderr.
func Fail(code int, stderr string) process.Result {
	return process.Result{ExitCode: code, Stderr: stderr}
}
