// Package process invokes external tools with bounded runtimes and decodes their output.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/logging"
)

// Class selects the timeout budget for an invocation.
type Class int

const (
	// Servicing covers image-service calls such as mount, unmount and add-package.
	Servicing Class = iota
	// Media covers authoring a single ISO or USB target.
	Media
	// Bulk covers copy-heavy operations like provisioning a full media tree.
	Bulk
)

// Timeout returns the budget for the class.
func (c Class) Timeout() time.Duration {
	switch c {
	case Media:
		return 300 * time.Second
	case Bulk:
		return 600 * time.Second
	default:
		return 60 * time.Second
	}
}

func (c Class) String() string {
	switch c {
	case Media:
		return "media"
	case Bulk:
		return "bulk"
	default:
		return "servicing"
	}
}

// Command describes one external tool invocation.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Class   Class
	Timeout time.Duration // overrides the class budget when positive
	Capture bool
}

// Name returns the tool's base name without extension, lower-cased.
func (c Command) Name() string {
	base := filepath.Base(strings.ReplaceAll(c.Path, `\`, "/"))
	return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
}

func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Path)
	for _, arg := range c.Args {
		if strings.ContainsAny(arg, " \t") {
			arg = `"` + arg + `"`
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

// Result is the outcome of a finished invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Succeeded reports a zero exit code without a timeout.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Output returns stderr when present, otherwise stdout, trimmed.
func (r Result) Output() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// Err converts a non-zero exit into a ProcessFailure fault.
func (r Result) Err(op string) error {
	if r.Succeeded() {
		return nil
	}
	detail := fmt.Sprintf("exit code %d", r.ExitCode)
	if out := r.Output(); out != "" {
		detail += ": " + truncate(out, 512)
	}
	return fault.New(fault.ProcessFailure, op, "%s", detail)
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// DurationObserver receives per-tool timings.
type DurationObserver interface {
	ObserveToolDuration(tool string, d time.Duration, success bool)
}

// ExecRunner runs commands as child processes of the current process.
type ExecRunner struct {
	Logger   *slog.Logger
	Observer DurationObserver
}

// NewExecRunner returns an ExecRunner logging through logger.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{Logger: logger}
}

// Run starts the command and waits for it. A non-zero exit is reported through
// Result.ExitCode with a nil error; only start failures and timeouts return an error.
// Cancelling ctx does not interrupt a started process: it runs until it exits or
// exceeds its class timeout.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	if strings.TrimSpace(c.Path) == "" {
		return Result{}, fault.New(fault.Configuration, "process", "command path is empty")
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = c.Class.Timeout()
	}
	name := c.Name()
	logger := logging.Ensure(r.Logger).With("tool", name, "class", c.Class.String())

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = 5 * time.Second
	configureSysProcAttr(cmd)

	var stdout, stderr bytes.Buffer
	if c.Capture {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	logger.Debug("running command", "command", c.String(), "timeout", timeout)
	start := time.Now()
	runErr := cmd.Run()

	result := Result{
		Duration: time.Since(start),
		Stdout:   Decode(stdout.Bytes()),
		Stderr:   Decode(stderr.Bytes()),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		r.observe(name, result)
		logger.Error("command timed out", "timeout", timeout, "duration", result.Duration)
		return result, fault.New(fault.ProcessTimeout, name, "exceeded %s", timeout)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			r.observe(name, result)
			return result, fault.Wrap(fault.ProcessFailure, name, runErr)
		}
	}

	r.observe(name, result)
	if result.ExitCode != 0 {
		attrs := []any{"exit_code", result.ExitCode, "duration", result.Duration}
		if hint := Hint(name, result.ExitCode); hint != "" {
			attrs = append(attrs, "hint", hint)
		}
		logger.Warn("command exited with failure", attrs...)
	} else {
		logger.Debug("command finished", "duration", result.Duration)
	}
	return result, nil
}

func (r *ExecRunner) observe(name string, result Result) {
	if r.Observer != nil {
		r.Observer.ObserveToolDuration(name, result.Duration, result.Succeeded())
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
