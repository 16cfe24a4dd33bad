package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/logging"
)

// Remediation names the recovery step that completed an unmount.
type Remediation string

const (
	RemediationNone           Remediation = "none"
	RemediationWaitRetry      Remediation = "wait-retry"
	RemediationRemount        Remediation = "remount"
	RemediationForceTerminate Remediation = "force-terminate"
	RemediationForceDelete    Remediation = "force-delete"
)

func (r Remediation) String() string {
	if r == "" {
		return string(RemediationNone)
	}
	return string(r)
}

// Annotation renders the remediation for status output, e.g. "remediation=force-terminate".
func (r Remediation) Annotation() string {
	return "remediation=" + r.String()
}

// Attempt is the failed unmount a ladder tries to recover.
type Attempt struct {
	Handle *Handle
	Commit bool
	Cause  error
}

// Step is one escalation level. Attempt returns nil once the mount directory is released.
type Step interface {
	Remediation() Remediation
	Attempt(ctx context.Context, a Attempt) error
}

// Ladder runs its steps in order until one succeeds.
type Ladder struct {
	Steps  []Step
	Logger *slog.Logger
}

// Terminator kills running processes by image name.
type Terminator interface {
	Terminate(ctx context.Context, names ...string) (int, error)
}

// DefaultLadder escalates from a plain retry to deleting the mount directory.
func DefaultLadder(servicer Servicer, terminator Terminator) *Ladder {
	return &Ladder{Steps: []Step{
		&WaitRetry{Servicer: servicer, Delay: 5 * time.Second},
		&RemountUnmount{Servicer: servicer},
		&ForceTerminate{Servicer: servicer, Terminator: terminator, Settle: 2 * time.Second},
		&ForceDelete{Servicer: servicer},
	}}
}

// Run returns the remediation of the first successful step.
func (l *Ladder) Run(ctx context.Context, a Attempt) (Remediation, error) {
	logger := logging.Ensure(l.Logger).With("component", "mount.recovery", "mount_dir", a.Handle.MountDir)
	errs := []error{a.Cause}
	for i, step := range l.Steps {
		logger.Info("attempting unmount recovery", "step", i+1, "remediation", step.Remediation().String())
		err := step.Attempt(ctx, a)
		if err == nil {
			logger.Info("unmount recovered", "step", i+1, "remediation", step.Remediation().String())
			return step.Remediation(), nil
		}
		logger.Warn("recovery step failed", "step", i+1, "remediation", step.Remediation().String(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", step.Remediation(), err))
	}
	return "", fault.Wrapf(fault.ProcessFailure, "unmount", errors.Join(errs...), "all %d recovery steps failed", len(l.Steps))
}

// WaitRetry waits for a transient lock to clear and retries once.
type WaitRetry struct {
	Servicer Servicer
	Delay    time.Duration
	Sleep    func(time.Duration)
}

func (s *WaitRetry) Remediation() Remediation { return RemediationWaitRetry }

func (s *WaitRetry) Attempt(ctx context.Context, a Attempt) error {
	sleep(s.Sleep, s.Delay)
	return unmountOnce(ctx, s.Servicer, a.Handle.MountDir, a.Commit)
}

// RemountUnmount re-attaches the image and immediately unmounts it again.
type RemountUnmount struct {
	Servicer Servicer
}

func (s *RemountUnmount) Remediation() Remediation { return RemediationRemount }

func (s *RemountUnmount) Attempt(ctx context.Context, a Attempt) error {
	if _, err := s.Servicer.Remount(ctx, a.Handle.MountDir); err != nil {
		return err
	}
	return unmountOnce(ctx, s.Servicer, a.Handle.MountDir, a.Commit)
}

// ForceTerminate kills the servicing worker processes holding the mount, then retries.
type ForceTerminate struct {
	Servicer   Servicer
	Terminator Terminator
	Settle     time.Duration
	Sleep      func(time.Duration)
	Processes  []string
}

func (s *ForceTerminate) Remediation() Remediation { return RemediationForceTerminate }

func (s *ForceTerminate) Attempt(ctx context.Context, a Attempt) error {
	if s.Terminator == nil {
		return errors.New("no process terminator configured")
	}
	names := s.Processes
	if len(names) == 0 {
		names = []string{"dism.exe", "dismhost.exe"}
	}
	if _, err := s.Terminator.Terminate(ctx, names...); err != nil {
		return err
	}
	sleep(s.Sleep, s.Settle)
	return unmountOnce(ctx, s.Servicer, a.Handle.MountDir, a.Commit)
}

// ForceDelete removes the mount directory outright. Uncommitted edits are lost.
type ForceDelete struct {
	Servicer Servicer
}

func (s *ForceDelete) Remediation() Remediation { return RemediationForceDelete }

func (s *ForceDelete) Attempt(ctx context.Context, a Attempt) error {
	if err := os.RemoveAll(a.Handle.MountDir); err != nil {
		return err
	}
	if s.Servicer != nil {
		_, _ = s.Servicer.CleanupMounts(ctx)
	}
	if !dirEmpty(a.Handle.MountDir) {
		return fmt.Errorf("%s still present after delete", a.Handle.MountDir)
	}
	return nil
}

func sleep(fn func(time.Duration), d time.Duration) {
	if d <= 0 {
		return
	}
	if fn != nil {
		fn(d)
		return
	}
	time.Sleep(d)
}
