// Package mount drives the mount, modify and commit-or-discard cycle of a
// working image and recovers from failed unmounts.
package mount

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/logging"
	"github.com/cochaviz/peforge/internal/privilege"
	"github.com/cochaviz/peforge/internal/process"
)

// Servicer is the image-service primitive set the controller needs.
type Servicer interface {
	Mount(ctx context.Context, image string, index int, mountDir string) (process.Result, error)
	Unmount(ctx context.Context, mountDir string, commit bool) (process.Result, error)
	Remount(ctx context.Context, mountDir string) (process.Result, error)
	CleanupMounts(ctx context.Context) (process.Result, error)
}

// Outcome describes a completed unmount.
type Outcome struct {
	Remediation      Remediation
	Committed        bool
	AlreadyUnmounted bool
}

// Controller owns the mount directory of one working image at a time.
type Controller struct {
	Servicer  Servicer
	Privilege privilege.Checker
	Ladder    *Ladder
	Registry  *Registry
	// Stop is polled before every unmount. A set flag turns a commit into a discard.
	Stop   func() bool
	Logger *slog.Logger
}

// NewController returns a controller using the default ladder.
func NewController(servicer Servicer, logger *slog.Logger) *Controller {
	return &Controller{
		Servicer: servicer,
		Ladder:   DefaultLadder(servicer, NewProcessTerminator(logger)),
		Logger:   logger,
	}
}

// Attach returns a handle for an image mounted by an earlier process. The state
// is inferred from the mount directory.
func (c *Controller) Attach(image string, index int, mountDir string) *Handle {
	h := &Handle{Image: image, Index: index, MountDir: mountDir}
	if !dirEmpty(mountDir) {
		h.state = Mounted
		_ = c.registry().claim(h)
	}
	return h
}

// Mount projects image onto mountDir. A populated mountDir is force-cleared first.
func (c *Controller) Mount(ctx context.Context, image string, index int, mountDir string) (*Handle, error) {
	logger := c.logger().With("image", image, "mount_dir", mountDir)

	if image == "" || mountDir == "" {
		return nil, fault.New(fault.Configuration, "mount", "image and mount directory are required")
	}
	if index < 1 {
		index = 1
	}
	info, err := os.Stat(image)
	if err != nil {
		return nil, fault.Wrapf(fault.Configuration, "mount", err, "working image %s", image)
	}
	if info.IsDir() {
		return nil, fault.New(fault.Configuration, "mount", "working image %s is a directory", image)
	}

	h := &Handle{Image: image, Index: index, MountDir: mountDir}
	if err := c.registry().claim(h); err != nil {
		return nil, err
	}

	if err := privilege.Require(c.Privilege, "mount"); err != nil {
		c.registry().release(h)
		return nil, err
	}

	if !dirEmpty(mountDir) {
		logger.Warn("mount directory is not empty; clearing it")
		if err := c.forceClear(ctx, mountDir); err != nil {
			c.registry().release(h)
			return nil, err
		}
	}
	if err := os.MkdirAll(mountDir, 0o755); err != nil {
		c.registry().release(h)
		return nil, fault.Wrapf(fault.Configuration, "mount", err, "create %s", mountDir)
	}

	logger.Info("mounting working image", "index", index)
	if _, err := c.Servicer.Mount(ctx, image, index, mountDir); err != nil {
		c.settleAfterFailure(h)
		logger.Error("mount failed", "error", err)
		return h, err
	}
	// Some failures exit zero without projecting anything.
	if dirEmpty(mountDir) {
		h.set(Failed)
		c.registry().release(h)
		return h, fault.New(fault.ProcessFailure, "mount", "servicing tool reported success but %s is empty", mountDir)
	}

	h.set(Mounted)
	logger.Info("working image mounted")
	return h, nil
}

// Unmount detaches h. It is a no-op for an already unmounted handle. When the
// primitive fails, the recovery ladder runs; only exhausting it is fatal.
func (c *Controller) Unmount(ctx context.Context, h *Handle, commit bool) (Outcome, error) {
	if h == nil {
		return Outcome{}, fault.New(fault.Configuration, "unmount", "no mount handle")
	}
	logger := c.logger().With("image", h.Image, "mount_dir", h.MountDir)

	if h.State() == Unmounted || (h.State() != Mounted && dirEmpty(h.MountDir)) {
		h.set(Unmounted)
		c.registry().release(h)
		return Outcome{AlreadyUnmounted: true}, nil
	}

	cancelled := false
	if commit && c.Stop != nil && c.Stop() {
		logger.Warn("stop requested; discarding instead of committing")
		commit = false
		cancelled = true
	}

	if commit {
		h.set(CommitPending)
	} else {
		h.set(DiscardPending)
	}
	logger.Info("unmounting working image", "commit", commit)

	outcome := Outcome{Remediation: RemediationNone, Committed: commit}
	err := unmountOnce(ctx, c.Servicer, h.MountDir, commit)
	switch {
	case err == nil:
	case fault.Is(err, fault.ProcessTimeout):
		// Left mounted for manual cleanup.
		h.set(Mounted)
		logger.Error("unmount timed out; mount left in place", "error", err)
		return outcome, err
	default:
		logger.Warn("unmount failed; starting recovery", "error", err)
		remediation, ladderErr := c.ladder().Run(ctx, Attempt{Handle: h, Commit: commit, Cause: err})
		if ladderErr != nil {
			h.set(Failed)
			logger.Error("unmount recovery exhausted", "error", ladderErr)
			return outcome, ladderErr
		}
		outcome.Remediation = remediation
		if remediation == RemediationForceDelete {
			outcome.Committed = false
		}
	}

	h.set(Unmounted)
	h.setRemediation(outcome.Remediation)
	c.registry().release(h)
	logger.Info("working image unmounted", "committed", outcome.Committed, "remediation", outcome.Remediation.String())

	if cancelled {
		return outcome, fault.New(fault.Cancelled, "unmount", "stop requested before commit; edits discarded")
	}
	return outcome, nil
}

// Remount re-attaches an orphaned mount, for example after a reboot.
func (c *Controller) Remount(ctx context.Context, h *Handle) error {
	if _, err := c.Servicer.Remount(ctx, h.MountDir); err != nil {
		return err
	}
	if dirEmpty(h.MountDir) {
		h.set(Failed)
		return fault.New(fault.ProcessFailure, "remount", "%s is empty after remount", h.MountDir)
	}
	if err := c.registry().claim(h); err != nil {
		return err
	}
	h.set(Mounted)
	return nil
}

func (c *Controller) forceClear(ctx context.Context, mountDir string) error {
	if _, err := c.Servicer.Unmount(ctx, mountDir, false); err != nil {
		c.logger().Debug("discard of stale mount failed", "error", err)
	}
	if err := os.RemoveAll(mountDir); err != nil {
		return fault.Wrapf(fault.ProcessFailure, "mount", err, "clear %s", mountDir)
	}
	if _, err := c.Servicer.CleanupMounts(ctx); err != nil {
		c.logger().Debug("mount registration cleanup failed", "error", err)
	}
	return nil
}

func (c *Controller) settleAfterFailure(h *Handle) {
	if dirEmpty(h.MountDir) {
		h.set(Failed)
		c.registry().release(h)
		return
	}
	// The primitive failed after projecting content; treat it as mounted so it can be discarded.
	h.set(Mounted)
}

func (c *Controller) ladder() *Ladder {
	if c.Ladder != nil {
		return c.Ladder
	}
	c.Ladder = DefaultLadder(c.Servicer, NewProcessTerminator(c.Logger))
	return c.Ladder
}

func (c *Controller) registry() *Registry {
	if c.Registry != nil {
		return c.Registry
	}
	return DefaultRegistry
}

func (c *Controller) logger() *slog.Logger {
	return logging.Ensure(c.Logger).With("component", "mount")
}

func unmountOnce(ctx context.Context, servicer Servicer, mountDir string, commit bool) error {
	if _, err := servicer.Unmount(ctx, mountDir, commit); err != nil {
		return err
	}
	if !dirEmpty(mountDir) {
		return fault.New(fault.ProcessFailure, "unmount", "%s still populated after unmount", mountDir)
	}
	return nil
}

func dirEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	return len(entries) == 0
}
