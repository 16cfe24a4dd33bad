// Package media turns a finished media tree into a bootable ISO or USB drive.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/peforge/internal/artifacts"
	"github.com/cochaviz/peforge/internal/bootassets"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/fsutil"
	"github.com/cochaviz/peforge/internal/logging"
	"github.com/cochaviz/peforge/internal/mount"
	"github.com/cochaviz/peforge/internal/process"
	"github.com/cochaviz/peforge/internal/workspace"
)

// Mode is the kind of media produced.
type Mode string

const (
	ModeISO Mode = "iso"
	ModeUSB Mode = "usb"
)

// Strategy selects the authoring tool.
type Strategy string

const (
	StrategyMakeWinPEMedia Strategy = "makewinpemedia"
	StrategyOscdimg        Strategy = "oscdimg"
)

// ParseMode accepts "iso" and "usb" in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeISO:
		return ModeISO, nil
	case ModeUSB, "ufd":
		return ModeUSB, nil
	}
	return "", fault.New(fault.Configuration, "media", "unknown media mode %q", s)
}

// ParseStrategy accepts the strategy names used in configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyMakeWinPEMedia:
		return StrategyMakeWinPEMedia, nil
	case StrategyOscdimg:
		return StrategyOscdimg, nil
	}
	return "", fault.New(fault.Configuration, "media", "unknown media strategy %q", s)
}

// MinOutputSize is the smallest ISO accepted as plausible.
const MinOutputSize int64 = 1 << 20

// SizeOverhead is the filesystem overhead applied to the tree size estimate.
const SizeOverhead = 1.05

// Authoring is the high-level media tool. *adk.MakeWinPEMedia satisfies it.
type Authoring interface {
	ISO(ctx context.Context, workDir, output string) (process.Result, error)
	UFD(ctx context.Context, workDir, drive string) (process.Result, error)
}

// Mastering is the low-level ISO tool. *adk.Oscdimg satisfies it.
type Mastering interface {
	Master(ctx context.Context, source, output string, flags []string, bootArg string) (process.Result, error)
}

// Request describes the media to produce.
type Request struct {
	// ImageDir is the provisioned tree; the media tree is ImageDir/media.
	ImageDir string
	Output   string
	Mode     Mode
	Strategy Strategy
	Label    string
	// Handle, when set, must be Unmounted.
	Handle *mount.Handle
	// MountDir, when set, must be empty.
	MountDir string
	Metadata map[string]any
}

// Result describes the produced media.
type Result struct {
	Output     string
	Mode       Mode
	Strategy   Strategy
	FellBack   bool
	BootRecord BootRecord
	Encoding   string
	Attempts   int
	Size       int64
	Estimate   int64
	Artifact   *artifacts.Artifact
}

// Assembler produces media from a verified tree.
type Assembler struct {
	Authoring Authoring
	Mastering Mastering
	Assets    *bootassets.Resolver
	Store     artifacts.ArtifactStore
	// MinSize overrides MinOutputSize when positive.
	MinSize   int64
	FreeSpace func(path string) (uint64, error)
	Logger    *slog.Logger
}

func (a *Assembler) logger() *slog.Logger {
	return logging.Ensure(a.Logger).With("component", "media")
}

func (a *Assembler) minSize() int64 {
	if a.MinSize > 0 {
		return a.MinSize
	}
	return MinOutputSize
}

// Estimate returns the expected ISO size of the media tree under imageDir.
func Estimate(imageDir string) (int64, error) {
	size, err := fsutil.TreeSize(filepath.Join(imageDir, "media"))
	if err != nil {
		return 0, err
	}
	return int64(float64(size) * SizeOverhead), nil
}

func (a *Assembler) preconditions(req Request) error {
	if req.Handle != nil && req.Handle.State() != mount.Unmounted {
		return fault.New(fault.Configuration, "media", "image is %s; unmount it before creating media", req.Handle.State())
	}
	if req.MountDir != "" && !workspace.DirEmpty(req.MountDir) {
		return fault.New(fault.Configuration, "media", "mount directory %s is in use; unmount before creating media", req.MountDir)
	}
	if err := fsutil.RequireDir(filepath.Join(req.ImageDir, "media")); err != nil {
		return fault.Wrapf(fault.Configuration, "media", err, "media tree")
	}
	if req.Output == "" {
		return fault.New(fault.Configuration, "media", "output path is empty")
	}
	if a.Assets != nil {
		if err := a.Assets.Verify(req.ImageDir).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Create authors the media described by req.
func (a *Assembler) Create(ctx context.Context, req Request) (Result, error) {
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return Result{}, err
	}
	strategy, err := ParseStrategy(string(req.Strategy))
	if err != nil {
		return Result{}, err
	}
	req.Mode, req.Strategy = mode, strategy
	logger := a.logger().With("output", req.Output, "mode", string(req.Mode))
	if err := a.preconditions(req); err != nil {
		return Result{}, err
	}

	result := Result{Output: req.Output, Mode: req.Mode}
	if estimate, err := Estimate(req.ImageDir); err == nil {
		result.Estimate = estimate
		a.checkSpace(req, estimate, logger)
	}

	if req.Mode == ModeUSB {
		return a.usb(ctx, req, result, logger)
	}

	if err := artifacts.RemoveWithSidecars(req.Output); err != nil {
		return result, fault.Wrapf(fault.Configuration, "media", err, "remove existing %s", req.Output)
	}
	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return result, fault.Wrapf(fault.Configuration, "media", err, "create output directory")
	}

	var errs []error
	if req.Strategy == StrategyMakeWinPEMedia {
		err := a.authoringISO(ctx, req, logger)
		if err == nil {
			result.Strategy = StrategyMakeWinPEMedia
			return a.finish(req, result, logger)
		}
		if fault.Is(err, fault.ProcessTimeout) {
			return result, err
		}
		logger.Warn("media authoring tool failed; falling back to direct mastering", "error", err)
		errs = append(errs, err)
		result.FellBack = true
	}

	sectors := DetectBootSectors(req.ImageDir)
	result.BootRecord = sectors.Record()
	encoding, attempts, err := a.master(ctx, req, sectors, logger)
	result.Attempts = attempts
	if err != nil {
		errs = append(errs, err)
		return result, fault.Wrapf(fault.KindOf(err), "media", errors.Join(errs...), "no media strategy succeeded")
	}
	result.Strategy = StrategyOscdimg
	result.Encoding = encoding
	return a.finish(req, result, logger)
}

func (a *Assembler) usb(ctx context.Context, req Request, result Result, logger *slog.Logger) (Result, error) {
	if a.Authoring == nil {
		return result, fault.New(fault.ToolNotFound, "media.usb", "media authoring tool is required for USB media")
	}
	if _, err := a.Authoring.UFD(ctx, req.ImageDir, req.Output); err != nil {
		return result, err
	}
	result.Strategy = StrategyMakeWinPEMedia
	logger.Info("wrote media to removable drive", "drive", req.Output)
	return result, nil
}

func (a *Assembler) authoringISO(ctx context.Context, req Request, logger *slog.Logger) error {
	if a.Authoring == nil {
		return fault.New(fault.ToolNotFound, "media.makewinpemedia", "media authoring tool is not available")
	}
	logger.Info("creating ISO with media authoring tool")
	if _, err := a.Authoring.ISO(ctx, req.ImageDir, req.Output); err != nil {
		removePartial(req.Output)
		return err
	}
	if err := a.validate(req.Output); err != nil {
		removePartial(req.Output)
		return err
	}
	return nil
}

func (a *Assembler) master(ctx context.Context, req Request, sectors BootSectors, logger *slog.Logger) (string, int, error) {
	if a.Mastering == nil {
		return "", 0, fault.New(fault.ToolNotFound, "media.oscdimg", "ISO mastering tool is not available")
	}
	if sectors.BIOS != "" && fsutil.Size(sectors.BIOS) < 1000 {
		logger.Warn("BIOS boot sector is unusually small", "path", sectors.BIOS, "bytes", fsutil.Size(sectors.BIOS))
	}

	source := filepath.Join(req.ImageDir, "media")
	plan := Plan(sectors)
	logger.Info("mastering ISO", "boot_record", sectors.Record().String(), "encodings", len(plan))

	var errs []error
	for i, enc := range plan {
		flags := append([]string(nil), enc.Flags...)
		if req.Label != "" {
			flags = append(flags, "-l"+fsutil.VolumeLabel(req.Label))
		}
		removePartial(req.Output)

		if i == 1 && sectors.Record() == BootDual {
			logger.Warn("dual boot encoding rejected; the ISO will not boot on UEFI firmware", "encoding", enc.Name)
		}
		logger.Info("trying boot encoding", "attempt", i+1, "encoding", enc.Name)
		_, err := a.Mastering.Master(ctx, source, req.Output, flags, enc.BootArg)
		if err == nil {
			err = a.validate(req.Output)
		}
		if err == nil {
			logger.Info("ISO mastered", "encoding", enc.Name, "attempt", i+1)
			return enc.Name, i + 1, nil
		}
		removePartial(req.Output)
		errs = append(errs, fmt.Errorf("%s: %w", enc.Name, err))
		if fault.Is(err, fault.ProcessTimeout) {
			return "", i + 1, fault.Wrap(fault.ProcessTimeout, "media.oscdimg", errors.Join(errs...))
		}
		logger.Warn("boot encoding rejected", "encoding", enc.Name, "error", err)
	}
	return "", len(plan), fault.Wrapf(fault.ProcessFailure, "media.oscdimg", errors.Join(errs...), "all %d encodings failed", len(plan))
}

func (a *Assembler) validate(output string) error {
	size := fsutil.Size(output)
	if size == 0 {
		return fault.New(fault.ProcessFailure, "media.validate", "%s was not written", output)
	}
	if size < a.minSize() {
		return fault.New(fault.ProcessFailure, "media.validate", "%s is implausibly small (%d bytes)", output, size)
	}
	if err := ValidateISO(output); err != nil {
		return fault.Wrap(fault.ProcessFailure, "media.validate", err)
	}
	return nil
}

func (a *Assembler) finish(req Request, result Result, logger *slog.Logger) (Result, error) {
	result.Size = fsutil.Size(req.Output)
	if a.Store != nil {
		metadata := map[string]any{
			"mode":        string(result.Mode),
			"strategy":    string(result.Strategy),
			"boot_record": result.BootRecord.String(),
		}
		if result.Encoding != "" {
			metadata["encoding"] = result.Encoding
		}
		for k, v := range req.Metadata {
			metadata[k] = v
		}
		artifact, err := a.Store.StoreArtifact(req.Output, artifacts.ISOArtifact, metadata)
		if err != nil {
			logger.Warn("recording artifact failed", "error", err)
		} else {
			result.Artifact = &artifact
		}
	}
	logger.Info("media created", "strategy", string(result.Strategy), "bytes", result.Size, "estimate", result.Estimate)
	return result, nil
}

func (a *Assembler) checkSpace(req Request, estimate int64, logger *slog.Logger) {
	if req.Mode != ModeISO {
		return
	}
	freeSpace := a.FreeSpace
	if freeSpace == nil {
		freeSpace = workspace.FreeSpace
	}
	dir := filepath.Dir(req.Output)
	for ; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		if _, err := os.Stat(dir); err == nil {
			break
		}
	}
	free, err := freeSpace(dir)
	if err != nil {
		return
	}
	if free < uint64(estimate) {
		logger.Warn("output volume may not have enough free space", "free", free, "estimate", estimate)
	}
}

// removePartial deletes output after a failed attempt.
func removePartial(output string) {
	_ = os.Remove(output)
}
