package bootassets

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/fsutil"
	"github.com/cochaviz/peforge/internal/logging"
	"github.com/cochaviz/peforge/internal/process"
)

// Status is the per-asset outcome of a resolution pass.
type Status string

const (
	Present             Status = "present"
	Resolved            Status = "resolved"
	ResolvedWithWarning Status = "resolved-with-warning"
	CriticalMissing     Status = "critical-missing"
	OptionalMissing     Status = "optional-missing"
)

// Item reports one manifest entry.
type Item struct {
	Target   string
	Critical bool
	Status   Status
	Source   string
	Note     string
}

// Report is the satisfaction state of a manifest against one media tree.
type Report struct {
	Items []Item
}

func (r Report) with(status ...Status) []string {
	var out []string
	for _, item := range r.Items {
		for _, s := range status {
			if item.Status == s {
				out = append(out, item.Target)
			}
		}
	}
	return out
}

// Resolved lists targets recovered during this pass, including placeholders.
func (r Report) Resolved() []string { return r.with(Resolved, ResolvedWithWarning) }

// Warnings lists targets satisfied with reduced functionality.
func (r Report) Warnings() []string { return r.with(ResolvedWithWarning) }

// CriticalMissing lists unrecoverable critical targets.
func (r Report) CriticalMissing() []string { return r.with(CriticalMissing) }

// OptionalMissing lists unrecoverable optional targets.
func (r Report) OptionalMissing() []string { return r.with(OptionalMissing) }

// Satisfied reports whether every critical asset is in place.
func (r Report) Satisfied() bool { return len(r.CriticalMissing()) == 0 }

// Err returns an AssetMissing fault when a critical asset is missing.
func (r Report) Err() error {
	if missing := r.CriticalMissing(); len(missing) > 0 {
		return fault.New(fault.AssetMissing, "bootassets", "critical boot files missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Lookup returns the item for target, if the manifest has one.
func (r Report) Lookup(target string) (Item, bool) {
	for _, item := range r.Items {
		if item.Target == target {
			return item, true
		}
	}
	return Item{}, false
}

// Environment supplies the values substituted into manifest roots.
type Environment struct {
	Arch           arch.Architecture
	WinPERoot      string
	DeploymentRoot string
	SystemRoot     string
	SystemDrive    string
	// ExtraRoots are searched after every manifest root.
	ExtraRoots []string

	image string
}

func (e Environment) lookup(name string) string {
	switch name {
	case "arch":
		return e.Arch.String()
	case "loader":
		return e.Arch.DefaultLoader()
	case "winpe":
		return e.WinPERoot
	case "deployment":
		return e.DeploymentRoot
	case "systemroot":
		return e.SystemRoot
	case "systemdrive":
		return e.SystemDrive
	case "image":
		return e.image
	default:
		return ""
	}
}

// expand substitutes ${vars}. ok is false when any referenced variable is unset.
func (e Environment) expand(s string) (string, bool) {
	ok := true
	out := os.Expand(s, func(name string) string {
		v := e.lookup(name)
		if v == "" {
			ok = false
		}
		return v
	})
	return filepath.FromSlash(out), ok
}

// BCDWriter creates boot configuration stores.
type BCDWriter interface {
	CreateStore(ctx context.Context, path string) (process.Result, error)
	AddBootEntry(ctx context.Context, store, description string) (process.Result, error)
}

// PlaceholderBCD is written when no store can be synthesized. Firmware cannot use
// it, but it lets media authoring proceed.
var PlaceholderBCD = []byte("BCD Placeholder")

// Resolver checks a media tree against a manifest and repairs gaps.
type Resolver struct {
	Manifest Manifest
	Env      Environment
	// BCD is optional; without it a placeholder store is written.
	BCD    BCDWriter
	Logger *slog.Logger
}

// Verify inspects imageDir without modifying it.
func (r *Resolver) Verify(imageDir string) Report {
	var report Report
	for _, entry := range r.Manifest.Entries {
		if !entry.AppliesTo(r.Env.Arch) {
			continue
		}
		rel, ok := r.Env.expand(entry.Target)
		if !ok {
			continue
		}
		item := Item{Target: filepath.ToSlash(rel), Critical: entry.Critical}
		if nonEmptyFile(filepath.Join(imageDir, rel)) {
			item.Status = Present
		} else {
			item.Status = missingStatus(entry.Critical)
		}
		report.Items = append(report.Items, item)
	}
	return report
}

// Resolve recovers every missing entry it can and reports the result. The error
// is non-nil only for I/O failures on imageDir itself; missing assets are
// reported through the Report.
func (r *Resolver) Resolve(ctx context.Context, imageDir string) (Report, error) {
	logger := r.logger().With("image_dir", imageDir)
	if info, err := os.Stat(imageDir); err != nil || !info.IsDir() {
		return Report{}, fault.New(fault.Configuration, "bootassets", "image directory %s does not exist", imageDir)
	}
	scoped := *r
	scoped.Env.image = imageDir
	return scoped.resolve(ctx, imageDir, logger), nil
}

func (r *Resolver) resolve(ctx context.Context, imageDir string, logger *slog.Logger) Report {
	var report Report
	for _, entry := range r.Manifest.Entries {
		if !entry.AppliesTo(r.Env.Arch) {
			continue
		}
		rel, ok := r.Env.expand(entry.Target)
		if !ok {
			continue
		}
		target := filepath.Join(imageDir, rel)
		item := Item{Target: filepath.ToSlash(rel), Critical: entry.Critical}

		switch {
		case nonEmptyFile(target):
			item.Status = Present
		case entry.Searchable():
			if source := r.search(entry, filepath.Base(target)); source != "" {
				if err := fsutil.CopyFile(source, target); err != nil {
					logger.Warn("copy of recovered boot file failed", "target", item.Target, "source", source, "error", err)
				} else {
					item.Status = Resolved
					item.Source = source
					logger.Info("recovered boot file", "target", item.Target, "source", source)
					r.mirror(entry, source, imageDir, logger)
				}
			}
		}

		if item.Status == "" && entry.Synthesize == "bcd" {
			item.Status, item.Note = r.synthesizeBCD(ctx, target, logger)
		}

		// Never report a target as satisfied unless it is on disk with content.
		if item.Status == "" || !nonEmptyFile(target) {
			item.Status = missingStatus(entry.Critical)
		}
		if item.Status == CriticalMissing {
			logger.Error("critical boot file missing", "target", item.Target)
		} else if item.Status == OptionalMissing {
			logger.Warn("optional boot file missing", "target", item.Target)
		}
		report.Items = append(report.Items, item)
	}
	return report
}

func (r *Resolver) search(entry Entry, fallbackName string) string {
	names := entry.Names
	if len(names) == 0 {
		names = []string{fallbackName}
	} else {
		names = append([]string{fallbackName}, names...)
	}

	roots := make([]string, 0, len(entry.Roots)+len(r.Env.ExtraRoots))
	for _, raw := range entry.Roots {
		if root, ok := r.Env.expand(raw); ok {
			roots = append(roots, root)
		}
	}
	roots = append(roots, r.Env.ExtraRoots...)

	for _, name := range names {
		for _, root := range roots {
			if found := findFile(root, name); found != "" {
				return found
			}
		}
	}
	return ""
}

func (r *Resolver) mirror(entry Entry, source, imageDir string, logger *slog.Logger) {
	if entry.Mirror == "" {
		return
	}
	rel, ok := r.Env.expand(entry.Mirror)
	if !ok {
		return
	}
	dest := filepath.Join(imageDir, rel)
	if nonEmptyFile(dest) {
		return
	}
	if err := fsutil.CopyFile(source, dest); err != nil {
		logger.Warn("mirroring boot manager failed", "target", filepath.ToSlash(rel), "error", err)
		return
	}
	logger.Info("mirrored boot manager to default loader path", "target", filepath.ToSlash(rel))
}

func (r *Resolver) synthesizeBCD(ctx context.Context, target string, logger *slog.Logger) (Status, string) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", ""
	}
	if r.BCD != nil {
		tmp := target + ".tmp"
		_ = os.Remove(tmp)
		err := func() error {
			if _, err := r.BCD.CreateStore(ctx, tmp); err != nil {
				return err
			}
			if _, err := r.BCD.AddBootEntry(ctx, tmp, "Windows PE"); err != nil {
				return err
			}
			return os.Rename(tmp, target)
		}()
		if err == nil && nonEmptyFile(target) {
			logger.Info("synthesized boot configuration store", "target", target)
			return Resolved, "synthesized"
		}
		_ = os.Remove(tmp)
		logger.Warn("boot configuration synthesis failed", "error", err)
	}

	if err := os.WriteFile(target, PlaceholderBCD, 0o644); err != nil {
		logger.Error("writing placeholder boot configuration failed", "error", err)
		return "", ""
	}
	logger.Warn("wrote placeholder boot configuration; media may not boot under UEFI", "target", target)
	return ResolvedWithWarning, "placeholder"
}

func (r *Resolver) logger() *slog.Logger {
	return logging.Ensure(r.Logger).With("component", "bootassets")
}

func missingStatus(critical bool) Status {
	if critical {
		return CriticalMissing
	}
	return OptionalMissing
}

func nonEmptyFile(path string) bool { return fsutil.NonEmptyFile(path) }

// findFile walks root for a non-empty file named name, ignoring case.
func findFile(root, name string) string {
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return ""
	}
	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(d.Name(), name) && nonEmptyFile(path) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}
