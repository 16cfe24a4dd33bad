// Package components installs optional packages, drivers, files and settings
// into a mounted image. Per-item failures are collected rather than aborting.
package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/fsutil"
	"github.com/cochaviz/peforge/internal/logging"
	"github.com/cochaviz/peforge/internal/process"
	"github.com/cochaviz/peforge/internal/workspace"
)

// Servicer is the subset of image servicing the installer needs. *adk.DISM satisfies it.
type Servicer interface {
	AddPackage(ctx context.Context, mountDir, packagePath string) (process.Result, error)
	AddDriver(ctx context.Context, mountDir, driverPath string, recurse, forceUnsigned bool) (process.Result, error)
	SetLocale(ctx context.Context, mountDir, locale, inputLocale string) (process.Result, error)
	SetScratchSpace(ctx context.Context, mountDir string, mb int) (process.Result, error)
	SetTargetPath(ctx context.Context, mountDir, target string) (process.Result, error)
}

// ScriptsDir is where scripts land inside the image.
var ScriptsDir = filepath.Join("Windows", "System32", "Scripts")

// ItemResult is the outcome of one requested item.
type ItemResult struct {
	Name   string
	Source string
	Err    error
}

// Outcome aggregates the items of one install request.
type Outcome struct {
	Kind  string
	Items []ItemResult
}

// Succeeded lists the items that were installed.
func (o Outcome) Succeeded() []string {
	var out []string
	for _, item := range o.Items {
		if item.Err == nil {
			out = append(out, item.Name)
		}
	}
	return out
}

// Failed lists the items that could not be installed.
func (o Outcome) Failed() []ItemResult {
	var out []ItemResult
	for _, item := range o.Items {
		if item.Err != nil {
			out = append(out, item)
		}
	}
	return out
}

// Failures combines every item error, or returns nil.
func (o Outcome) Failures() error {
	var result *multierror.Error
	for _, item := range o.Failed() {
		result = multierror.Append(result, fmt.Errorf("%s: %w", item.Name, item.Err))
	}
	return result.ErrorOrNil()
}

// Err is nil when at least one item succeeded or nothing was requested.
func (o Outcome) Err() error {
	if len(o.Items) == 0 || len(o.Succeeded()) > 0 {
		return nil
	}
	return fault.Wrapf(fault.ProcessFailure, "components."+o.Kind, o.Failures(), "all %d items failed", len(o.Items))
}

// Summary is a short human-readable line, e.g. "packages: 2/3 installed".
func (o Outcome) Summary() string {
	return fmt.Sprintf("%s: %d/%d installed", o.Kind, len(o.Succeeded()), len(o.Items))
}

// Installer adds components to the image mounted at a mount directory.
type Installer struct {
	Servicer Servicer
	// PackageRoots are the optional-component directories of each known kit layout,
	// probed in order.
	PackageRoots []string
	Logger       *slog.Logger
}

// PackageRoots returns the optional-component directories of both kit layouts.
// Empty roots are skipped.
func PackageRoots(kitRoot, winpeRoot, arch string) []string {
	var roots []string
	if kitRoot != "" {
		roots = append(roots, filepath.Join(kitRoot, "Assessment and Deployment Kit", "Windows Preinstallation Environment", arch, "WinPE_OCs"))
	}
	if winpeRoot != "" {
		roots = append(roots, filepath.Join(winpeRoot, arch, "WinPE_OCs"))
	}
	return roots
}

func (i *Installer) logger() *slog.Logger {
	return logging.Ensure(i.Logger).With("component", "components")
}

func requireMounted(mountDir string) error {
	if workspace.DirEmpty(mountDir) {
		return fault.New(fault.Configuration, "components", "no image is mounted at %s", mountDir)
	}
	return nil
}

// fatal reports errors that must stop the whole request.
func fatal(err error) bool {
	return fault.Is(err, fault.ProcessTimeout) || fault.Is(err, fault.Cancelled) || errors.Is(err, context.Canceled)
}

// ResolvePackage finds the cab for name and, when lang is set, its language
// resource cab. name may also be a path to a cab file.
func (i *Installer) ResolvePackage(name, lang string) (cab, langCab string, err error) {
	if strings.EqualFold(filepath.Ext(name), ".cab") && fsutil.NonEmptyFile(name) {
		return name, "", nil
	}
	for _, root := range i.PackageRoots {
		candidate := filepath.Join(root, name+".cab")
		if !fsutil.NonEmptyFile(candidate) {
			continue
		}
		if lang != "" {
			lower := strings.ToLower(lang)
			if l := filepath.Join(root, lower, name+"_"+lower+".cab"); fsutil.NonEmptyFile(l) {
				langCab = l
			}
		}
		return candidate, langCab, nil
	}
	return "", "", fault.New(fault.AssetMissing, "components.packages", "package %s not found in %s", name, strings.Join(i.PackageRoots, ", "))
}

// InstallPackages adds each named package and its language resources. The error
// is non-nil only for faults that leave the image in doubt.
func (i *Installer) InstallPackages(ctx context.Context, mountDir string, names []string, lang string) (Outcome, error) {
	outcome := Outcome{Kind: "packages"}
	if err := requireMounted(mountDir); err != nil {
		return outcome, err
	}
	logger := i.logger()

	names = dedupe(names)
	for n, name := range names {
		logger.Info("adding package", "item", n+1, "total", len(names), "package", name)
		cab, langCab, err := i.ResolvePackage(name, lang)
		if err != nil {
			logger.Warn("package not found", "package", name, "error", err)
			outcome.Items = append(outcome.Items, ItemResult{Name: name, Err: err})
			continue
		}
		if _, err := i.Servicer.AddPackage(ctx, mountDir, cab); err != nil {
			outcome.Items = append(outcome.Items, ItemResult{Name: name, Source: cab, Err: err})
			if fatal(err) {
				return outcome, err
			}
			logger.Warn("adding package failed", "package", name, "error", err)
			continue
		}
		if langCab != "" {
			if _, err := i.Servicer.AddPackage(ctx, mountDir, langCab); err != nil {
				if fatal(err) {
					return outcome, err
				}
				logger.Warn("adding language resources failed", "package", name, "cab", langCab, "error", err)
			}
		}
		outcome.Items = append(outcome.Items, ItemResult{Name: name, Source: cab})
	}
	logger.Info(outcome.Summary())
	return outcome, nil
}

// InstallDrivers adds each driver file or directory. Directories are searched recursively.
func (i *Installer) InstallDrivers(ctx context.Context, mountDir string, paths []string, forceUnsigned bool) (Outcome, error) {
	outcome := Outcome{Kind: "drivers"}
	if err := requireMounted(mountDir); err != nil {
		return outcome, err
	}
	logger := i.logger()

	for _, path := range dedupe(paths) {
		info, err := os.Stat(path)
		if err != nil {
			outcome.Items = append(outcome.Items, ItemResult{Name: path, Err: fault.Wrapf(fault.AssetMissing, "components.drivers", err, "driver path")})
			continue
		}
		if _, err := i.Servicer.AddDriver(ctx, mountDir, path, info.IsDir(), forceUnsigned); err != nil {
			outcome.Items = append(outcome.Items, ItemResult{Name: path, Source: path, Err: err})
			if fatal(err) {
				return outcome, err
			}
			logger.Warn("adding driver failed", "driver", path, "error", err)
			continue
		}
		logger.Info("added driver", "driver", path)
		outcome.Items = append(outcome.Items, ItemResult{Name: path, Source: path})
	}
	logger.Info(outcome.Summary())
	return outcome, nil
}

// DriverPaths lists the entries of dir, the workspace drivers folder.
func DriverPaths(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.EqualFold(filepath.Ext(entry.Name()), ".inf") {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	return paths
}

// ApplyLanguage sets the system, user and input locales for code.
func (i *Installer) ApplyLanguage(ctx context.Context, mountDir, code string) (Language, error) {
	lang, err := LookupLanguage(code)
	if err != nil {
		return Language{}, err
	}
	if err := requireMounted(mountDir); err != nil {
		return lang, err
	}
	if _, err := i.Servicer.SetLocale(ctx, mountDir, lang.Code, lang.InputLocale); err != nil {
		return lang, err
	}
	i.logger().Info("applied locale", "language", lang.Code, "input_locale", lang.InputLocale)
	return lang, nil
}

// ApplySettings writes the scratch space and target path into the image.
func (i *Installer) ApplySettings(ctx context.Context, mountDir string, settings workspace.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := requireMounted(mountDir); err != nil {
		return err
	}
	if _, err := i.Servicer.SetScratchSpace(ctx, mountDir, settings.ScratchSpaceMB); err != nil {
		return err
	}
	if _, err := i.Servicer.SetTargetPath(ctx, mountDir, settings.TargetPath()); err != nil {
		return err
	}
	i.logger().Info("applied image settings", "scratch_space_mb", settings.ScratchSpaceMB, "target_path", settings.TargetPath())
	return nil
}

// CopyFiles copies each source into the image root, keeping its base name.
func (i *Installer) CopyFiles(mountDir string, sources []string) (Outcome, error) {
	return i.copyInto(mountDir, mountDir, "files", sources)
}

// CopyScripts copies each source into the image's scripts directory.
func (i *Installer) CopyScripts(mountDir string, sources []string) (Outcome, error) {
	return i.copyInto(mountDir, filepath.Join(mountDir, ScriptsDir), "scripts", sources)
}

func (i *Installer) copyInto(mountDir, dest, kind string, sources []string) (Outcome, error) {
	outcome := Outcome{Kind: kind}
	if err := requireMounted(mountDir); err != nil {
		return outcome, err
	}
	logger := i.logger()
	for _, src := range dedupe(sources) {
		target := filepath.Join(dest, filepath.Base(src))
		info, err := os.Stat(src)
		switch {
		case err != nil:
			err = fault.Wrapf(fault.AssetMissing, "components."+kind, err, "source")
		case info.IsDir():
			err = fsutil.CopyTree(src, target)
		default:
			err = fsutil.CopyFile(src, target)
		}
		if err != nil {
			logger.Warn("copy into image failed", "kind", kind, "source", src, "error", err)
		}
		outcome.Items = append(outcome.Items, ItemResult{Name: filepath.Base(src), Source: src, Err: err})
	}
	if len(outcome.Items) > 0 {
		logger.Info(outcome.Summary())
	}
	return outcome, nil
}

// DirEntries lists the top-level entries of dir, used for the workspace files
// and scripts folders.
func DirEntries(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, item := range in {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if item == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
