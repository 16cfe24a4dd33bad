package adk

import (
	"context"
	"strconv"

	"github.com/cochaviz/peforge/internal/process"
)

// DISM drives the image-servicing tool.
type DISM struct {
	Path   string
	Runner process.Runner
}

func (d *DISM) command(args ...string) process.Command {
	return process.Command{
		Path:  d.Path,
		Args:  append([]string{"/English"}, args...),
		Class: process.Servicing,
	}
}

// Mount projects image index onto mountDir.
func (d *DISM) Mount(ctx context.Context, image string, index int, mountDir string) (process.Result, error) {
	return run(ctx, d.Runner, "dism.mount", d.command(
		"/Mount-Wim",
		"/WimFile:"+image,
		"/Index:"+strconv.Itoa(index),
		"/MountDir:"+mountDir,
	))
}

// Unmount detaches mountDir, committing or discarding edits.
func (d *DISM) Unmount(ctx context.Context, mountDir string, commit bool) (process.Result, error) {
	mode := "/Discard"
	if commit {
		mode = "/Commit"
	}
	return run(ctx, d.Runner, "dism.unmount", d.command("/Unmount-Wim", "/MountDir:"+mountDir, mode))
}

// Remount re-attaches an orphaned mount directory.
func (d *DISM) Remount(ctx context.Context, mountDir string) (process.Result, error) {
	return run(ctx, d.Runner, "dism.remount", d.command("/Remount-Wim", "/MountDir:"+mountDir))
}

// CleanupMounts removes stale mount registrations left by interrupted sessions.
func (d *DISM) CleanupMounts(ctx context.Context) (process.Result, error) {
	return run(ctx, d.Runner, "dism.cleanup", d.command("/Cleanup-Wim"))
}

// AddPackage installs a cab into the mounted image.
func (d *DISM) AddPackage(ctx context.Context, mountDir, packagePath string) (process.Result, error) {
	return run(ctx, d.Runner, "dism.add-package", d.command(
		"/Image:"+mountDir,
		"/Add-Package",
		"/PackagePath:"+packagePath,
	))
}

// AddDriver installs an inf, or every inf below a directory when recurse is set.
func (d *DISM) AddDriver(ctx context.Context, mountDir, driverPath string, recurse, forceUnsigned bool) (process.Result, error) {
	args := []string{"/Image:" + mountDir, "/Add-Driver", "/Driver:" + driverPath}
	if recurse {
		args = append(args, "/Recurse")
	}
	if forceUnsigned {
		args = append(args, "/ForceUnsigned")
	}
	return run(ctx, d.Runner, "dism.add-driver", d.command(args...))
}

// SetLocale sets system, user and input locales in one servicing call.
func (d *DISM) SetLocale(ctx context.Context, mountDir, locale, inputLocale string) (process.Result, error) {
	return run(ctx, d.Runner, "dism.set-locale", d.command(
		"/Image:"+mountDir,
		"/Set-SysLocale:"+locale,
		"/Set-UserLocale:"+locale,
		"/Set-InputLocale:"+inputLocale,
	))
}

// SetScratchSpace sets the writable overlay size in MB.
func (d *DISM) SetScratchSpace(ctx context.Context, mountDir string, mb int) (process.Result, error) {
	return run(ctx, d.Runner, "dism.set-scratchspace", d.command(
		"/Image:"+mountDir,
		"/Set-ScratchSpace:"+strconv.Itoa(mb),
	))
}

// SetTargetPath sets the root the booted image mounts itself on, such as `X:\`.
func (d *DISM) SetTargetPath(ctx context.Context, mountDir, target string) (process.Result, error) {
	return run(ctx, d.Runner, "dism.set-targetpath", d.command(
		"/Image:"+mountDir,
		"/Set-TargetPath:"+target,
	))
}
