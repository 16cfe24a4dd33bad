package acquire

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/peforge/internal/bootassets"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/fsutil"
	"github.com/cochaviz/peforge/internal/workspace"
)

// RequiredDirs must exist under the media directory of every tree.
var RequiredDirs = []string{
	"Boot",
	"sources",
	"EFI",
	filepath.Join("EFI", "Boot"),
	filepath.Join("EFI", "Microsoft"),
	filepath.Join("EFI", "Microsoft", "Boot"),
}

// SourceImage returns the first kit base image for the session architecture.
func (a *Acquirer) SourceImage(session *workspace.Session) (string, error) {
	if a.WinPERoot == "" {
		return "", fault.New(fault.AssetMissing, "acquire.legacy", "preinstallation environment add-on is not installed")
	}
	archDir := filepath.Join(a.WinPERoot, session.Arch.String())
	candidates := []string{
		filepath.Join(archDir, "en-us", "winpe.wim"),
		filepath.Join(archDir, "winpe.wim"),
	}
	for _, candidate := range candidates {
		if fsutil.NonEmptyFile(candidate) {
			return candidate, nil
		}
	}
	return "", fault.New(fault.AssetMissing, "acquire.legacy", "no base image found under %s", archDir)
}

func (a *Acquirer) legacy(ctx context.Context, session *workspace.Session, logger *slog.Logger) (bootassets.Report, error) {
	source, err := a.SourceImage(session)
	if err != nil {
		return bootassets.Report{}, err
	}

	target := session.ImageDir()
	if err := os.RemoveAll(target); err != nil {
		return bootassets.Report{}, fault.Wrapf(fault.Configuration, "acquire.legacy", err, "clear %s", target)
	}

	mediaSource := filepath.Join(a.WinPERoot, session.Arch.String(), "Media")
	if fsutil.RequireDir(mediaSource) == nil {
		if err := fsutil.CopyTree(mediaSource, session.MediaDir()); err != nil {
			return bootassets.Report{}, fault.Wrapf(fault.Configuration, "acquire.legacy", err, "copy media tree")
		}
	} else {
		logger.Warn("kit media tree not found; boot files will be resolved individually", "path", mediaSource)
	}

	if err := fsutil.CopyFile(source, session.WorkingImage()); err != nil {
		return bootassets.Report{}, fault.Wrapf(fault.Configuration, "acquire.legacy", err, "copy base image")
	}
	logger.Info("copied base image", "source", source, "target", session.WorkingImage())

	for _, dir := range RequiredDirs {
		path := filepath.Join(session.MediaDir(), dir)
		if fsutil.RequireDir(path) == nil {
			continue
		}
		logger.Info("creating missing media directory", "dir", filepath.ToSlash(dir))
		if err := os.MkdirAll(path, 0o755); err != nil {
			return bootassets.Report{}, fault.Wrapf(fault.Configuration, "acquire.legacy", err, "create %s", path)
		}
	}

	if a.Resolver == nil {
		return bootassets.Report{}, nil
	}
	return a.Resolver.Resolve(ctx, target)
}
