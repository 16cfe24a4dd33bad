package acquire

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/fsutil"
	"github.com/cochaviz/peforge/internal/workspace"
)

// firmwareDirs are the boot sector directories written by different kit releases.
var firmwareDirs = []string{"fwfiles", "bootbins"}

func (a *Acquirer) copype(ctx context.Context, session *workspace.Session, logger *slog.Logger) (Diagnosis, error) {
	if a.Provisioner == nil {
		return DiagnosisInstallIntegrity, fault.New(fault.ToolNotFound, "acquire.copype", "provisioning script is not available")
	}
	target := session.ImageDir()

	// The script refuses to run against an existing directory.
	if _, err := os.Stat(target); err == nil {
		logger.Info("removing existing provisioning target", "path", target)
		if err := os.RemoveAll(target); err != nil {
			return DiagnosisPermissions, fault.Wrapf(fault.Configuration, "acquire.copype", err, "remove existing target %s", target)
		}
	}

	result, err := a.Provisioner.Create(ctx, session.Arch, target)
	if err != nil {
		if fault.Is(err, fault.ProcessTimeout) {
			return DiagnosisUnknown, err
		}
		free := uint64(0)
		if a.FreeSpace != nil {
			free, _ = a.FreeSpace(session.Root)
		} else {
			free, _ = workspace.FreeSpace(session.Root)
		}
		diagnosis := Diagnose(Evidence{
			ExitCode:  result.ExitCode,
			Output:    result.Stdout + "\n" + result.Stderr,
			Target:    target,
			FreeBytes: free,
		})
		logger.Error("provisioning script failed", "exit_code", result.ExitCode, "diagnosis", diagnosis.String(), "advice", diagnosis.Advice())
		return diagnosis, fault.Wrapf(fault.KindOf(err), "acquire.copype", err, "diagnosis: %s", diagnosis)
	}

	if !fsutil.NonEmptyFile(session.WorkingImage()) {
		return DiagnosisInstallIntegrity, fault.New(fault.AssetMissing, "acquire.copype",
			"provisioning succeeded but %s is missing", session.WorkingImage())
	}
	for _, dir := range firmwareDirs {
		if fsutil.RequireDir(filepath.Join(target, dir)) == nil {
			logger.Debug("firmware files present", "dir", dir)
			break
		}
	}
	return DiagnosisNone, nil
}
