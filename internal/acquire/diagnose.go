package acquire

import "strings"

// Diagnosis classifies why the provisioning script failed.
type Diagnosis string

const (
	DiagnosisNone             Diagnosis = ""
	DiagnosisInstallIntegrity Diagnosis = "install-integrity"
	DiagnosisPermissions      Diagnosis = "permissions"
	DiagnosisDiskSpace        Diagnosis = "disk-space"
	DiagnosisPathLength       Diagnosis = "path-length"
	DiagnosisVersionMismatch  Diagnosis = "version-mismatch"
	DiagnosisUnknown          Diagnosis = "unknown"
)

func (d Diagnosis) String() string {
	if d == DiagnosisNone {
		return "none"
	}
	return string(d)
}

// Advice is a one-line remedy for the operator.
func (d Diagnosis) Advice() string {
	switch d {
	case DiagnosisInstallIntegrity:
		return "repair or reinstall the deployment kit and its preinstallation environment add-on"
	case DiagnosisPermissions:
		return "run from an elevated prompt and check access to the workspace"
	case DiagnosisDiskSpace:
		return "free space on the workspace volume"
	case DiagnosisPathLength:
		return "move the workspace to a shorter path without spaces"
	case DiagnosisVersionMismatch:
		return "install a kit release that supports the requested architecture"
	default:
		return "inspect the captured tool output"
	}
}

// Evidence is what is known about a failed provisioning run.
type Evidence struct {
	ExitCode  int
	Output    string
	Target    string
	FreeBytes uint64
}

// MinProvisionSpace is the free space below which a failure is attributed to disk space.
const MinProvisionSpace uint64 = 1 << 30

// maxTargetPath keeps the deepest file of a provisioned tree within MAX_PATH.
const maxTargetPath = 150

var diagnosisPatterns = []struct {
	diagnosis Diagnosis
	needles   []string
}{
	{DiagnosisDiskSpace, []string{"not enough space", "disk is full", "insufficient disk", "no space left"}},
	{DiagnosisPermissions, []string{"access is denied", "access denied", "permission denied", "requires elevation", "elevated"}},
	{DiagnosisPathLength, []string{"too long", "path is invalid", "syntax is incorrect"}},
	{DiagnosisVersionMismatch, []string{"not supported", "unsupported", "invalid architecture", "unknown architecture"}},
	{DiagnosisInstallIntegrity, []string{"cannot find", "not found", "is not recognized", "does not exist", "missing"}},
}

// Diagnose picks the most specific classification the evidence supports.
func Diagnose(e Evidence) Diagnosis {
	output := strings.ToLower(e.Output)
	for _, p := range diagnosisPatterns {
		for _, needle := range p.needles {
			if strings.Contains(output, needle) {
				return p.diagnosis
			}
		}
	}
	switch {
	case e.ExitCode == 5:
		return DiagnosisPermissions
	case e.FreeBytes > 0 && e.FreeBytes < MinProvisionSpace:
		return DiagnosisDiskSpace
	case len(e.Target) > maxTargetPath || strings.Contains(e.Target, "~"):
		return DiagnosisPathLength
	}
	return DiagnosisUnknown
}
