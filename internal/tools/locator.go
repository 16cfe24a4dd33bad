// Package tools resolves the external deployment toolkit binaries.
package tools

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/logging"
)

// Tool is the file name of an external binary.
type Tool string

const (
	DISM           Tool = "dism.exe"
	CopyPE         Tool = "copype.cmd"
	MakeWinPEMedia Tool = "MakeWinPEMedia.cmd"
	Oscdimg        Tool = "oscdimg.exe"
	BCDEdit        Tool = "bcdedit.exe"
)

const (
	kitsSubdir       = "Assessment and Deployment Kit"
	deploymentSubdir = "Deployment Tools"
	winPESubdir      = "Windows Preinstallation Environment"
)

// Locator finds tools by probing install roots on every call. It keeps no cache
// so that installs performed while the process runs are picked up.
type Locator struct {
	// EnvFile is re-read by Reload and may override any probed variable.
	EnvFile string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// RegistryRoots defaults to the installed-kits registry lookup on Windows.
	RegistryRoots func() []string
	Logger        *slog.Logger
}

// NewLocator returns a Locator reading the process environment.
func NewLocator(envFile string, logger *slog.Logger) *Locator {
	return &Locator{EnvFile: envFile, Logger: logger}
}

// Reload re-reads EnvFile into the process environment, overriding existing values.
func (l *Locator) Reload() error {
	if l.EnvFile == "" {
		return nil
	}
	if _, err := os.Stat(l.EnvFile); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Overload(l.EnvFile); err != nil {
		return fault.Wrapf(fault.Configuration, "tools.reload", err, "load %s", l.EnvFile)
	}
	l.logger().Debug("reloaded tool environment", "env_file", l.EnvFile)
	return nil
}

// Find returns the absolute path of tool for architecture a.
func (l *Locator) Find(tool Tool, a arch.Architecture) (string, error) {
	for _, candidate := range l.Candidates(tool, a) {
		if isFile(candidate) {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				return candidate, nil
			}
			l.logger().Debug("located tool", "tool", string(tool), "path", abs)
			return abs, nil
		}
	}
	for _, name := range []string{string(tool), strings.TrimSuffix(string(tool), filepath.Ext(string(tool)))} {
		if path, err := exec.LookPath(name); err == nil {
			l.logger().Debug("located tool on PATH", "tool", string(tool), "path", path)
			return path, nil
		}
	}
	return "", fault.New(fault.ToolNotFound, "tools.find", "%s (%s) not found in the deployment kit, system directories or PATH", tool, a)
}

// FindAll resolves every tool, reporting all missing ones together.
func (l *Locator) FindAll(a arch.Architecture, required ...Tool) (map[Tool]string, error) {
	found := make(map[Tool]string, len(required))
	var missing []string
	for _, tool := range required {
		path, err := l.Find(tool, a)
		if err != nil {
			missing = append(missing, string(tool))
			continue
		}
		found[tool] = path
	}
	if len(missing) > 0 {
		return found, fault.New(fault.ToolNotFound, "tools.preflight", "missing %s", strings.Join(missing, ", "))
	}
	return found, nil
}

// Candidates lists probe locations for tool in priority order, excluding PATH.
func (l *Locator) Candidates(tool Tool, a arch.Architecture) []string {
	var out []string
	name := string(tool)

	for _, kit := range l.KitRoots() {
		switch tool {
		case DISM:
			out = append(out, filepath.Join(kit, deploymentSubdir, a.String(), "DISM", name))
		case Oscdimg:
			out = append(out, filepath.Join(kit, deploymentSubdir, a.String(), "Oscdimg", name))
		case CopyPE, MakeWinPEMedia:
			out = append(out, filepath.Join(kit, winPESubdir, name))
		}
	}

	for _, key := range []string{"WinPERoot", "DandIRoot", "OSCDImgRoot", "DISMRoot"} {
		root := l.getenv(key)
		if root == "" {
			continue
		}
		out = append(out, filepath.Join(root, name), filepath.Join(root, a.String(), name))
	}

	if system := l.getenv("SystemRoot"); system != "" {
		switch tool {
		case DISM, BCDEdit:
			out = append(out, filepath.Join(system, "System32", name), filepath.Join(system, "Sysnative", name))
		}
	}
	return dedupe(out)
}

// KitRoots returns existing "Assessment and Deployment Kit" directories, registry first.
func (l *Locator) KitRoots() []string {
	var bases []string
	if override := l.getenv("PEFORGE_ADK_ROOT"); override != "" {
		bases = append(bases, override)
	}
	registry := l.RegistryRoots
	if registry == nil {
		registry = registryKitRoots
	}
	bases = append(bases, registry()...)
	for _, key := range []string{"ProgramFiles(x86)", "ProgramFiles"} {
		pf := l.getenv(key)
		if pf == "" {
			continue
		}
		bases = append(bases, filepath.Join(pf, "Windows Kits", "10"), filepath.Join(pf, "Windows Kits", "11"))
	}

	var roots []string
	for _, base := range dedupe(bases) {
		root := base
		if !strings.EqualFold(filepath.Base(base), kitsSubdir) {
			root = filepath.Join(base, kitsSubdir)
		}
		if isDir(root) {
			roots = append(roots, root)
		}
	}
	return dedupe(roots)
}

// WinPERoot returns the preinstallation environment directory, or "" when absent.
func (l *Locator) WinPERoot() string {
	if root := l.getenv("WinPERoot"); root != "" && isDir(root) {
		return root
	}
	for _, kit := range l.KitRoots() {
		root := filepath.Join(kit, winPESubdir)
		if isDir(root) {
			return root
		}
	}
	return ""
}

// DeploymentToolsRoot returns the "Deployment Tools" directory, or "" when absent.
func (l *Locator) DeploymentToolsRoot() string {
	if root := l.getenv("DandIRoot"); root != "" && isDir(root) {
		return root
	}
	for _, kit := range l.KitRoots() {
		root := filepath.Join(kit, deploymentSubdir)
		if isDir(root) {
			return root
		}
	}
	return ""
}

// SystemRoot returns the Windows directory, or "" on other hosts.
func (l *Locator) SystemRoot() string {
	return l.getenv("SystemRoot")
}

// ToolEnv returns the variables the kit's batch scripts expect.
func (l *Locator) ToolEnv(a arch.Architecture) []string {
	var env []string
	if root := l.WinPERoot(); root != "" {
		env = append(env, "WinPERoot="+ShortPath(root))
	}
	if root := l.DeploymentToolsRoot(); root != "" {
		env = append(env,
			"DandIRoot="+ShortPath(root),
			"OSCDImgRoot="+ShortPath(filepath.Join(root, a.String(), "Oscdimg")),
			"DISMRoot="+ShortPath(filepath.Join(root, a.String(), "DISM")),
		)
	}
	return env
}

func (l *Locator) getenv(key string) string {
	if l.Getenv != nil {
		return l.Getenv(key)
	}
	return os.Getenv(key)
}

func (l *Locator) logger() *slog.Logger {
	return logging.Ensure(l.Logger).With("component", "tools")
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		key := strings.ToLower(filepath.Clean(v))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (t Tool) String() string { return string(t) }

// Describe renders a tool and its location for status output.
func Describe(tool Tool, path string, err error) string {
	if err != nil {
		return fmt.Sprintf("%-20s missing", tool)
	}
	return fmt.Sprintf("%-20s %s", tool, path)
}
