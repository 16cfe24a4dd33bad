package components

import (
	"bytes"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/fsutil"
)

//go:embed winpeshl.ini.tmpl
var winpeshlTemplate string

//go:embed launcher.cmd.tmpl
var launcherTemplate string

// Shell is the desktop launched once the image has initialized.
type Shell string

const (
	// ShellNone starts a command prompt.
	ShellNone      Shell = "none"
	ShellWinXShell Shell = "winxshell"
	ShellCairo     Shell = "cairo"
)

// ParseShell accepts the shell names used in configuration. An empty name
// means the image's own startup is left alone.
func ParseShell(s string) (Shell, error) {
	switch name := strings.ToLower(strings.TrimSpace(s)); name {
	case "":
		return "", nil
	case string(ShellNone), "disabled", "cmd":
		return ShellNone, nil
	case string(ShellWinXShell), string(ShellCairo):
		return Shell(name), nil
	}
	return "", fault.New(fault.Configuration, "components.startup", "unknown shell %q", s)
}

type shellLayout struct {
	Title string
	// Dir is the shell's directory under the image root.
	Dir      string
	Exe      string
	Args     string
	Launcher string
}

var shellLayouts = map[Shell]shellLayout{
	ShellWinXShell: {
		Title:    "WinXShell",
		Dir:      "WinXShell",
		Exe:      "WinXShell_x64.exe",
		Args:     "-winpe -desktop -silent",
		Launcher: "WinXShell.cmd",
	},
	ShellCairo: {
		Title:    "Cairo Desktop",
		Dir:      "Cairo Shell",
		Exe:      "CairoDesktop.exe",
		Args:     "/noshell=true",
		Launcher: "CairoShell.cmd",
	},
}

type launcherData struct {
	Title    string
	Dir      string
	Exe      string
	Args     string
	Language string
}

// WinPEShlPath is the startup file read by the image's shell launcher.
var WinPEShlPath = filepath.Join("Windows", "System32", "winpeshl.ini")

// Startup describes what the image runs after initialization.
type Startup struct {
	Shell Shell
	// Dir holds the shell's files; they are copied into the image when set.
	Dir      string
	Language string
}

// ConfigureStartup writes winpeshl.ini and, for a desktop shell, copies the
// shell and its launcher script into the image mounted at mountDir.
func (i *Installer) ConfigureStartup(mountDir string, startup Startup) (Outcome, error) {
	outcome := Outcome{Kind: "startup"}
	shell, err := ParseShell(string(startup.Shell))
	if err != nil {
		return outcome, err
	}
	if shell == "" {
		return outcome, nil
	}
	if err := requireMounted(mountDir); err != nil {
		return outcome, err
	}
	logger := i.logger().With("shell", string(shell))
	system32 := filepath.Join(mountDir, "Windows", "System32")

	layout, desktop := shellLayouts[shell]
	if desktop {
		if startup.Dir != "" {
			err := fsutil.CopyTree(startup.Dir, filepath.Join(mountDir, layout.Dir))
			if err != nil {
				err = fault.Wrapf(fault.AssetMissing, "components.startup", err, "copy shell")
				logger.Warn("shell files not copied", "source", startup.Dir, "error", err)
			}
			outcome.Items = append(outcome.Items, ItemResult{Name: layout.Dir, Source: startup.Dir, Err: err})
		} else if !fsutil.NonEmptyFile(filepath.Join(mountDir, layout.Dir, layout.Exe)) {
			logger.Warn("shell is not present in the image; the launcher falls back to a command prompt", "exe", layout.Exe)
		}

		data := launcherData{
			Title:    layout.Title,
			Dir:      layout.Dir,
			Exe:      layout.Exe,
			Args:     layout.Args,
			Language: startup.Language,
		}
		err := renderTo(filepath.Join(system32, layout.Launcher), launcherTemplate, data)
		outcome.Items = append(outcome.Items, ItemResult{Name: layout.Launcher, Err: err})
	}

	err = renderTo(filepath.Join(mountDir, WinPEShlPath), winpeshlTemplate, layout)
	outcome.Items = append(outcome.Items, ItemResult{Name: "winpeshl.ini", Err: err})
	if err != nil {
		logger.Warn("startup file not written", "error", err)
	}
	logger.Info(outcome.Summary())
	return outcome, nil
}

// renderTo executes src with data and writes it with CRLF line endings.
func renderTo(path, src string, data any) error {
	tmpl, err := template.New(filepath.Base(path)).Parse(src)
	if err != nil {
		return fault.Wrapf(fault.Configuration, "components.startup", err, "parse template")
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fault.Wrapf(fault.Configuration, "components.startup", err, "render %s", filepath.Base(path))
	}
	text := strings.ReplaceAll(strings.TrimLeft(buf.String(), "\n"), "\n", "\r\n")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fault.Wrapf(fault.Configuration, "components.startup", err, "create %s", filepath.Dir(path))
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fault.Wrapf(fault.Configuration, "components.startup", err, "write %s", path)
	}
	return nil
}
