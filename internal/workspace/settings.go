package workspace

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/gookit/ini/v2"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/fault"
)

const settingsSection = "winpe"

// DefaultScratchSpaceMB matches the servicing tool's own default.
const DefaultScratchSpaceMB = 128

// DefaultTargetDrive is the drive letter a booted image mounts itself on.
const DefaultTargetDrive = "X:"

var driveLetter = regexp.MustCompile(`^[A-Za-z]:$`)

// Settings is the small per-workspace record persisted as settings.ini.
type Settings struct {
	SessionID      string
	Architecture   arch.Architecture
	ScratchSpaceMB int
	TargetDrive    string
}

// DefaultSettings returns the settings used when nothing is persisted.
func DefaultSettings() Settings {
	return Settings{
		Architecture:   arch.AMD64,
		ScratchSpaceMB: DefaultScratchSpaceMB,
		TargetDrive:    DefaultTargetDrive,
	}
}

// Validate checks scratch space and drive letter against what the servicing tool accepts.
func (s Settings) Validate() error {
	if s.Architecture != "" && !s.Architecture.IsValid() {
		return fault.New(fault.Configuration, "settings", "invalid architecture %q", s.Architecture)
	}
	switch s.ScratchSpaceMB {
	case 32, 64, 128, 256, 512:
	default:
		return fault.New(fault.Configuration, "settings", "scratch space must be one of 32, 64, 128, 256, 512 MB (got %d)", s.ScratchSpaceMB)
	}
	if !driveLetter.MatchString(s.TargetDrive) {
		return fault.New(fault.Configuration, "settings", "target drive %q must be a letter followed by ':'", s.TargetDrive)
	}
	return nil
}

// TargetPath renders the drive as a root path such as "X:\".
func (s Settings) TargetPath() string {
	return strings.ToUpper(s.TargetDrive) + `\`
}

// LoadSettings reads path, falling back to defaults for absent keys or a missing file.
func LoadSettings(path string) (Settings, error) {
	cfg := ini.New()
	if err := cfg.LoadExists(path); err != nil {
		return Settings{}, fault.Wrapf(fault.Configuration, "settings.load", err, "parse %s", path)
	}

	settings := DefaultSettings()
	if v := cfg.String(key("architecture")); v != "" {
		a, err := arch.Parse(v)
		if err != nil {
			return Settings{}, fault.Wrap(fault.Configuration, "settings.load", err)
		}
		settings.Architecture = a
	}
	settings.ScratchSpaceMB = cfg.Int(key("scratch_space"), settings.ScratchSpaceMB)
	if v := cfg.String(key("target_drive")); v != "" {
		settings.TargetDrive = strings.ToUpper(v)
	}
	settings.SessionID = cfg.String(key("session_id"))
	return settings, nil
}

// SaveSettings writes settings to path, replacing its contents.
func SaveSettings(path string, settings Settings) error {
	cfg := ini.New()
	values := map[string]any{
		"session_id":    settings.SessionID,
		"architecture":  settings.Architecture.String(),
		"scratch_space": settings.ScratchSpaceMB,
		"target_drive":  settings.TargetDrive,
	}
	for k, v := range values {
		if err := cfg.Set(k, v, settingsSection); err != nil {
			return fault.Wrapf(fault.Configuration, "settings.save", err, "set %s", k)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fault.Wrapf(fault.Configuration, "settings.save", err, "create %s", path)
	}
	if _, err := cfg.WriteTo(f); err != nil {
		f.Close()
		return fault.Wrapf(fault.Configuration, "settings.save", err, "write %s", path)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func key(name string) string {
	return settingsSection + "." + name
}
