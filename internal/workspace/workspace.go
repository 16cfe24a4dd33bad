// Package workspace owns the on-disk layout of one build session.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/logging"
)

// LowSpaceThreshold is the free-space level below which a warning is emitted.
const LowSpaceThreshold uint64 = 2 << 30

const (
	imageDirName = "winpe"
	settingsName = "settings.ini"
)

var fixedDirs = []string{"mount", "drivers", "scripts", "files", "logs"}

// Session is one build's workspace. Distinct sessions must use distinct roots.
type Session struct {
	ID        string
	Root      string
	Arch      arch.Architecture
	CreatedAt time.Time

	logger *slog.Logger
}

// Create lays out a session under root. The root may already exist; the fixed
// subdirectories are created if missing and a write probe verifies access.
func Create(root string, a arch.Architecture, logger *slog.Logger) (*Session, error) {
	if root == "" {
		return nil, fault.New(fault.Configuration, "workspace.create", "workspace root is empty")
	}
	if !a.IsValid() {
		return nil, fault.New(fault.Configuration, "workspace.create", "invalid architecture %q", a)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fault.Wrapf(fault.Configuration, "workspace.create", err, "resolve %q", root)
	}

	for _, dir := range append([]string{""}, fixedDirs...) {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fault.Wrapf(fault.Configuration, "workspace.create", err, "create %s", filepath.Join(abs, dir))
		}
	}
	if err := probeWritable(abs); err != nil {
		return nil, err
	}

	s := &Session{
		ID:        uuid.NewString(),
		Root:      abs,
		Arch:      a,
		CreatedAt: time.Now().UTC(),
		logger:    logging.Ensure(logger).With("component", "workspace", "root", abs),
	}

	settings, err := LoadSettings(s.SettingsPath())
	if err != nil {
		return nil, err
	}
	settings.Architecture = a
	settings.SessionID = s.ID
	if err := SaveSettings(s.SettingsPath(), settings); err != nil {
		return nil, err
	}

	s.logger.Info("workspace ready", "session", s.ID, "arch", a)
	return s, nil
}

// Open attaches to an existing workspace, recovering its architecture from settings.
func Open(root string, logger *slog.Logger) (*Session, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fault.Wrapf(fault.Configuration, "workspace.open", err, "resolve %q", root)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, fault.New(fault.Configuration, "workspace.open", "%s is not a workspace directory", abs)
	}
	settings, err := LoadSettings(filepath.Join(abs, settingsName))
	if err != nil {
		return nil, err
	}
	a := settings.Architecture
	if a == "" {
		a = arch.AMD64
	}
	id := settings.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:     id,
		Root:   abs,
		Arch:   a,
		logger: logging.Ensure(logger).With("component", "workspace", "root", abs),
	}, nil
}

// ImageDir is the provisioning target holding the media tree. It is owned by the
// acquisition step and must not exist before provisioning.
func (s *Session) ImageDir() string { return filepath.Join(s.Root, imageDirName) }

// MediaDir is the bootable media tree.
func (s *Session) MediaDir() string { return filepath.Join(s.ImageDir(), "media") }

// WorkingImage is the image file serviced through the mount directory.
func (s *Session) WorkingImage() string {
	return filepath.Join(s.MediaDir(), "sources", "boot.wim")
}

func (s *Session) MountDir() string { return filepath.Join(s.Root, "mount") }
func (s *Session) DriversDir() string { return filepath.Join(s.Root, "drivers") }
func (s *Session) ScriptsDir() string { return filepath.Join(s.Root, "scripts") }
func (s *Session) FilesDir() string { return filepath.Join(s.Root, "files") }
func (s *Session) LogsDir() string { return filepath.Join(s.Root, "logs") }
func (s *Session) SettingsPath() string { return filepath.Join(s.Root, settingsName) }

// Settings reads the persisted workspace settings.
func (s *Session) Settings() (Settings, error) {
	return LoadSettings(s.SettingsPath())
}

// SaveSettings validates and persists settings.
func (s *Session) SaveSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	settings.SessionID = s.ID
	return SaveSettings(s.SettingsPath(), settings)
}

// FreeSpace returns the bytes available on the volume holding the workspace.
func (s *Session) FreeSpace() (uint64, error) {
	return FreeSpace(s.Root)
}

// CheckSpace logs a warning when free space is under LowSpaceThreshold. It never fails.
func (s *Session) CheckSpace() (free uint64, low bool) {
	free, err := s.FreeSpace()
	if err != nil {
		s.log().Warn("could not determine free space", "error", err)
		return 0, false
	}
	if free < LowSpaceThreshold {
		s.log().Warn("low disk space in workspace", "free_gib", gib(free), "recommended_gib", gib(LowSpaceThreshold))
		return free, true
	}
	s.log().Debug("free space", "free_gib", gib(free))
	return free, false
}

// Cleanup deletes the session root. It refuses while the mount directory holds
// an image, since deleting a live mount corrupts the servicing tool's state.
func (s *Session) Cleanup() error {
	if !DirEmpty(s.MountDir()) {
		return fault.New(fault.Configuration, "workspace.cleanup", "an image is still mounted at %s; unmount it first", s.MountDir())
	}
	if err := os.RemoveAll(s.Root); err != nil {
		return fault.Wrapf(fault.Configuration, "workspace.cleanup", err, "remove %s", s.Root)
	}
	s.log().Info("workspace removed")
	return nil
}

func (s *Session) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return logging.Ensure(nil)
}

// FreeSpace returns the bytes available on the volume holding path.
func FreeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("query disk usage for %s: %w", path, err)
	}
	return usage.Free, nil
}

// DirEmpty reports whether dir is missing or has no entries.
func DirEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	return len(entries) == 0
}

func probeWritable(dir string) error {
	probe, err := os.CreateTemp(dir, ".peforge-probe-*")
	if err != nil {
		return fault.Wrapf(fault.Configuration, "workspace.create", err, "%s is not writable", dir)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

func gib(b uint64) string {
	return fmt.Sprintf("%.1f", float64(b)/(1<<30))
}
