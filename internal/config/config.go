// Package config loads and validates build configuration documents.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/acquire"
	"github.com/cochaviz/peforge/internal/components"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/media"
	"github.com/cochaviz/peforge/internal/workspace"
)

// DefaultEventBuffer is the capacity of a build's event channel.
const DefaultEventBuffer = 256

// Build describes one image build.
type Build struct {
	Workspace    string            `yaml:"workspace"`
	Architecture arch.Architecture `yaml:"architecture"`
	Strategy     acquire.Strategy  `yaml:"strategy"`
	ImageIndex   int               `yaml:"image_index"`
	Language     string            `yaml:"language"`
	// Profile names a built-in package set merged ahead of Packages.
	Profile string `yaml:"profile"`

	Packages      []string `yaml:"packages"`
	Drivers       []string `yaml:"drivers"`
	ForceUnsigned bool     `yaml:"force_unsigned"`
	Files         []string `yaml:"files"`
	Scripts       []string `yaml:"scripts"`

	Settings Settings `yaml:"settings"`
	Startup  Startup  `yaml:"startup"`
	Media    Media    `yaml:"media"`
	Tools    Tools    `yaml:"tools"`

	EventBuffer int `yaml:"event_buffer"`
}

// Settings are written into the image and into the workspace settings record.
type Settings struct {
	ScratchSpaceMB int    `yaml:"scratch_space"`
	TargetDrive    string `yaml:"target_drive"`
}

// Startup selects the shell launched after the image initializes. An empty
// Shell keeps the image's own startup.
type Startup struct {
	Shell components.Shell `yaml:"shell"`
	// ShellDir holds the shell's files to copy into the image.
	ShellDir string `yaml:"shell_dir"`
}

// Media selects the produced media. An empty Output skips media creation.
type Media struct {
	Mode     media.Mode     `yaml:"mode"`
	Strategy media.Strategy `yaml:"strategy"`
	Output   string         `yaml:"output"`
	Label    string         `yaml:"label"`
}

// Tools overrides tool discovery.
type Tools struct {
	ADKRoot string `yaml:"adk_root"`
	EnvFile string `yaml:"env_file"`
}

// Default returns a configuration with every optional field filled in.
func Default() Build {
	defaults := workspace.DefaultSettings()
	return Build{
		Architecture: arch.AMD64,
		Strategy:     acquire.StrategyCopyPE,
		ImageIndex:   1,
		Language:     "en-US",
		Settings: Settings{
			ScratchSpaceMB: defaults.ScratchSpaceMB,
			TargetDrive:    defaults.TargetDrive,
		},
		Media: Media{
			Mode:     media.ModeISO,
			Strategy: media.StrategyMakeWinPEMedia,
		},
		EventBuffer: DefaultEventBuffer,
	}
}

// Load reads a YAML document from path over the defaults.
func Load(path string) (Build, error) {
	f, err := os.Open(path)
	if err != nil {
		return Build{}, fault.Wrapf(fault.Configuration, "config.load", err, "open %s", path)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Build{}, fault.Wrapf(fault.Configuration, "config.load", err, "parse %s", path)
	}
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.ApplyProfile(NewEmbeddedProfileRepository()); err != nil {
		return Build{}, err
	}
	return cfg, nil
}

// Decode parses a YAML document over the defaults. Unknown keys are rejected.
func Decode(r io.Reader) (Build, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Build{}, err
	}
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Build{}, err
	}
	cfg.fill()
	return cfg, nil
}

// Normalize rewrites accepted aliases to their canonical names. Values that do
// not parse are left as they are for Validate to report.
func (b *Build) Normalize() {
	if normalized := arch.Normalize(string(b.Architecture)); normalized != "" {
		b.Architecture = normalized
	}
	if strategy, err := acquire.ParseStrategy(string(b.Strategy)); err == nil {
		b.Strategy = strategy
	}
	if shell, err := components.ParseShell(string(b.Startup.Shell)); err == nil {
		b.Startup.Shell = shell
	}
	if mode, err := media.ParseMode(string(b.Media.Mode)); err == nil {
		b.Media.Mode = mode
	}
	if strategy, err := media.ParseStrategy(string(b.Media.Strategy)); err == nil {
		b.Media.Strategy = strategy
	}
}

// fill restores defaults for fields a document explicitly zeroed.
func (b *Build) fill() {
	def := Default()
	if b.Architecture == "" {
		b.Architecture = def.Architecture
	}
	if b.Strategy == "" {
		b.Strategy = def.Strategy
	}
	if b.ImageIndex == 0 {
		b.ImageIndex = def.ImageIndex
	}
	if b.Settings.ScratchSpaceMB == 0 {
		b.Settings.ScratchSpaceMB = def.Settings.ScratchSpaceMB
	}
	if b.Settings.TargetDrive == "" {
		b.Settings.TargetDrive = def.Settings.TargetDrive
	}
	if b.Media.Mode == "" {
		b.Media.Mode = def.Media.Mode
	}
	if b.Media.Strategy == "" {
		b.Media.Strategy = def.Media.Strategy
	}
	if b.EventBuffer <= 0 {
		b.EventBuffer = def.EventBuffer
	}
	b.Normalize()
}

// resolvePaths makes relative paths relative to the document's directory.
func (b *Build) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || isDrive(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	b.Workspace = abs(b.Workspace)
	for i := range b.Drivers {
		b.Drivers[i] = abs(b.Drivers[i])
	}
	for i := range b.Files {
		b.Files[i] = abs(b.Files[i])
	}
	for i := range b.Scripts {
		b.Scripts[i] = abs(b.Scripts[i])
	}
	if b.Media.Mode == media.ModeISO {
		b.Media.Output = abs(b.Media.Output)
	}
	b.Tools.EnvFile = abs(b.Tools.EnvFile)
	b.Startup.ShellDir = abs(b.Startup.ShellDir)
}

var drivePattern = regexp.MustCompile(`^[A-Za-z]:$`)

func isDrive(p string) bool { return drivePattern.MatchString(p) }

// WorkspaceSettings converts the settings section to the workspace record.
func (b Build) WorkspaceSettings() workspace.Settings {
	s := workspace.DefaultSettings()
	s.Architecture = b.Architecture
	s.ScratchSpaceMB = b.Settings.ScratchSpaceMB
	s.TargetDrive = b.Settings.TargetDrive
	return s
}

// Validate reports every problem found, before any destructive action. Aliases
// are checked under their canonical names.
func (b Build) Validate() error {
	b.Normalize()
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if b.Workspace == "" {
		add("workspace is required")
	}
	if !b.Architecture.IsValid() {
		add("unsupported architecture %q", b.Architecture)
	}
	if _, err := acquire.ParseStrategy(string(b.Strategy)); err != nil {
		add("unknown strategy %q", b.Strategy)
	}
	if _, err := components.LookupLanguage(b.Language); err != nil {
		add("unsupported language %q", b.Language)
	}
	if b.ImageIndex < 1 {
		add("image_index must be at least 1")
	}
	if err := b.WorkspaceSettings().Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := components.ParseShell(string(b.Startup.Shell)); err != nil {
		add("unknown shell %q", b.Startup.Shell)
	}
	if b.Startup.ShellDir != "" && b.Startup.Shell == "" {
		add("startup.shell_dir requires startup.shell")
	}
	if _, err := media.ParseMode(string(b.Media.Mode)); err != nil {
		add("unknown media mode %q", b.Media.Mode)
	}
	if _, err := media.ParseStrategy(string(b.Media.Strategy)); err != nil {
		add("unknown media strategy %q", b.Media.Strategy)
	}
	if b.Media.Mode == media.ModeUSB && b.Media.Output != "" && !isDrive(b.Media.Output) {
		add("usb output must be a drive letter such as E:, got %q", b.Media.Output)
	}
	if b.Media.Mode == media.ModeUSB && b.Media.Strategy == media.StrategyOscdimg {
		add("usb media requires the makewinpemedia strategy")
	}

	if err := result.ErrorOrNil(); err != nil {
		return fault.Wrap(fault.Configuration, "config.validate", err)
	}
	return nil
}
