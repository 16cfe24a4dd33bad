package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/acquire"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/media"
)

func TestLoadAppliesDefaultsAndResolvesPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "build.yaml")
	doc := `
workspace: ws
architecture: x64
packages: [WinPE-WMI, WinPE-Scripting]
drivers: [drivers/net]
media:
  output: out/winpe.iso
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "ws"), cfg.Workspace)
	assert.Equal(t, arch.AMD64, cfg.Architecture)
	assert.Equal(t, acquire.StrategyCopyPE, cfg.Strategy)
	assert.Equal(t, 1, cfg.ImageIndex)
	assert.Equal(t, 128, cfg.Settings.ScratchSpaceMB)
	assert.Equal(t, media.ModeISO, cfg.Media.Mode)
	assert.Equal(t, filepath.Join(dir, "out", "winpe.iso"), cfg.Media.Output)
	assert.Equal(t, []string{filepath.Join(dir, "drivers", "net")}, cfg.Drivers)
	assert.NoError(t, cfg.Validate())
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := Decode(strings.NewReader("workspace: ws\nmount_point: /mnt\n"))
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Architecture = "mips"
	cfg.Settings.ScratchSpaceMB = 100
	cfg.Media.Mode = media.ModeUSB
	cfg.Media.Output = `D:\out.iso`

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Configuration))
	for _, want := range []string{"workspace is required", "unsupported architecture", "scratch", "drive letter"} {
		assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(want))
	}
}

func TestDecodeNormalizesAliases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		doc           string
		strategy      acquire.Strategy
		mode          media.Mode
		mediaStrategy media.Strategy
	}{
		{"canonical", "strategy: copype\nmedia: {mode: iso, strategy: oscdimg}", acquire.StrategyCopyPE, media.ModeISO, media.StrategyOscdimg},
		{"upper case", "strategy: COPYPE\nmedia: {mode: ISO, strategy: MakeWinPEMedia}", acquire.StrategyCopyPE, media.ModeISO, media.StrategyMakeWinPEMedia},
		{"ufd", "strategy: Legacy\nmedia: {mode: UFD, output: 'F:'}", acquire.StrategyLegacy, media.ModeUSB, media.StrategyMakeWinPEMedia},
		{"usb", "media: {mode: USB, output: 'F:'}", acquire.StrategyCopyPE, media.ModeUSB, media.StrategyMakeWinPEMedia},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(strings.NewReader("workspace: ws\n" + tc.doc))
			require.NoError(t, err)
			assert.Equal(t, tc.strategy, cfg.Strategy)
			assert.Equal(t, tc.mode, cfg.Media.Mode)
			assert.Equal(t, tc.mediaStrategy, cfg.Media.Strategy)
			assert.NoError(t, cfg.Validate())
		})
	}
}

func TestValidateChecksAliasesCanonically(t *testing.T) {
	t.Parallel()

	cfg, err := Decode(strings.NewReader("workspace: ws\nmedia: {mode: UFD, output: not-a-drive}"))
	require.NoError(t, err)
	assert.Equal(t, media.ModeUSB, cfg.Media.Mode)
	assert.ErrorContains(t, cfg.Validate(), "drive letter")

	cfg = Default()
	cfg.Workspace = "ws"
	cfg.Media.Mode = "Ufd"
	cfg.Media.Strategy = "OSCDIMG"
	cfg.Media.Output = "E:"
	assert.ErrorContains(t, cfg.Validate(), "requires the makewinpemedia strategy")

	cfg.Normalize()
	assert.Equal(t, media.ModeUSB, cfg.Media.Mode)
	assert.Equal(t, media.StrategyOscdimg, cfg.Media.Strategy)
}

func TestEmptyDocumentIsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestProfilesMergeAheadOfPackages(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Profile = "scripting"
	cfg.Packages = []string{"WinPE-Scripting", "WinPE-HTA"}

	require.NoError(t, cfg.ApplyProfile(NewEmbeddedProfileRepository()))
	assert.Equal(t, []string{"WinPE-WMI", "WinPE-Scripting", "WinPE-HTA"}, cfg.Packages)
}

func TestProfileRepository(t *testing.T) {
	t.Parallel()

	repo := NewEmbeddedProfileRepository()
	all := repo.ListAll()
	require.NotEmpty(t, all)
	assert.Equal(t, "minimal", all[0].ID)

	_, err := repo.Get("kitchen-sink")
	assert.True(t, fault.Is(err, fault.Configuration))

	for _, p := range repo.FilterByArchitecture(arch.X86) {
		assert.NotEqual(t, "recovery", p.ID)
	}

	cfg := Default()
	cfg.Architecture = arch.X86
	cfg.Profile = "recovery"
	assert.Error(t, cfg.ApplyProfile(repo))
}

func TestParseProfilesRejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := parseProfiles([]byte("- id: a\n- id: a\n"))
	assert.Error(t, err)
}
