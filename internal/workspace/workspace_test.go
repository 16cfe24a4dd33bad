package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/fault"
)

func TestCreateLaysOutFixedDirectories(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "session")
	s, err := Create(root, arch.AMD64, nil)
	require.NoError(t, err)

	for _, dir := range []string{s.MountDir(), s.DriversDir(), s.ScriptsDir(), s.FilesDir(), s.LogsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}
	_, err = os.Stat(s.ImageDir())
	assert.True(t, os.IsNotExist(err), "image dir is created by acquisition, not by the workspace")
	assert.NotEmpty(t, s.ID)
}

func TestCreateRejectsInvalidArchitecture(t *testing.T) {
	t.Parallel()

	_, err := Create(t.TempDir(), arch.Architecture("sparc"), nil)
	assert.True(t, fault.Is(err, fault.Configuration))
}

func TestOpenRecoversArchitecture(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	created, err := Create(root, arch.ARM64, nil)
	require.NoError(t, err)

	opened, err := Open(root, nil)
	require.NoError(t, err)
	assert.Equal(t, arch.ARM64, opened.Arch)
	assert.Equal(t, created.ID, opened.ID)
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := Create(t.TempDir(), arch.AMD64, nil)
	require.NoError(t, err)

	want := Settings{Architecture: arch.X86, ScratchSpaceMB: 256, TargetDrive: "Y:"}
	require.NoError(t, s.SaveSettings(want))

	got, err := s.Settings()
	require.NoError(t, err)
	assert.Equal(t, arch.X86, got.Architecture)
	assert.Equal(t, 256, got.ScratchSpaceMB)
	assert.Equal(t, "Y:", got.TargetDrive)
	assert.Equal(t, `Y:\`, got.TargetPath())
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		settings Settings
		ok       bool
	}{
		{"defaults", DefaultSettings(), true},
		{"odd scratch", Settings{ScratchSpaceMB: 100, TargetDrive: "X:"}, false},
		{"missing colon", Settings{ScratchSpaceMB: 64, TargetDrive: "X"}, false},
		{"path not letter", Settings{ScratchSpaceMB: 64, TargetDrive: `X:\`}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.settings.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, fault.Is(err, fault.Configuration), "got %v", err)
			}
		})
	}
}

func TestLoadSettingsMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	got, err := LoadSettings(filepath.Join(t.TempDir(), "absent.ini"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), got)
}

func TestCleanupRefusesWhileMounted(t *testing.T) {
	t.Parallel()

	s, err := Create(t.TempDir(), arch.AMD64, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.MountDir(), "Windows"), []byte("x"), 0o644))

	assert.True(t, fault.Is(s.Cleanup(), fault.Configuration))

	require.NoError(t, os.Remove(filepath.Join(s.MountDir(), "Windows")))
	require.NoError(t, s.Cleanup())
	_, err = os.Stat(s.Root)
	assert.True(t, os.IsNotExist(err))
}

func TestFreeSpace(t *testing.T) {
	t.Parallel()

	s, err := Create(t.TempDir(), arch.AMD64, nil)
	require.NoError(t, err)

	free, err := s.FreeSpace()
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}
