package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/fault"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("stub"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestLocator(env map[string]string) *Locator {
	return &Locator{
		Getenv:        func(key string) string { return env[key] },
		RegistryRoots: func() []string { return nil },
	}
}

func TestFindInKitRoot(t *testing.T) {
	t.Parallel()

	kits := filepath.Join(t.TempDir(), "Windows Kits", "10")
	dism := filepath.Join(kits, kitsSubdir, deploymentSubdir, "amd64", "DISM", "dism.exe")
	copype := filepath.Join(kits, kitsSubdir, winPESubdir, "copype.cmd")
	writeFile(t, dism)
	writeFile(t, copype)

	locator := newTestLocator(map[string]string{"PEFORGE_ADK_ROOT": kits})

	got, err := locator.Find(DISM, arch.AMD64)
	if err != nil {
		t.Fatalf("Find(dism): %v", err)
	}
	if got != dism {
		t.Fatalf("Find(dism) = %q, want %q", got, dism)
	}

	got, err = locator.Find(CopyPE, arch.AMD64)
	if err != nil {
		t.Fatalf("Find(copype): %v", err)
	}
	if got != copype {
		t.Fatalf("Find(copype) = %q, want %q", got, copype)
	}
	if locator.WinPERoot() != filepath.Join(kits, kitsSubdir, winPESubdir) {
		t.Fatalf("unexpected WinPERoot %q", locator.WinPERoot())
	}
}

func TestFindPrefersKitOverSystem(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	kitDism := filepath.Join(base, "kit", kitsSubdir, deploymentSubdir, "arm64", "DISM", "dism.exe")
	sysDism := filepath.Join(base, "Windows", "System32", "dism.exe")
	writeFile(t, kitDism)
	writeFile(t, sysDism)

	locator := newTestLocator(map[string]string{
		"PEFORGE_ADK_ROOT": filepath.Join(base, "kit"),
		"SystemRoot":       filepath.Join(base, "Windows"),
	})
	got, err := locator.Find(DISM, arch.ARM64)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got != kitDism {
		t.Fatalf("Find = %q, want kit copy %q", got, kitDism)
	}
}

func TestFindReprobesEachCall(t *testing.T) {
	t.Parallel()

	system := filepath.Join(t.TempDir(), "Windows")
	locator := newTestLocator(map[string]string{"SystemRoot": system})

	if _, err := locator.Find(BCDEdit, arch.AMD64); !fault.Is(err, fault.ToolNotFound) {
		t.Fatalf("expected ToolNotFound before install, got %v", err)
	}

	writeFile(t, filepath.Join(system, "System32", "bcdedit.exe"))

	if _, err := locator.Find(BCDEdit, arch.AMD64); err != nil {
		t.Fatalf("expected tool after install, got %v", err)
	}
}

func TestFindAllReportsEveryMissingTool(t *testing.T) {
	t.Parallel()

	locator := newTestLocator(map[string]string{})
	_, err := locator.FindAll(arch.AMD64, Tool("peforge-missing-a.exe"), Tool("peforge-missing-b.exe"))
	if !fault.Is(err, fault.ToolNotFound) {
		t.Fatalf("expected ToolNotFound, got %v", err)
	}
}

func TestReloadOverridesEnvironment(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "peforge.env")
	if err := os.WriteFile(envFile, []byte("PEFORGE_TEST_RELOAD=second\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("PEFORGE_TEST_RELOAD", "first")

	locator := &Locator{EnvFile: envFile}
	if err := locator.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := os.Getenv("PEFORGE_TEST_RELOAD"); got != "second" {
		t.Fatalf("env = %q, want %q", got, "second")
	}
}

func TestReloadMissingFileIsNoop(t *testing.T) {
	t.Parallel()

	locator := &Locator{EnvFile: filepath.Join(t.TempDir(), "absent.env")}
	if err := locator.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
}
