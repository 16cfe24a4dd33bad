package bootassets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/process"
)

type host struct {
	imageDir   string
	winpe      string
	deployment string
	system     string
}

func newHost(t *testing.T) host {
	t.Helper()
	base := t.TempDir()
	h := host{
		imageDir:   filepath.Join(base, "session", "winpe"),
		winpe:      filepath.Join(base, "kit", "Windows Preinstallation Environment"),
		deployment: filepath.Join(base, "kit", "Deployment Tools"),
		system:     filepath.Join(base, "Windows"),
	}
	if err := os.MkdirAll(filepath.Join(h.imageDir, "media"), 0o755); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h host) env(a arch.Architecture) Environment {
	return Environment{Arch: a, WinPERoot: h.winpe, DeploymentRoot: h.deployment, SystemRoot: h.system}
}

func put(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func statusOf(t *testing.T, report Report, target string) Status {
	t.Helper()
	item, ok := report.Lookup(target)
	if !ok {
		t.Fatalf("report has no entry for %s", target)
	}
	return item.Status
}

type fakeBCD struct {
	createErr error
	entries   []string
}

func (f *fakeBCD) CreateStore(_ context.Context, path string) (process.Result, error) {
	if f.createErr != nil {
		return process.Result{ExitCode: 1}, f.createErr
	}
	return process.Result{}, os.WriteFile(path, []byte("regf"), 0o644)
}

func (f *fakeBCD) AddBootEntry(_ context.Context, _ string, description string) (process.Result, error) {
	f.entries = append(f.entries, description)
	return process.Result{}, nil
}

func TestResolveRecoversFromKitRoots(t *testing.T) {
	t.Parallel()

	h := newHost(t)
	put(t, filepath.Join(h.imageDir, "media", "sources", "boot.wim"), "wim")
	put(t, filepath.Join(h.deployment, "amd64", "Oscdimg", "etfsboot.com"), "etfs")
	put(t, filepath.Join(h.winpe, "amd64", "Media", "EFI", "Microsoft", "Boot", "bootmgfw.efi"), "bootmgr")

	resolver := &Resolver{Manifest: DefaultManifest(), Env: h.env(arch.AMD64)}
	report, err := resolver.Resolve(context.Background(), h.imageDir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := statusOf(t, report, "media/Boot/etfsboot.com"); got != Resolved {
		t.Fatalf("etfsboot status = %s", got)
	}
	if got := statusOf(t, report, "media/EFI/Microsoft/Boot/bootmgfw.efi"); got != Resolved {
		t.Fatalf("bootmgfw status = %s", got)
	}
	mirrored := filepath.Join(h.imageDir, "media", "EFI", "Boot", "bootx64.efi")
	if data, err := os.ReadFile(mirrored); err != nil || string(data) != "bootmgr" {
		t.Fatalf("boot manager not mirrored to default loader path: %v", err)
	}
	if !report.Satisfied() {
		t.Fatalf("unexpected critical misses: %v", report.CriticalMissing())
	}
}

func TestResolvePlaceholderBCDWithoutEditor(t *testing.T) {
	t.Parallel()

	h := newHost(t)
	resolver := &Resolver{Manifest: DefaultManifest(), Env: h.env(arch.AMD64)}
	report, err := resolver.Resolve(context.Background(), h.imageDir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	target := "media/EFI/Microsoft/Boot/BCD"
	if got := statusOf(t, report, target); got != ResolvedWithWarning {
		t.Fatalf("BCD status = %s, want %s", got, ResolvedWithWarning)
	}
	data, _ := os.ReadFile(filepath.Join(h.imageDir, filepath.FromSlash(target)))
	if string(data) != string(PlaceholderBCD) {
		t.Fatalf("placeholder not written: %q", data)
	}
}

func TestResolveSynthesizesBCD(t *testing.T) {
	t.Parallel()

	h := newHost(t)
	bcd := &fakeBCD{}
	resolver := &Resolver{Manifest: DefaultManifest(), Env: h.env(arch.AMD64), BCD: bcd}
	report, err := resolver.Resolve(context.Background(), h.imageDir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	item, _ := report.Lookup("media/EFI/Microsoft/Boot/BCD")
	if item.Status != Resolved || item.Note != "synthesized" {
		t.Fatalf("unexpected BCD item %+v", item)
	}
	if len(bcd.entries) != 1 || bcd.entries[0] != "Windows PE" {
		t.Fatalf("unexpected boot entries %v", bcd.entries)
	}
	if _, err := os.Stat(filepath.Join(h.imageDir, "media", "EFI", "Microsoft", "Boot", "BCD.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temporary store left behind")
	}
}

func TestResolveFallsBackToPlaceholderWhenEditorFails(t *testing.T) {
	t.Parallel()

	h := newHost(t)
	resolver := &Resolver{
		Manifest: DefaultManifest(),
		Env:      h.env(arch.AMD64),
		BCD:      &fakeBCD{createErr: errors.New("access denied")},
	}
	report, err := resolver.Resolve(context.Background(), h.imageDir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := statusOf(t, report, "media/EFI/Microsoft/Boot/BCD"); got != ResolvedWithWarning {
		t.Fatalf("BCD status = %s", got)
	}
}

func TestResolveIgnoresEmptyCandidates(t *testing.T) {
	t.Parallel()

	h := newHost(t)
	put(t, filepath.Join(h.deployment, "amd64", "Oscdimg", "etfsboot.com"), "")

	resolver := &Resolver{Manifest: DefaultManifest(), Env: h.env(arch.AMD64)}
	report, err := resolver.Resolve(context.Background(), h.imageDir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := statusOf(t, report, "media/Boot/etfsboot.com"); got != CriticalMissing {
		t.Fatalf("zero-byte source must not satisfy a critical asset, got %s", got)
	}
	if !fault.Is(report.Err(), fault.AssetMissing) {
		t.Fatalf("expected AssetMissing from report")
	}
}

func TestResolveNeverSearchesWorkingImage(t *testing.T) {
	t.Parallel()

	h := newHost(t)
	put(t, filepath.Join(h.winpe, "amd64", "Media", "sources", "boot.wim"), "wim")

	resolver := &Resolver{Manifest: DefaultManifest(), Env: h.env(arch.AMD64)}
	report, _ := resolver.Resolve(context.Background(), h.imageDir)
	if got := statusOf(t, report, "media/sources/boot.wim"); got != CriticalMissing {
		t.Fatalf("boot.wim status = %s, want critical-missing", got)
	}
}

func TestResolveSkipsBIOSAssetsOnARM64(t *testing.T) {
	t.Parallel()

	h := newHost(t)
	resolver := &Resolver{Manifest: DefaultManifest(), Env: h.env(arch.ARM64)}
	report, _ := resolver.Resolve(context.Background(), h.imageDir)
	if _, ok := report.Lookup("media/Boot/etfsboot.com"); ok {
		t.Fatalf("BIOS boot sector should not be required on arm64")
	}
	if _, ok := report.Lookup("media/EFI/Boot/bootaa64.efi"); !ok {
		t.Fatalf("arm64 default loader should be in the report")
	}
}

func TestVerifyDoesNotModify(t *testing.T) {
	t.Parallel()

	h := newHost(t)
	put(t, filepath.Join(h.deployment, "amd64", "Oscdimg", "etfsboot.com"), "etfs")

	resolver := &Resolver{Manifest: DefaultManifest(), Env: h.env(arch.AMD64)}
	report := resolver.Verify(h.imageDir)
	if report.Satisfied() {
		t.Fatalf("empty tree should not satisfy the manifest")
	}
	if _, err := os.Stat(filepath.Join(h.imageDir, "media", "Boot", "etfsboot.com")); !os.IsNotExist(err) {
		t.Fatalf("Verify must not copy files")
	}
}

func TestParseManifestRejectsEscapingTargets(t *testing.T) {
	t.Parallel()

	_, err := ParseManifest([]byte("entries:\n  - target: ../outside\n"))
	if !fault.Is(err, fault.Configuration) {
		t.Fatalf("expected configuration fault, got %v", err)
	}
}

func TestResolveAcceptsBootbinsLayout(t *testing.T) {
	t.Parallel()

	h := newHost(t)
	put(t, filepath.Join(h.imageDir, "bootbins", "efisys.bin"), "efisys")

	resolver := &Resolver{Manifest: DefaultManifest(), Env: h.env(arch.AMD64)}
	report, err := resolver.Resolve(context.Background(), h.imageDir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	item, _ := report.Lookup("fwfiles/efisys.bin")
	if item.Status != Resolved {
		t.Fatalf("efisys.bin status = %s, want resolved from bootbins", item.Status)
	}
}
