package bootcheck

import (
	"context"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/fault"
)

func TestRenderDomainXMLForBIOS(t *testing.T) {
	opts := Options{Arch: arch.AMD64}.withDefaults()
	data, err := buildDomainTemplateData("check", `/tmp/a&b.iso`, opts)
	if err != nil {
		t.Fatalf("buildDomainTemplateData: %v", err)
	}
	out, err := renderDomainXML(defaultDomain, data)
	if err != nil {
		t.Fatalf("renderDomainXML: %v", err)
	}

	var parsed struct {
		Name string `xml:"name"`
		OS   struct {
			Type struct {
				Arch    string `xml:"arch,attr"`
				Machine string `xml:"machine,attr"`
			} `xml:"type"`
			Loader *struct{} `xml:"loader"`
		} `xml:"os"`
		Disk struct {
			Source struct {
				File string `xml:"file,attr"`
			} `xml:"source"`
		} `xml:"devices>disk"`
	}
	if err := xml.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("rendered XML does not parse: %v\n%s", err, out)
	}
	if parsed.OS.Type.Arch != "x86_64" || parsed.OS.Type.Machine != "q35" {
		t.Fatalf("unexpected os type %+v", parsed.OS.Type)
	}
	if parsed.OS.Loader != nil {
		t.Fatalf("bios boot must not set a loader")
	}
	if parsed.Disk.Source.File != `/tmp/a&b.iso` {
		t.Fatalf("iso path not escaped correctly: %q", parsed.Disk.Source.File)
	}
}

func TestRenderDomainXMLForUEFI(t *testing.T) {
	opts := Options{Arch: arch.ARM64, Loader: "/usr/share/AAVMF/AAVMF_CODE.fd"}.withDefaults()
	if opts.Firmware != FirmwareUEFI {
		t.Fatalf("arm64 should default to uefi, got %s", opts.Firmware)
	}
	data, err := buildDomainTemplateData("check", "/tmp/winpe.iso", opts)
	if err != nil {
		t.Fatalf("buildDomainTemplateData: %v", err)
	}
	out, err := renderDomainXML(defaultDomain, data)
	if err != nil {
		t.Fatalf("renderDomainXML: %v", err)
	}
	for _, want := range []string{"aarch64", "AAVMF_CODE.fd", "bus='scsi'"} {
		if !strings.Contains(string(out), want) {
			t.Fatalf("expected %q in\n%s", want, out)
		}
	}
	if strings.Contains(string(out), "<apic/>") {
		t.Fatalf("arm64 domain must not enable apic")
	}
}

func TestBuildDomainTemplateDataRejectsUnbootableCombinations(t *testing.T) {
	if _, err := buildDomainTemplateData("x", "/a.iso", Options{Arch: arch.ARM64, Firmware: FirmwareBIOS}.withDefaults()); err == nil {
		t.Fatal("arm64 with bios firmware should be rejected")
	}
	if _, err := buildDomainTemplateData("x", "/a.iso", Options{Arch: arch.AMD64, Firmware: FirmwareUEFI}.withDefaults()); err == nil {
		t.Fatal("uefi without a loader should be rejected")
	}
}

type fakeDomain struct {
	states    []libvirt.DomainState
	calls     int
	destroyed bool
}

func (f *fakeDomain) GetState() (libvirt.DomainState, int, error) {
	state := f.states[len(f.states)-1]
	if f.calls < len(f.states) {
		state = f.states[f.calls]
	}
	f.calls++
	return state, 0, nil
}

func (f *fakeDomain) Destroy() error {
	f.destroyed = true
	return nil
}

func (f *fakeDomain) Free() error { return nil }

func stubCreateDomain(t *testing.T, dom *fakeDomain) *string {
	t.Helper()
	var captured string
	original := createDomain
	createDomain = func(_ string, domainXML string) (domain, func(), error) {
		captured = domainXML
		return dom, func() {}, nil
	}
	t.Cleanup(func() { createDomain = original })
	return &captured
}

func writeISO(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "winpe.iso")
	if err := os.WriteFile(path, []byte("iso"), 0o644); err != nil {
		t.Fatalf("write iso: %v", err)
	}
	return path
}

func TestCheckPassesWhenDomainSettles(t *testing.T) {
	dom := &fakeDomain{states: []libvirt.DomainState{libvirt.DOMAIN_RUNNING}}
	captured := stubCreateDomain(t, dom)

	result, err := Check(context.Background(), writeISO(t), Options{Settle: 20 * time.Millisecond, Poll: time.Millisecond})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !result.Booted || result.State != "running" {
		t.Fatalf("unexpected result %+v", result)
	}
	if !dom.destroyed {
		t.Fatal("domain must be destroyed after the check")
	}
	if !strings.Contains(*captured, result.Domain) {
		t.Fatalf("domain XML does not carry the domain name")
	}
}

func TestCheckFailsWhenDomainShutsOff(t *testing.T) {
	dom := &fakeDomain{states: []libvirt.DomainState{libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_SHUTOFF}}
	stubCreateDomain(t, dom)

	result, err := Check(context.Background(), writeISO(t), Options{Settle: time.Hour, Poll: time.Millisecond})
	if !fault.Is(err, fault.ProcessFailure) {
		t.Fatalf("expected ProcessFailure, got %v", err)
	}
	if result.Booted || result.State != "shutoff" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestCheckRejectsMissingISO(t *testing.T) {
	_, err := Check(context.Background(), filepath.Join(t.TempDir(), "none.iso"), Options{})
	if !fault.Is(err, fault.Configuration) {
		t.Fatalf("expected Configuration, got %v", err)
	}
}
