// Package bootcheck boots a produced ISO in a transient libvirt domain to
// confirm that firmware finds a boot loader on it.
package bootcheck

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/google/uuid"
	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/logging"
)

//go:embed domain.xml
var defaultDomain string

// Firmware selects the boot path exercised.
type Firmware string

const (
	FirmwareBIOS Firmware = "bios"
	FirmwareUEFI Firmware = "uefi"
)

// Options configure one smoke boot.
type Options struct {
	ConnectURI string
	Arch       arch.Architecture
	Firmware   Firmware
	// Loader is the UEFI firmware image. Required for UEFI.
	Loader string
	RAMMB  int
	VCPUs  int
	// Settle is how long the domain must stay running to pass.
	Settle time.Duration
	// Poll is the state polling interval.
	Poll time.Duration
	// SerialLog receives the guest serial console when set.
	SerialLog string
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectURI == "" {
		o.ConnectURI = "qemu:///system"
	}
	if o.Arch == "" {
		o.Arch = arch.AMD64
	}
	if o.Firmware == "" {
		o.Firmware = FirmwareBIOS
		if o.Arch == arch.ARM64 {
			o.Firmware = FirmwareUEFI
		}
	}
	if o.RAMMB == 0 {
		o.RAMMB = 2048
	}
	if o.VCPUs == 0 {
		o.VCPUs = 2
	}
	if o.Settle == 0 {
		o.Settle = 45 * time.Second
	}
	if o.Poll == 0 {
		o.Poll = time.Second
	}
	return o
}

// Result describes a completed smoke boot.
type Result struct {
	Domain   string
	Booted   bool
	State    string
	Duration time.Duration
}

type domainTemplateData struct {
	DomainType string
	Name       string
	RAM        int
	VCPUs      int
	VirtArch   string
	Machine    string
	Loader     string
	ISO        string
	CDBus      string
	Serial     string
}

func buildDomainTemplateData(name, iso string, o Options) (domainTemplateData, error) {
	if name == "" {
		return domainTemplateData{}, errors.New("domain name is required")
	}
	data := domainTemplateData{
		DomainType: "kvm",
		Name:       name,
		RAM:        o.RAMMB,
		VCPUs:      o.VCPUs,
		ISO:        iso,
		CDBus:      "sata",
		Serial:     o.SerialLog,
	}
	switch o.Arch {
	case arch.AMD64:
		data.VirtArch, data.Machine = "x86_64", "q35"
	case arch.X86:
		data.VirtArch, data.Machine = "i686", "pc"
		data.CDBus = "ide"
	case arch.ARM64:
		data.VirtArch, data.Machine = "aarch64", "virt"
		data.CDBus = "scsi"
	default:
		return domainTemplateData{}, fmt.Errorf("unsupported architecture %q", o.Arch)
	}
	if o.Firmware == FirmwareUEFI {
		if o.Loader == "" {
			return domainTemplateData{}, errors.New("uefi boot requires a firmware loader path")
		}
		data.Loader = o.Loader
	} else if o.Arch == arch.ARM64 {
		return domainTemplateData{}, errors.New("arm64 only boots through uefi")
	}
	return data, nil
}

func renderDomainXML(templateSrc string, data domainTemplateData) ([]byte, error) {
	if templateSrc == "" {
		return nil, errors.New("domain template source is empty")
	}
	escaped := data
	for _, field := range []*string{&escaped.Name, &escaped.ISO, &escaped.Loader, &escaped.Serial} {
		*field = xmlEscape(*field)
	}

	tmpl, err := template.New("domain").Parse(templateSrc)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, escaped); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// domain is the subset of *libvirt.Domain the check needs.
type domain interface {
	GetState() (libvirt.DomainState, int, error)
	Destroy() error
	Free() error
}

// createDomain starts a transient domain that libvirt destroys when the
// connection closes.
var createDomain = func(uri, domainXML string) (domain, func(), error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, nil, fmt.Errorf("open libvirt connection %s: %w", uri, err)
	}
	dom, err := conn.DomainCreateXML(domainXML, libvirt.DOMAIN_START_AUTODESTROY)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create domain: %w", err)
	}
	return dom, func() { conn.Close() }, nil
}

// Check boots iso and waits until the domain has stayed up for Settle. A
// domain that shuts off or crashes earlier fails the check.
func Check(ctx context.Context, iso string, opts Options) (Result, error) {
	opts = opts.withDefaults()
	abs, err := filepath.Abs(iso)
	if err != nil {
		return Result{}, fault.Wrapf(fault.Configuration, "bootcheck", err, "resolve %s", iso)
	}
	if info, err := os.Stat(abs); err != nil || info.IsDir() {
		return Result{}, fault.New(fault.Configuration, "bootcheck", "%s is not a file", abs)
	}

	name := "peforge-bootcheck-" + uuid.NewString()[:8]
	logger := logging.Ensure(opts.Logger).With("component", "bootcheck", "domain", name, "iso", abs)

	data, err := buildDomainTemplateData(name, abs, opts)
	if err != nil {
		return Result{}, fault.Wrap(fault.Configuration, "bootcheck", err)
	}
	domainXML, err := renderDomainXML(defaultDomain, data)
	if err != nil {
		return Result{}, fault.Wrap(fault.Configuration, "bootcheck", err)
	}

	logger.Info("starting transient domain", "firmware", string(opts.Firmware), "arch", opts.Arch, "connect_uri", opts.ConnectURI)
	dom, closeConn, err := createDomain(opts.ConnectURI, string(domainXML))
	if err != nil {
		return Result{Domain: name}, fault.Wrap(fault.ToolNotFound, "bootcheck", err)
	}
	defer closeConn()
	defer func() {
		if err := dom.Destroy(); err != nil {
			logger.Debug("destroy domain", "error", err)
		}
		_ = dom.Free()
	}()

	return watch(ctx, dom, name, opts, logger)
}

func watch(ctx context.Context, dom domain, name string, opts Options, logger *slog.Logger) (Result, error) {
	result := Result{Domain: name}
	started := time.Now()
	ticker := time.NewTicker(opts.Poll)
	defer ticker.Stop()

	for {
		state, reason, err := dom.GetState()
		result.Duration = time.Since(started)
		if err != nil {
			return result, fault.Wrapf(fault.ProcessFailure, "bootcheck", err, "query domain state")
		}
		result.State = stateName(state)
		switch state {
		case libvirt.DOMAIN_SHUTOFF, libvirt.DOMAIN_CRASHED, libvirt.DOMAIN_SHUTDOWN:
			logger.Error("domain stopped before settling", "state", result.State, "reason", reason, "after", result.Duration.Round(time.Second).String())
			return result, fault.New(fault.ProcessFailure, "bootcheck", "domain %s after %s; the media did not boot", result.State, result.Duration.Round(time.Second))
		}
		if result.Duration >= opts.Settle {
			result.Booted = true
			logger.Info("domain stayed up; media boots", "state", result.State, "after", result.Duration.Round(time.Second).String())
			return result, nil
		}

		select {
		case <-ctx.Done():
			return result, fault.Wrap(fault.Cancelled, "bootcheck", ctx.Err())
		case <-ticker.C:
		}
	}
}

func stateName(state libvirt.DomainState) string {
	switch state {
	case libvirt.DOMAIN_RUNNING:
		return "running"
	case libvirt.DOMAIN_BLOCKED:
		return "blocked"
	case libvirt.DOMAIN_PAUSED:
		return "paused"
	case libvirt.DOMAIN_SHUTDOWN:
		return "shutting-down"
	case libvirt.DOMAIN_SHUTOFF:
		return "shutoff"
	case libvirt.DOMAIN_CRASHED:
		return "crashed"
	case libvirt.DOMAIN_PMSUSPENDED:
		return "suspended"
	default:
		return "unknown"
	}
}
