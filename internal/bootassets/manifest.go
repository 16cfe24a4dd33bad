// Package bootassets verifies and repairs the boot files of a media tree.
package bootassets

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/fault"
)

//go:embed manifest.yaml
var defaultManifest []byte

// Manifest is the ordered list of boot assets a media tree needs.
type Manifest struct {
	Entries []Entry `yaml:"entries"`
}

// Entry describes one asset and where to recover it from.
type Entry struct {
	Target        string   `yaml:"target"`
	Critical      bool     `yaml:"critical"`
	Search        *bool    `yaml:"search"`
	Names         []string `yaml:"names"`
	Roots         []string `yaml:"roots"`
	Mirror        string   `yaml:"mirror"`
	Synthesize    string   `yaml:"synthesize"`
	Architectures []string `yaml:"architectures"`
}

// Searchable reports whether the entry may be recovered by searching roots.
func (e Entry) Searchable() bool {
	return e.Search == nil || *e.Search
}

// AppliesTo reports whether the entry is required on architecture a.
func (e Entry) AppliesTo(a arch.Architecture) bool {
	if len(e.Architectures) == 0 {
		return true
	}
	for _, candidate := range e.Architectures {
		if arch.Normalize(candidate) == a {
			return true
		}
	}
	return false
}

// DefaultManifest returns the built-in manifest.
func DefaultManifest() Manifest {
	m, err := ParseManifest(defaultManifest)
	if err != nil {
		panic(fmt.Sprintf("bootassets: embedded manifest is invalid: %v", err))
	}
	return m
}

// LoadManifest reads a manifest file, falling back to the built-in one when path is empty.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fault.Wrapf(fault.Configuration, "bootassets.manifest", err, "read %s", path)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fault.Wrapf(fault.Configuration, "bootassets.manifest", err, "decode manifest")
	}
	if len(m.Entries) == 0 {
		return Manifest{}, fault.New(fault.Configuration, "bootassets.manifest", "manifest has no entries")
	}
	for i, e := range m.Entries {
		if strings.TrimSpace(e.Target) == "" {
			return Manifest{}, fault.New(fault.Configuration, "bootassets.manifest", "entry %d has no target", i)
		}
		if filepath.IsAbs(e.Target) || strings.Contains(e.Target, "..") {
			return Manifest{}, fault.New(fault.Configuration, "bootassets.manifest", "entry %q must be relative to the image directory", e.Target)
		}
		if e.Synthesize != "" && e.Synthesize != "bcd" {
			return Manifest{}, fault.New(fault.Configuration, "bootassets.manifest", "entry %q: unknown synthesizer %q", e.Target, e.Synthesize)
		}
	}
	return m, nil
}
