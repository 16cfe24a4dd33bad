package config

import (
	_ "embed"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/fault"
)

//go:embed profiles.yaml
var embeddedProfiles []byte

// Profile is a named package set merged ahead of a build's own packages.
type Profile struct {
	ID            string              `yaml:"id"`
	Description   string              `yaml:"description"`
	Architectures []arch.Architecture `yaml:"architectures"`
	Packages      []string            `yaml:"packages"`
}

// Supports reports whether the profile may be used for a. An empty list means all.
func (p Profile) Supports(a arch.Architecture) bool {
	return len(p.Architectures) == 0 || slices.Contains(p.Architectures, a)
}

// ProfileRepository holds the built-in profiles.
type ProfileRepository struct {
	profiles map[string]Profile
	order    []string
}

// NewEmbeddedProfileRepository constructs a repository pre-populated with the
// built-in profiles.
func NewEmbeddedProfileRepository() *ProfileRepository {
	repo, err := parseProfiles(embeddedProfiles)
	if err != nil {
		panic(fmt.Sprintf("embedded profiles: %v", err))
	}
	return repo
}

func parseProfiles(data []byte) (*ProfileRepository, error) {
	var list []Profile
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	repo := &ProfileRepository{profiles: make(map[string]Profile, len(list))}
	for _, p := range list {
		if p.ID == "" {
			return nil, fmt.Errorf("profile without id")
		}
		if _, dup := repo.profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate profile %q", p.ID)
		}
		repo.profiles[p.ID] = p
		repo.order = append(repo.order, p.ID)
	}
	return repo, nil
}

// Get returns the profile with id.
func (r *ProfileRepository) Get(id string) (Profile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, fault.New(fault.Configuration, "config.profile", "unknown profile %q", id)
	}
	return p, nil
}

// ListAll returns every profile in declaration order.
func (r *ProfileRepository) ListAll() []Profile {
	out := make([]Profile, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.profiles[id])
	}
	return out
}

// FilterByArchitecture returns the profiles usable for a.
func (r *ProfileRepository) FilterByArchitecture(a arch.Architecture) []Profile {
	var out []Profile
	for _, p := range r.ListAll() {
		if p.Supports(a) {
			out = append(out, p)
		}
	}
	return out
}

// ApplyProfile merges the named profile's packages ahead of the build's own,
// dropping duplicates.
func (b *Build) ApplyProfile(repo *ProfileRepository) error {
	if b.Profile == "" {
		return nil
	}
	p, err := repo.Get(b.Profile)
	if err != nil {
		return err
	}
	if !p.Supports(b.Architecture) {
		return fault.New(fault.Configuration, "config.profile", "profile %q does not support %s", p.ID, b.Architecture)
	}
	merged := make([]string, 0, len(p.Packages)+len(b.Packages))
	seen := map[string]bool{}
	for _, name := range append(slices.Clone(p.Packages), b.Packages...) {
		if seen[name] {
			continue
		}
		seen[name] = true
		merged = append(merged, name)
	}
	b.Packages = merged
	return nil
}
