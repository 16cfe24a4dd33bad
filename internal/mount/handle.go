package mount

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/cochaviz/peforge/internal/fault"
)

// State is the lifecycle position of a Handle.
type State int

const (
	Unmounted State = iota
	Mounted
	CommitPending
	DiscardPending
	Failed
)

func (s State) String() string {
	switch s {
	case Mounted:
		return "mounted"
	case CommitPending:
		return "commit-pending"
	case DiscardPending:
		return "discard-pending"
	case Failed:
		return "failed"
	default:
		return "unmounted"
	}
}

// Handle tracks one working image projected onto a mount directory.
// The mount directory is non-empty exactly when the state is Mounted.
type Handle struct {
	Image    string
	Index    int
	MountDir string

	mu          sync.Mutex
	state       State
	remediation Remediation
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastRemediation returns the recovery step that completed the most recent unmount.
func (h *Handle) LastRemediation() Remediation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remediation
}

func (h *Handle) set(state State) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

func (h *Handle) setRemediation(r Remediation) {
	h.mu.Lock()
	h.remediation = r
	h.mu.Unlock()
}

// Registry enforces at most one Mounted handle per working image.
type Registry struct {
	mu      sync.Mutex
	mounted map[string]*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{mounted: make(map[string]*Handle)}
}

// DefaultRegistry is shared by controllers that do not set their own.
var DefaultRegistry = NewRegistry()

// Lookup returns the mounted handle for image, if any.
func (r *Registry) Lookup(image string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mounted[imageKey(image)]
}

func (r *Registry) claim(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := imageKey(h.Image)
	if existing, ok := r.mounted[key]; ok && existing != h && existing.State() != Unmounted {
		return fault.New(fault.Configuration, "mount", "%s is already mounted at %s", h.Image, existing.MountDir)
	}
	r.mounted[key] = h
	return nil
}

func (r *Registry) release(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := imageKey(h.Image)
	if r.mounted[key] == h {
		delete(r.mounted, key)
	}
}

func imageKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return strings.ToLower(filepath.Clean(path))
}
