package build

import (
	"time"

	"github.com/cochaviz/peforge/internal/acquire"
	"github.com/cochaviz/peforge/internal/bootassets"
	"github.com/cochaviz/peforge/internal/components"
	"github.com/cochaviz/peforge/internal/logging"
	"github.com/cochaviz/peforge/internal/media"
	"github.com/cochaviz/peforge/internal/mount"
)

// Status captures overall lifecycle states for a build run.
type Status string

// Supported build statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Phase is one step of the pipeline.
type Phase string

const (
	PhasePreflight  Phase = "preflight"
	PhaseWorkspace  Phase = "workspace"
	PhaseAcquire    Phase = "acquire"
	PhaseBootAssets Phase = "bootassets"
	PhaseMount      Phase = "mount"
	PhaseComponents Phase = "components"
	PhaseSettings   Phase = "settings"
	PhaseFiles      Phase = "files"
	PhaseUnmount    Phase = "unmount"
	PhaseMedia      Phase = "media"
)

// Phases lists the pipeline in execution order.
var Phases = []Phase{
	PhasePreflight,
	PhaseWorkspace,
	PhaseAcquire,
	PhaseBootAssets,
	PhaseMount,
	PhaseComponents,
	PhaseSettings,
	PhaseFiles,
	PhaseUnmount,
	PhaseMedia,
}

// EventKind distinguishes progress from log events.
type EventKind int

const (
	ProgressEvent EventKind = iota
	LogEvent
)

// Event is emitted by the build worker.
type Event struct {
	Kind  EventKind
	Time  time.Time
	Phase Phase
	// Percent is the overall progress, 0 to 100. Set on progress events.
	Percent int
	Message string
	// Log is set on log events.
	Log *logging.Entry
}

// Report summarizes a build run.
type Report struct {
	ID        string
	Workspace string
	Status    Status
	// Phase is the last phase entered.
	Phase      Phase
	StartedAt  time.Time
	FinishedAt time.Time

	Acquisition acquire.Result
	Assets      bootassets.Report
	Components  []components.Outcome
	Unmount     mount.Outcome
	Media       *media.Result
	// Warnings collects non-fatal problems such as failed components.
	Warnings []string
	// DroppedEvents counts events discarded because the subscriber fell behind.
	DroppedEvents int
}

// Duration is the wall time of the run.
func (r Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
