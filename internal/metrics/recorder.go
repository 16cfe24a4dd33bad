// Package metrics records build, phase and tool timings.
package metrics

import "time"

// ResultLabel enumerates phase result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultWarning  ResultLabel = "warning"
	ResultFatal    ResultLabel = "fatal"
	ResultCanceled ResultLabel = "canceled"
)

// Recorder defines observability hooks for builds. The NoopRecorder is the
// default when metrics are not configured.
type Recorder interface {
	ObservePhaseDuration(phase string, d time.Duration)
	ObserveBuildDuration(d time.Duration)
	IncPhaseResult(phase string, result ResultLabel)
	IncBuildOutcome(outcome ResultLabel)
	ObserveToolDuration(tool string, d time.Duration, success bool)
	IncRemediation(step string)
	IncComponentResult(kind string, success bool)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObservePhaseDuration(string, time.Duration)      {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)              {}
func (NoopRecorder) IncPhaseResult(string, ResultLabel)              {}
func (NoopRecorder) IncBuildOutcome(ResultLabel)                     {}
func (NoopRecorder) ObserveToolDuration(string, time.Duration, bool) {}
func (NoopRecorder) IncRemediation(string)                           {}
func (NoopRecorder) IncComponentResult(string, bool)                 {}

// Ensure returns r, or a NoopRecorder when r is nil.
func Ensure(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
