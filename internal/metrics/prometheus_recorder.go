package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "peforge"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	phaseDuration    *prom.HistogramVec
	buildDuration    prom.Histogram
	phaseResults     *prom.CounterVec
	buildOutcome     *prom.CounterVec
	toolDuration     *prom.HistogramVec
	remediations     *prom.CounterVec
	componentResults *prom.CounterVec
}

// toolBuckets span quick servicing calls up to bulk copies.
var toolBuckets = []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600}

// NewPrometheusRecorder constructs the metrics and registers them on reg.
// A nil reg gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		phaseDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of individual build phases",
			Buckets:   toolBuckets,
		}, []string{"phase"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Total build duration",
			Buckets:   []float64{60, 120, 300, 600, 1200, 1800, 3600},
		}),
		phaseResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "phase_results_total",
			Help:      "Phase result counts by outcome",
		}, []string{"phase", "result"}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"}),
		toolDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Duration of external tool invocations",
			Buckets:   toolBuckets,
		}, []string{"tool", "result"}),
		remediations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "unmount_remediations_total",
			Help:      "Unmount recoveries by the step that succeeded",
		}, []string{"step"}),
		componentResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "component_results_total",
			Help:      "Installed component items by kind and result",
		}, []string{"kind", "result"}),
	}
	reg.MustRegister(pr.phaseDuration, pr.buildDuration, pr.phaseResults, pr.buildOutcome, pr.toolDuration, pr.remediations, pr.componentResults)
	return pr
}

func (p *PrometheusRecorder) ObservePhaseDuration(phase string, d time.Duration) {
	if p == nil || p.phaseDuration == nil {
		return
	}
	p.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncPhaseResult(phase string, result ResultLabel) {
	if p == nil || p.phaseResults == nil {
		return
	}
	p.phaseResults.WithLabelValues(phase, string(result)).Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome ResultLabel) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(string(outcome)).Inc()
}

// ObserveToolDuration also satisfies process.DurationObserver.
func (p *PrometheusRecorder) ObserveToolDuration(tool string, d time.Duration, success bool) {
	if p == nil || p.toolDuration == nil {
		return
	}
	p.toolDuration.WithLabelValues(tool, successLabel(success)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncRemediation(step string) {
	if p == nil || p.remediations == nil {
		return
	}
	p.remediations.WithLabelValues(step).Inc()
}

func (p *PrometheusRecorder) IncComponentResult(kind string, success bool) {
	if p == nil || p.componentResults == nil {
		return
	}
	p.componentResults.WithLabelValues(kind, successLabel(success)).Inc()
}

func successLabel(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}
