package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.ObservePhaseDuration("mount", 150*time.Millisecond)
	pr.ObserveBuildDuration(90 * time.Second)
	pr.IncPhaseResult("mount", ResultSuccess)
	pr.IncBuildOutcome(ResultSuccess)
	pr.ObserveToolDuration("dism", 2*time.Second, true)
	pr.IncRemediation("force-terminate")
	pr.IncComponentResult("packages", false)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"peforge_phase_duration_seconds",
		"peforge_tool_duration_seconds",
		"peforge_unmount_remediations_total",
	} {
		if !names[want] {
			t.Fatalf("metric %s not gathered", want)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.IncBuildOutcome(ResultFatal)

	path := filepath.Join(t.TempDir(), "peforge.prom")
	if err := WriteTextfile(reg, path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `peforge_build_outcomes_total{outcome="fatal"} 1`) {
		t.Fatalf("unexpected textfile contents:\n%s", data)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var pr *PrometheusRecorder
	pr.IncPhaseResult("mount", ResultFatal)
	Ensure(nil).ObserveBuildDuration(time.Second)
}
