package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.ObserveStageDuration("Build", 3*time.Second)
	r.ObserveBuildDuration(10 * time.Second)
	r.IncStageResult("Build", ResultSuccess)
	r.IncStageResult("Build", ResultSuccess)
	r.IncStageResult("Test", ResultFailed)
	r.IncBuildOutcome("success")
	r.ObserveCloneDuration("backend-api", 2*time.Second, true)
	r.SetActiveBuilds(3)
	r.IncLogLinesDropped(7)

	if got := testutil.ToFloat64(r.stageResults.WithLabelValues("Build", "success")); got != 2 {
		t.Errorf("stage results Build/success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.stageResults.WithLabelValues("Test", "failed")); got != 1 {
		t.Errorf("stage results Test/failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.buildOutcome.WithLabelValues("success")); got != 1 {
		t.Errorf("build outcomes success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.activeBuilds); got != 3 {
		t.Errorf("active builds = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.droppedLines); got != 7 {
		t.Errorf("dropped lines = %v, want 7", got)
	}
}

func TestPrometheusRecorderNilSafe(t *testing.T) {
	var r *PrometheusRecorder

	// Must not panic when the recorder was never constructed.
	r.ObserveStageDuration("Build", time.Second)
	r.ObserveBuildDuration(time.Second)
	r.IncStageResult("Build", ResultSuccess)
	r.IncBuildOutcome("failed")
	r.ObserveCloneDuration("repo", time.Second, false)
	r.SetActiveBuilds(1)
	r.IncLogLinesDropped(1)
}

func TestHTTPHandlerExposesMetrics(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)
	r.IncBuildOutcome("success")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	HTTPHandler(reg).ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "buildhost_build_outcomes_total") {
		t.Errorf("metrics output missing build outcomes counter:\n%s", body)
	}
	if !strings.Contains(body, "buildhost_active_builds") {
		t.Errorf("metrics output missing active builds gauge")
	}
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObserveStageDuration("Build", time.Second)
	r.IncBuildOutcome("success")
	r.SetActiveBuilds(0)
}
