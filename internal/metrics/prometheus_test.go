package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_InitializationAndUpdate(t *testing.T) {
	pm := NewPrometheusMetrics()
	if pm.GetRegistry() == nil {
		t.Fatalf("GetRegistry returned nil")
	}

	pm.UpdateSystemMetrics()
	before := testutil.ToFloat64(pm.uptime)
	time.Sleep(10 * time.Millisecond)
	pm.UpdateSystemMetrics()
	after := testutil.ToFloat64(pm.uptime)
	if before >= after {
		t.Fatalf("expected uptime to increase, before=%v after=%v", before, after)
	}
}

func TestPrometheusMetrics_HTTPHandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.UpdateSystemMetrics()
	pm.ObserveProbe("success", 20*time.Millisecond)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{
		"ollamascan_system_uptime_seconds",
		`ollamascan_scan_probes_total{outcome="success"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %q in metrics output", name)
		}
	}
}

func TestPrometheusMetrics_ProbeMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.ObserveProbe("success", 10*time.Millisecond)
	pm.ObserveProbe("unreachable", 5*time.Millisecond)
	pm.ObserveProbe("unreachable", 7*time.Millisecond)
	pm.ObserveProbe("timeout", 500*time.Millisecond)

	if count := testutil.CollectAndCount(pm.probesTotal); count != 3 {
		t.Errorf("expected 3 outcome label values, got %d", count)
	}
	if v := testutil.ToFloat64(pm.probesTotal.WithLabelValues("unreachable")); v != 2 {
		t.Errorf("expected 2 unreachable probes, got %v", v)
	}
	if count := testutil.CollectAndCount(pm.probeDuration); count != 3 {
		t.Errorf("expected 3 duration series, got %d", count)
	}

	pm.ProbeStarted()
	pm.ProbeStarted()
	pm.ProbeFinished()
	if v := testutil.ToFloat64(pm.probesInFlight); v != 1 {
		t.Errorf("expected 1 probe in flight, got %v", v)
	}
}

func TestPrometheusMetrics_ProgressMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.SetTargetsTotal(256)
	pm.TargetCompleted()
	pm.TargetCompleted()
	pm.EndpointFound(2)

	if v := testutil.ToFloat64(pm.targetsTotal); v != 256 {
		t.Errorf("expected targets total 256, got %v", v)
	}
	if v := testutil.ToFloat64(pm.targetsCompleted); v != 2 {
		t.Errorf("expected 2 completed targets, got %v", v)
	}
	if v := testutil.ToFloat64(pm.endpointsFound); v != 1 {
		t.Errorf("expected 1 endpoint, got %v", v)
	}
	if v := testutil.ToFloat64(pm.modelsFound); v != 2 {
		t.Errorf("expected 2 models, got %v", v)
	}
}

func TestPrometheusMetrics_SinkMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.SinkCommit("csv", true)
	pm.SinkCommit("csv", true)
	pm.SinkCommit("sql", false)

	if v := testutil.ToFloat64(pm.sinkCommits.WithLabelValues("csv", "success")); v != 2 {
		t.Errorf("expected 2 csv successes, got %v", v)
	}
	if v := testutil.ToFloat64(pm.sinkCommits.WithLabelValues("sql", "error")); v != 1 {
		t.Errorf("expected 1 sql error, got %v", v)
	}
}

func TestPrometheusMetrics_IndependentRegistries(t *testing.T) {
	a := NewPrometheusMetrics()
	b := NewPrometheusMetrics()

	a.EndpointFound(1)
	if v := testutil.ToFloat64(b.endpointsFound); v != 0 {
		t.Errorf("expected registries to be independent, got %v", v)
	}
}

func TestPrometheusMetrics_StartPeriodicUpdates(t *testing.T) {
	pm := NewPrometheusMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		pm.StartPeriodicUpdates(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("periodic updates did not stop after cancel")
	}
	if testutil.ToFloat64(pm.goroutines) <= 0 {
		t.Error("expected goroutine gauge to be populated")
	}
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.ObserveProbe("success", time.Millisecond)
	r.ProbeStarted()
	r.ProbeFinished()
	r.EndpointFound(3)
	r.SetTargetsTotal(10)
	r.TargetCompleted()
	r.SinkCommit("csv", true)
}
