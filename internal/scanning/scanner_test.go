package scanning

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/ollamascan/internal/errors"
	"github.com/anstrom/ollamascan/internal/logging"
	"github.com/anstrom/ollamascan/internal/metrics"
	"github.com/anstrom/ollamascan/internal/probe"
	"github.com/anstrom/ollamascan/internal/runstate"
	"github.com/anstrom/ollamascan/internal/sink"
	"github.com/anstrom/ollamascan/internal/sink/mocks"
	"github.com/anstrom/ollamascan/internal/targets"
)

type proberFunc func(ctx context.Context, t targets.Target) probe.Outcome

func (f proberFunc) Probe(ctx context.Context, t targets.Target) probe.Outcome {
	return f(ctx, t)
}

var twoModels = []probe.ModelRecord{
	{Name: "llama2:latest", Model: "llama2:latest", SizeGB: 7.03, Family: "llama", ParameterSize: "7B"},
	{Name: "mistral:latest", Model: "mistral:latest", SizeGB: 7.09, Family: "llama", ParameterSize: "7.2B"},
}

func expanderFor(t *testing.T, port uint16, raws ...string) *targets.Expander {
	t.Helper()
	descs := make([]targets.Descriptor, 0, len(raws))
	for _, raw := range raws {
		d, err := targets.ParseDescriptor(raw)
		require.NoError(t, err)
		descs = append(descs, d)
	}
	return targets.NewExpander(descs, port)
}

func unreachable(t targets.Target) probe.Outcome {
	return probe.Outcome{Kind: probe.Unreachable, URL: t.URL("/api/tags")}
}

func success(t targets.Target) probe.Outcome {
	return probe.Outcome{
		Kind:       probe.Success,
		URL:        t.URL("/api/tags"),
		StatusCode: http.StatusOK,
		Models:     twoModels,
	}
}

func runScan(t *testing.T, cfg Config, prober probe.Prober, out sink.Sink, exp *targets.Expander, opts ...Option) (*Summary, *runstate.State, error) {
	t.Helper()
	state := runstate.New(exp.Count())
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	s := New(cfg, prober, out, state, opts...)
	summary, err := s.Run(context.Background(), exp.Targets())
	return summary, state, err
}

func TestRunEndToEnd(t *testing.T) {
	exp := expanderFor(t, 11434, "10.0.0.1-10.0.0.3")
	mem := sink.NewMemorySink()
	want := netip.MustParseAddr("10.0.0.2")

	prober := proberFunc(func(_ context.Context, tg targets.Target) probe.Outcome {
		if tg.Addr == want {
			return success(tg)
		}
		return unreachable(tg)
	})

	summary, state, err := runScan(t, Config{Concurrency: 4}, prober, mem, exp)
	require.NoError(t, err)

	assert.Equal(t, uint64(3), summary.Total)
	assert.Equal(t, uint64(3), summary.Completed)
	assert.Equal(t, uint64(1), summary.Found)
	assert.Equal(t, uint64(2), summary.Models)
	assert.Equal(t, uint64(2), summary.ByKind[probe.Unreachable])
	assert.Equal(t, uint64(1), summary.ByKind[probe.Success])
	assert.False(t, summary.Interrupted)

	endpoints := mem.EndpointRows()
	require.Len(t, endpoints, 1)
	assert.Equal(t, []string{"10.0.0.2:11434", "http://10.0.0.2:11434/api/tags", "200", "Range"}, endpoints[0])

	models := mem.ModelRows()
	require.Len(t, models, 2)
	assert.Equal(t, "10.0.0.2:11434", models[0][0])
	assert.Equal(t, "llama2:latest", models[0][1])
	assert.Equal(t, "7.03", models[0][4])
	assert.Equal(t, "mistral:latest", models[1][1])
	assert.Equal(t, "7.09", models[1][4])

	assert.True(t, mem.Closed())
	snap := state.Snapshot()
	assert.Equal(t, runstate.Terminated, snap.Phase)
	assert.Equal(t, 100.0, snap.Percent())
}

func TestRunEmptySequence(t *testing.T) {
	exp := targets.NewExpander(nil, 11434)
	mem := sink.NewMemorySink()
	prober := proberFunc(func(_ context.Context, tg targets.Target) probe.Outcome {
		t.Errorf("unexpected probe of %s", tg)
		return unreachable(tg)
	})

	summary, state, err := runScan(t, Config{Concurrency: 2}, prober, mem, exp)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), summary.Completed)
	assert.True(t, mem.Closed())
	assert.Equal(t, runstate.Terminated, state.Snapshot().Phase)
}

func TestRunRespectsConcurrency(t *testing.T) {
	const limit = 4
	exp := expanderFor(t, 11434, "10.0.0.1-10.0.0.40")

	var inFlight, peak, calls atomic.Int64
	prober := proberFunc(func(_ context.Context, tg targets.Target) probe.Outcome {
		calls.Add(1)
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return unreachable(tg)
	})

	summary, _, err := runScan(t, Config{Concurrency: limit}, prober, sink.NewMemorySink(), exp)
	require.NoError(t, err)
	assert.Equal(t, int64(40), calls.Load())
	assert.Equal(t, uint64(40), summary.Completed)
	assert.LessOrEqual(t, peak.Load(), int64(limit))
}

func TestRunRateLimit(t *testing.T) {
	exp := expanderFor(t, 11434, "10.0.0.1-10.0.0.5")
	prober := proberFunc(func(_ context.Context, tg targets.Target) probe.Outcome {
		return unreachable(tg)
	})

	start := time.Now()
	summary, _, err := runScan(t, Config{Concurrency: 5, RateLimit: 20}, prober, sink.NewMemorySink(), exp)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), summary.Completed)
	// five dispatches at 20/s with a burst of one need at least 200ms
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestRunPauseResume(t *testing.T) {
	exp := expanderFor(t, 11434, "10.0.0.1-10.0.0.3")
	var calls atomic.Int64
	prober := proberFunc(func(_ context.Context, tg targets.Target) probe.Outcome {
		calls.Add(1)
		return unreachable(tg)
	})

	state := runstate.New(exp.Count())
	require.True(t, state.Pause())
	s := New(Config{Concurrency: 2}, prober, sink.NewMemorySink(), state, WithLogger(logging.Discard()))

	done := make(chan *Summary, 1)
	go func() {
		summary, _ := s.Run(context.Background(), exp.Targets())
		done <- summary
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), calls.Load(), "no probe may start while paused")
	assert.Equal(t, runstate.Paused, state.Snapshot().Phase)

	require.True(t, state.Resume())
	select {
	case summary := <-done:
		assert.Equal(t, uint64(3), summary.Completed)
		assert.False(t, summary.Interrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not finish after resume")
	}
}

func TestRunPauseMidScan(t *testing.T) {
	const (
		limit   = 4
		pauseAt = 20
	)
	exp := expanderFor(t, 11434, "10.0.0.0/24")
	state := runstate.New(exp.Count())

	var calls atomic.Int64
	prober := proberFunc(func(_ context.Context, tg targets.Target) probe.Outcome {
		if calls.Add(1) == pauseAt {
			state.Pause()
		}
		return unreachable(tg)
	})

	s := New(Config{Concurrency: limit}, prober, sink.NewMemorySink(), state, WithLogger(logging.Discard()))
	done := make(chan *Summary, 1)
	go func() {
		summary, _ := s.Run(context.Background(), exp.Targets())
		done <- summary
	}()

	require.Eventually(t, func() bool {
		return state.Snapshot().Phase == runstate.Paused
	}, 5*time.Second, 5*time.Millisecond)
	// let work launched before the pause finish
	time.Sleep(50 * time.Millisecond)
	require.Eventually(t, func() bool {
		return state.Snapshot().Completed == uint64(calls.Load())
	}, 5*time.Second, 5*time.Millisecond)

	dispatched := calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dispatched, calls.Load(), "dispatch must stall while paused")
	// dispatches already past the gate when the pause lands still run
	assert.GreaterOrEqual(t, dispatched, int64(pauseAt))
	assert.LessOrEqual(t, dispatched, int64(pauseAt+limit))

	snap := state.Snapshot()
	assert.Equal(t, uint64(dispatched), snap.Completed)
	assert.True(t, snap.Paused)
	assert.LessOrEqual(t, snap.InFlight, 1, "only the slot waiting on the gate may be held")

	require.True(t, state.Resume())
	select {
	case summary := <-done:
		assert.Equal(t, uint64(256), summary.Completed)
		assert.Equal(t, int64(256), calls.Load())
		assert.False(t, summary.Interrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not finish after resume")
	}
}

func TestRunReportsInFlightSlots(t *testing.T) {
	exp := expanderFor(t, 11434, "10.0.0.1")
	state := runstate.New(exp.Count())

	release := make(chan struct{})
	prober := proberFunc(func(_ context.Context, tg targets.Target) probe.Outcome {
		<-release
		return unreachable(tg)
	})

	s := New(Config{Concurrency: 2}, prober, sink.NewMemorySink(), state, WithLogger(logging.Discard()))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Run(context.Background(), exp.Targets())
	}()

	// the target list is exhausted, so dispatch closes while the probe runs
	require.Eventually(t, func() bool {
		snap := state.Snapshot()
		return snap.InFlight == 1 && !snap.Accepting
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	snap := state.Snapshot()
	assert.Equal(t, 2, snap.Capacity)
	assert.Equal(t, runstate.Draining, snap.Phase)
	assert.GreaterOrEqual(t, snap.OldestInFlight, 10*time.Millisecond)

	close(release)
	<-done
	snap = state.Snapshot()
	assert.Zero(t, snap.InFlight)
	assert.Zero(t, snap.OldestInFlight)
}

func TestRunQuitKeepsInFlightResults(t *testing.T) {
	exp := expanderFor(t, 11434, "10.0.0.1-10.0.0.3")
	mem := sink.NewMemorySink()
	state := runstate.New(exp.Count())
	second := netip.MustParseAddr("10.0.0.2")

	prober := proberFunc(func(_ context.Context, tg targets.Target) probe.Outcome {
		if tg.Addr == second {
			// operator quits while this probe is in flight
			state.Quit()
		}
		return success(tg)
	})

	s := New(Config{Concurrency: 1}, prober, mem, state, WithLogger(logging.Discard()))
	summary, err := s.Run(context.Background(), exp.Targets())
	require.NoError(t, err)

	assert.True(t, summary.Interrupted)
	assert.Equal(t, uint64(2), summary.Completed)
	assert.Equal(t, uint64(2), summary.Found)

	discoveries := mem.Discoveries()
	require.Len(t, discoveries, 2)
	assert.Equal(t, "10.0.0.1:11434", discoveries[0].Endpoint.Key)
	assert.Equal(t, "10.0.0.2:11434", discoveries[1].Endpoint.Key)
	assert.Len(t, mem.ModelRows(), 4)
}

func TestRunContextCancelWhilePaused(t *testing.T) {
	exp := expanderFor(t, 11434, "10.0.0.0/24")
	mem := sink.NewMemorySink()
	state := runstate.New(exp.Count())
	state.Pause()

	prober := proberFunc(func(_ context.Context, tg targets.Target) probe.Outcome {
		return unreachable(tg)
	})
	s := New(Config{Concurrency: 8}, prober, mem, state, WithLogger(logging.Discard()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	summary, err := s.Run(ctx, exp.Targets())
	require.NoError(t, err)
	assert.True(t, summary.Interrupted)
	assert.Equal(t, uint64(0), summary.Completed)
	assert.True(t, mem.Closed())
}

func TestRunSinkFailureStopsDispatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	out := mocks.NewMockSink(ctrl)

	diskFull := stderrors.New("no space left on device")
	out.EXPECT().Name().Return("mock").AnyTimes()
	out.EXPECT().Commit(gomock.Any(), gomock.Any()).Return(diskFull).MinTimes(1)
	out.EXPECT().Close().Return(nil).Times(1)

	exp := expanderFor(t, 11434, "10.0.0.1-10.0.0.10")
	state := runstate.New(exp.Count())
	first := netip.MustParseAddr("10.0.0.1")

	prober := proberFunc(func(_ context.Context, tg targets.Target) probe.Outcome {
		if tg.Addr != first {
			// hold later probes until the failed commit has aborted the run
			deadline := time.Now().Add(2 * time.Second)
			for state.Err() == nil && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		}
		return success(tg)
	})

	s := New(Config{Concurrency: 1}, prober, out, state, WithLogger(logging.Discard()))
	summary, err := s.Run(context.Background(), exp.Targets())

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeSinkWrite))
	assert.ErrorIs(t, err, diskFull)

	var sinkErr *errors.SinkError
	require.ErrorAs(t, err, &sinkErr)
	assert.Equal(t, "10.0.0.1:11434", sinkErr.Endpoint)

	assert.True(t, summary.Interrupted)
	assert.LessOrEqual(t, summary.Completed, uint64(2))
	assert.Equal(t, err, state.Err())
}

func TestRunSinkCloseFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	out := mocks.NewMockSink(ctrl)
	out.EXPECT().Name().Return("mock").AnyTimes()
	out.EXPECT().Close().Return(stderrors.New("flush failed"))

	exp := expanderFor(t, 11434, "10.0.0.1")
	prober := proberFunc(func(_ context.Context, tg targets.Target) probe.Outcome {
		return unreachable(tg)
	})

	_, _, err := runScan(t, Config{Concurrency: 1}, prober, out, exp)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeSinkClose))
}

func TestRunNotifiesObservers(t *testing.T) {
	exp := expanderFor(t, 11434, "10.0.0.1-10.0.0.4")
	prober := proberFunc(func(_ context.Context, tg targets.Target) probe.Outcome {
		if tg.Addr.As4()[3]%2 == 0 {
			return success(tg)
		}
		return probe.Outcome{Kind: probe.NonMatchingResponse, StatusCode: http.StatusNotFound}
	})

	var (
		mu   sync.Mutex
		seen []string
	)
	observer := ObserverFunc(func(d sink.Discovery) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, d.Endpoint.Key)
	})

	recorder := metrics.NewPrometheusMetrics()
	summary, _, err := runScan(t, Config{Concurrency: 2}, prober, sink.NewMemorySink(), exp,
		WithObserver(observer), WithMetrics(recorder))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"10.0.0.2:11434", "10.0.0.4:11434"}, seen)
	assert.Equal(t, uint64(2), summary.ByKind[probe.NonMatchingResponse])
	assert.Equal(t, uint64(2), summary.ByKind[probe.Success])
	assert.Equal(t, uint64(0), summary.ByKind[probe.Timeout])
}

func TestRunWithRunID(t *testing.T) {
	exp := expanderFor(t, 11434, "10.0.0.1")
	prober := proberFunc(func(_ context.Context, tg targets.Target) probe.Outcome {
		return unreachable(tg)
	})
	s := New(Config{}, prober, sink.NewMemorySink(), runstate.New(exp.Count()), WithLogger(logging.Discard()))
	assert.NotEqual(t, [16]byte{}, [16]byte(s.RunID()))
	snap := s.state.Snapshot()
	assert.Equal(t, 1, snap.Capacity, "zero concurrency falls back to one slot")
	assert.True(t, snap.Accepting)
}

func TestRunAgainstHTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama2:latest","model":"llama2:latest","size":7548683059,"digest":"78e26419b446","details":{"format":"gguf","family":"llama","parameter_size":"7B","quantization_level":"Q4_0"}}]}`))
	}))
	defer srv.Close()

	addrPort := netip.MustParseAddrPort(strings.TrimPrefix(srv.URL, "http://"))
	exp := expanderFor(t, addrPort.Port(), addrPort.Addr().String())

	dir := t.TempDir()
	endpointsPath := filepath.Join(dir, "ollama_endpoints.csv")
	modelsPath := filepath.Join(dir, "llm_models.csv")
	out, err := sink.NewCSVSink(endpointsPath, modelsPath, false)
	require.NoError(t, err)

	prober := probe.NewHTTPProber(probe.Config{Timeout: 2 * time.Second}, logging.Discard())
	summary, _, err := runScan(t, Config{Concurrency: 1}, prober, out, exp)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), summary.Found)

	endpoints, err := os.ReadFile(endpointsPath)
	require.NoError(t, err)
	assert.Contains(t, string(endpoints), addrPort.String()+","+srv.URL+"/api/tags,200,Single IP")

	models, err := os.ReadFile(modelsPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(models)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "llama2:latest")
	assert.Contains(t, lines[1], "7.03")
}
