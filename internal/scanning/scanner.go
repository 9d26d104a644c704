package scanning

import (
	"context"
	stderrors "errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/anstrom/ollamascan/internal/errors"
	"github.com/anstrom/ollamascan/internal/logging"
	"github.com/anstrom/ollamascan/internal/metrics"
	"github.com/anstrom/ollamascan/internal/probe"
	"github.com/anstrom/ollamascan/internal/runstate"
	"github.com/anstrom/ollamascan/internal/sink"
	"github.com/anstrom/ollamascan/internal/targets"
)

const numKinds = int(probe.NonMatchingResponse) + 1

// Config holds scheduler settings.
type Config struct {
	// Maximum number of probes in flight
	Concurrency int
	// Dispatches per second, 0 disables the limiter
	RateLimit int
}

// Observer is notified of every discovery after it has been committed.
// Calls come from a single goroutine.
type Observer interface {
	OnDiscovery(d sink.Discovery)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(d sink.Discovery)

// OnDiscovery implements Observer.
func (f ObserverFunc) OnDiscovery(d sink.Discovery) {
	f(d)
}

// Summary describes a finished run.
type Summary struct {
	RunID       uuid.UUID
	Total       uint64
	Completed   uint64
	Found       uint64
	Models      uint64
	ByKind      map[probe.Kind]uint64
	Started     time.Time
	Duration    time.Duration
	Interrupted bool
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(s *Scanner) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithObserver registers an observer for committed discoveries.
func WithObserver(observer Observer) Option {
	return func(s *Scanner) {
		if observer != nil {
			s.observers = append(s.observers, observer)
		}
	}
}

// WithRunID sets the run id instead of generating one.
func WithRunID(id uuid.UUID) Option {
	return func(s *Scanner) {
		s.runID = id
	}
}

// Scanner dispatches probes for a target sequence under a concurrency bound,
// a rate limit and the run state gate, and funnels discoveries to a sink.
// A Scanner runs once.
type Scanner struct {
	config    Config
	prober    probe.Prober
	sink      sink.Sink
	state     *runstate.State
	slots     ResourceManager
	limiter   *rate.Limiter
	logger    *logging.Logger
	metrics   metrics.Recorder
	observers []Observer
	runID     uuid.UUID

	byKind [numKinds]atomic.Uint64
	models atomic.Uint64
}

type commitRequest struct {
	discovery sink.Discovery
}

// New creates a scanner. The state's total should already be set.
func New(cfg Config, prober probe.Prober, out sink.Sink, state *runstate.State, opts ...Option) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	s := &Scanner{
		config:  cfg,
		prober:  prober,
		sink:    out,
		state:   state,
		slots:   NewFixedResourceManager(cfg.Concurrency),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logging.Default(),
		metrics: metrics.Nop{},
		runID:   uuid.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("scanner").WithRunID(s.runID.String())
	state.AttachSlots(s.slots)
	return s
}

// RunID returns the id of this run.
func (s *Scanner) RunID() uuid.UUID {
	return s.runID
}

// Run consumes seq until it is exhausted, the run is quit or ctx is done.
// In-flight probes always finish and their discoveries are always offered
// to the sink before Run returns. A sink failure aborts dispatch and is
// returned as a *errors.SinkError.
func (s *Scanner) Run(ctx context.Context, seq iter.Seq[targets.Target]) (*Summary, error) {
	started := time.Now()
	initial := s.state.Snapshot()
	s.metrics.SetTargetsTotal(initial.Total)
	s.logger.Info("scan started",
		"targets", initial.Total,
		"concurrency", s.config.Concurrency,
		"rate_limit", s.config.RateLimit)

	// probes and commits outlive operator quit and ctx cancellation
	workCtx := context.WithoutCancel(ctx)

	commits := make(chan commitRequest, s.config.Concurrency)
	sinkDone := make(chan error, 1)
	go func() {
		sinkDone <- s.consume(workCtx, commits)
	}()

	var wg sync.WaitGroup
	for target := range seq {
		key := target.Key()
		if err := s.slots.Acquire(ctx, key); err != nil {
			break
		}
		if err := s.limiter.Wait(ctx); err != nil {
			s.slots.Release(key)
			break
		}
		if !s.state.AwaitDispatch(ctx) {
			s.slots.Release(key)
			break
		}

		wg.Add(1)
		go func(t targets.Target) {
			defer wg.Done()
			defer s.slots.Release(t.Key())
			s.probeOne(workCtx, t, commits)
		}(target)
	}

	// no dispatch after this point
	_ = s.slots.Close()
	s.state.BeginDrain()
	wg.Wait()
	close(commits)
	commitErr := <-sinkDone

	closeErr := s.sink.Close()
	if closeErr != nil {
		s.logger.ErrorSink("failed to close sink", s.sink.Name(), closeErr)
	}
	s.state.Terminate()

	final := s.state.Snapshot()
	summary := &Summary{
		RunID:       s.runID,
		Total:       final.Total,
		Completed:   final.Completed,
		Found:       final.Found,
		Models:      s.models.Load(),
		ByKind:      make(map[probe.Kind]uint64, len(probe.Kinds)),
		Started:     started,
		Duration:    time.Since(started),
		Interrupted: final.Quit || ctx.Err() != nil,
	}
	for _, k := range probe.Kinds {
		summary.ByKind[k] = s.byKind[k].Load()
	}

	s.logger.Info("scan finished",
		"completed", summary.Completed,
		"found", summary.Found,
		"models", summary.Models,
		"duration", summary.Duration,
		"interrupted", summary.Interrupted)

	if commitErr != nil {
		return summary, commitErr
	}
	if closeErr != nil {
		return summary, asSinkError(errors.CodeSinkClose, s.sink.Name(), "failed to close sink", "", closeErr)
	}
	return summary, nil
}

// probeOne runs one probe, hands a discovery to the sink goroutine, and
// only then records completion.
func (s *Scanner) probeOne(ctx context.Context, t targets.Target, commits chan<- commitRequest) {
	s.metrics.ProbeStarted()
	out := s.prober.Probe(ctx, t)
	s.metrics.ProbeFinished()

	s.metrics.ObserveProbe(out.Kind.String(), out.Duration)
	if out.Kind >= 0 && int(out.Kind) < numKinds {
		s.byKind[out.Kind].Add(1)
	}

	found := out.Kind == probe.Success
	if found {
		s.models.Add(uint64(len(out.Models)))
		s.logger.InfoScan("ollama endpoint found", t.Key(), "models", len(out.Models), "location", t.Location)
		commits <- commitRequest{discovery: sink.FromOutcome(t, out)}
	} else {
		s.logger.DebugScan("probe finished", t.Key(), "outcome", out.Kind.String(), "status", out.StatusCode)
	}

	if !s.state.Complete(found) {
		s.logger.Error("completion reported past target total", "endpoint", t.Key())
	}
	s.metrics.TargetCompleted()
}

// consume is the only goroutine that touches the sink. After the first
// failure it aborts the run but keeps committing later groups.
func (s *Scanner) consume(ctx context.Context, commits <-chan commitRequest) error {
	var first error
	for req := range commits {
		d := req.discovery
		if err := s.sink.Commit(ctx, d); err != nil {
			s.logger.ErrorSink("failed to commit discovery", s.sink.Name(), err, "endpoint", d.Endpoint.Key)
			if first == nil {
				first = asSinkError(errors.CodeSinkWrite, s.sink.Name(), "failed to commit discovery", d.Endpoint.Key, err)
				s.state.Abort(first)
			}
			continue
		}

		s.metrics.EndpointFound(len(d.Models))
		for _, o := range s.observers {
			o.OnDiscovery(d)
		}
	}
	return first
}

func asSinkError(code errors.ErrorCode, name, msg, endpoint string, err error) error {
	var sinkErr *errors.SinkError
	if stderrors.As(err, &sinkErr) {
		return err
	}
	wrapped := errors.WrapSinkError(code, name, msg, err)
	if endpoint != "" {
		wrapped.ForEndpoint(endpoint)
	}
	return wrapped
}
