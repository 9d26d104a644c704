package cli

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/ollamascan/internal/api"
	"github.com/anstrom/ollamascan/internal/config"
	"github.com/anstrom/ollamascan/internal/errors"
	"github.com/anstrom/ollamascan/internal/logging"
	"github.com/anstrom/ollamascan/internal/metrics"
	"github.com/anstrom/ollamascan/internal/probe"
	"github.com/anstrom/ollamascan/internal/runstate"
	"github.com/anstrom/ollamascan/internal/scanning"
	"github.com/anstrom/ollamascan/internal/sink"
	"github.com/anstrom/ollamascan/internal/targets"
)

const systemMetricsInterval = 5 * time.Second

// runHooks lets a command attach to a run before dispatch starts.
type runHooks struct {
	// Observers of committed discoveries
	observers []scanning.Observer
	// Called with the fresh state once the sinks are open
	onStart func(state *runstate.State)
	// Override for the prober, used by tests
	prober probe.Prober
}

// loadTargets parses the input file and logs every skipped line.
func loadTargets(cfg *config.Config, logger *logging.Logger) (*targets.Expander, []error, error) {
	descs, warnings, err := targets.ParseFile(cfg.Input.File)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range warnings {
		logger.Warn("Skipping invalid target descriptor", "file", cfg.Input.File, "error", w)
	}
	if len(descs) == 0 {
		return nil, warnings, errors.NewConfigFieldError(errors.CodeConfiguration,
			fmt.Sprintf("no valid address ranges found in %s", cfg.Input.File), "input.file", cfg.Input.File)
	}
	if cfg.Scanning.Port < 1 || cfg.Scanning.Port > math.MaxUint16 {
		return nil, warnings, errors.ErrConfigInvalid("scanning.port", cfg.Scanning.Port)
	}
	return targets.NewExpander(descs, uint16(cfg.Scanning.Port)), warnings, nil
}

// runOnce performs one complete scan of the configured input with a fresh
// run state and fresh sinks.
func runOnce(ctx context.Context, cfg *config.Config, logger *logging.Logger, hooks runHooks) (*scanning.Summary, error) {
	exp, _, err := loadTargets(cfg, logger)
	if err != nil {
		return nil, err
	}

	runID := uuid.New()
	state := runstate.New(exp.Count())
	pm := metrics.NewPrometheusMetrics()

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	go pm.StartPeriodicUpdates(metricsCtx, systemMetricsInterval)

	out, err := sink.Open(ctx, cfg.Output, runID, pm, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Status.Enabled {
		srv := api.New(cfg.Status, state, pm.GetRegistry(), logger)
		srvCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
		srvDone := make(chan struct{})
		go func() {
			defer close(srvDone)
			if err := srv.Start(srvCtx); err != nil {
				logger.Error("Status server failed", "error", err)
			}
		}()
		defer func() {
			stopServer()
			<-srvDone
		}()
	}

	prober := hooks.prober
	if prober == nil {
		prober = probe.NewHTTPProber(probe.Config{
			Path:         cfg.Scanning.Path,
			Timeout:      cfg.Scanning.Timeout,
			MaxBodyBytes: cfg.Scanning.MaxBodyBytes,
			UserAgent:    cfg.Scanning.UserAgent,
		}, logger)
	}

	opts := []scanning.Option{
		scanning.WithLogger(logger),
		scanning.WithMetrics(pm),
		scanning.WithRunID(runID),
	}
	for _, o := range hooks.observers {
		opts = append(opts, scanning.WithObserver(o))
	}

	scanner := scanning.New(scanning.Config{
		Concurrency: cfg.Scanning.Concurrency,
		RateLimit:   cfg.Scanning.RateLimit,
	}, prober, out, state, opts...)

	if hooks.onStart != nil {
		hooks.onStart(state)
	}

	return scanner.Run(ctx, exp.Targets())
}

// Exit codes.
const (
	exitFailure = 1
	exitConfig  = 2
	exitSink    = 3
)

// exitCode maps an error onto the process exit status.
func exitCode(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeConfiguration, errors.CodeValidation, errors.CodeFileNotFound:
		return exitConfig
	case errors.CodeSinkOpen, errors.CodeSinkWrite, errors.CodeSinkClose:
		return exitSink
	default:
		return exitFailure
	}
}

// declinedError is returned when the operator does not confirm authorisation.
type declinedError struct{}

func (*declinedError) Error() string {
	return "scan not authorised by operator"
}

func describeSummary(s *scanning.Summary) string {
	return fmt.Sprintf("%s of %s targets probed, %d servers, %d models",
		targets.FormatCount(s.Completed), targets.FormatCount(s.Total), s.Found, s.Models)
}
