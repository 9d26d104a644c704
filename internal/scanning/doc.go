// Package scanning provides the scan scheduler for ollamascan.
//
// A Scanner consumes a lazy target sequence, probes each target under a
// fixed concurrency bound and an optional dispatch rate, and funnels every
// discovery through a single goroutine into a result sink.
//
// # Dispatch
//
// Before each probe is launched the scheduler, in order:
//   - acquires one of Concurrency slots (FixedResourceManager)
//   - waits on the rate limiter
//   - asks the run state whether dispatch may continue (blocking while paused)
//
// Quitting, interrupting or a sink failure only stop this loop. Probes that
// are already running finish on a context detached from cancellation, and
// their discoveries are still committed.
//
// # Completion
//
// A probe is counted complete only after a discovery it produced has been
// handed to the sink goroutine, so the progress counter never runs ahead of
// what can still be persisted.
//
// # Usage
//
//	exp := targets.NewExpander(descriptors, 11434)
//	state := runstate.New(exp.Count())
//	prober := probe.NewHTTPProber(probe.Config{Timeout: 500 * time.Millisecond}, logger)
//
//	scanner := scanning.New(scanning.Config{Concurrency: 500, RateLimit: 800},
//		prober, out, state, scanning.WithLogger(logger))
//	summary, err := scanner.Run(ctx, exp.Targets())
package scanning
