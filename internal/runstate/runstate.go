// Package runstate holds the shared state of one scan run: progress
// counters and the pause/resume/quit gate consulted before every dispatch.
package runstate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Phase is the lifecycle stage of a run.
type Phase int

const (
	Running Phase = iota
	Paused
	Draining
	Terminated
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase as its name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Event is an operator control input.
type Event int

const (
	EventPause Event = iota
	EventResume
	EventQuit
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventPause:
		return "pause"
	case EventResume:
		return "resume"
	case EventQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// ParseEvent maps "pause", "resume" or "quit" (and the keys p, r, q) to an event.
func ParseEvent(s string) (Event, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pause", "p":
		return EventPause, nil
	case "resume", "r":
		return EventResume, nil
	case "quit", "q", "stop":
		return EventQuit, nil
	default:
		return 0, fmt.Errorf("unknown control event %q", s)
	}
}

// Snapshot is a consistent copy of the run counters and flags.
type Snapshot struct {
	Total     uint64        `json:"total"`
	Completed uint64        `json:"completed"`
	Found     uint64        `json:"found"`
	Phase     Phase         `json:"phase"`
	Paused    bool          `json:"paused"`
	Quit      bool          `json:"quit"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`

	// Held concurrency slots, zero until slots are attached
	InFlight       int           `json:"in_flight"`
	Capacity       int           `json:"capacity"`
	OldestInFlight time.Duration `json:"oldest_in_flight_ns"`
	Accepting      bool          `json:"accepting"`

	// Completions reported after completed reached total
	Overcounted uint64 `json:"overcounted,omitempty"`
}

// Slots describes the concurrency slots currently held.
type Slots struct {
	Capacity  int
	Active    int
	Oldest    time.Duration
	Accepting bool
}

// SlotReporter is implemented by the scanner's slot bookkeeping.
type SlotReporter interface {
	Slots() Slots
}

// Percent returns completion as a value in [0,100]. An empty run is complete.
func (s Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

// State is the run state shared by the scheduler, the console and the
// status server. All methods are safe for concurrent use.
type State struct {
	mu        sync.Mutex
	total     uint64
	completed uint64
	found     uint64
	paused    bool
	quit      bool
	draining  bool
	done      bool
	err       error
	startedAt time.Time
	ended     time.Time
	overcount uint64
	slots     SlotReporter

	// wake is closed whenever a paused dispatcher should re-check state.
	wake       chan struct{}
	terminated chan struct{}
}

// New creates a running state for total targets.
func New(total uint64) *State {
	return &State{
		total:      total,
		startedAt:  time.Now(),
		wake:       make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

// SetTotal updates the target count, e.g. once the expander has counted.
func (s *State) SetTotal(total uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = total
	if s.completed > s.total {
		s.total = s.completed
	}
}

// AttachSlots makes Snapshot report held slots from r.
func (s *State) AttachSlots(r SlotReporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = r
}

// Apply handles one control event. It reports whether the state changed.
func (s *State) Apply(e Event) bool {
	switch e {
	case EventPause:
		return s.Pause()
	case EventResume:
		return s.Resume()
	case EventQuit:
		return s.Quit()
	default:
		return false
	}
}

// Pause stops new dispatches. In-flight probes keep running. A draining
// run has nothing left to pause.
func (s *State) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.quit || s.draining || s.paused {
		return false
	}
	s.paused = true
	return true
}

// Resume lets dispatching continue. It has no effect once quit.
func (s *State) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.quit || !s.paused {
		return false
	}
	s.paused = false
	s.wakeLocked()
	return true
}

// Quit stops dispatching for good and releases any paused dispatcher.
func (s *State) Quit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quitLocked()
}

// Abort quits with a fatal cause. The first cause wins.
func (s *State) Abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.quitLocked()
}

func (s *State) quitLocked() bool {
	if s.done || s.quit {
		return false
	}
	s.quit = true
	s.paused = false
	s.wakeLocked()
	return true
}

func (s *State) wakeLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Err returns the abort cause, if any.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// AwaitDispatch blocks while the run is paused. It returns true when the
// caller may dispatch one more probe, false once the run has been quit,
// is draining or ctx is done.
func (s *State) AwaitDispatch(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if s.quit || s.draining || s.done {
			s.mu.Unlock()
			return false
		}
		if !s.paused {
			s.mu.Unlock()
			return ctx.Err() == nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return false
		}
	}
}

// Complete records one finished probe. Completed never exceeds total; a
// completion past total is counted in Snapshot.Overcounted and returns false.
func (s *State) Complete(found bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if found {
		s.found++
	}
	if s.completed >= s.total {
		s.overcount++
		return false
	}
	s.completed++
	return true
}

// BeginDrain marks that no more probes will be dispatched.
func (s *State) BeginDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.draining {
		return
	}
	s.draining = true
	s.paused = false
	s.wakeLocked()
}

// Terminate marks the run finished. Later events are no-ops.
func (s *State) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.draining = false
	s.paused = false
	s.ended = time.Now()
	s.wakeLocked()
	close(s.terminated)
}

// Done is closed when the run terminates.
func (s *State) Done() <-chan struct{} {
	return s.terminated
}

// Snapshot returns a copy of the current counters and flags.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	elapsed := time.Since(s.startedAt)
	if s.done {
		elapsed = s.ended.Sub(s.startedAt)
	}
	snap := Snapshot{
		Total:       s.total,
		Completed:   s.completed,
		Found:       s.found,
		Phase:       s.phaseLocked(),
		Paused:      s.paused,
		Quit:        s.quit,
		StartedAt:   s.startedAt,
		Elapsed:     elapsed,
		Overcounted: s.overcount,
	}
	slots := s.slots
	s.mu.Unlock()

	// read outside the state lock; the reporter has its own
	if slots != nil {
		sl := slots.Slots()
		snap.InFlight = sl.Active
		snap.Capacity = sl.Capacity
		snap.OldestInFlight = sl.Oldest
		snap.Accepting = sl.Accepting
	}
	return snap
}

func (s *State) phaseLocked() Phase {
	switch {
	case s.done:
		return Terminated
	case s.draining || s.quit:
		return Draining
	case s.paused:
		return Paused
	default:
		return Running
	}
}
