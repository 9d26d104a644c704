package sink

import (
	"context"
	"strings"

	"github.com/anstrom/ollamascan/internal/metrics"
)

// Multi fans each discovery out to several sinks in order. Every sink is
// attempted; the first error is returned.
type Multi struct {
	sinks    []Sink
	recorder metrics.Recorder
}

// NewMulti combines sinks. A nil recorder disables commit metrics.
func NewMulti(recorder metrics.Recorder, sinks ...Sink) *Multi {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Multi{sinks: sinks, recorder: recorder}
}

// Name joins the member names, e.g. "csv+sql".
func (m *Multi) Name() string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

// Commit implements Sink.
func (m *Multi) Commit(ctx context.Context, d Discovery) error {
	var first error
	for _, s := range m.sinks {
		err := s.Commit(ctx, d)
		m.recorder.SinkCommit(s.Name(), err == nil)
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every sink and returns the first error.
func (m *Multi) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
