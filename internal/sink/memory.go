package sink

import (
	"context"
	"sync"
)

// MemorySink keeps discoveries in memory. Used for dry runs and tests.
type MemorySink struct {
	mu          sync.Mutex
	discoveries []Discovery
	closed      bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Name implements Sink.
func (m *MemorySink) Name() string {
	return "memory"
}

// Commit implements Sink.
func (m *MemorySink) Commit(_ context.Context, d Discovery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoveries = append(m.discoveries, d)
	return nil
}

// Close implements Sink.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Discoveries returns a copy of everything committed so far.
func (m *MemorySink) Discoveries() []Discovery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Discovery, len(m.discoveries))
	copy(out, m.discoveries)
	return out
}

// EndpointRows renders the committed discoveries as endpoint stream rows.
func (m *MemorySink) EndpointRows() [][]string {
	var rows [][]string
	for _, d := range m.Discoveries() {
		rows = append(rows, EndpointRow(d))
	}
	return rows
}

// ModelRows renders the committed discoveries as model stream rows.
func (m *MemorySink) ModelRows() [][]string {
	var rows [][]string
	for _, d := range m.Discoveries() {
		rows = append(rows, ModelRows(d)...)
	}
	return rows
}
