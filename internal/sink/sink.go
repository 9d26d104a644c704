// Package sink persists discovered endpoints and their models. A Commit is
// the unit of consistency: the endpoint record is always durable before or
// together with the model records that reference it.
package sink

import (
	"context"
	"time"

	"github.com/anstrom/ollamascan/internal/probe"
	"github.com/anstrom/ollamascan/internal/targets"
)

// EndpointRecord describes one discovered server.
type EndpointRecord struct {
	Key        string `json:"key" db:"endpoint"`
	URL        string `json:"url" db:"url"`
	StatusCode int    `json:"status_code" db:"status_code"`
	Location   string `json:"location" db:"location"`
}

// Discovery groups an endpoint with every model it advertised.
type Discovery struct {
	Endpoint EndpointRecord      `json:"endpoint"`
	Models   []probe.ModelRecord `json:"models"`
	FoundAt  time.Time           `json:"found_at"`
}

// FromOutcome builds the discovery for a successful probe of target.
func FromOutcome(target targets.Target, out probe.Outcome) Discovery {
	return Discovery{
		Endpoint: EndpointRecord{
			Key:        target.Key(),
			URL:        out.URL,
			StatusCode: out.StatusCode,
			Location:   target.Location,
		},
		Models:  out.Models,
		FoundAt: time.Now().UTC(),
	}
}

//go:generate mockgen -source=sink.go -destination=mocks/mock_sink.go -package=mocks

// Sink receives discoveries from a single goroutine. A nil error from
// Commit means the whole group is persisted; a failed Commit never leaves
// model records without their endpoint record.
type Sink interface {
	Name() string
	Commit(ctx context.Context, d Discovery) error
	Close() error
}
