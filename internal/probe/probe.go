// Package probe performs the single HTTP request that decides whether a
// target hosts an Ollama inference server, and classifies the result.
package probe

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"os"
	"sync/atomic"
	"time"

	"github.com/anstrom/ollamascan/internal/errors"
	"github.com/anstrom/ollamascan/internal/logging"
	"github.com/anstrom/ollamascan/internal/targets"
)

const (
	bytesPerGB = 1 << 30

	defaultPath         = "/api/tags"
	defaultTimeout      = 500 * time.Millisecond
	defaultMaxBodyBytes = 4 * 1024 * 1024
)

// Kind classifies a probe outcome.
type Kind int

const (
	Success Kind = iota
	Unreachable
	Timeout
	NonMatchingResponse
)

// Kinds lists every outcome kind in display order.
var Kinds = []Kind{Success, Unreachable, Timeout, NonMatchingResponse}

// String returns the kind name, also used as the metrics label.
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Unreachable:
		return "unreachable"
	case Timeout:
		return "timeout"
	case NonMatchingResponse:
		return "non_matching"
	default:
		return "unknown"
	}
}

// ModelRecord is one model advertised by a discovered server.
type ModelRecord struct {
	Name              string  `json:"name"`
	Model             string  `json:"model"`
	ModifiedAt        string  `json:"modified_at"`
	SizeGB            float64 `json:"size_gb"`
	SizeBytes         int64   `json:"size_bytes"`
	Digest            string  `json:"digest"`
	ParentModel       string  `json:"parent_model"`
	Format            string  `json:"format"`
	Family            string  `json:"family"`
	ParameterSize     string  `json:"parameter_size"`
	QuantizationLevel string  `json:"quantization_level"`
}

// Outcome is the classified result of one probe.
type Outcome struct {
	Kind       Kind
	URL        string
	StatusCode int
	Models     []ModelRecord
	Duration   time.Duration
	Err        error
}

// Prober probes one target. Implementations must be safe for concurrent use
// and must return within their configured timeout.
type Prober interface {
	Probe(ctx context.Context, target targets.Target) Outcome
}

// Config holds HTTP probe settings.
type Config struct {
	Path         string
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

// tagsResponse mirrors the subset of GET /api/tags the scanner records.
// Models is a pointer so a missing key can be told apart from an empty list.
type tagsResponse struct {
	Models *[]tagModel `json:"models"`
}

type tagModel struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
	Details    struct {
		ParentModel       string `json:"parent_model"`
		Format            string `json:"format"`
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
}

// HTTPProber issues GET <path> over a fresh connection per target.
type HTTPProber struct {
	config Config
	client *http.Client
	logger *logging.Logger
}

// NewHTTPProber creates a prober. Zero config fields take defaults.
func NewHTTPProber(cfg Config, logger *logging.Logger) *HTTPProber {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = logging.Default()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.Timeout,
		}).DialContext,
		DisableKeepAlives:     true,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   -1,
	}

	return &HTTPProber{
		config: cfg,
		client: &http.Client{
			Transport: transport,
			// a redirect is not an Ollama tags response
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.WithComponent("probe"),
	}
}

// Config returns the effective probe configuration.
func (p *HTTPProber) Config() Config {
	return p.config
}

// Probe performs exactly one request against target. It never retries.
func (p *HTTPProber) Probe(ctx context.Context, target targets.Target) Outcome {
	start := time.Now()
	url := target.URL(p.config.Path)
	key := target.Key()

	out := p.probe(ctx, url, key)
	out.URL = url
	out.Duration = time.Since(start)
	return out
}

func (p *HTTPProber) probe(ctx context.Context, url, key string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	var connected atomic.Bool
	trace := &httptrace.ClientTrace{
		ConnectDone: func(_, _ string, err error) {
			if err == nil {
				connected.Store(true)
			}
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, url, nil)
	if err != nil {
		return Outcome{
			Kind: Unreachable,
			Err:  errors.NewProbeError(errors.CodeHostUnreachable, key, 0, err),
		}
	}
	if p.config.UserAgent != "" {
		req.Header.Set("User-Agent", p.config.UserAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return classifyTransportError(key, connected.Load(), err)
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		if status == http.StatusNotFound {
			p.logger.InfoScan("possible ollama server", key, "status", status, "url", url)
		}
		return Outcome{
			Kind:       NonMatchingResponse,
			StatusCode: status,
			Err:        errors.NewProbeError(errors.CodeNonMatching, key, status, nil),
		}
	}

	models, err := p.decodeModels(resp.Body)
	if err != nil && isTimeout(err) {
		return Outcome{
			Kind:       Timeout,
			StatusCode: status,
			Err:        errors.NewProbeError(errors.CodeTimeout, key, status, err),
		}
	}
	if err != nil {
		p.logger.DebugScan("2xx response is not a tags listing", key, "status", status, "error", err)
		return Outcome{
			Kind:       NonMatchingResponse,
			StatusCode: status,
			Err:        errors.NewProbeError(errors.CodeNonMatching, key, status, err),
		}
	}

	return Outcome{
		Kind:       Success,
		StatusCode: status,
		Models:     models,
	}
}

func (p *HTTPProber) decodeModels(body io.Reader) ([]ModelRecord, error) {
	data, err := io.ReadAll(io.LimitReader(body, p.config.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(data)) > p.config.MaxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", p.config.MaxBodyBytes)
	}

	var tags tagsResponse
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	if tags.Models == nil {
		return nil, fmt.Errorf("response has no models key")
	}

	models := make([]ModelRecord, 0, len(*tags.Models))
	for _, m := range *tags.Models {
		models = append(models, ModelRecord{
			Name:              m.Name,
			Model:             m.Model,
			ModifiedAt:        m.ModifiedAt,
			SizeGB:            float64(m.Size) / bytesPerGB,
			SizeBytes:         m.Size,
			Digest:            m.Digest,
			ParentModel:       m.Details.ParentModel,
			Format:            m.Details.Format,
			Family:            m.Details.Family,
			ParameterSize:     m.Details.ParameterSize,
			QuantizationLevel: m.Details.QuantizationLevel,
		})
	}
	return models, nil
}

// classifyTransportError maps a client error onto an outcome. Whether a TCP
// connection was established decides between unreachable and the rest.
func classifyTransportError(key string, connected bool, err error) Outcome {
	if !connected {
		return Outcome{
			Kind: Unreachable,
			Err:  errors.NewProbeError(errors.CodeHostUnreachable, key, 0, err),
		}
	}
	if isTimeout(err) {
		return Outcome{
			Kind: Timeout,
			Err:  errors.NewProbeError(errors.CodeTimeout, key, 0, err),
		}
	}
	return Outcome{
		Kind: NonMatchingResponse,
		Err:  errors.NewProbeError(errors.CodeNonMatching, key, 0, err),
	}
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
