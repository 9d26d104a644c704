package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/anstrom/ollamascan/internal/errors"
)

const redisSinkName = "redis"

// streamClient is the subset of *redis.Client the sink needs.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisSink appends one stream entry per discovery. The entry carries the
// endpoint fields and the model list as JSON, so a group is a single XADD.
type RedisSink struct {
	client streamClient
	stream string
	runID  string
}

// NewRedisSink creates a sink on an existing client.
func NewRedisSink(client streamClient, stream string, runID uuid.UUID) *RedisSink {
	return &RedisSink{
		client: client,
		stream: stream,
		runID:  runID.String(),
	}
}

// OpenRedis connects to addr and verifies the server answers.
func OpenRedis(ctx context.Context, addr, password string, db int, stream string, runID uuid.UUID) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapSinkError(errors.CodeSinkOpen, redisSinkName,
			fmt.Sprintf("failed to reach redis at %s", addr), err)
	}

	return NewRedisSink(client, stream, runID), nil
}

// Name implements Sink.
func (s *RedisSink) Name() string {
	return redisSinkName
}

// Commit appends the discovery to the stream.
func (s *RedisSink) Commit(ctx context.Context, d Discovery) error {
	models, err := json.Marshal(d.Models)
	if err != nil {
		return errors.WrapSinkError(errors.CodeSinkWrite, redisSinkName, "failed to encode models", err).
			ForEndpoint(d.Endpoint.Key)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"run_id":      s.runID,
			"endpoint":    d.Endpoint.Key,
			"url":         d.Endpoint.URL,
			"status_code": strconv.Itoa(d.Endpoint.StatusCode),
			"location":    d.Endpoint.Location,
			"found_at":    d.FoundAt.Format(time.RFC3339Nano),
			"model_count": strconv.Itoa(len(d.Models)),
			"models":      string(models),
		},
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return errors.WrapSinkError(errors.CodeSinkWrite, redisSinkName, "failed to append to stream", err).
			ForEndpoint(d.Endpoint.Key)
	}
	return nil
}

// Close closes the client.
func (s *RedisSink) Close() error {
	if err := s.client.Close(); err != nil {
		return errors.WrapSinkError(errors.CodeSinkClose, redisSinkName, "failed to close client", err)
	}
	return nil
}
