package sink

import (
	"context"

	"github.com/google/uuid"

	"github.com/anstrom/ollamascan/internal/config"
	"github.com/anstrom/ollamascan/internal/logging"
	"github.com/anstrom/ollamascan/internal/metrics"
)

// Open builds the configured sinks: the CSV pair always, SQL and Redis when
// enabled. If any sink fails to open, the ones already opened are closed.
func Open(ctx context.Context, cfg config.OutputConfig, runID uuid.UUID,
	recorder metrics.Recorder, logger *logging.Logger) (*Multi, error) {
	if logger == nil {
		logger = logging.Default()
	}

	var opened []Sink
	fail := func(err error) (*Multi, error) {
		for _, s := range opened {
			_ = s.Close()
		}
		return nil, err
	}

	csvSink, err := NewCSVSink(cfg.EndpointsFile, cfg.ModelsFile, cfg.Fsync)
	if err != nil {
		return fail(err)
	}
	opened = append(opened, csvSink)
	logger.InfoSink("opened output files", csvSinkName,
		"endpoints", cfg.EndpointsFile, "models", cfg.ModelsFile, "fsync", cfg.Fsync)

	if cfg.SQL.Enabled() {
		sqlSink, err := OpenSQL(ctx, cfg.SQL.Driver, cfg.SQL.DSN, runID)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, sqlSink)
		logger.InfoSink("connected to database", sqlSinkName, "driver", cfg.SQL.Driver)
	}

	if cfg.Redis.Enabled() {
		redisSink, err := OpenRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Stream, runID)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, redisSink)
		logger.InfoSink("connected to redis", redisSinkName, "addr", cfg.Redis.Addr, "stream", cfg.Redis.Stream)
	}

	return NewMulti(recorder, opened...), nil
}
