package sink

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/anstrom/ollamascan/internal/errors"
)

const sqlSinkName = "sql"

//go:embed schema.sql
var schemaSQL string

const insertEndpointQuery = `
	INSERT INTO ollama_endpoints (run_id, endpoint, url, status_code, location, found_at)
	VALUES (:run_id, :endpoint, :url, :status_code, :location, :found_at)`

const insertModelQuery = `
	INSERT INTO llm_models (
		run_id, endpoint, name, model, modified_at, size_gb, size_bytes, digest,
		parent_model, format, family, parameter_size, quantization_level
	)
	VALUES (
		:run_id, :endpoint, :name, :model, :modified_at, :size_gb, :size_bytes, :digest,
		:parent_model, :format, :family, :parameter_size, :quantization_level
	)`

type endpointRow struct {
	RunID      string    `db:"run_id"`
	Endpoint   string    `db:"endpoint"`
	URL        string    `db:"url"`
	StatusCode int       `db:"status_code"`
	Location   string    `db:"location"`
	FoundAt    time.Time `db:"found_at"`
}

type modelRow struct {
	RunID             string  `db:"run_id"`
	Endpoint          string  `db:"endpoint"`
	Name              string  `db:"name"`
	Model             string  `db:"model"`
	ModifiedAt        string  `db:"modified_at"`
	SizeGB            float64 `db:"size_gb"`
	SizeBytes         int64   `db:"size_bytes"`
	Digest            string  `db:"digest"`
	ParentModel       string  `db:"parent_model"`
	Format            string  `db:"format"`
	Family            string  `db:"family"`
	ParameterSize     string  `db:"parameter_size"`
	QuantizationLevel string  `db:"quantization_level"`
}

// SQLSink stores discoveries in a relational database, one transaction per
// discovery, tagged with the run id.
type SQLSink struct {
	db    *sqlx.DB
	runID string
}

// NewSQLSink wraps an open database. The schema must already exist.
func NewSQLSink(db *sqlx.DB, runID uuid.UUID) *SQLSink {
	return &SQLSink{db: db, runID: runID.String()}
}

// OpenSQL connects with driver ("postgres" or "sqlite3") and ensures the schema.
func OpenSQL(ctx context.Context, driver, dsn string, runID uuid.UUID) (*SQLSink, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, errors.WrapSinkError(errors.CodeSinkOpen, sqlSinkName,
			fmt.Sprintf("failed to connect to %s database", driver), sanitizeDBError(err))
	}

	s := NewSQLSink(db, runID)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLSink) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.WrapSinkError(errors.CodeSinkOpen, sqlSinkName,
				"failed to apply schema", sanitizeDBError(err))
		}
	}
	return nil
}

func schemaStatements(schema string) []string {
	var stmts []string
	for _, part := range strings.Split(schema, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// Name implements Sink.
func (s *SQLSink) Name() string {
	return sqlSinkName
}

// Commit inserts the endpoint and its models in one transaction.
func (s *SQLSink) Commit(ctx context.Context, d Discovery) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.commitErr(d, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	endpoint := endpointRow{
		RunID:      s.runID,
		Endpoint:   d.Endpoint.Key,
		URL:        d.Endpoint.URL,
		StatusCode: d.Endpoint.StatusCode,
		Location:   d.Endpoint.Location,
		FoundAt:    d.FoundAt,
	}
	if _, err := tx.NamedExecContext(ctx, insertEndpointQuery, endpoint); err != nil {
		return s.commitErr(d, "failed to insert endpoint", err)
	}

	for _, m := range d.Models {
		row := modelRow{
			RunID:             s.runID,
			Endpoint:          d.Endpoint.Key,
			Name:              m.Name,
			Model:             m.Model,
			ModifiedAt:        m.ModifiedAt,
			SizeGB:            m.SizeGB,
			SizeBytes:         m.SizeBytes,
			Digest:            m.Digest,
			ParentModel:       m.ParentModel,
			Format:            m.Format,
			Family:            m.Family,
			ParameterSize:     m.ParameterSize,
			QuantizationLevel: m.QuantizationLevel,
		}
		if _, err := tx.NamedExecContext(ctx, insertModelQuery, row); err != nil {
			return s.commitErr(d, "failed to insert model", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.commitErr(d, "failed to commit transaction", err)
	}
	return nil
}

func (s *SQLSink) commitErr(d Discovery, msg string, err error) error {
	return errors.WrapSinkError(errors.CodeSinkWrite, sqlSinkName, msg, sanitizeDBError(err)).
		ForEndpoint(d.Endpoint.Key)
}

// Close closes the database handle.
func (s *SQLSink) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.WrapSinkError(errors.CodeSinkClose, sqlSinkName, "failed to close database", err)
	}
	return nil
}

// sanitizeDBError replaces driver errors that may echo credentials or full
// statements with a short description.
func sanitizeDBError(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("transaction already finished")
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("endpoint already recorded for this run")
		case "23503": // foreign_key_violation
			return fmt.Errorf("model references a missing endpoint")
		case "57014": // query_canceled
			return fmt.Errorf("database operation was canceled")
		case "08000", "08003", "08006": // connection errors
			return fmt.Errorf("database connection error")
		default:
			return fmt.Errorf("database error %s: %s", pqErr.Code, pqErr.Code.Name())
		}
	}
	return err
}
