package pipeline

import (
	"context"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Cerresi/bees-case/pkg/errors"
)

// Stage names.
const (
	StageIngest    = "ingest"
	StageTransform = "transform"
	StageAggregate = "aggregate"
)

// Stage statuses recorded in the ledger.
const (
	StatusStarted   = "started"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// StageRecord is one ledger row: the outcome of a stage invocation.
type StageRecord struct {
	RunID      string            `json:"run_id"`
	Stage      string            `json:"stage"`
	Status     string            `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Summary    gojson.RawMessage `json:"summary,omitempty"`
	ErrorType  string            `json:"error_type,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Ledger records stage invocations. Scheduling stays with the external
// scheduler; the ledger is an audit trail of what ran.
type Ledger interface {
	Record(ctx context.Context, rec StageRecord) error
	History(ctx context.Context, runID string) ([]StageRecord, error)
	Close() error
}

// MemoryLedger keeps records in process.
type MemoryLedger struct {
	mu      sync.Mutex
	records []StageRecord
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Record implements Ledger.
func (l *MemoryLedger) Record(_ context.Context, rec StageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// History implements Ledger. Records are returned in insertion order.
func (l *MemoryLedger) History(_ context.Context, runID string) ([]StageRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []StageRecord
	for _, r := range l.records {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Close implements Ledger.
func (l *MemoryLedger) Close() error { return nil }

var ledgerSchema = []string{`CREATE TABLE IF NOT EXISTS breweries_stage_runs (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT        NOT NULL,
	stage       TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	summary     JSONB,
	error_type  TEXT,
	error       TEXT
)`,
	`CREATE INDEX IF NOT EXISTS breweries_stage_runs_run_id ON breweries_stage_runs (run_id)`,
}

// PostgresLedger stores records in the breweries_stage_runs table.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates the ledger table if needed.
func NewPostgresLedger(ctx context.Context, pool *pgxpool.Pool) (*PostgresLedger, error) {
	for _, stmt := range ledgerSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to prepare ledger table")
		}
	}
	return &PostgresLedger{pool: pool}, nil
}

// Record implements Ledger.
func (l *PostgresLedger) Record(ctx context.Context, rec StageRecord) error {
	var summary []byte
	if len(rec.Summary) > 0 {
		summary = rec.Summary
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO breweries_stage_runs (run_id, stage, status, started_at, finished_at, summary, error_type, error)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''))`,
		rec.RunID, rec.Stage, rec.Status, rec.StartedAt, rec.FinishedAt, summary, rec.ErrorType, rec.Error)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to record stage").WithDetail("run_id", rec.RunID)
	}
	return nil
}

// History implements Ledger.
func (l *PostgresLedger) History(ctx context.Context, runID string) ([]StageRecord, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT run_id, stage, status, started_at, finished_at, summary, COALESCE(error_type, ''), COALESCE(error, '')
		 FROM breweries_stage_runs WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to query ledger")
	}
	defer rows.Close()

	var out []StageRecord
	for rows.Next() {
		var rec StageRecord
		var summary []byte
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.Status, &rec.StartedAt, &rec.FinishedAt, &summary, &rec.ErrorType, &rec.Error); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to scan ledger row")
		}
		rec.Summary = summary
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read ledger")
	}
	return out, nil
}

// Close implements Ledger. The pool is owned by the caller.
func (l *PostgresLedger) Close() error { return nil }
