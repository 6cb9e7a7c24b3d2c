package materializer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/snapshot"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/postgres"
)

const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Run is one row of materialization history.
type Run struct {
	ID         string          `json:"run_id"`
	Group      string          `json:"feature_group"`
	Window     snapshot.Window `json:"window"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Status     string          `json:"status"`
	Partitions int             `json:"partitions"`
	Events     int             `json:"events"`
	Written    int             `json:"written"`
	Error      string          `json:"error,omitempty"`
}

// RunStore persists materialization history.
type RunStore interface {
	Record(ctx context.Context, run Run) error
	Recent(ctx context.Context, group string, limit int) ([]Run, error)
}

// RunsSchema creates the history table.
const RunsSchema = `CREATE TABLE IF NOT EXISTS materialization_runs (
    run_id        UUID PRIMARY KEY,
    feature_group TEXT NOT NULL,
    window_start  TIMESTAMPTZ NOT NULL,
    window_end    TIMESTAMPTZ NOT NULL,
    started_at    TIMESTAMPTZ NOT NULL,
    finished_at   TIMESTAMPTZ NOT NULL,
    status        TEXT NOT NULL,
    partitions    INTEGER NOT NULL,
    events        INTEGER NOT NULL,
    written       INTEGER NOT NULL,
    error         TEXT NOT NULL DEFAULT ''
)`

// PostgresRunStore keeps run history in the materialization_runs table.
type PostgresRunStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewPostgresRunStore creates a run store.
func NewPostgresRunStore(db *postgres.Client) *PostgresRunStore {
	return &PostgresRunStore{
		db:     db,
		logger: slog.Default().With("component", "materialization-runs"),
	}
}

// Record inserts one run.
func (s *PostgresRunStore) Record(ctx context.Context, run Run) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO materialization_runs
		    (run_id, feature_group, window_start, window_end, started_at, finished_at, status, partitions, events, written, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.Group, run.Window.Start, run.Window.End, run.StartedAt, run.FinishedAt,
		run.Status, run.Partitions, run.Events, run.Written, run.Error,
	)
	if err != nil {
		return fmt.Errorf("recording materialization run %s: %w", run.ID, err)
	}
	return nil
}

// Recent returns the newest runs, optionally for one group only.
func (s *PostgresRunStore) Recent(ctx context.Context, group string, limit int) ([]Run, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `run_id, feature_group, window_start, window_end, started_at, finished_at, status, partitions, events, written, error`
	if group == "" {
		rows, err = s.db.DB.QueryContext(ctx,
			`SELECT `+cols+` FROM materialization_runs ORDER BY started_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.db.DB.QueryContext(ctx,
			`SELECT `+cols+` FROM materialization_runs WHERE feature_group = $1 ORDER BY started_at DESC LIMIT $2`, group, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing materialization runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Group, &r.Window.Start, &r.Window.End, &r.StartedAt, &r.FinishedAt,
			&r.Status, &r.Partitions, &r.Events, &r.Written, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning materialization run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
