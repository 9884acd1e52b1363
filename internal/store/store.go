package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can use pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      UUID PRIMARY KEY,
    goal        TEXT NOT NULL,
    status      TEXT NOT NULL,
    reason      TEXT NOT NULL,
    steps       INTEGER NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS run_outcomes (
    run_id             UUID NOT NULL,
    step               INTEGER NOT NULL,
    kind               TEXT NOT NULL,
    target             TEXT NOT NULL,
    target_locator     TEXT NOT NULL,
    value              TEXT,
    description        TEXT NOT NULL,
    success            BOOLEAN NOT NULL,
    error_code         TEXT NOT NULL,
    error              TEXT NOT NULL,
    state_changed      BOOLEAN NOT NULL,
    loop_flagged       BOOLEAN NOT NULL,
    guard_override     BOOLEAN NOT NULL,
    fingerprint_before JSONB NOT NULL,
    fingerprint_after  JSONB NOT NULL,
    executed_at        TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (run_id, step)
);
CREATE TABLE IF NOT EXISTS run_milestones (
    run_id     UUID NOT NULL,
    label      TEXT NOT NULL,
    step_index INTEGER NOT NULL
);`

const (
	sqlInsertOutcome = `
        INSERT INTO run_outcomes (run_id, step, kind, target, target_locator, value, description, success,
            error_code, error, state_changed, loop_flagged, guard_override, fingerprint_before, fingerprint_after, executed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        ON CONFLICT (run_id, step) DO NOTHING;
    `
	sqlUpsertRun = `
        INSERT INTO runs (run_id, goal, status, reason, steps, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (run_id) DO UPDATE SET
            status = EXCLUDED.status,
            reason = EXCLUDED.reason,
            steps = EXCLUDED.steps,
            finished_at = EXCLUDED.finished_at;
    `
	sqlFlagLoops = `
        UPDATE run_outcomes SET loop_flagged = TRUE
        WHERE run_id = $1 AND step = ANY($2);
    `
)

// Store records runs and their outcomes in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Connect opens a pgx pool for url, ensures the schema and returns the store
// with a func that closes the pool.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// EnsureSchema creates the audit tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordOutcome stores one executed step. Re-recording a step is a no-op.
func (s *Store) RecordOutcome(ctx context.Context, runID string, o schemas.Outcome) error {
	before, err := json.Marshal(o.FingerprintBefore)
	if err != nil {
		return fmt.Errorf("failed to encode fingerprint: %w", err)
	}
	after, err := json.Marshal(o.FingerprintAfter)
	if err != nil {
		return fmt.Errorf("failed to encode fingerprint: %w", err)
	}

	_, err = s.pool.Exec(ctx, sqlInsertOutcome,
		runID, o.Step, string(o.Action.Kind), o.Action.Target, o.TargetLocator, o.Action.Value, o.Action.Description, o.Success,
		o.ErrorCode, o.Error, o.StateChanged, o.LoopFlagged, o.GuardOverride, before, after, o.ExecutedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outcome for step %d: %w", o.Step, err)
	}
	return nil
}

// RecordRun stores the final result in one transaction: the run row, the
// loop flags set after outcomes were recorded, and the milestones.
func (s *Store) RecordRun(ctx context.Context, r schemas.RunResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, sqlUpsertRun, r.RunID, r.Goal, string(r.Status), r.Reason, r.Steps, r.StartedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	var flagged []int32
	for _, o := range r.Outcomes {
		if o.LoopFlagged {
			flagged = append(flagged, int32(o.Step))
		}
	}
	if len(flagged) > 0 {
		if _, err := tx.Exec(ctx, sqlFlagLoops, r.RunID, flagged); err != nil {
			return fmt.Errorf("failed to flag loop outcomes: %w", err)
		}
	}

	if len(r.Milestones) > 0 {
		rows := make([][]interface{}, len(r.Milestones))
		for i, m := range r.Milestones {
			rows[i] = []interface{}{r.RunID, m.Label, m.StepIndex}
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"run_milestones"}, []string{"run_id", "label", "step_index"}, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy milestones: %w", err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("mismatch in copied milestones count: expected %d, got %d", len(rows), n)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
