package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// SaveRun inserts or replaces the run view. A terminal run is never
// overwritten; saving over one fails with engine.ErrRunTerminal.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.ExecutionRun) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	query := `
		INSERT INTO runs (id, workflow_id, version, status, started_at, ended_at, document, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			document = excluded.document,
			updated_at = excluded.updated_at
		WHERE runs.status NOT IN ('succeeded', 'failed', 'partially_failed', 'aborted')
	`

	res, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.WorkflowID,
		run.Version,
		run.Status,
		toNanos(run.StartedAt),
		nullNanos(run.EndedAt),
		string(doc),
		toNanos(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", engine.ErrRunTerminal, run.ID)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.ExecutionRun, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return decodeRun(doc)
}

// ListRuns lists runs of a workflow, newest first. A non-positive limit
// returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, workflowID string, limit int) ([]*engine.ExecutionRun, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT document FROM runs
		WHERE workflow_id = ?
		ORDER BY started_at DESC, id
		LIMIT ?
	`
	return s.queryRuns(ctx, query, workflowID, limit)
}

// ListActiveRuns lists pending and running runs, oldest first.
func (s *SQLiteStore) ListActiveRuns(ctx context.Context) ([]*engine.ExecutionRun, error) {
	query := `
		SELECT document FROM runs
		WHERE status IN (?, ?)
		ORDER BY started_at ASC, id
	`
	return s.queryRuns(ctx, query, engine.RunStatusPending, engine.RunStatusRunning)
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]*engine.ExecutionRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.ExecutionRun{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run, err := decodeRun(doc)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func decodeRun(doc string) (*engine.ExecutionRun, error) {
	run := &engine.ExecutionRun{}
	if err := json.Unmarshal([]byte(doc), run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return run, nil
}
