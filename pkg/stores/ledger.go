package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

const attemptColumns = `
	run_id, node_id, attempt, workflow_id, version, node_index, tier,
	capability_id, status, started_at, ended_at, error_kind, message,
	output, final, resolution, substituted
`

// Append assigns the next attempt number for the run and node and inserts
// the attempt in one immediate transaction.
func (s *SQLiteStore) Append(ctx context.Context, a engine.StepAttempt) (engine.StepAttempt, error) {
	if a.RunID == "" || a.NodeID == "" {
		return engine.StepAttempt{}, engine.NewPermanentError("attempt requires run and node IDs", nil).
			WithCode(engine.ErrCodeValidation)
	}

	var output sql.NullString
	if a.Output != nil {
		data, err := json.Marshal(a.Output)
		if err != nil {
			return engine.StepAttempt{}, fmt.Errorf("failed to encode output: %w", err)
		}
		output = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return engine.StepAttempt{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = s.RollbackTx(tx) }()

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt), 0) + 1 FROM step_attempts WHERE run_id = ? AND node_id = ?`,
		a.RunID, a.NodeID,
	).Scan(&a.Attempt)
	if err != nil {
		return engine.StepAttempt{}, fmt.Errorf("failed to allocate attempt number: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO step_attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID,
		a.NodeID,
		a.Attempt,
		a.WorkflowID,
		a.Version,
		a.NodeIndex,
		a.Tier,
		a.CapabilityID,
		a.Status,
		toNanos(a.StartedAt),
		toNanos(a.EndedAt),
		a.ErrorKind,
		a.Message,
		output,
		boolInt(a.Final),
		a.Resolution,
		boolInt(a.Substituted),
	)
	if err != nil {
		return engine.StepAttempt{}, fmt.Errorf("failed to append attempt: %w", err)
	}

	if err := s.CommitTx(tx); err != nil {
		return engine.StepAttempt{}, fmt.Errorf("failed to commit attempt: %w", err)
	}
	return a, nil
}

// Read returns the attempts of a run in append order.
func (s *SQLiteStore) Read(ctx context.Context, runID string) ([]engine.StepAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM step_attempts WHERE run_id = ? ORDER BY rowid`
	return s.queryAttempts(ctx, query, runID)
}

// AppendOutcome records a terminal run. A second outcome for the same run
// is ignored.
func (s *SQLiteStore) AppendOutcome(ctx context.Context, o engine.RunOutcome) error {
	query := `
		INSERT OR IGNORE INTO run_outcomes (run_id, workflow_id, version, status, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		o.RunID,
		o.WorkflowID,
		o.Version,
		o.Status,
		toNanos(o.StartedAt),
		toNanos(o.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append run outcome: %w", err)
	}

	return nil
}

// ReadWorkflow returns the attempts and outcomes of a workflow whose start
// falls in window.
func (s *SQLiteStore) ReadWorkflow(ctx context.Context, workflowID string, window engine.Window) ([]engine.StepAttempt, []engine.RunOutcome, error) {
	from, to := windowBounds(window)

	attempts, err := s.queryAttempts(ctx, `
		SELECT `+attemptColumns+` FROM step_attempts
		WHERE workflow_id = ? AND started_at >= ? AND (? = 0 OR started_at < ?)
		ORDER BY started_at, run_id, node_id, attempt
	`, workflowID, from, to, to)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, workflow_id, version, status, started_at, ended_at
		FROM run_outcomes
		WHERE workflow_id = ? AND started_at >= ? AND (? = 0 OR started_at < ?)
		ORDER BY started_at, run_id
	`, workflowID, from, to, to)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list run outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []engine.RunOutcome{}
	for rows.Next() {
		var (
			o              engine.RunOutcome
			started, ended int64
		)
		if err := rows.Scan(&o.RunID, &o.WorkflowID, &o.Version, &o.Status, &started, &ended); err != nil {
			return nil, nil, fmt.Errorf("failed to scan run outcome: %w", err)
		}
		o.StartedAt = fromNanos(started)
		o.EndedAt = fromNanos(ended)
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating run outcomes: %w", err)
	}

	return attempts, outcomes, nil
}

// windowBounds converts a window to nanosecond bounds; 0 means unbounded.
func windowBounds(w engine.Window) (int64, int64) {
	var from, to int64
	if !w.From.IsZero() {
		from = toNanos(w.From)
	}
	if !w.To.IsZero() {
		to = toNanos(w.To)
	}
	return from, to
}

func (s *SQLiteStore) queryAttempts(ctx context.Context, query string, args ...any) ([]engine.StepAttempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read attempts: %w", err)
	}
	defer rows.Close()

	attempts := []engine.StepAttempt{}
	for rows.Next() {
		var (
			a                  engine.StepAttempt
			started, ended     int64
			output             sql.NullString
			final, substituted int
		)
		err := rows.Scan(
			&a.RunID,
			&a.NodeID,
			&a.Attempt,
			&a.WorkflowID,
			&a.Version,
			&a.NodeIndex,
			&a.Tier,
			&a.CapabilityID,
			&a.Status,
			&started,
			&ended,
			&a.ErrorKind,
			&a.Message,
			&output,
			&final,
			&a.Resolution,
			&substituted,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}

		a.StartedAt = fromNanos(started)
		a.EndedAt = fromNanos(ended)
		a.Final = final != 0
		a.Substituted = substituted != 0
		if output.Valid {
			if err := json.Unmarshal([]byte(output.String), &a.Output); err != nil {
				return nil, fmt.Errorf("failed to decode attempt output: %w", err)
			}
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return attempts, nil
}
