package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// SaveDefinition stores a new definition version. Versions are immutable.
func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *engine.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = s.RollbackTx(tx) }()

	var latest int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE workflow_id = ?`,
		def.ID,
	).Scan(&latest)
	if err != nil {
		return fmt.Errorf("failed to read latest version: %w", err)
	}
	if latest >= def.Version {
		return engine.NewPermanentError("definition version already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(fmt.Sprintf("%s@%d", def.ID, def.Version))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_definitions (workflow_id, version, name, definition, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, def.ID, def.Version, def.Name, string(doc), toNanos(def.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert definition: %w", err)
	}

	return s.CommitTx(tx)
}

// GetDefinition retrieves a definition version; version 0 selects the latest.
func (s *SQLiteStore) GetDefinition(ctx context.Context, workflowID string, version int) (*engine.WorkflowDefinition, error) {
	query := `
		SELECT definition FROM workflow_definitions
		WHERE workflow_id = ? AND (? = 0 OR version = ?)
		ORDER BY version DESC
		LIMIT 1
	`

	var doc string
	err := s.db.QueryRowContext(ctx, query, workflowID, version, version).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		if version == 0 {
			return nil, fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("%w: %s@%d", engine.ErrWorkflowNotFound, workflowID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}

	return decodeDefinition(doc)
}

// ListDefinitions returns the latest version of every workflow.
func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]*engine.WorkflowDefinition, error) {
	query := `
		SELECT d.definition
		FROM workflow_definitions d
		JOIN (
			SELECT workflow_id, MAX(version) AS version
			FROM workflow_definitions
			GROUP BY workflow_id
		) latest ON latest.workflow_id = d.workflow_id AND latest.version = d.version
		ORDER BY d.workflow_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()

	defs := []*engine.WorkflowDefinition{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}
		def, err := decodeDefinition(doc)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return defs, nil
}

func decodeDefinition(doc string) (*engine.WorkflowDefinition, error) {
	def := &engine.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(doc), def); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	return def, nil
}
