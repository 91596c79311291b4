package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryStore is an in-process DefinitionStore and RunStore.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string][]*WorkflowDefinition
	runs        map[string]*ExecutionRun
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string][]*WorkflowDefinition),
		runs:        make(map[string]*ExecutionRun),
	}
}

// SaveDefinition implements DefinitionStore.
func (s *MemoryStore) SaveDefinition(_ context.Context, def *WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.definitions[def.ID]
	if len(versions) > 0 && versions[len(versions)-1].Version >= def.Version {
		return NewPermanentError("definition version already exists", nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(fmt.Sprintf("%s@%d", def.ID, def.Version))
	}

	c := *def
	s.definitions[def.ID] = append(versions, &c)
	return nil
}

// GetDefinition implements DefinitionStore.
func (s *MemoryStore) GetDefinition(_ context.Context, workflowID string, version int) (*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.definitions[workflowID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if version == 0 {
		c := *versions[len(versions)-1]
		return &c, nil
	}
	for _, d := range versions {
		if d.Version == version {
			c := *d
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s version %d", ErrWorkflowNotFound, workflowID, version)
}

// ListDefinitions implements DefinitionStore.
func (s *MemoryStore) ListDefinitions(_ context.Context) ([]*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]*WorkflowDefinition, 0, len(s.definitions))
	for _, versions := range s.definitions {
		c := *versions[len(versions)-1]
		defs = append(defs, &c)
	}
	slices.SortFunc(defs, func(a, b *WorkflowDefinition) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return defs, nil
}

// SaveRun implements RunStore. A terminal run is never overwritten.
func (s *MemoryStore) SaveRun(_ context.Context, run *ExecutionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.runs[run.ID]; ok && cur.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrRunTerminal, run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun implements RunStore.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (*ExecutionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run.Clone(), nil
}

// ListRuns implements RunStore.
func (s *MemoryStore) ListRuns(_ context.Context, workflowID string, limit int) ([]*ExecutionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*ExecutionRun
	for _, r := range s.runs {
		if r.WorkflowID == workflowID {
			runs = append(runs, r.Clone())
		}
	}
	slices.SortFunc(runs, func(a, b *ExecutionRun) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListActiveRuns implements RunStore.
func (s *MemoryStore) ListActiveRuns(_ context.Context) ([]*ExecutionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*ExecutionRun
	for _, r := range s.runs {
		if r.Status.IsActive() {
			runs = append(runs, r.Clone())
		}
	}
	slices.SortFunc(runs, func(a, b *ExecutionRun) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return runs, nil
}
