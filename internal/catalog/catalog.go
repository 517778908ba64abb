// Package catalog resolves workflow ids to the provider, model identifier
// and pricing needed to run them. The authoritative catalog lives in the
// flow-composer service; this package defines the consuming contract plus a
// static implementation for wiring and tests.
package catalog

import (
	"context"
	"errors"
	"sync"
)

var ErrWorkflowNotFound = errors.New("catalog: workflow not found")

// Workflow is what the orchestrator needs to know about a runnable model.
type Workflow struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Provider string `json:"provider"`
	// Model is the provider-side identifier: a fal queue path or a
	// replicate model/version.
	Model      string `json:"model"`
	MediaType  string `json:"media_type"`
	CreditCost int64  `json:"credit_cost"`
	// Dedup enables serving a cached identical run instead of
	// re-executing (only sound for deterministic workflows).
	Dedup bool `json:"dedup"`
}

type Catalog interface {
	Resolve(ctx context.Context, workflowID string) (*Workflow, error)
}

// Static is an in-memory catalog.
type Static struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

func NewStatic(workflows ...Workflow) *Static {
	s := &Static{workflows: make(map[string]Workflow, len(workflows))}
	for _, w := range workflows {
		s.workflows[w.ID] = w
	}
	return s
}

func (s *Static) Add(w Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
}

func (s *Static) Resolve(_ context.Context, workflowID string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return &w, nil
}
