// Package memstore keeps workflows and runs in process. Transactions work on
// a copy of the workflow table that replaces the original on commit.
package memstore

import (
	"sync"

	"github.com/flowplane/flowplane/engine/run"
	"github.com/flowplane/flowplane/engine/workflow"
)

type workflowKey struct {
	name   string
	source workflow.SourceType
}

type Store struct {
	mu        sync.RWMutex
	workflows map[workflowKey]*workflow.Workflow
	runs      map[string]*run.Run
}

func New() *Store {
	return &Store{
		workflows: make(map[workflowKey]*workflow.Workflow),
		runs:      make(map[string]*run.Run),
	}
}

func (s *Store) Workflows() *WorkflowRepo {
	return &WorkflowRepo{store: s}
}

func (s *Store) Runs() *RunRepo {
	return &RunRepo{store: s}
}

var (
	_ workflow.Repository = (*WorkflowRepo)(nil)
	_ run.Repository      = (*RunRepo)(nil)
)
