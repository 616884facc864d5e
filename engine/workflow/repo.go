package workflow

import (
	"context"

	"github.com/flowplane/flowplane/engine/core"
)

// ErrStaleVersion is returned by Repository.Save and Repository.Delete when
// the row changed since it was read.
var ErrStaleVersion = core.NewError(core.ErrConflict, "workflow was modified concurrently", nil)

// Repository persists Workflow rows keyed by (name, source type). Get returns
// core.ErrNotFound for a missing row.
type Repository interface {
	Get(ctx context.Context, name string, source SourceType) (*Workflow, error)
	ListByName(ctx context.Context, name string) ([]*Workflow, error)
	List(ctx context.Context, filter Filter) ([]*Workflow, error)
	// Save inserts wf when wf.Version is zero and otherwise updates the row
	// stored at wf.Version. Any other stored state fails with ErrStaleVersion.
	// A write leaving two ACTIVE rows for one name fails with core.ErrConflict.
	// The new version is written back to wf.
	Save(ctx context.Context, wf *Workflow) error
	// Delete removes the row stored at version. A missing row fails with
	// core.ErrNotFound, a newer one with ErrStaleVersion.
	Delete(ctx context.Context, name string, source SourceType, version int64) error
	// WithTx runs fn against a transactional view. fn's writes commit together
	// or not at all.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
}

// RunChecker reports whether a workflow still has runs in flight.
type RunChecker interface {
	HasNonTerminal(ctx context.Context, workflowName string) (bool, error)
}
