package run

import (
	"context"

	"github.com/flowplane/flowplane/engine/core"
)

// ErrStaleVersion is returned by Repository.Update when the row changed
// since it was read.
var ErrStaleVersion = core.NewError(core.ErrConflict, "run was modified concurrently", nil)

// Repository persists runs. Rows are never deleted.
type Repository interface {
	// Create inserts every run or none. An existing id fails with
	// core.ErrAlreadyExists.
	Create(ctx context.Context, runs ...*Run) error
	Get(ctx context.Context, runID string) (*Run, error)
	GetByExternalID(ctx context.Context, externalRunID string) (*Run, error)
	// Update writes run if its stored version equals run.Version and bumps
	// the version on success.
	Update(ctx context.Context, run *Run) error
	List(ctx context.Context, filter Filter) ([]*Run, error)
	HasNonTerminal(ctx context.Context, workflowName string) (bool, error)
}
