package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/run"
	"github.com/flowplane/flowplane/engine/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wf(name string, source workflow.SourceType, status workflow.Status) *workflow.Workflow {
	return &workflow.Workflow{Name: name, SourceType: source, Status: status, Owner: "data"}
}

func TestWorkflowRepo(t *testing.T) {
	t.Run("Should keep one row per name and source", func(t *testing.T) {
		ctx := context.Background()
		repo := New().Workflows()
		row := wf("orders", workflow.SourceManual, workflow.StatusActive)
		require.NoError(t, repo.Save(ctx, row))
		assert.Equal(t, int64(1), row.Version)
		row.Status = workflow.StatusPaused
		require.NoError(t, repo.Save(ctx, row))
		rows, err := repo.ListByName(ctx, "orders")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, workflow.StatusPaused, rows[0].Status)
		assert.Equal(t, int64(2), rows[0].Version)
	})
	t.Run("Should reject writes based on an old version", func(t *testing.T) {
		ctx := context.Background()
		repo := New().Workflows()
		require.NoError(t, repo.Save(ctx, wf("orders", workflow.SourceManual, workflow.StatusActive)))
		assert.ErrorIs(t, repo.Save(ctx, wf("orders", workflow.SourceManual, workflow.StatusPaused)), workflow.ErrStaleVersion)
		first, err := repo.Get(ctx, "orders", workflow.SourceManual)
		require.NoError(t, err)
		second := first.Clone()
		first.Owner = "billing"
		require.NoError(t, repo.Save(ctx, first))
		second.Status = workflow.StatusPaused
		assert.ErrorIs(t, repo.Save(ctx, second), workflow.ErrStaleVersion)
		assert.ErrorIs(t, repo.Delete(ctx, "orders", workflow.SourceManual, second.Version), workflow.ErrStaleVersion)
		missing := wf("billing", workflow.SourceCode, workflow.StatusActive)
		missing.Version = 3
		assert.ErrorIs(t, repo.Save(ctx, missing), workflow.ErrStaleVersion)
		got, err := repo.Get(ctx, "orders", workflow.SourceManual)
		require.NoError(t, err)
		assert.Equal(t, "billing", got.Owner)
		assert.Equal(t, workflow.StatusActive, got.Status)
	})
	t.Run("Should reject a second ACTIVE row for one name", func(t *testing.T) {
		ctx := context.Background()
		repo := New().Workflows()
		require.NoError(t, repo.Save(ctx, wf("orders", workflow.SourceManual, workflow.StatusActive)))
		err := repo.Save(ctx, wf("orders", workflow.SourceCode, workflow.StatusActive))
		assert.ErrorIs(t, err, core.ErrConflict)
	})
	t.Run("Should commit transactional writes together", func(t *testing.T) {
		ctx := context.Background()
		repo := New().Workflows()
		manual := wf("orders", workflow.SourceManual, workflow.StatusActive)
		require.NoError(t, repo.Save(ctx, manual))
		err := repo.WithTx(ctx, func(ctx context.Context, tx workflow.Repository) error {
			manual.Status = workflow.StatusOverridden
			if err := tx.Save(ctx, manual); err != nil {
				return err
			}
			return tx.Save(ctx, wf("orders", workflow.SourceCode, workflow.StatusActive))
		})
		require.NoError(t, err)
		rows, err := repo.ListByName(ctx, "orders")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, workflow.SourceCode, rows[0].SourceType)
		assert.Equal(t, workflow.StatusOverridden, rows[1].Status)
	})
	t.Run("Should discard transactional writes on error", func(t *testing.T) {
		ctx := context.Background()
		repo := New().Workflows()
		require.NoError(t, repo.Save(ctx, wf("orders", workflow.SourceManual, workflow.StatusActive)))
		err := repo.WithTx(ctx, func(ctx context.Context, tx workflow.Repository) error {
			if err := tx.Delete(ctx, "orders", workflow.SourceManual, 1); err != nil {
				return err
			}
			return errors.New("abort")
		})
		require.Error(t, err)
		_, err = repo.Get(ctx, "orders", workflow.SourceManual)
		assert.NoError(t, err)
	})
	t.Run("Should filter and order listings", func(t *testing.T) {
		ctx := context.Background()
		repo := New().Workflows()
		require.NoError(t, repo.Save(ctx, wf("b", workflow.SourceManual, workflow.StatusActive)))
		require.NoError(t, repo.Save(ctx, wf("a", workflow.SourceCode, workflow.StatusPaused)))
		rows, err := repo.List(ctx, workflow.Filter{})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "a", rows[0].Name)
		rows, err = repo.List(ctx, workflow.Filter{SourceType: workflow.SourceManual})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "b", rows[0].Name)
	})
	t.Run("Should return not found for missing rows", func(t *testing.T) {
		repo := New().Workflows()
		_, err := repo.Get(context.Background(), "missing", workflow.SourceCode)
		assert.ErrorIs(t, err, core.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(context.Background(), "missing", workflow.SourceCode, 1), core.ErrNotFound)
	})
}

func TestRunRepo(t *testing.T) {
	newRun := func(id string, status run.Status, started time.Time) *run.Run {
		return &run.Run{RunID: id, WorkflowName: "orders", Status: status, StartedAt: started}
	}
	t.Run("Should create all runs or none", func(t *testing.T) {
		ctx := context.Background()
		repo := New().Runs()
		now := time.Now()
		require.NoError(t, repo.Create(ctx, newRun("a", run.StatusPending, now)))
		err := repo.Create(ctx, newRun("b", run.StatusPending, now), newRun("a", run.StatusPending, now))
		assert.ErrorIs(t, err, core.ErrAlreadyExists)
		_, err = repo.Get(ctx, "b")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
	t.Run("Should reject stale updates", func(t *testing.T) {
		ctx := context.Background()
		repo := New().Runs()
		require.NoError(t, repo.Create(ctx, newRun("a", run.StatusPending, time.Now())))
		first, err := repo.Get(ctx, "a")
		require.NoError(t, err)
		second, err := repo.Get(ctx, "a")
		require.NoError(t, err)
		first.Status = run.StatusRunning
		require.NoError(t, repo.Update(ctx, first))
		assert.Equal(t, int64(2), first.Version)
		second.Status = run.StatusStopping
		assert.ErrorIs(t, repo.Update(ctx, second), run.ErrStaleVersion)
	})
	t.Run("Should list newest first and report runs in flight", func(t *testing.T) {
		ctx := context.Background()
		repo := New().Runs()
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, repo.Create(ctx,
			newRun("old", run.StatusSuccess, base),
			newRun("new", run.StatusRunning, base.Add(time.Hour)),
		))
		runs, err := repo.List(ctx, run.Filter{WorkflowName: "orders"})
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "new", runs[0].RunID)
		runs, err = repo.List(ctx, run.Filter{Statuses: run.NonTerminal})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		active, err := repo.HasNonTerminal(ctx, "orders")
		require.NoError(t, err)
		assert.True(t, active)
		active, err = repo.HasNonTerminal(ctx, "other")
		require.NoError(t, err)
		assert.False(t, active)
	})
	t.Run("Should find runs by external id", func(t *testing.T) {
		ctx := context.Background()
		repo := New().Runs()
		r := newRun("a", run.StatusPending, time.Now())
		r.ExternalRunID = "ext-1"
		require.NoError(t, repo.Create(ctx, r))
		got, err := repo.GetByExternalID(ctx, "ext-1")
		require.NoError(t, err)
		assert.Equal(t, "a", got.RunID)
		_, err = repo.GetByExternalID(ctx, "ext-2")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}
