package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/infra/postgres"
	"github.com/flowplane/flowplane/engine/run"
	"github.com/flowplane/flowplane/engine/workflow"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// createTestStore starts a PostgreSQL container, migrates it and opens a Store.
func createTestStore(ctx context.Context, t *testing.T) (*postgres.Store, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("flowplane"),
		tcpostgres.WithUsername("flowplane"),
		tcpostgres.WithPassword("flowplane"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pgContainer.Terminate(terminateCtx); err != nil {
			t.Logf("Warning: failed to terminate container: %s", err)
		}
	})
	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, postgres.ApplyMigrations(ctx, dsn))
	store, err := postgres.NewStore(ctx, &postgres.Config{ConnString: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store, dsn
}

func TestStore_Integration(t *testing.T) {
	ctx := context.Background()
	store, dsn := createTestStore(ctx, t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("Should apply migrations idempotently and report them", func(t *testing.T) {
		require.NoError(t, postgres.ApplyMigrations(ctx, dsn))
		statuses, err := postgres.MigrationStatus(ctx, dsn)
		require.NoError(t, err)
		require.Len(t, statuses, 2)
		for _, s := range statuses {
			assert.Equal(t, goose.StateApplied, s.State)
		}
		assert.NoError(t, store.HealthCheck(ctx))
	})

	t.Run("Should enforce one ACTIVE row per name", func(t *testing.T) {
		repo := store.Workflows()
		manual := &workflow.Workflow{
			Name: "orders", SourceType: workflow.SourceManual, Status: workflow.StatusActive,
			Schedule: workflow.Schedule{Cron: "0 6 * * *", Timezone: "UTC"}, Owner: "alice",
			DefinitionLocation: "file://manual/orders.yaml", UnitID: "flowplane-manual-orders",
			CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, repo.Save(ctx, manual))
		assert.Equal(t, int64(1), manual.Version)
		duplicate := manual.Clone()
		duplicate.Version = 0
		require.ErrorIs(t, repo.Save(ctx, duplicate), workflow.ErrStaleVersion)

		code := manual.Clone()
		code.SourceType = workflow.SourceCode
		code.UnitID = "flowplane-code-orders"
		code.Version = 0
		err := repo.Save(ctx, code)
		require.ErrorIs(t, err, core.ErrConflict)

		err = repo.WithTx(ctx, func(ctx context.Context, tx workflow.Repository) error {
			overridden := manual.Clone()
			overridden.Status = workflow.StatusOverridden
			if err := tx.Save(ctx, overridden); err != nil {
				return err
			}
			return tx.Save(ctx, code)
		})
		require.NoError(t, err)
		rows, err := repo.ListByName(ctx, "orders")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, workflow.SourceCode, workflow.Effective(rows).SourceType)
		assert.ErrorIs(t, repo.Delete(ctx, "orders", workflow.SourceManual, manual.Version), workflow.ErrStaleVersion)
	})

	t.Run("Should reject stale run updates", func(t *testing.T) {
		repo := store.Runs()
		r := &run.Run{
			RunID: "orders_2026-01-01", WorkflowName: "orders", Type: run.TypeBackfill,
			Status: run.StatusPending, Parameters: map[string]any{"logical_date": "2026-01-01"},
			TriggeredBy: "alice", StartedAt: now, LastObservedAt: now, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, repo.Create(ctx, r))
		require.ErrorIs(t, repo.Create(ctx, r.Clone()), core.ErrAlreadyExists)

		first, err := repo.Get(ctx, r.RunID)
		require.NoError(t, err)
		second := first.Clone()
		first.Status = run.StatusRunning
		first.ExternalRunID = "flowplane-code-orders/orders_2026-01-01"
		require.NoError(t, repo.Update(ctx, first))
		second.Status = run.StatusFailed
		second.EndedAt = &now
		require.ErrorIs(t, repo.Update(ctx, second), run.ErrStaleVersion)

		got, err := repo.GetByExternalID(ctx, first.ExternalRunID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusRunning, got.Status)
		assert.Equal(t, "2026-01-01", got.Parameters["logical_date"])

		active, err := repo.HasNonTerminal(ctx, "orders")
		require.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("Should refuse a second run with the same external id", func(t *testing.T) {
		repo := store.Runs()
		dup := &run.Run{
			RunID: "orders_dup", WorkflowName: "orders", Type: run.TypeScheduled, Status: run.StatusPending,
			ExternalRunID: "flowplane-code-orders/orders_2026-01-01",
			TriggeredBy:   core.SystemActor, StartedAt: now, LastObservedAt: now, CreatedAt: now, UpdatedAt: now,
		}
		assert.ErrorIs(t, repo.Create(ctx, dup), core.ErrConflict)
	})
}
