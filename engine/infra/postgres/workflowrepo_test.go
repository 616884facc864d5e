package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/infra/postgres"
	"github.com/flowplane/flowplane/engine/workflow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var workflowCols = []string{
	"name", "source_type", "status", "cron", "timezone", "owner", "team",
	"definition_location", "unit_id", "retry_max_attempts", "retry_delay_ms",
	"version", "created_at", "updated_at",
}

func TestWorkflowRepo_Get(t *testing.T) {
	t.Run("Should map a row to a workflow", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewWorkflowRepo(mockPool)
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		rows := mockPool.NewRows(workflowCols).
			AddRow("orders", "CODE", "ACTIVE", "0 2 * * *", "UTC", "data", "core",
				"code/orders.yaml", "fp-code-orders", 3, int64(30000), int64(2), now, now)
		mockPool.ExpectQuery("SELECT (.+) FROM workflows WHERE name = \\$1 AND source_type = \\$2").
			WithArgs("orders", "CODE").
			WillReturnRows(rows)
		wf, err := repo.Get(context.Background(), "orders", workflow.SourceCode)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusActive, wf.Status)
		assert.Equal(t, "0 2 * * *", wf.Schedule.Cron)
		assert.Equal(t, 3, wf.Retry.MaxAttempts)
		assert.Equal(t, 30*time.Second, wf.Retry.Delay)
		assert.Equal(t, int64(2), wf.Version)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should return not found when the row is missing", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewWorkflowRepo(mockPool)
		mockPool.ExpectQuery("SELECT (.+) FROM workflows WHERE").
			WithArgs("orders", "MANUAL").
			WillReturnError(pgx.ErrNoRows)
		_, err = repo.Get(context.Background(), "orders", workflow.SourceManual)
		assert.ErrorIs(t, err, core.ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestWorkflowRepo_List(t *testing.T) {
	t.Run("Should filter and order by name then source", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewWorkflowRepo(mockPool)
		now := time.Now().UTC()
		rows := mockPool.NewRows(workflowCols).
			AddRow("billing", "MANUAL", "PAUSED", "@daily", "UTC", "data", "",
				"manual/billing.yaml", "fp-manual-billing", 0, int64(0), int64(1), now, now)
		mockPool.ExpectQuery("SELECT (.+) FROM workflows WHERE status = \\$1 AND owner = \\$2 ORDER BY name, source_type").
			WithArgs("PAUSED", "data").
			WillReturnRows(rows)
		got, err := repo.List(context.Background(), workflow.Filter{Status: workflow.StatusPaused, Owner: "data"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "billing", got[0].Name)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestWorkflowRepo_Save(t *testing.T) {
	wf := func() *workflow.Workflow {
		return &workflow.Workflow{
			Name:       "orders",
			SourceType: workflow.SourceManual,
			Status:     workflow.StatusActive,
			Schedule:   workflow.Schedule{Cron: "@hourly", Timezone: "UTC"},
			Owner:      "data",
			UnitID:     "fp-manual-orders",
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		}
	}
	insertArgs := anyArgs(len(workflowCols))

	t.Run("Should insert a new row and write back its version", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewWorkflowRepo(mockPool)
		created := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
		mockPool.ExpectQuery("INSERT INTO workflows (.+) ON CONFLICT \\(name, source_type\\) DO NOTHING").
			WithArgs(insertArgs...).
			WillReturnRows(mockPool.NewRows([]string{"version", "created_at"}).AddRow(int64(1), created))
		item := wf()
		require.NoError(t, repo.Save(context.Background(), item))
		assert.Equal(t, int64(1), item.Version)
		assert.Equal(t, created, item.CreatedAt)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should treat an existing row on insert as stale", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewWorkflowRepo(mockPool)
		mockPool.ExpectQuery("INSERT INTO workflows").
			WithArgs(insertArgs...).
			WillReturnRows(mockPool.NewRows([]string{"version", "created_at"}))
		err = repo.Save(context.Background(), wf())
		assert.ErrorIs(t, err, workflow.ErrStaleVersion)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should update only the row at the read version", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewWorkflowRepo(mockPool)
		created := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
		mockPool.ExpectQuery("UPDATE workflows SET (.+) WHERE name = \\$\\d+ AND source_type = \\$\\d+ AND version = \\$\\d+ RETURNING version, created_at").
			WithArgs(anyArgs(13)...).
			WillReturnRows(mockPool.NewRows([]string{"version", "created_at"}).AddRow(int64(4), created))
		item := wf()
		item.Version = 3
		require.NoError(t, repo.Save(context.Background(), item))
		assert.Equal(t, int64(4), item.Version)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should report a concurrent update as stale", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewWorkflowRepo(mockPool)
		mockPool.ExpectQuery("UPDATE workflows").
			WithArgs(anyArgs(13)...).
			WillReturnError(pgx.ErrNoRows)
		item := wf()
		item.Version = 3
		assert.ErrorIs(t, repo.Save(context.Background(), item), workflow.ErrStaleVersion)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should report a second ACTIVE row as a conflict", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewWorkflowRepo(mockPool)
		mockPool.ExpectQuery("INSERT INTO workflows").
			WithArgs(insertArgs...).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "workflows_one_active_idx"})
		err = repo.Save(context.Background(), wf())
		assert.ErrorIs(t, err, core.ErrConflict)
		assert.NotErrorIs(t, err, workflow.ErrStaleVersion)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestWorkflowRepo_Delete(t *testing.T) {
	t.Run("Should return not found when the row is missing", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewWorkflowRepo(mockPool)
		mockPool.ExpectExec("DELETE FROM workflows WHERE name = \\$1 AND source_type = \\$2 AND version = \\$3").
			WithArgs("orders", "MANUAL", int64(2)).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectQuery("SELECT (.+) FROM workflows WHERE").
			WithArgs("orders", "MANUAL").
			WillReturnError(pgx.ErrNoRows)
		err = repo.Delete(context.Background(), "orders", workflow.SourceManual, 2)
		assert.ErrorIs(t, err, core.ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should report a newer row as stale", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewWorkflowRepo(mockPool)
		now := time.Now().UTC()
		mockPool.ExpectExec("DELETE FROM workflows").
			WithArgs("orders", "MANUAL", int64(2)).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectQuery("SELECT (.+) FROM workflows WHERE").
			WithArgs("orders", "MANUAL").
			WillReturnRows(mockPool.NewRows(workflowCols).
				AddRow("orders", "MANUAL", "ACTIVE", "@daily", "UTC", "data", "",
					"manual/orders.yaml", "fp-manual-orders", 0, int64(0), int64(3), now, now))
		err = repo.Delete(context.Background(), "orders", workflow.SourceManual, 2)
		assert.ErrorIs(t, err, workflow.ErrStaleVersion)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestWorkflowRepo_WithTx(t *testing.T) {
	t.Run("Should commit when every write succeeds", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewWorkflowRepo(mockPool)
		mockPool.ExpectBegin()
		mockPool.ExpectExec("DELETE FROM workflows").
			WithArgs("orders", "CODE", int64(1)).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mockPool.ExpectExec("DELETE FROM workflows").
			WithArgs("orders", "MANUAL", int64(1)).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mockPool.ExpectCommit()
		err = repo.WithTx(context.Background(), func(ctx context.Context, tx workflow.Repository) error {
			if err := tx.Delete(ctx, "orders", workflow.SourceCode, 1); err != nil {
				return err
			}
			return tx.WithTx(ctx, func(ctx context.Context, nested workflow.Repository) error {
				return nested.Delete(ctx, "orders", workflow.SourceManual, 1)
			})
		})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should roll back when a write fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := postgres.NewWorkflowRepo(mockPool)
		mockPool.ExpectBegin()
		mockPool.ExpectExec("DELETE FROM workflows").
			WithArgs("orders", "CODE", int64(1)).
			WillReturnError(errors.New("connection reset"))
		mockPool.ExpectRollback()
		err = repo.WithTx(context.Background(), func(ctx context.Context, tx workflow.Repository) error {
			return tx.Delete(ctx, "orders", workflow.SourceCode, 1)
		})
		assert.ErrorContains(t, err, "connection reset")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
