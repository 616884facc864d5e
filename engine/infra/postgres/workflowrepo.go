package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/scheduler"
	"github.com/flowplane/flowplane/engine/workflow"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
)

const oneActiveConstraint = "workflows_one_active_idx"

var workflowColumns = []string{
	"name", "source_type", "status", "cron", "timezone", "owner", "team",
	"definition_location", "unit_id", "retry_max_attempts", "retry_delay_ms",
	"version", "created_at", "updated_at",
}

type workflowRow struct {
	Name               string    `db:"name"`
	SourceType         string    `db:"source_type"`
	Status             string    `db:"status"`
	Cron               string    `db:"cron"`
	Timezone           string    `db:"timezone"`
	Owner              string    `db:"owner"`
	Team               string    `db:"team"`
	DefinitionLocation string    `db:"definition_location"`
	UnitID             string    `db:"unit_id"`
	RetryMaxAttempts   int       `db:"retry_max_attempts"`
	RetryDelayMS       int64     `db:"retry_delay_ms"`
	Version            int64     `db:"version"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func (r *workflowRow) toDomain() *workflow.Workflow {
	return &workflow.Workflow{
		Name:               r.Name,
		SourceType:         workflow.SourceType(r.SourceType),
		Status:             workflow.Status(r.Status),
		Schedule:           workflow.Schedule{Cron: r.Cron, Timezone: r.Timezone},
		Owner:              r.Owner,
		Team:               r.Team,
		DefinitionLocation: r.DefinitionLocation,
		UnitID:             r.UnitID,
		Retry: scheduler.RetryPolicy{
			MaxAttempts: r.RetryMaxAttempts,
			Delay:       time.Duration(r.RetryDelayMS) * time.Millisecond,
		},
		Version:   r.Version,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// WorkflowRepo implements workflow.Repository. The schema's partial unique
// index keeps at most one ACTIVE row per name.
type WorkflowRepo struct {
	db   DB
	inTx bool
}

func NewWorkflowRepo(db DB) *WorkflowRepo {
	return &WorkflowRepo{db: db}
}

func (r *WorkflowRepo) selectBuilder() squirrel.SelectBuilder {
	return squirrel.Select(workflowColumns...).From("workflows").PlaceholderFormat(squirrel.Dollar)
}

func (r *WorkflowRepo) Get(ctx context.Context, name string, source workflow.SourceType) (*workflow.Workflow, error) {
	query, args, err := r.selectBuilder().
		Where(squirrel.Eq{"name": name, "source_type": string(source)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var row workflowRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.Errorf(core.ErrNotFound, "workflow %s (%s)", name, source)
		}
		return nil, fmt.Errorf("scanning workflow: %w", err)
	}
	return row.toDomain(), nil
}

func (r *WorkflowRepo) ListByName(ctx context.Context, name string) ([]*workflow.Workflow, error) {
	return r.list(ctx, r.selectBuilder().Where(squirrel.Eq{"name": name}).OrderBy("source_type"))
}

func (r *WorkflowRepo) List(ctx context.Context, filter workflow.Filter) ([]*workflow.Workflow, error) {
	sb := r.selectBuilder()
	if filter.SourceType != "" {
		sb = sb.Where(squirrel.Eq{"source_type": string(filter.SourceType)})
	}
	if filter.Status != "" {
		sb = sb.Where(squirrel.Eq{"status": string(filter.Status)})
	}
	if filter.Owner != "" {
		sb = sb.Where(squirrel.Eq{"owner": filter.Owner})
	}
	if filter.Team != "" {
		sb = sb.Where(squirrel.Eq{"team": filter.Team})
	}
	return r.list(ctx, sb.OrderBy("name", "source_type"))
}

func (r *WorkflowRepo) list(ctx context.Context, sb squirrel.SelectBuilder) ([]*workflow.Workflow, error) {
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []*workflowRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("scanning workflows: %w", err)
	}
	out := make([]*workflow.Workflow, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// Save inserts wf when wf.Version is zero and otherwise updates the row at
// that version. The stored version and created_at are written back to wf.
func (r *WorkflowRepo) Save(ctx context.Context, wf *workflow.Workflow) error {
	var (
		query string
		args  []any
		err   error
	)
	if wf.Version == 0 {
		query, args, err = squirrel.Insert("workflows").
			Columns(workflowColumns...).
			Values(
				wf.Name, string(wf.SourceType), string(wf.Status), wf.Schedule.Cron, wf.Schedule.Timezone,
				wf.Owner, wf.Team, wf.DefinitionLocation, wf.UnitID,
				wf.Retry.MaxAttempts, wf.Retry.Delay.Milliseconds(),
				1, wf.CreatedAt, wf.UpdatedAt,
			).
			Suffix("ON CONFLICT (name, source_type) DO NOTHING RETURNING version, created_at").
			PlaceholderFormat(squirrel.Dollar).
			ToSql()
	} else {
		query, args, err = squirrel.Update("workflows").
			SetMap(map[string]any{
				"status":              string(wf.Status),
				"cron":                wf.Schedule.Cron,
				"timezone":            wf.Schedule.Timezone,
				"owner":               wf.Owner,
				"team":                wf.Team,
				"definition_location": wf.DefinitionLocation,
				"unit_id":             wf.UnitID,
				"retry_max_attempts":  wf.Retry.MaxAttempts,
				"retry_delay_ms":      wf.Retry.Delay.Milliseconds(),
				"version":             squirrel.Expr("version + 1"),
				"updated_at":          wf.UpdatedAt,
			}).
			Where(squirrel.Eq{"name": wf.Name, "source_type": string(wf.SourceType), "version": wf.Version}).
			Suffix("RETURNING version, created_at").
			PlaceholderFormat(squirrel.Dollar).
			ToSql()
	}
	if err != nil {
		return fmt.Errorf("building save: %w", err)
	}
	var (
		version   int64
		createdAt time.Time
	)
	if err := r.db.QueryRow(ctx, query, args...).Scan(&version, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return workflow.ErrStaleVersion
		}
		if constraint, ok := uniqueConstraint(err); ok && constraint == oneActiveConstraint {
			return core.Errorf(core.ErrConflict, "workflow %s already has an ACTIVE row", wf.Name)
		}
		return fmt.Errorf("saving workflow %s: %w", wf.Name, err)
	}
	wf.Version = version
	wf.CreatedAt = createdAt.UTC()
	return nil
}

func (r *WorkflowRepo) Delete(ctx context.Context, name string, source workflow.SourceType, version int64) error {
	query, args, err := squirrel.Delete("workflows").
		Where(squirrel.Eq{"name": name, "source_type": string(source), "version": version}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting workflow %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, name, source); err != nil {
			return err
		}
		return workflow.ErrStaleVersion
	}
	return nil
}

// WithTx runs fn in one transaction. Nested calls reuse the outer one.
func (r *WorkflowRepo) WithTx(
	ctx context.Context,
	fn func(ctx context.Context, tx workflow.Repository) error,
) error {
	if r.inTx {
		return fn(ctx, r)
	}
	return withTransaction(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &WorkflowRepo{db: tx, inTx: true})
	})
}
