package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/run"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
)

const externalRunIDConstraint = "workflow_runs_external_run_id_idx"

var runColumns = []string{
	"run_id", "workflow_name", "run_type", "status", "parameters", "logical_date",
	"triggered_by", "started_at", "ended_at", "external_run_id", "reason", "stopped_by",
	"last_observed_at", "version", "created_at", "updated_at",
}

type runRow struct {
	RunID          string     `db:"run_id"`
	WorkflowName   string     `db:"workflow_name"`
	RunType        string     `db:"run_type"`
	Status         string     `db:"status"`
	Parameters     []byte     `db:"parameters"`
	LogicalDate    *time.Time `db:"logical_date"`
	TriggeredBy    string     `db:"triggered_by"`
	StartedAt      time.Time  `db:"started_at"`
	EndedAt        *time.Time `db:"ended_at"`
	ExternalRunID  *string    `db:"external_run_id"`
	Reason         string     `db:"reason"`
	StoppedBy      string     `db:"stopped_by"`
	LastObservedAt time.Time  `db:"last_observed_at"`
	Version        int64      `db:"version"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (r *runRow) toDomain() (*run.Run, error) {
	params := map[string]any{}
	if len(r.Parameters) > 0 {
		if err := json.Unmarshal(r.Parameters, &params); err != nil {
			return nil, fmt.Errorf("decoding parameters of run %s: %w", r.RunID, err)
		}
	}
	out := &run.Run{
		RunID:          r.RunID,
		WorkflowName:   r.WorkflowName,
		Type:           run.Type(r.RunType),
		Status:         run.Status(r.Status),
		Parameters:     params,
		LogicalDate:    utcPtr(r.LogicalDate),
		TriggeredBy:    r.TriggeredBy,
		StartedAt:      r.StartedAt.UTC(),
		EndedAt:        utcPtr(r.EndedAt),
		Reason:         r.Reason,
		StoppedBy:      r.StoppedBy,
		LastObservedAt: r.LastObservedAt.UTC(),
		Version:        r.Version,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.ExternalRunID != nil {
		out.ExternalRunID = *r.ExternalRunID
	}
	return out, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func encodeParams(p map[string]any) ([]byte, error) {
	if p == nil {
		p = map[string]any{}
	}
	return json.Marshal(p)
}

// RunRepo implements run.Repository.
type RunRepo struct {
	db DB
}

func NewRunRepo(db DB) *RunRepo {
	return &RunRepo{db: db}
}

// Create inserts all runs in a single statement.
func (r *RunRepo) Create(ctx context.Context, runs ...*run.Run) error {
	if len(runs) == 0 {
		return nil
	}
	ib := squirrel.Insert("workflow_runs").Columns(runColumns...).PlaceholderFormat(squirrel.Dollar)
	for _, item := range runs {
		params, err := encodeParams(item.Parameters)
		if err != nil {
			return core.NewError(core.ErrValidation, "parameters are not JSON encodable", err)
		}
		ib = ib.Values(
			item.RunID, item.WorkflowName, string(item.Type), string(item.Status), params, item.LogicalDate,
			item.TriggeredBy, item.StartedAt, item.EndedAt, nullableString(item.ExternalRunID),
			item.Reason, item.StoppedBy, item.LastObservedAt, 1, item.CreatedAt, item.UpdatedAt,
		)
	}
	query, args, err := ib.ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		if constraint, ok := uniqueConstraint(err); ok {
			if constraint == externalRunIDConstraint {
				return core.Errorf(core.ErrConflict, "external run id is already recorded")
			}
			return core.Errorf(core.ErrAlreadyExists, "run %s", runs[0].RunID)
		}
		return fmt.Errorf("inserting runs: %w", err)
	}
	for _, item := range runs {
		item.Version = 1
	}
	return nil
}

func (r *RunRepo) getBy(ctx context.Context, where squirrel.Eq, what string) (*run.Run, error) {
	query, args, err := squirrel.Select(runColumns...).
		From("workflow_runs").
		Where(where).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var row runRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.Errorf(core.ErrNotFound, "%s", what)
		}
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	return row.toDomain()
}

func (r *RunRepo) Get(ctx context.Context, runID string) (*run.Run, error) {
	return r.getBy(ctx, squirrel.Eq{"run_id": runID}, "run "+runID)
}

func (r *RunRepo) GetByExternalID(ctx context.Context, externalRunID string) (*run.Run, error) {
	return r.getBy(ctx, squirrel.Eq{"external_run_id": externalRunID}, "run with external id "+externalRunID)
}

// Update writes item when the stored version still equals item.Version.
func (r *RunRepo) Update(ctx context.Context, item *run.Run) error {
	params, err := encodeParams(item.Parameters)
	if err != nil {
		return core.NewError(core.ErrValidation, "parameters are not JSON encodable", err)
	}
	query, args, err := squirrel.Update("workflow_runs").
		SetMap(map[string]any{
			"status":           string(item.Status),
			"parameters":       params,
			"logical_date":     item.LogicalDate,
			"started_at":       item.StartedAt,
			"ended_at":         item.EndedAt,
			"external_run_id":  nullableString(item.ExternalRunID),
			"reason":           item.Reason,
			"stopped_by":       item.StoppedBy,
			"last_observed_at": item.LastObservedAt,
			"updated_at":       item.UpdatedAt,
			"version":          squirrel.Expr("version + 1"),
		}).
		Where(squirrel.Eq{"run_id": item.RunID, "version": item.Version}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		if constraint, ok := uniqueConstraint(err); ok && constraint == externalRunIDConstraint {
			return core.Errorf(core.ErrConflict, "external run id is already recorded")
		}
		return fmt.Errorf("updating run %s: %w", item.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, item.RunID); err != nil {
			return err
		}
		return run.ErrStaleVersion
	}
	item.Version++
	return nil
}

func (r *RunRepo) List(ctx context.Context, filter run.Filter) ([]*run.Run, error) {
	sb := squirrel.Select(runColumns...).From("workflow_runs").PlaceholderFormat(squirrel.Dollar)
	if filter.WorkflowName != "" {
		sb = sb.Where(squirrel.Eq{"workflow_name": filter.WorkflowName})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		sb = sb.Where(squirrel.Eq{"status": statuses})
	}
	if filter.Type != "" {
		sb = sb.Where(squirrel.Eq{"run_type": string(filter.Type)})
	}
	if filter.Since != nil {
		sb = sb.Where(squirrel.GtOrEq{"started_at": *filter.Since})
	}
	sb = sb.OrderBy("started_at DESC", "run_id DESC")
	if filter.Limit > 0 {
		sb = sb.Limit(uint64(filter.Limit))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []*runRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("scanning runs: %w", err)
	}
	out := make([]*run.Run, 0, len(rows))
	for _, row := range rows {
		item, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (r *RunRepo) HasNonTerminal(ctx context.Context, workflowName string) (bool, error) {
	statuses := make([]string, 0, len(run.NonTerminal))
	for _, s := range run.NonTerminal {
		statuses = append(statuses, string(s))
	}
	inner := squirrel.Select("1").
		From("workflow_runs").
		Where(squirrel.Eq{"workflow_name": workflowName, "status": statuses})
	query, args, err := squirrel.Select().
		Column(squirrel.Expr("EXISTS (?)", inner)).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building query: %w", err)
	}
	var exists bool
	if err := r.db.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking runs in flight for %s: %w", workflowName, err)
	}
	return exists, nil
}
