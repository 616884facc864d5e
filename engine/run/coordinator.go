package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dario.cat/mergo"
	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/scheduler"
	"github.com/flowplane/flowplane/engine/workflow"
	"github.com/flowplane/flowplane/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// WorkflowSource resolves the effective workflow for a name.
type WorkflowSource interface {
	Get(ctx context.Context, name string) (*workflow.Workflow, error)
}

type Config struct {
	BackfillMaxDates    int
	BackfillConcurrency int
}

func DefaultConfig() *Config {
	return &Config{BackfillMaxDates: 366, BackfillConcurrency: 4}
}

type CoordinatorOption func(*Coordinator)

func WithCoordinatorMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator creates runs, triggers them and requests stops. It never holds
// a lock across a scheduler call.
type Coordinator struct {
	repo      Repository
	workflows WorkflowSource
	gateway   scheduler.Gateway
	cfg       *Config
	metrics   *Metrics
	now       func() time.Time
}

func NewCoordinator(
	repo Repository,
	workflows WorkflowSource,
	gateway scheduler.Gateway,
	cfg *Config,
	opts ...CoordinatorOption,
) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Coordinator{repo: repo, workflows: workflows, gateway: gateway, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type TriggerInput struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	DryRun     bool           `json:"dry_run"`
}

func (c *Coordinator) triggerable(ctx context.Context, name string) (*workflow.Workflow, error) {
	if name == "" {
		return nil, core.Errorf(core.ErrValidation, "workflow name is required")
	}
	wf, err := c.workflows.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if wf.Status != workflow.StatusActive {
		return nil, core.Errorf(core.ErrInvalidState, "workflow %s is %s", name, wf.Status)
	}
	return wf, nil
}

func (c *Coordinator) newRun(ctx context.Context, runID, name string, typ Type, params map[string]any) *Run {
	now := c.now().UTC()
	if params == nil {
		params = map[string]any{}
	}
	return &Run{
		RunID:          runID,
		WorkflowName:   name,
		Type:           typ,
		Status:         StatusPending,
		Parameters:     params,
		TriggeredBy:    core.ActorFromContext(ctx),
		StartedAt:      now,
		LastObservedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// TriggerRun creates a MANUAL_TRIGGER run and triggers it. A rejected trigger
// leaves the run FAILED with the reason recorded and is not retried.
func (c *Coordinator) TriggerRun(ctx context.Context, in *TriggerInput) (*Run, error) {
	wf, err := c.triggerable(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	r := c.newRun(ctx, NewRunID(wf.Name, c.now()), wf.Name, TypeManualTrigger, in.Parameters)
	if in.DryRun {
		return r, nil
	}
	if err := c.repo.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return c.dispatch(ctx, wf, r)
}

// dispatch issues the trigger call for a created run and records the outcome.
func (c *Coordinator) dispatch(ctx context.Context, wf *workflow.Workflow, r *Run) (*Run, error) {
	log := logger.FromContext(ctx).With("run_id", r.RunID, "workflow", wf.Name)
	externalID, triggerErr := c.gateway.Trigger(ctx, wf.UnitID, r.RunID, r.Parameters)
	var from Status
	updated, _, err := mutate(ctx, c.repo, r.RunID, func(cur *Run) error {
		from = cur.Status
		now := c.now().UTC()
		cur.UpdatedAt = now
		if triggerErr == nil {
			cur.ExternalRunID = externalID
			return nil
		}
		switch cur.Status {
		case StatusPending:
			cur.Status = StatusFailed
		case StatusStopping:
			cur.Status = StatusStopped
		default:
			return errNoChange
		}
		cur.Reason = "trigger failed: " + core.RedactError(triggerErr)
		cur.EndedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record trigger of %s: %w", r.RunID, err)
	}
	if triggerErr != nil {
		c.metrics.RecordTransition(ctx, from, updated.Status)
		log.Warn("Run trigger failed", "error", core.RedactError(triggerErr))
		return updated, nil
	}
	if updated.Status == StatusStopping {
		// stop arrived before the external id existed
		if err := c.gateway.Cancel(ctx, externalID); err != nil {
			log.Warn("Deferred cancel failed, reconciler will retry via timeout", "error", core.RedactError(err))
		}
	}
	log.Info("Run triggered", "external_run_id", externalID)
	return updated, nil
}

type BackfillInput struct {
	Name       string         `json:"name"`
	StartDate  string         `json:"start_date"`
	EndDate    string         `json:"end_date"`
	Parameters map[string]any `json:"parameters"`
	Parallel   bool           `json:"parallel"`
}

func (c *Coordinator) backfillDates(in *BackfillInput) ([]time.Time, error) {
	start, err := time.Parse(DateLayout, in.StartDate)
	if err != nil {
		return nil, core.NewError(core.ErrValidation, "invalid start date", err)
	}
	end, err := time.Parse(DateLayout, in.EndDate)
	if err != nil {
		return nil, core.NewError(core.ErrValidation, "invalid end date", err)
	}
	if end.Before(start) {
		return nil, core.Errorf(core.ErrValidation, "start date %s is after end date %s", in.StartDate, in.EndDate)
	}
	count := int(end.Sub(start).Hours()/24) + 1
	if count > c.cfg.BackfillMaxDates {
		return nil, core.Errorf(core.ErrValidation,
			"backfill covers %d dates, the maximum is %d", count, c.cfg.BackfillMaxDates)
	}
	dates := make([]time.Time, 0, count)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates, nil
}

func memberParams(shared map[string]any, date time.Time) (map[string]any, error) {
	params, err := core.DeepCopy(shared)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	member := map[string]any{"logical_date": date.Format(DateLayout)}
	if err := mergo.Merge(&params, member, mergo.WithOverride); err != nil {
		return nil, err
	}
	return params, nil
}

// Backfill creates one BACKFILL run per date in the inclusive range. A
// sequential batch stops at the first failed trigger and never creates the
// remaining members. A parallel batch triggers every member independently.
func (c *Coordinator) Backfill(ctx context.Context, in *BackfillInput) (*Batch, error) {
	dates, err := c.backfillDates(in)
	if err != nil {
		return nil, err
	}
	wf, err := c.triggerable(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	batch := &Batch{
		WorkflowName: wf.Name,
		StartDate:    in.StartDate,
		EndDate:      in.EndDate,
		Parameters:   in.Parameters,
	}
	members := make([]*Run, 0, len(dates))
	for _, date := range dates {
		params, err := memberParams(in.Parameters, date)
		if err != nil {
			return nil, core.NewError(core.ErrValidation, "invalid backfill parameters", err)
		}
		r := c.newRun(ctx, BackfillRunID(wf.Name, date), wf.Name, TypeBackfill, params)
		d := date
		r.LogicalDate = &d
		members = append(members, r)
	}
	for _, r := range members {
		if _, err := c.repo.Get(ctx, r.RunID); err == nil {
			return nil, core.Errorf(core.ErrConflict, "run %s already exists", r.RunID)
		} else if !errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("failed to check run %s: %w", r.RunID, err)
		}
	}
	log := logger.FromContext(ctx).With("workflow", wf.Name, "dates", len(dates), "parallel", in.Parallel)
	if in.Parallel {
		err = c.backfillParallel(ctx, wf, members, batch)
	} else {
		err = c.backfillSequential(ctx, wf, members, batch)
	}
	if err != nil {
		return nil, err
	}
	log.Info("Backfill accepted", "triggered", batch.Triggered, "aborted", batch.Aborted)
	return batch, nil
}

func (c *Coordinator) record(batch *Batch, r *Run) {
	batch.RunIDs = append(batch.RunIDs, r.RunID)
	batch.Runs = append(batch.Runs, r)
	if r.Status != StatusFailed && r.ExternalRunID != "" {
		batch.Triggered++
	}
}

func (c *Coordinator) backfillSequential(ctx context.Context, wf *workflow.Workflow, members []*Run, batch *Batch) error {
	for _, r := range members {
		if err := c.repo.Create(ctx, r); err != nil {
			return fmt.Errorf("failed to create run %s: %w", r.RunID, err)
		}
		updated, err := c.dispatch(ctx, wf, r)
		if err != nil {
			return err
		}
		c.record(batch, updated)
		if updated.ExternalRunID == "" {
			batch.Aborted = true
			return nil
		}
	}
	return nil
}

// backfillParallel dispatches members independently. A member whose dispatch
// fails is kept as created and listed in batch.Errors; its siblings go on.
func (c *Coordinator) backfillParallel(ctx context.Context, wf *workflow.Workflow, members []*Run, batch *Batch) error {
	if err := c.repo.Create(ctx, members...); err != nil {
		return fmt.Errorf("failed to create backfill runs: %w", err)
	}
	results := make([]*Run, len(members))
	errs := make([]error, len(members))
	var g errgroup.Group
	g.SetLimit(max(c.cfg.BackfillConcurrency, 1))
	for i, r := range members {
		g.Go(func() error {
			updated, err := c.dispatch(ctx, wf, r)
			if err != nil {
				results[i], errs[i] = r, err
				return nil
			}
			results[i] = updated
			return nil
		})
	}
	_ = g.Wait()
	for i, r := range results {
		c.record(batch, r)
		if errs[i] == nil {
			continue
		}
		if batch.Errors == nil {
			batch.Errors = make(map[string]string)
		}
		batch.Errors[r.RunID] = core.RedactError(errs[i])
		logger.FromContext(ctx).Warn("Backfill member not recorded", "run_id", r.RunID, "error", batch.Errors[r.RunID])
	}
	return nil
}

// Stop asks the scheduler to cancel a run and marks it STOPPING. The run
// becomes STOPPED only once the reconciler sees the cancellation. A run
// whose trigger is still in flight is cancelled by whichever of Stop and
// dispatch commits last.
func (c *Coordinator) Stop(ctx context.Context, runID, reason string) (*Run, error) {
	current, err := c.repo.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, core.Errorf(core.ErrInvalidState, "run %s is already %s", runID, current.Status)
	}
	if current.ExternalRunID != "" {
		if err := c.gateway.Cancel(ctx, current.ExternalRunID); err != nil {
			return nil, core.Wrap(core.ErrSchedulerUnavailable, "failed to cancel run", err)
		}
	}
	requester := core.ActorFromContext(ctx)
	var from Status
	var committedID string
	updated, _, err := mutate(ctx, c.repo, runID, func(cur *Run) error {
		if !CanTransition(cur.Status, StatusStopping) {
			return core.Errorf(core.ErrInvalidState, "run %s is already %s", runID, cur.Status)
		}
		from = cur.Status
		committedID = cur.ExternalRunID
		cur.Status = StatusStopping
		cur.Reason = reason
		cur.StoppedBy = requester
		cur.UpdatedAt = c.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.metrics.RecordTransition(ctx, from, StatusStopping)
	if current.ExternalRunID == "" && committedID != "" {
		// dispatch recorded the id after the first read and skipped its cancel
		if err := c.gateway.Cancel(ctx, committedID); err != nil {
			return nil, core.Wrap(core.ErrSchedulerUnavailable, "failed to cancel run", err)
		}
	}
	logger.FromContext(ctx).Info("Run stop requested", "run_id", runID, "stopped_by", requester)
	return updated, nil
}

// RecordScheduledRun records a run the scheduler fired on its own schedule.
// It is idempotent per external run id.
func (c *Coordinator) RecordScheduledRun(
	ctx context.Context,
	name, externalRunID string,
	logicalDate *time.Time,
) (*Run, error) {
	if externalRunID == "" {
		return nil, core.Errorf(core.ErrValidation, "external run id is required")
	}
	if existing, err := c.repo.GetByExternalID(ctx, externalRunID); err == nil {
		return existing, nil
	} else if !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up run %s: %w", externalRunID, err)
	}
	wf, err := c.workflows.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	r := c.newRun(core.ContextWithActor(ctx, core.SystemActor), NewRunID(wf.Name, c.now()), wf.Name, TypeScheduled, nil)
	r.ExternalRunID = externalRunID
	if logicalDate != nil {
		d := logicalDate.UTC()
		r.LogicalDate = &d
	}
	if err := c.repo.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return r, nil
}

func (c *Coordinator) Get(ctx context.Context, runID string) (*Run, error) {
	return c.repo.Get(ctx, runID)
}

func (c *Coordinator) List(ctx context.Context, filter Filter) ([]*Run, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	return c.repo.List(ctx, filter)
}
