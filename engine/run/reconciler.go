package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/scheduler"
	"github.com/flowplane/flowplane/engine/workflow"
	"github.com/flowplane/flowplane/pkg/logger"
	"golang.org/x/sync/errgroup"
)

type ReconcilerConfig struct {
	TimeoutCeiling time.Duration
	Concurrency    int
}

func DefaultReconcilerConfig() *ReconcilerConfig {
	return &ReconcilerConfig{TimeoutCeiling: 6 * time.Hour, Concurrency: 8}
}

type ReconcilerOption func(*Reconciler)

func WithReconcilerMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler pulls run status from the scheduler and applies legal
// transitions. Applying the same observation twice is a no-op.
type Reconciler struct {
	repo      Repository
	workflows WorkflowSource
	gateway   scheduler.Gateway
	cfg       *ReconcilerConfig
	metrics   *Metrics
	now       func() time.Time

	mu             sync.Mutex
	periodicCancel context.CancelFunc
	periodicWG     sync.WaitGroup
}

func NewReconciler(
	repo Repository,
	workflows WorkflowSource,
	gateway scheduler.Gateway,
	cfg *ReconcilerConfig,
	opts ...ReconcilerOption,
) *Reconciler {
	if cfg == nil {
		cfg = DefaultReconcilerConfig()
	}
	r := &Reconciler{repo: repo, workflows: workflows, gateway: gateway, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// deadline is max(schedule interval, timeout ceiling).
func (r *Reconciler) deadline(ctx context.Context, name string) time.Duration {
	wf, err := r.workflows.Get(ctx, name)
	if err != nil {
		return r.cfg.TimeoutCeiling
	}
	interval, err := workflow.Interval(wf.Schedule, r.now())
	if err != nil {
		logger.FromContext(ctx).Debug("Schedule interval unavailable", "workflow", name, "error", err)
		return r.cfg.TimeoutCeiling
	}
	return max(interval, r.cfg.TimeoutCeiling)
}

// Reconcile polls the scheduler for one run. A failed poll leaves the run
// unchanged unless it has gone unobserved past its deadline, in which case
// the run times out.
func (r *Reconciler) Reconcile(ctx context.Context, runID string) (*Run, error) {
	current, err := r.repo.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return current, nil
	}
	if current.ExternalRunID == "" {
		return r.checkTimeout(ctx, current, nil)
	}
	report, pollErr := r.gateway.GetRunStatus(ctx, current.ExternalRunID)
	if pollErr != nil {
		return r.checkTimeout(ctx, current, pollErr)
	}
	return r.apply(ctx, runID, report)
}

func (r *Reconciler) checkTimeout(ctx context.Context, current *Run, pollErr error) (*Run, error) {
	deadline := r.deadline(ctx, current.WorkflowName)
	if r.now().Sub(current.LastObservedAt) <= deadline {
		if pollErr != nil && !errors.Is(pollErr, core.ErrNotFound) {
			return current, pollErr
		}
		return current, nil
	}
	var from Status
	updated, changed, err := mutate(ctx, r.repo, current.RunID, func(cur *Run) error {
		if !CanTransition(cur.Status, StatusTimeout) || r.now().Sub(cur.LastObservedAt) <= deadline {
			return errNoChange
		}
		from = cur.Status
		now := r.now().UTC()
		cur.Status = StatusTimeout
		cur.Reason = fmt.Sprintf("no scheduler status observed within %s", deadline)
		cur.EndedAt = &now
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to time out run %s: %w", current.RunID, err)
	}
	if changed {
		r.metrics.RecordTransition(ctx, from, StatusTimeout)
		logger.FromContext(ctx).Warn("Run timed out", "run_id", current.RunID, "deadline", deadline)
	}
	return updated, nil
}

func (r *Reconciler) apply(ctx context.Context, runID string, report scheduler.RunReport) (*Run, error) {
	log := logger.FromContext(ctx).With("run_id", runID)
	obs, unknownReason := scheduler.Observe(report.State)
	var path []Status
	var from Status
	updated, changed, err := mutate(ctx, r.repo, runID, func(cur *Run) error {
		now := r.now().UTC()
		from = cur.Status
		path = Resolve(cur.Status, obs)
		if len(path) == 0 {
			if cur.Status.IsTerminal() {
				log.Debug("Ignoring observation for finished run", "status", cur.Status, "state", report.State)
				return errNoChange
			}
			cur.LastObservedAt = now
			cur.UpdatedAt = now
			return nil
		}
		for i, next := range path {
			prev := from
			if i > 0 {
				prev = path[i-1]
			}
			if !CanTransition(prev, next) {
				log.Debug("Ignoring illegal transition", "from", prev, "to", next)
				return errNoChange
			}
		}
		target := path[len(path)-1]
		cur.Status = target
		cur.LastObservedAt = now
		cur.UpdatedAt = now
		if report.StartedAt != nil {
			cur.StartedAt = report.StartedAt.UTC()
		}
		switch {
		case unknownReason != "":
			cur.Reason = unknownReason
		case obs == scheduler.ObservedCancelled && target == StatusFailed:
			cur.Reason = ReasonCancelledByScheduler
		}
		if target.IsTerminal() {
			ended := now
			if report.EndedAt != nil {
				ended = report.EndedAt.UTC()
			}
			cur.EndedAt = &ended
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile run %s: %w", runID, err)
	}
	if changed && len(path) > 0 {
		prev := from
		for _, next := range path {
			r.metrics.RecordTransition(ctx, prev, next)
			prev = next
		}
		log.Info("Run status changed", "from", from, "to", updated.Status, "scheduler_state", report.State)
	}
	return updated, nil
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// Sweep reconciles every non-terminal run with bounded concurrency. Per-run
// failures are logged and counted, not returned.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	runs, err := r.repo.List(ctx, Filter{Statuses: NonTerminal})
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to list runs in flight: %w", err)
	}
	log := logger.FromContext(ctx)
	var changed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.cfg.Concurrency, 1))
	for _, cur := range runs {
		g.Go(func() error {
			updated, err := r.Reconcile(gctx, cur.RunID)
			if err != nil {
				failed.Add(1)
				log.Warn("Run reconciliation failed", "run_id", cur.RunID, "error", core.RedactError(err))
				return nil
			}
			if updated.Status != cur.Status {
				changed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	result := SweepResult{Checked: len(runs), Changed: int(changed.Load()), Failed: int(failed.Load())}
	log.Debug("Run sweep finished", "checked", result.Checked, "changed", result.Changed, "failed", result.Failed)
	return result, nil
}

// StartPeriodic runs Sweep every interval until StopPeriodic or ctx ends.
func (r *Reconciler) StartPeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("periodic reconciliation interval must be positive, got %v", interval)
	}
	r.StopPeriodic()
	periodicCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.periodicCancel = cancel
	r.mu.Unlock()
	log := logger.FromContext(ctx)
	r.periodicWG.Add(1)
	go func() {
		defer r.periodicWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Info("Started periodic run reconciliation", "interval", interval)
		for {
			select {
			case <-periodicCtx.Done():
				log.Info("Stopping periodic run reconciliation")
				return
			case <-ticker.C:
				if _, err := r.Sweep(periodicCtx); err != nil {
					log.Error("Periodic run reconciliation failed", "error", err)
				}
			}
		}
	}()
	return nil
}

func (r *Reconciler) StopPeriodic() {
	r.mu.Lock()
	if r.periodicCancel != nil {
		r.periodicCancel()
		r.periodicCancel = nil
	}
	r.mu.Unlock()
	r.periodicWG.Wait()
}
