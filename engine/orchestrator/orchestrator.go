package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/definition"
	"github.com/flowplane/flowplane/engine/infra/repo"
	"github.com/flowplane/flowplane/engine/run"
	"github.com/flowplane/flowplane/engine/scheduler"
	"github.com/flowplane/flowplane/engine/workflow"
	"github.com/flowplane/flowplane/pkg/config"
	"github.com/flowplane/flowplane/pkg/logger"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Orchestrator owns the wired components of one Flowplane process.
type Orchestrator struct {
	Workflows  *workflow.Registry
	Runs       *run.Coordinator
	Reconciler *run.Reconciler
	Gateway    *scheduler.Guard

	provider  *repo.Provider
	interval  time.Duration
	cleanups  []func(ctx context.Context)
	closeOnce sync.Once
}

type options struct {
	meter    metric.Meter
	gateway  scheduler.Gateway
	store    definition.Store
	provider *repo.Provider
	locker   core.Locker
}

type Option func(*options)

// WithMeter records component metrics on m instead of a no-op meter.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithGateway replaces the configured scheduler driver. The gateway is still
// wrapped in a Guard.
func WithGateway(g scheduler.Gateway) Option {
	return func(o *options) { o.gateway = g }
}

func WithDefinitionStore(s definition.Store) Option {
	return func(o *options) { o.store = s }
}

func WithProvider(p *repo.Provider) Option {
	return func(o *options) { o.provider = p }
}

func WithLocker(l core.Locker) Option {
	return func(o *options) { o.locker = l }
}

// New builds every component from cfg. On failure the resources opened so far
// are released before returning.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Orchestrator, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	settings := &options{}
	for _, opt := range opts {
		opt(settings)
	}
	if settings.meter == nil {
		settings.meter = noop.NewMeterProvider().Meter("flowplane")
	}
	o := &Orchestrator{interval: cfg.Reconcile.Interval}
	defer func() {
		if err != nil {
			o.runCleanups(context.WithoutCancel(ctx))
		}
	}()
	if err := o.setupStore(ctx, cfg, settings); err != nil {
		return nil, err
	}
	if err := o.setupGateway(ctx, cfg, settings); err != nil {
		return nil, err
	}
	store, err := setupDefinitions(ctx, cfg, settings)
	if err != nil {
		return nil, err
	}
	locker, err := o.setupLocker(ctx, cfg, settings)
	if err != nil {
		return nil, err
	}
	if err := o.setupComponents(cfg, settings.meter, store, locker); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("Orchestrator ready",
		"database", cfg.Database.Driver,
		"scheduler", cfg.Scheduler.Driver,
		"definitions", cfg.Definitions.Driver,
		"redis_lease", cfg.Redis.Enabled,
	)
	return o, nil
}

func (o *Orchestrator) setupComponents(
	cfg *config.Config,
	meter metric.Meter,
	store definition.Store,
	locker core.Locker,
) error {
	wfMetrics, err := workflow.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create workflow metrics: %w", err)
	}
	runMetrics, err := run.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create run metrics: %w", err)
	}
	o.Workflows = workflow.NewRegistry(
		o.provider.Workflows(),
		store,
		o.Gateway,
		locker,
		&workflow.Config{
			UnitPrefix: cfg.Scheduler.UnitPrefix,
			LeaseTTL:   cfg.Orchestrator.LeaseTTL,
			LeaseWait:  cfg.Orchestrator.LeaseWait,
		},
		workflow.WithRunChecker(o.provider.Runs()),
		workflow.WithMetrics(wfMetrics),
	)
	o.Runs = run.NewCoordinator(
		o.provider.Runs(),
		o.Workflows,
		o.Gateway,
		&run.Config{
			BackfillMaxDates:    cfg.Orchestrator.BackfillMaxDates,
			BackfillConcurrency: cfg.Orchestrator.BackfillConcurrency,
		},
		run.WithCoordinatorMetrics(runMetrics),
	)
	o.Reconciler = run.NewReconciler(
		o.provider.Runs(),
		o.Workflows,
		o.Gateway,
		&run.ReconcilerConfig{
			TimeoutCeiling: cfg.Reconcile.TimeoutCeiling,
			Concurrency:    cfg.Reconcile.Concurrency,
		},
		run.WithReconcilerMetrics(runMetrics),
	)
	return nil
}

// Start launches periodic reconciliation.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.Reconciler.StartPeriodic(ctx, o.interval)
}

// HealthCheck probes the relational store.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	return o.provider.HealthCheck(ctx)
}

// Close stops reconciliation and releases every resource in reverse order of
// acquisition. It is safe to call more than once.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		if o.Reconciler != nil {
			o.Reconciler.StopPeriodic()
		}
		o.runCleanups(ctx)
	})
	return nil
}

func (o *Orchestrator) onClose(fn func(ctx context.Context)) {
	o.cleanups = append(o.cleanups, fn)
}

func (o *Orchestrator) runCleanups(ctx context.Context) {
	for i := len(o.cleanups) - 1; i >= 0; i-- {
		o.cleanups[i](ctx)
	}
	o.cleanups = nil
}

func (o *Orchestrator) setupStore(ctx context.Context, cfg *config.Config, settings *options) error {
	if settings.provider != nil {
		o.provider = settings.provider
		return nil
	}
	start := time.Now()
	provider, err := repo.NewProvider(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	o.provider = provider
	o.onClose(func(ctx context.Context) {
		if err := provider.Close(ctx); err != nil {
			logger.FromContext(ctx).Error("Failed to close store", "error", err)
		}
	})
	logger.FromContext(ctx).Debug("Store initialized", "driver", cfg.Database.Driver, "duration", time.Since(start))
	return nil
}

var errUnknownDriver = errors.New("unknown driver")
