package run_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/infra/memstore"
	"github.com/flowplane/flowplane/engine/run"
	"github.com/flowplane/flowplane/engine/scheduler"
	"github.com/flowplane/flowplane/engine/workflow"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Microsecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type workflows struct {
	mu   sync.Mutex
	rows map[string]*workflow.Workflow
}

func (w *workflows) Get(_ context.Context, name string) (*workflow.Workflow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wf, ok := w.rows[name]
	if !ok {
		return nil, core.Errorf(core.ErrNotFound, "workflow %s", name)
	}
	return wf.Clone(), nil
}

func (w *workflows) set(wf *workflow.Workflow) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows[wf.Name] = wf
}

// selectiveGateway fails triggers for chosen correlation ids.
type selectiveGateway struct {
	*scheduler.Fake
	mu     sync.Mutex
	failOn map[string]bool
	order  []string
}

func (g *selectiveGateway) Trigger(ctx context.Context, unitID, correlationID string, params map[string]any) (string, error) {
	g.mu.Lock()
	g.order = append(g.order, correlationID)
	fail := g.failOn[correlationID]
	g.mu.Unlock()
	if fail {
		return "", errors.New("scheduler rejected trigger")
	}
	return g.Fake.Trigger(ctx, unitID, correlationID, params)
}

func (g *selectiveGateway) triggered() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

// hookedRepo runs afterGet once after the next read and fails updates of
// the runs listed in failUpdate.
type hookedRepo struct {
	run.Repository
	mu         sync.Mutex
	afterGet   func(runID string)
	failUpdate map[string]error
}

func (r *hookedRepo) Get(ctx context.Context, runID string) (*run.Run, error) {
	item, err := r.Repository.Get(ctx, runID)
	r.mu.Lock()
	hook := r.afterGet
	r.afterGet = nil
	r.mu.Unlock()
	if hook != nil {
		hook(runID)
	}
	return item, err
}

func (r *hookedRepo) Update(ctx context.Context, item *run.Run) error {
	r.mu.Lock()
	err := r.failUpdate[item.RunID]
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.Repository.Update(ctx, item)
}

// peakGateway records how many triggers overlap.
type peakGateway struct {
	*scheduler.Fake
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (g *peakGateway) Trigger(ctx context.Context, unitID, correlationID string, params map[string]any) (string, error) {
	g.mu.Lock()
	g.inFlight++
	g.peak = max(g.peak, g.inFlight)
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()
	time.Sleep(20 * time.Millisecond)
	return g.Fake.Trigger(ctx, unitID, correlationID, params)
}

func (g *peakGateway) maxInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

type fixture struct {
	clock       *clock
	repo        *memstore.RunRepo
	hooks       *hookedRepo
	workflows   *workflows
	gateway     *selectiveGateway
	coordinator *run.Coordinator
	reconciler  *run.Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:     newClock(),
		repo:      memstore.New().Runs(),
		workflows: &workflows{rows: map[string]*workflow.Workflow{}},
		gateway:   &selectiveGateway{Fake: scheduler.NewFake(), failOn: map[string]bool{}},
	}
	f.hooks = &hookedRepo{Repository: f.repo, failUpdate: map[string]error{}}
	f.workflows.set(&workflow.Workflow{
		Name:       "orders",
		SourceType: workflow.SourceCode,
		Status:     workflow.StatusActive,
		Schedule:   workflow.Schedule{Cron: "@every 10m", Timezone: "UTC"},
		UnitID:     "fp-code-orders",
	})
	require.NoError(t, f.gateway.UpsertUnit(context.Background(), scheduler.UnitSpec{UnitID: "fp-code-orders", Enabled: true}))
	f.coordinator = run.NewCoordinator(f.hooks, f.workflows, f.gateway,
		&run.Config{BackfillMaxDates: 31, BackfillConcurrency: 2},
		run.WithCoordinatorClock(f.clock.Now))
	f.reconciler = run.NewReconciler(f.repo, f.workflows, f.gateway,
		&run.ReconcilerConfig{TimeoutCeiling: time.Hour, Concurrency: 4},
		run.WithReconcilerClock(f.clock.Now))
	return f
}

func (f *fixture) trigger(t *testing.T) *run.Run {
	t.Helper()
	r, err := f.coordinator.TriggerRun(context.Background(), &run.TriggerInput{Name: "orders"})
	require.NoError(t, err)
	require.NotEmpty(t, r.ExternalRunID)
	return r
}

func (f *fixture) report(externalID, state string) {
	start := time.Date(2026, 1, 10, 12, 0, 1, 0, time.UTC)
	var end *time.Time
	switch state {
	case "success", "failed", "cancelled":
		e := start.Add(30 * time.Minute)
		end = &e
	}
	f.gateway.SetRunState(externalID, state, &start, end)
}
