package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/pkg/logger"
	"github.com/sony/gobreaker"
)

// GuardConfig tunes a Guard.
type GuardConfig struct {
	CallTimeout      time.Duration
	BreakerEnabled   bool
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Guard decorates a Gateway with a per-call timeout, a circuit breaker and
// call metrics. Every error it returns is classified: NotFound from a status
// lookup passes through, everything else is SchedulerUnavailable.
type Guard struct {
	inner   Gateway
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	metrics *Metrics
}

// NewGuard wraps inner. metrics may be nil.
func NewGuard(inner Gateway, cfg GuardConfig, metrics *Metrics) *Guard {
	g := &Guard{inner: inner, timeout: cfg.CallTimeout, metrics: metrics}
	if cfg.BreakerEnabled {
		threshold := cfg.FailureThreshold
		if threshold == 0 {
			threshold = 5
		}
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "scheduler",
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, core.ErrNotFound)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.GetDefault().Warn("Circuit breaker state change",
					"name", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return g
}

// BreakerState reports the breaker state, or closed when disabled.
func (g *Guard) BreakerState() gobreaker.State {
	if g.breaker == nil {
		return gobreaker.StateClosed
	}
	return g.breaker.State()
}

func (g *Guard) call(ctx context.Context, op, target string, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	var err error
	if g.breaker == nil {
		err = fn(callCtx)
	} else {
		_, err = g.breaker.Execute(func() (any, error) {
			return nil, fn(callCtx)
		})
	}
	outcome := OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = OutcomeBreakerOpen
		err = core.NewError(core.ErrSchedulerUnavailable, "circuit open", err)
	case op == OpGetRunStatus && errors.Is(err, core.ErrNotFound):
		outcome = OutcomeNotFound
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		outcome = OutcomeTimeout
		err = core.NewError(core.ErrSchedulerUnavailable, op+" timed out", err)
	default:
		outcome = OutcomeError
		if !errors.Is(err, core.ErrSchedulerUnavailable) {
			err = core.NewError(core.ErrSchedulerUnavailable, op, err)
		}
	}
	g.metrics.RecordCall(ctx, op, outcome)
	if err != nil {
		logger.FromContext(ctx).Debug("Scheduler call failed",
			"operation", op, "target", target, "outcome", outcome, "error", core.RedactError(err))
	}
	return err
}

func (g *Guard) UpsertUnit(ctx context.Context, spec UnitSpec) error {
	return g.call(ctx, OpUpsertUnit, spec.UnitID, func(ctx context.Context) error {
		return g.inner.UpsertUnit(ctx, spec)
	})
}

func (g *Guard) DisableUnit(ctx context.Context, unitID string) error {
	return g.call(ctx, OpDisableUnit, unitID, func(ctx context.Context) error {
		return g.inner.DisableUnit(ctx, unitID)
	})
}

func (g *Guard) DeleteUnit(ctx context.Context, unitID string) error {
	return g.call(ctx, OpDeleteUnit, unitID, func(ctx context.Context) error {
		return g.inner.DeleteUnit(ctx, unitID)
	})
}

func (g *Guard) Trigger(ctx context.Context, unitID, correlationID string, params map[string]any) (string, error) {
	var externalID string
	err := g.call(ctx, OpTrigger, correlationID, func(ctx context.Context) error {
		var err error
		externalID, err = g.inner.Trigger(ctx, unitID, correlationID, params)
		return err
	})
	return externalID, err
}

func (g *Guard) GetRunStatus(ctx context.Context, externalRunID string) (RunReport, error) {
	var report RunReport
	err := g.call(ctx, OpGetRunStatus, externalRunID, func(ctx context.Context) error {
		var err error
		report, err = g.inner.GetRunStatus(ctx, externalRunID)
		return err
	})
	return report, err
}

func (g *Guard) Cancel(ctx context.Context, externalRunID string) error {
	return g.call(ctx, OpCancel, externalRunID, func(ctx context.Context) error {
		return g.inner.Cancel(ctx, externalRunID)
	})
}
