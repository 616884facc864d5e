package scheduler

import (
	"context"
	"fmt"

	"github.com/flowplane/flowplane/engine/infra/monitoring/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Call outcomes recorded on the calls counter.
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeNotFound    = "not_found"
	OutcomeTimeout     = "timeout"
	OutcomeBreakerOpen = "breaker_open"
)

// Metrics counts gateway calls by operation and outcome.
type Metrics struct {
	calls metric.Int64Counter
}

// NewMetrics registers the scheduler instruments. A nil meter yields a no-op.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return &Metrics{}, nil
	}
	calls, err := meter.Int64Counter(
		metrics.MetricNameWithSubsystem("scheduler", "calls_total"),
		metric.WithDescription("Scheduler gateway calls by operation and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler calls counter: %w", err)
	}
	return &Metrics{calls: calls}, nil
}

// RecordCall increments the calls counter.
func (m *Metrics) RecordCall(ctx context.Context, operation, outcome string) {
	if m == nil || m.calls == nil {
		return
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}
