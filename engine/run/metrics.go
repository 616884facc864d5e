package run

import (
	"context"
	"fmt"

	"github.com/flowplane/flowplane/engine/infra/monitoring/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	transitions metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return &Metrics{}, nil
	}
	transitions, err := meter.Int64Counter(
		metrics.MetricNameWithSubsystem("run", "transitions_total"),
		metric.WithDescription("Applied run status transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run transitions counter: %w", err)
	}
	return &Metrics{transitions: transitions}, nil
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to Status) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}
