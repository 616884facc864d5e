package workflow

import (
	"context"
	"fmt"

	"github.com/flowplane/flowplane/engine/infra/monitoring/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Mutation names recorded on the mutations counter.
const (
	OpRegister    = "register"
	OpUnregister  = "unregister"
	OpPause       = "pause"
	OpUnpause     = "unpause"
	OpCodeRemoval = "code_removal"
)

type Metrics struct {
	mutations metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return &Metrics{}, nil
	}
	mutations, err := meter.Int64Counter(
		metrics.MetricNameWithSubsystem("workflow", "mutations_total"),
		metric.WithDescription("Committed workflow mutations by operation and source"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow mutations counter: %w", err)
	}
	return &Metrics{mutations: mutations}, nil
}

func (m *Metrics) RecordMutation(ctx context.Context, operation string, source SourceType) {
	if m == nil || m.mutations == nil {
		return
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("source", string(source)),
	))
}
