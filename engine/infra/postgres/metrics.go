package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	monitoringmetrics "github.com/flowplane/flowplane/engine/infra/monitoring/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPoolLabel  = "default"
	postgresMeterName = "flowplane.postgres"
)

var (
	poolMetricsOnce sync.Once
	poolMetricsErr  error
	connsOpen       metric.Int64ObservableGauge
	connsInUse      metric.Int64ObservableGauge
	connsIdle       metric.Int64ObservableGauge
	acquireWait     metric.Float64Histogram
	trackedPools    sync.Map
)

// poolMetrics feeds pool statistics to the shared gauges and records the
// average acquire wait seen since the previous connection was prepared.
type poolMetrics struct {
	label     string
	pool      atomic.Pointer[pgxpool.Pool]
	mu        sync.Mutex
	lastCount int64
	lastWait  time.Duration
}

func configurePostgresMetrics(cfg *Config, poolCfg *pgxpool.Config) (*poolMetrics, error) {
	poolMetricsOnce.Do(func() {
		poolMetricsErr = initPoolInstruments(otel.GetMeterProvider().Meter(postgresMeterName))
	})
	if poolMetricsErr != nil {
		return nil, fmt.Errorf("postgres: init metrics: %w", poolMetricsErr)
	}
	m := &poolMetrics{label: poolLabel(cfg)}
	prev := poolCfg.PrepareConn
	poolCfg.PrepareConn = func(ctx context.Context, conn *pgx.Conn) (bool, error) {
		if prev != nil {
			if ok, err := prev(ctx, conn); !ok || err != nil {
				return ok, err
			}
		}
		m.recordWait(ctx)
		return true, nil
	}
	return m, nil
}

func initPoolInstruments(meter metric.Meter) error {
	var err error
	if connsOpen, err = meter.Int64ObservableGauge(
		monitoringmetrics.MetricNameWithSubsystem("postgres", "connections_open"),
		metric.WithDescription("Open Postgres connections"),
	); err != nil {
		return err
	}
	if connsInUse, err = meter.Int64ObservableGauge(
		monitoringmetrics.MetricNameWithSubsystem("postgres", "connections_in_use"),
		metric.WithDescription("Postgres connections currently acquired"),
	); err != nil {
		return err
	}
	if connsIdle, err = meter.Int64ObservableGauge(
		monitoringmetrics.MetricNameWithSubsystem("postgres", "connections_idle"),
		metric.WithDescription("Idle Postgres connections"),
	); err != nil {
		return err
	}
	if acquireWait, err = meter.Float64Histogram(
		monitoringmetrics.MetricNameWithSubsystem("postgres", "connection_wait_duration_seconds"),
		metric.WithDescription("Time spent waiting for a pooled connection"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2),
	); err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		trackedPools.Range(func(key, _ any) bool {
			m, ok := key.(*poolMetrics)
			if !ok {
				return true
			}
			pool := m.pool.Load()
			if pool == nil {
				return true
			}
			stats := pool.Stat()
			attrs := metric.WithAttributes(attribute.String("pool", m.label))
			o.ObserveInt64(connsOpen, int64(stats.TotalConns()), attrs)
			o.ObserveInt64(connsInUse, int64(stats.AcquiredConns()), attrs)
			o.ObserveInt64(connsIdle, int64(stats.IdleConns()), attrs)
			return true
		})
		return nil
	}, connsOpen, connsInUse, connsIdle)
	return err
}

func (p *poolMetrics) attach(pool *pgxpool.Pool) {
	if p == nil || pool == nil {
		return
	}
	p.pool.Store(pool)
	stats := pool.Stat()
	p.mu.Lock()
	p.lastCount = stats.EmptyAcquireCount()
	p.lastWait = stats.EmptyAcquireWaitTime()
	p.mu.Unlock()
	trackedPools.Store(p, struct{}{})
}

func (p *poolMetrics) unregister() {
	if p == nil {
		return
	}
	trackedPools.Delete(p)
	p.pool.Store(nil)
}

func (p *poolMetrics) recordWait(ctx context.Context) {
	if p == nil || acquireWait == nil {
		return
	}
	pool := p.pool.Load()
	if pool == nil {
		return
	}
	stats := pool.Stat()
	p.mu.Lock()
	defer p.mu.Unlock()
	count := stats.EmptyAcquireCount() - p.lastCount
	wait := stats.EmptyAcquireWaitTime() - p.lastWait
	p.lastCount += count
	p.lastWait += wait
	if count <= 0 || wait <= 0 {
		return
	}
	acquireWait.Record(ctx, wait.Seconds()/float64(count), metric.WithAttributes(attribute.String("pool", p.label)))
}

// poolLabel is host-db with anything outside [a-z0-9.-] replaced.
func poolLabel(cfg *Config) string {
	parts := make([]string, 0, 2)
	for _, raw := range []string{cfg.Host, cfg.DBName} {
		s := strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
				return r
			default:
				return '_'
			}
		}, strings.ToLower(strings.TrimSpace(raw)))
		if s = strings.Trim(s, "_"); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return defaultPoolLabel
	}
	return strings.Join(parts, "-")
}
