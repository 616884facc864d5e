package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/definition"
	"github.com/flowplane/flowplane/engine/infra/cache"
	"github.com/flowplane/flowplane/engine/scheduler"
	"github.com/flowplane/flowplane/engine/scheduler/airflow"
	"github.com/flowplane/flowplane/engine/scheduler/temporal"
	"github.com/flowplane/flowplane/pkg/config"
	"github.com/flowplane/flowplane/pkg/logger"
)

const (
	schedulerTemporal = "temporal"
	schedulerAirflow  = "airflow"
	schedulerMemory   = "memory"

	definitionsFS     = "fs"
	definitionsS3     = "s3"
	definitionsMemory = "memory"
)

func (o *Orchestrator) setupGateway(ctx context.Context, cfg *config.Config, settings *options) error {
	inner := settings.gateway
	if inner == nil {
		gw, err := o.newGateway(ctx, cfg)
		if err != nil {
			return err
		}
		inner = gw
	}
	metrics, err := scheduler.NewMetrics(settings.meter)
	if err != nil {
		return fmt.Errorf("failed to create scheduler metrics: %w", err)
	}
	breaker := cfg.Scheduler.Breaker
	o.Gateway = scheduler.NewGuard(inner, scheduler.GuardConfig{
		CallTimeout:      cfg.Scheduler.CallTimeout,
		BreakerEnabled:   breaker.Enabled,
		FailureThreshold: breaker.FailureThreshold,
		OpenTimeout:      breaker.OpenTimeout,
	}, metrics)
	return nil
}

func (o *Orchestrator) newGateway(ctx context.Context, cfg *config.Config) (scheduler.Gateway, error) {
	log := logger.FromContext(ctx)
	switch cfg.Scheduler.Driver {
	case schedulerTemporal:
		tcfg := &temporal.Config{
			HostPort:     cfg.Temporal.HostPort,
			Namespace:    cfg.Temporal.Namespace,
			TaskQueue:    cfg.Temporal.TaskQueue,
			WorkflowType: cfg.Temporal.WorkflowType,
		}
		client, err := temporal.Dial(ctx, tcfg)
		if err != nil {
			return nil, err
		}
		o.onClose(func(context.Context) { client.Close() })
		return temporal.NewGateway(client, tcfg), nil
	case schedulerAirflow:
		return airflow.NewGateway(&airflow.Config{
			BaseURL:  cfg.Airflow.BaseURL,
			Username: cfg.Airflow.Username,
			Password: cfg.Airflow.Password.Value(),
			Timeout:  cfg.Scheduler.CallTimeout,
		}), nil
	case schedulerMemory, "":
		log.Warn("Using in-memory scheduler; units and runs are not executed")
		return scheduler.NewFake(), nil
	default:
		return nil, fmt.Errorf("%w: scheduler %q", errUnknownDriver, cfg.Scheduler.Driver)
	}
}

func setupDefinitions(ctx context.Context, cfg *config.Config, settings *options) (definition.Store, error) {
	if settings.store != nil {
		return settings.store, nil
	}
	defs := cfg.Definitions
	switch defs.Driver {
	case definitionsFS, "":
		store, err := definition.NewOSStore(defs.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to open definition root: %w", err)
		}
		return store, nil
	case definitionsS3:
		client, err := definition.NewS3Client(ctx, definition.S3Config{
			Bucket:          defs.S3.Bucket,
			Prefix:          defs.S3.Prefix,
			Region:          defs.S3.Region,
			Endpoint:        defs.S3.Endpoint,
			AccessKeyID:     defs.S3.AccessKeyID,
			SecretAccessKey: defs.S3.SecretAccessKey.Value(),
		})
		if err != nil {
			return nil, err
		}
		store, err := definition.NewS3Store(client, defs.S3.Bucket, defs.S3.Prefix)
		if err != nil {
			return nil, err
		}
		return store, nil
	case definitionsMemory:
		logger.FromContext(ctx).Warn("Using in-memory definition store; documents are lost on restart")
		return definition.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("%w: definitions %q", errUnknownDriver, defs.Driver)
	}
}

func (o *Orchestrator) setupLocker(ctx context.Context, cfg *config.Config, settings *options) (core.Locker, error) {
	if settings.locker != nil {
		return settings.locker, nil
	}
	if !cfg.Redis.Enabled {
		return core.NewLocalLocker(), nil
	}
	rc, err := cache.NewRedis(ctx, &cache.Config{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password.Value(),
		DB:          cfg.Redis.DB,
		Prefix:      cfg.Redis.Prefix,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect lease store: %w", err)
	}
	o.onClose(func(ctx context.Context) {
		if err := rc.Close(); err != nil {
			logger.FromContext(ctx).Error("Failed to close redis client", "error", err)
		}
	})
	return cache.NewLocker(rc.Client(), cfg.Redis.Prefix), nil
}
