package repo

import (
	"context"
	"fmt"

	"github.com/flowplane/flowplane/engine/infra/memstore"
	"github.com/flowplane/flowplane/engine/infra/postgres"
	"github.com/flowplane/flowplane/engine/run"
	"github.com/flowplane/flowplane/engine/workflow"
	"github.com/flowplane/flowplane/pkg/config"
	"github.com/flowplane/flowplane/pkg/logger"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Provider exposes the repositories backed by the configured driver. It
// returns interfaces rather than driver-specific types.
type Provider struct {
	workflows workflow.Repository
	runs      run.Repository
	health    func(ctx context.Context) error
	close     func(ctx context.Context) error
}

// PostgresConfig maps the database section onto the driver config.
func PostgresConfig(cfg *config.DatabaseConfig) *postgres.Config {
	return &postgres.Config{
		ConnString:   cfg.ConnString,
		Host:         cfg.Host,
		Port:         cfg.Port,
		User:         cfg.User,
		Password:     cfg.Password.Value(),
		DBName:       cfg.DBName,
		SSLMode:      cfg.SSLMode,
		MaxOpenConns: cfg.MaxOpenConns,
	}
}

// NewProvider opens the configured store, migrating first when asked to.
func NewProvider(ctx context.Context, cfg *config.DatabaseConfig) (*Provider, error) {
	log := logger.FromContext(ctx)
	switch cfg.Driver {
	case DriverMemory, "":
		log.Warn("Using in-memory store; state is lost on restart")
		return NewMemoryProvider(memstore.New()), nil
	case DriverPostgres:
		pgCfg := PostgresConfig(cfg)
		if cfg.AutoMigrate {
			if err := postgres.ApplyMigrations(ctx, pgCfg.DSN()); err != nil {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		store, err := postgres.NewStore(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		return &Provider{
			workflows: store.Workflows(),
			runs:      store.Runs(),
			health:    store.HealthCheck,
			close:     store.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func NewMemoryProvider(store *memstore.Store) *Provider {
	noop := func(context.Context) error { return nil }
	return &Provider{workflows: store.Workflows(), runs: store.Runs(), health: noop, close: noop}
}

func (p *Provider) Workflows() workflow.Repository { return p.workflows }

func (p *Provider) Runs() run.Repository { return p.runs }

func (p *Provider) HealthCheck(ctx context.Context) error { return p.health(ctx) }

func (p *Provider) Close(ctx context.Context) error { return p.close(ctx) }
