package serve

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowplane/flowplane/engine/infra/monitoring"
	"github.com/flowplane/flowplane/engine/infra/server"
	"github.com/flowplane/flowplane/engine/orchestrator"
	"github.com/flowplane/flowplane/pkg/config"
	"github.com/flowplane/flowplane/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const (
	productionEnvironment = "production"
	shutdownTimeout       = 30 * time.Second
)

// NewServeCommand creates the command that runs the HTTP API and the periodic
// status reconciler in one process.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Run the Flowplane API server",
		RunE:    runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cfg := config.FromContext(ctx)
	log := logger.FromContext(ctx)
	log.Debug("Effective configuration", "settings", config.Settings(cfg))
	if cfg.Runtime.Environment == productionEnvironment {
		gin.SetMode(gin.ReleaseMode)
		logProductionWarnings(ctx, cfg)
	}
	mon, err := monitoring.NewMonitoringService(ctx, &monitoring.Config{
		Enabled: cfg.Monitoring.Enabled,
		Path:    cfg.Monitoring.Path,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize monitoring: %w", err)
	}
	orch, err := orchestrator.New(ctx, cfg, orchestrator.WithMeter(mon.Meter()))
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := orch.Close(shutdownCtx); err != nil {
			log.Error("Failed to close orchestrator", "error", err)
		}
		if err := mon.Shutdown(shutdownCtx); err != nil {
			log.Error("Failed to shutdown monitoring service", "error", err)
		}
	}()
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reconciler: %w", err)
	}
	log.Info("Starting Flowplane server",
		"environment", cfg.Runtime.Environment,
		"reconcile_interval", cfg.Reconcile.Interval,
	)
	return server.NewServer(ctx, &cfg.Server, orch, mon).Run(ctx)
}

func logProductionWarnings(ctx context.Context, cfg *config.Config) {
	log := logger.FromContext(ctx)
	if cfg.Database.Driver == "memory" {
		log.Warn("In-memory database in production; run history is lost on restart")
	}
	if cfg.Scheduler.Driver == "memory" {
		log.Warn("In-memory scheduler in production; nothing is executed")
	}
	if !cfg.Redis.Enabled {
		log.Warn("Redis lease disabled; run a single replica only")
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.SSLMode == "disable" {
		log.Warn("Database SSL is disabled")
	}
}
