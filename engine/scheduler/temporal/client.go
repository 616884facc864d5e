package temporal

import (
	"context"
	"fmt"
	"time"

	"github.com/flowplane/flowplane/pkg/logger"
	"go.temporal.io/sdk/client"
)

type Config struct {
	HostPort     string
	Namespace    string
	TaskQueue    string
	WorkflowType string
}

// Dial connects to the Temporal frontend.
func Dial(ctx context.Context, cfg *Config) (client.Client, error) {
	log := logger.FromContext(ctx)
	options := client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    log,
	}
	dialStart := time.Now()
	c, err := client.Dial(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}
	log.Debug("Temporal client connected", "host_port", cfg.HostPort, "duration", time.Since(dialStart))
	return c, nil
}
