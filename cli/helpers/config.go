package helpers

import (
	"context"
	"fmt"

	"github.com/flowplane/flowplane/pkg/config"
	"github.com/flowplane/flowplane/pkg/logger"
	"github.com/spf13/cobra"
)

const (
	FlagConfig    = "config"
	FlagLogLevel  = "log-level"
	FlagLogJSON   = "log-json"
	FlagLogSource = "log-source"
)

// flagPaths maps persistent flags onto config paths. Only flags the user set
// explicitly are applied.
var flagPaths = map[string]string{
	FlagLogLevel: "runtime.log_level",
	FlagLogJSON:  "runtime.log_json",
}

// AddGlobalFlags registers the flags every command understands.
func AddGlobalFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(FlagConfig, "flowplane.yaml", "Path to the configuration file")
	flags.String(FlagLogLevel, "info", "Log level (debug, info, warn, error)")
	flags.Bool(FlagLogJSON, false, "Emit logs as JSON")
	flags.Bool(FlagLogSource, false, "Include source locations in logs")
}

func cliOverrides(cmd *cobra.Command) (map[string]any, error) {
	values := make(map[string]any)
	flags := cmd.Flags()
	for flag, path := range flagPaths {
		f := flags.Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		switch flag {
		case FlagLogJSON:
			v, err := flags.GetBool(flag)
			if err != nil {
				return nil, err
			}
			values[path] = v
		default:
			values[path] = f.Value.String()
		}
	}
	return values, nil
}

// SetupGlobalConfig loads configuration from defaults, the YAML file, the
// environment and explicit flags, then initializes the logger. The resulting
// config and logger are attached to the command context.
func SetupGlobalConfig(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString(FlagConfig)
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	overrides, err := cliOverrides(cmd)
	if err != nil {
		return fmt.Errorf("failed to read flags: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, config.NewYAMLProvider(path), config.NewCLIProvider(overrides))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	_, _, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return err
	}
	if err := logger.SetupLogger(cfg.Runtime.LogLevel, cfg.Runtime.LogJSON, logSource); err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	ctx = config.ContextWithConfig(ctx, cfg)
	ctx = logger.ContextWithLogger(ctx, logger.GetDefault())
	cmd.SetContext(ctx)
	return nil
}
