package migrate

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/flowplane/flowplane/engine/infra/postgres"
	"github.com/flowplane/flowplane/engine/infra/repo"
	"github.com/flowplane/flowplane/pkg/config"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command group.
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE:  runUp,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			RunE:  runStatus,
		},
	)
	return cmd
}

func postgresDSN(cfg *config.Config) (string, error) {
	if cfg.Database.Driver != repo.DriverPostgres {
		return "", fmt.Errorf("migrations require the postgres driver, got %q", cfg.Database.Driver)
	}
	return repo.PostgresConfig(&cfg.Database).DSN(), nil
}

func runUp(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	dsn, err := postgresDSN(config.FromContext(ctx))
	if err != nil {
		return err
	}
	return postgres.ApplyMigrations(ctx, dsn)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	dsn, err := postgresDSN(config.FromContext(ctx))
	if err != nil {
		return err
	}
	statuses, err := postgres.MigrationStatus(ctx, dsn)
	if err != nil {
		return err
	}
	return writeStatus(cmd.OutOrStdout(), statuses)
}

func writeStatus(out io.Writer, statuses []*goose.MigrationStatus) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSOURCE\tSTATE\tAPPLIED AT")
	for _, s := range statuses {
		at := "-"
		if s.State == goose.StateApplied {
			at = s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Source.Version, filepath.Base(s.Source.Path), s.State, at)
	}
	return w.Flush()
}
