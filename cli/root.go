package cli

import (
	"github.com/flowplane/flowplane/cli/cmd/migrate"
	"github.com/flowplane/flowplane/cli/cmd/serve"
	"github.com/flowplane/flowplane/cli/helpers"
	"github.com/flowplane/flowplane/pkg/version"
	"github.com/spf13/cobra"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flowplane",
		Short:         "Flowplane workflow orchestrator",
		Version:       version.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return helpers.SetupGlobalConfig(cmd)
		},
	}
	helpers.AddGlobalFlags(root)
	root.AddCommand(
		serve.NewServeCommand(),
		migrate.NewMigrateCommand(),
	)
	return root
}
