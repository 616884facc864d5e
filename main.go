//	@title			Flowplane API
//	@version		1.0
//	@description	Flowplane decides which workflow definition governs, runs it through an external scheduler and tracks every run.

//	@BasePath	/api/v0

//	@tag.name			workflows
//	@tag.description	Workflow registration and scheduling state

//	@tag.name			runs
//	@tag.description	Run triggering, backfills and cancellation

package main

import (
	"os"

	"github.com/flowplane/flowplane/cli"
)

func main() {
	cmd := cli.RootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
