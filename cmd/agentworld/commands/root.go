package commands

import (
	"github.com/spf13/cobra"

	"github.com/agentworld/agentworld/src/config"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for agentworld
var RootCmd = &cobra.Command{
	Use:              "agentworld",
	Short:            "agent-world node",
	TraverseChildren: true,
}

func init() {
	RootCmd.AddCommand(
		NewRunCmd(),
		NewKeygenCmd(),
		NewVersionCmd(),
	)
}
