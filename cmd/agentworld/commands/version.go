package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworld/agentworld/src/version"
)

//NewVersionCmd returns the version command which prints the version
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}
}
