package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nexusio/nexus/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "prints the Nexus updater version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SetOut(cmd.OutOrStdout())
		cmd.Println(version.NexusVersion())
	},
}
