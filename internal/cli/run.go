package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the watcher, HTTP API and live event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}
