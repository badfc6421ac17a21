package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trove-guardian/internal/app"
)

var (
	showLimit   int
	showAddress string
	showAlerts  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently archived risk events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Address: showAddress,
			Limit:   showLimit,
			Alerts:  showAlerts,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showAddress, "address", "", "Only show events for this owner address")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "Show dispatched alerts instead of events")
}
