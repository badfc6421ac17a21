package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"trove-guardian/internal/app"
)

var (
	pruneBefore    string
	pruneOlderThan time.Duration
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete archived risk events older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (pruneBefore == "") == (pruneOlderThan <= 0) {
			return fmt.Errorf("exactly one of --before or --older-than must be provided")
		}

		var before time.Time
		if pruneBefore != "" {
			parsed, err := time.Parse(time.RFC3339, pruneBefore)
			if err != nil {
				return fmt.Errorf("invalid --before value: %w", err)
			}
			before = parsed
		} else {
			before = time.Now().UTC().Add(-pruneOlderThan)
		}

		opts := app.PruneOptions{
			Before: before,
			DryRun: pruneDryRun,
		}

		return getApp().Prune(cmd.Context(), opts)
	},
}

func init() {
	pruneCmd.Flags().StringVar(&pruneBefore, "before", "", "Cutoff timestamp (RFC3339, exclusive)")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Delete events older than this age, e.g. 720h")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report without deleting")
}
