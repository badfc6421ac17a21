package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"trove-guardian/internal/app"
	"trove-guardian/internal/config"
	"trove-guardian/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "trove-guardian",
	Short: "Watch borrowing positions and remediate collateral risk",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging, cfg.App.Name)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
