package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"trove-guardian/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一个仓位并输出分类结果",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.CollateralRatio <= 0 {
			return errors.New("--cr 必须大于 0")
		}
		return getApp().Simulate(cmd.Context(), simulateOpts)
	},
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simulateOpts.Strategy, "strategy", "", "Strategy name (conservative, moderate, aggressive)")
	f.Float64Var(&simulateOpts.CollateralRatio, "cr", 0, "Collateral ratio in percent")
	f.Float64Var(&simulateOpts.InterestRate, "rate", 0, "Position interest rate in percent")
	f.Float64Var(&simulateOpts.BranchAvgRate, "avg", 0, "Branch average interest rate in percent; 0 means unavailable")
	f.Float64Var(&simulateOpts.Collateral, "collateral", 0, "Collateral amount (defaults to 10)")
	f.Float64Var(&simulateOpts.Debt, "debt", 0, "Debt amount (defaults to 10000)")
	f.StringVar(&simulateOpts.Symbol, "symbol", "", "Collateral symbol (defaults to WETH)")
	f.BoolVar(&simulateOpts.Remediation, "execute", false, "Run remediation through the configured executor")
	f.BoolVar(&simulateOpts.Notify, "notify", false, "Send danger notifications through configured channels")
}
