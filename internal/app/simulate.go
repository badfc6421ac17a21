package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"trove-guardian/internal/events"
	"trove-guardian/internal/registry"
	"trove-guardian/internal/service"
	"trove-guardian/internal/snapshot"
)

// simulatedOwner is the placeholder owner the simulated position is registered under.
const simulatedOwner = "0x000000000000000000000000000000000000dead"

// Simulate 用给定的仓位参数跑一次完整的分类流程，并打印生成的风险事件。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	return a.simulate(ctx, opts, os.Stdout)
}

func (a *App) simulate(ctx context.Context, opts SimulateOptions, out io.Writer) error {
	if opts.CollateralRatio <= 0 {
		return errors.New("--cr 必须大于 0")
	}
	if opts.InterestRate < 0 || opts.BranchAvgRate < 0 {
		return errors.New("--rate 与 --avg 不能为负数")
	}

	pos := simulatedPosition(opts)
	src := &staticSource{positions: []snapshot.PositionSnapshot{pos}}
	if opts.BranchAvgRate > 0 {
		src.markets = []snapshot.MarketSnapshot{{
			BranchIndex:      pos.BranchIndex,
			CollateralSymbol: pos.CollateralSymbol,
			AvgInterestRate:  decimal.NewFromFloat(opts.BranchAvgRate),
		}}
	}

	deps := service.Dependencies{
		Registry: registry.New(),
		Source:   src,
		Log:      events.NewLog(events.NewHistory(1), nil),
	}

	if opts.Notify {
		notifier := a.newNotifier()
		if notifier == nil {
			return errors.New("alerting 未启用或未配置任何告警通道")
		}
		deps.Notifier = notifier
	}

	if opts.Remediation {
		exec, closeExec, err := a.newExecutor()
		if err != nil {
			return err
		}
		defer closeExec()
		deps.Executor = exec
		a.Logger.Warn().Msg("simulation will attempt real remediation for the simulated position")
	}

	monitor := service.New(deps, service.Options{
		RemediationEnabled: opts.Remediation,
		AlertChannels:      a.Config.Alerting.Channels,
	}, a.Logger)

	if _, err := monitor.Register(simulatedOwner, opts.Strategy, "simulate"); err != nil {
		return err
	}

	if err := monitor.RunCycle(ctx, time.Now().UTC()); err != nil {
		return err
	}

	evs := monitor.Query("", 1)
	if len(evs) == 0 {
		return errors.New("simulation produced no event")
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(evs[0]); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func simulatedPosition(opts SimulateOptions) snapshot.PositionSnapshot {
	debt := decimal.NewFromFloat(opts.Debt)
	if !debt.IsPositive() {
		debt = decimal.NewFromInt(10000)
	}
	collateral := decimal.NewFromFloat(opts.Collateral)
	if !collateral.IsPositive() {
		collateral = decimal.NewFromInt(10)
	}
	symbol := opts.Symbol
	if symbol == "" {
		symbol = "WETH"
	}
	return snapshot.PositionSnapshot{
		BranchIndex:      0,
		CollateralSymbol: symbol,
		Collateral:       collateral,
		Debt:             debt,
		CollateralRatio:  decimal.NewFromFloat(opts.CollateralRatio),
		InterestRate:     decimal.NewFromFloat(opts.InterestRate),
		TroveID:          "1",
		Status:           snapshot.StatusActive,
	}
}

type staticSource struct {
	positions []snapshot.PositionSnapshot
	markets   []snapshot.MarketSnapshot
}

func (s *staticSource) FetchPositions(ctx context.Context, address string) ([]snapshot.PositionSnapshot, error) {
	return s.positions, nil
}

func (s *staticSource) FetchMarkets(ctx context.Context) ([]snapshot.MarketSnapshot, error) {
	if s.markets == nil {
		return nil, errors.New("no branch average supplied")
	}
	return s.markets, nil
}

var _ snapshot.Source = (*staticSource)(nil)
