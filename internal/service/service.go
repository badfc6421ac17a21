// Package service runs the watch cycle: fetch, classify, remediate, record.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"trove-guardian/internal/alerting"
	"trove-guardian/internal/events"
	"trove-guardian/internal/executor"
	"trove-guardian/internal/metrics"
	"trove-guardian/internal/registry"
	"trove-guardian/internal/remediation"
	"trove-guardian/internal/risk"
	"trove-guardian/internal/scheduler"
	"trove-guardian/internal/snapshot"
	"trove-guardian/internal/storage"
	"trove-guardian/internal/strategy"
)

// Remediator carries out one remediation operation.
type Remediator interface {
	Execute(ctx context.Context, op executor.Operation) executor.Result
}

// Options tune the monitor.
type Options struct {
	RemediationEnabled bool
	Concurrency        int
	FetchTimeout       time.Duration
	LockKey            int64
	AlertChannels      []string
}

// Dependencies are the collaborators a Monitor is built from. Only Registry,
// Source and Log are required.
type Dependencies struct {
	Registry  *registry.Registry
	Source    snapshot.Source
	Log       *events.Log
	Executor  Remediator
	Scheduler *scheduler.Scheduler
	Archive   storage.EventArchive
	Alerts    storage.AlertStore
	Locker    storage.AdvisoryLocker
	Notifier  alerting.Notifier
	Metrics   *metrics.Metrics
}

// Monitor owns the process-wide watch state and drives polling cycles.
type Monitor struct {
	registry  *registry.Registry
	source    snapshot.Source
	log       *events.Log
	exec      Remediator
	scheduler *scheduler.Scheduler
	archive   storage.EventArchive
	alerts    storage.AlertStore
	locker    storage.AdvisoryLocker
	notifier  alerting.Notifier
	metrics   *metrics.Metrics
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

// New constructs the monitor.
func New(deps Dependencies, opts Options, logger zerolog.Logger) *Monitor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	return &Monitor{
		registry:  deps.Registry,
		source:    deps.Source,
		log:       deps.Log,
		exec:      deps.Executor,
		scheduler: deps.Scheduler,
		archive:   deps.Archive,
		alerts:    deps.Alerts,
		locker:    deps.Locker,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		opts:      opts,
		logger:    logger.With().Str("component", "monitor").Logger(),
		now:       time.Now,
	}
}

// Register starts watching address under the named strategy. An empty strategy
// name selects the default.
func (m *Monitor) Register(address, strategyName, agentID string) (registry.WatchedPosition, error) {
	strat, err := strategy.Parse(strategyName)
	if err != nil {
		return registry.WatchedPosition{}, err
	}
	wp, err := m.registry.Register(address, strat, agentID)
	if err != nil {
		return registry.WatchedPosition{}, err
	}
	m.metrics.SetWatched(m.registry.Count())
	m.logger.Info().Str("address", wp.Address).Str("strategy", wp.Strategy.String()).Str("agent", wp.AgentID).Msg("position registered")
	return wp, nil
}

// Deregister stops watching address.
func (m *Monitor) Deregister(address string) bool {
	removed := m.registry.Deregister(address)
	if removed {
		m.metrics.SetWatched(m.registry.Count())
		m.logger.Info().Str("address", registry.Key(address)).Msg("position deregistered")
	}
	return removed
}

// Count returns the number of watched addresses.
func (m *Monitor) Count() int {
	return m.registry.Count()
}

// Query reads recent events from the bounded history.
func (m *Monitor) Query(agentID string, limit int) []events.RiskEvent {
	return m.log.Query(agentID, limit)
}

// Start arms the polling timer. Calling it while running is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	if m.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if m.scheduler.Start(ctx, m.RunCycle) {
		m.logger.Info().Int("watched", m.registry.Count()).Msg("monitor started")
	}
	return nil
}

// Stop disarms the timer and waits for an in-flight cycle, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.scheduler == nil {
		return nil
	}
	return m.scheduler.Stop(ctx)
}

// RunCycle performs one polling pass over every registered address. Per-address
// failures are logged and never abort the cycle.
func (m *Monitor) RunCycle(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		m.logger.Debug().Time("bucket", bucket).Msg("skip cycle because advisory lock held elsewhere")
		m.metrics.ObserveCycle("skipped", 0)
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := m.now()
	watched := m.registry.List()
	if len(watched) == 0 {
		m.logger.Debug().Time("bucket", bucket).Msg("no registered positions")
		m.metrics.ObserveCycle("completed", m.now().Sub(started))
		return nil
	}

	markets := m.fetchMarkets(ctx)

	var (
		stats cycleStats
		g     errgroup.Group
	)
	g.SetLimit(m.opts.Concurrency)
	for _, wp := range watched {
		wp := wp
		g.Go(func() error {
			m.processAddress(ctx, wp, markets, &stats)
			return nil
		})
	}
	_ = g.Wait()

	took := m.now().Sub(started)
	m.metrics.ObserveCycle("completed", took)
	m.logger.Info().
		Time("bucket", bucket).
		Int("addresses", len(watched)).
		Int64("positions", stats.positions.Load()).
		Int64("events", stats.events.Load()).
		Int64("failed", stats.failed.Load()).
		Int64("danger", stats.danger.Load()).
		Dur("took", took).
		Msg("cycle complete")
	return nil
}

type cycleStats struct {
	positions atomic.Int64
	events    atomic.Int64
	failed    atomic.Int64
	danger    atomic.Int64
}

func (m *Monitor) fetchMarkets(ctx context.Context) snapshot.Markets {
	fetchCtx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()

	list, err := m.source.FetchMarkets(fetchCtx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("market snapshot unavailable; redemption risk defaults to low")
		return nil
	}
	return snapshot.IndexMarkets(list)
}

func (m *Monitor) processAddress(ctx context.Context, wp registry.WatchedPosition, markets snapshot.Markets, stats *cycleStats) {
	defer func() {
		if r := recover(); r != nil {
			stats.failed.Add(1)
			m.logger.Error().Str("address", wp.Address).Interface("panic", r).Msg("address task panicked")
		}
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	positions, err := m.source.FetchPositions(fetchCtx, wp.Address)
	cancel()
	if err != nil {
		stats.failed.Add(1)
		m.metrics.SnapshotFailed()
		m.logger.Warn().Err(err).Str("address", wp.Address).Msg("position snapshot failed")
		return
	}

	minCR := wp.Strategy.MinRatio()
	for _, pos := range positions {
		stats.positions.Add(1)
		assessment := risk.Classify(pos, minCR, markets)
		outcome := m.remediate(ctx, wp, pos, assessment)

		ev := events.RiskEvent{
			ID:               events.NewID(),
			Timestamp:        m.now().UTC(),
			Address:          wp.Address,
			AgentID:          wp.AgentID,
			Strategy:         wp.Strategy.String(),
			Severity:         string(assessment.Severity),
			CollateralRatio:  pos.CollateralRatio,
			InterestRate:     pos.InterestRate,
			BranchAvgRate:    assessment.BranchAvgRate,
			BranchIndex:      pos.BranchIndex,
			CollateralSymbol: pos.CollateralSymbol,
			TroveID:          pos.TroveID,
			Detail:           assessment.Detail,
			Reasons:          assessment.Reasons,
			Remediation:      outcome,
			RedemptionRisk:   string(assessment.RedemptionRisk),
		}
		m.log.Append(ev)
		stats.events.Add(1)
		m.metrics.ObserveEvent(ev.Severity, ev.RedemptionRisk)

		if assessment.Severity == risk.SeverityDanger {
			stats.danger.Add(1)
		}

		m.archiveEvent(ctx, ev)
		m.notify(ctx, ev)
	}
}

func (m *Monitor) remediate(ctx context.Context, wp registry.WatchedPosition, pos snapshot.PositionSnapshot, a risk.Assessment) string {
	enabled := m.opts.RemediationEnabled && m.exec != nil
	plan := remediation.Select(pos, a, wp.Strategy.MinRatio(), enabled)

	outcomes := append([]string(nil), plan.Notes...)
	for _, action := range plan.Actions {
		op := executor.NewOperation(wp.Address, pos, action)
		result := m.exec.Execute(ctx, op)
		m.metrics.ObserveRemediation(string(op.Kind), string(result.Kind))
		outcomes = append(outcomes, result.Summary())
	}
	return strings.Join(outcomes, " | ")
}

func (m *Monitor) archiveEvent(ctx context.Context, ev events.RiskEvent) {
	if m.archive == nil {
		return
	}
	archiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.archive.InsertEvent(archiveCtx, ev); err != nil {
		m.metrics.ArchiveFailed()
		m.logger.Warn().Err(err).Str("address", ev.Address).Str("event", ev.ID).Msg("failed to archive event")
	}
}

func (m *Monitor) notify(ctx context.Context, ev events.RiskEvent) {
	if m.notifier == nil || ev.Severity != string(risk.SeverityDanger) {
		return
	}

	err := m.notifier.Notify(ctx, alerting.NewNotification(ev, m.opts.AlertChannels))
	switch {
	case errors.Is(err, alerting.ErrSuppressed):
		m.logger.Debug().Str("address", ev.Address).Msg("danger notification suppressed by cooldown")
		return
	case err != nil:
		m.logger.Error().Err(err).Str("address", ev.Address).Msg("failed to dispatch alert")
		return
	}
	m.metrics.NotificationSent()

	if m.alerts != nil {
		record := storage.AlertRecord{
			EventID:  ev.ID,
			Address:  ev.Address,
			Severity: ev.Severity,
			Channels: m.opts.AlertChannels,
		}
		if _, err := m.alerts.InsertAlert(ctx, record); err != nil {
			m.logger.Error().Err(err).Str("event", ev.ID).Msg("failed to persist alert record")
		}
	}
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.opts.LockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
