package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"trove-guardian/internal/alerting"
	"trove-guardian/internal/api"
	"trove-guardian/internal/config"
	"trove-guardian/internal/events"
	"trove-guardian/internal/executor"
	"trove-guardian/internal/metrics"
	"trove-guardian/internal/registry"
	"trove-guardian/internal/scheduler"
	"trove-guardian/internal/service"
	"trove-guardian/internal/snapshot"
	"trove-guardian/internal/storage"
	"trove-guardian/internal/stream"
	"trove-guardian/internal/txbuilder"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSource() *snapshot.Client {
	cfg := a.Config.Snapshot
	return snapshot.NewClient(snapshot.Options{
		BaseURL:         cfg.BaseURL,
		Timeout:         cfg.RequestTimeout,
		UserAgent:       cfg.UserAgent,
		RateLimit:       cfg.RateLimit,
		Burst:           cfg.Burst,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}, a.Logger)
}

// newExecutor wires the direct signer when configured and the builder fallback
// when a builder URL is set. The returned closer releases the RPC client.
func (a *App) newExecutor() (*executor.Executor, func(), error) {
	eth := a.Config.Ethereum

	var (
		signer  executor.Signer
		encoder executor.Encoder
		builder txbuilder.Builder
		closer  = func() {}
	)

	if eth.SignerEnabled() {
		maxFee, ok := new(big.Int).SetString(eth.MaxUpfrontFee, 10)
		if !ok {
			return nil, nil, fmt.Errorf("invalid ethereum.max_upfront_fee %q", eth.MaxUpfrontFee)
		}
		enc, err := executor.NewCallEncoder(eth.BranchTargets(), maxFee)
		if err != nil {
			return nil, nil, err
		}
		chain, err := executor.NewChainSigner(executor.ChainOptions{
			RPCURL:             eth.RPCURL,
			ChainID:            eth.ChainID,
			PrivateKey:         eth.SignerKey,
			AuthContract:       eth.AuthContract,
			Allowlist:          eth.AuthorizedOwners,
			Timeout:            eth.RequestTimeout,
			ReceiptTimeout:     eth.ReceiptTimeout,
			PollInterval:       eth.PollInterval,
			Confirmations:      eth.Confirmations,
			GasLimitMultiplier: eth.GasLimitMultiplier,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		a.Logger.Info().Str("signer", chain.Address().Hex()).Msg("delegated signer enabled")
		signer, encoder, closer = chain, enc, chain.Close
	} else {
		a.Logger.Warn().Msg("delegated signer not configured; remediation uses the builder fallback only")
	}

	if a.Config.TxBuilder.BaseURL != "" {
		cfg := a.Config.TxBuilder
		builder = txbuilder.NewClient(txbuilder.Options{
			BaseURL:         cfg.BaseURL,
			APIKey:          cfg.APIKey,
			Timeout:         cfg.RequestTimeout,
			BreakerFailures: cfg.BreakerFailures,
			BreakerCooldown: cfg.BreakerCooldown,
		}, a.Logger)
	}

	return executor.New(signer, encoder, builder, a.Logger), closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		telegram := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
		return alerting.NewCooldownNotifier(telegram, a.Config.Alerting.Cooldown)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newEventLog() *events.Log {
	cfg := a.Config.Events
	dist := events.NewDistributor(events.DistributorOptions{
		MaxPerAddress:     cfg.MaxPerAddress,
		MaxTotal:          cfg.MaxConnections,
		MailboxSize:       cfg.MailboxSize,
		KeepaliveInterval: cfg.KeepaliveInterval,
	}, a.Logger)
	return events.NewLog(events.NewHistory(cfg.HistoryCapacity), dist)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; event archive disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	exec, closeExec, err := a.newExecutor()
	if err != nil {
		return err
	}
	defer closeExec()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	log := a.newEventLog()
	dist := log.Distributor()
	defer dist.Close()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Immediate:    a.Config.Scheduler.RunImmediately,
	}, a.Logger)

	deps := service.Dependencies{
		Registry:  registry.New(),
		Source:    a.newSource(),
		Log:       log,
		Executor:  exec,
		Scheduler: sched,
		Notifier:  a.newNotifier(),
		Metrics:   m,
	}
	if store != nil {
		deps.Archive = store
		deps.Alerts = store
		deps.Locker = store
	}

	monitor := service.New(deps, service.Options{
		RemediationEnabled: a.Config.Remediation.Enabled,
		Concurrency:        a.Config.Scheduler.Concurrency,
		FetchTimeout:       a.Config.Snapshot.RequestTimeout,
		LockKey:            a.Config.Scheduler.AdvisoryLockKey,
		AlertChannels:      a.Config.Alerting.Channels,
	}, a.Logger)

	if err := a.seedWatchList(monitor); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.Config.Server.Enabled {
		handler := stream.NewHandler(dist, stream.NewOriginChecker(a.Config.Server.AllowedOrigins), a.Logger, m.SetSubscribers)
		server := api.NewServer(api.Options{
			Addr:         a.Config.Server.Addr,
			ReadTimeout:  a.Config.Server.ReadTimeout,
			WriteTimeout: a.Config.Server.WriteTimeout,
		}, monitor, handler, reg, a.Logger)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	g.Go(func() error {
		dist.Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := monitor.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), a.Config.Scheduler.ShutdownTimeout)
		defer stopCancel()
		if err := monitor.Stop(stopCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("in-flight cycle did not finish before shutdown timeout")
		}
		return nil
	})

	a.Logger.Info().Int("watched", monitor.Count()).Bool("remediation", a.Config.Remediation.Enabled).Msg("starting trove guardian")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("trove guardian stopped")
	return nil
}

func (a *App) seedWatchList(monitor *service.Monitor) error {
	for _, w := range a.Config.Watch {
		wp, err := monitor.Register(w.Address, w.Strategy, w.AgentID)
		if err != nil {
			return fmt.Errorf("watch %s: %w", w.Address, err)
		}
		a.Logger.Info().Str("address", wp.Address).Str("strategy", wp.Strategy.String()).Msg("watching address from config")
	}
	return nil
}

// ExportOptions hold parameters for exporting archived ratio history.
type ExportOptions struct {
	Address   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Address string
	Limit   int
	Alerts  bool
}

// PruneOptions configure archive retention.
type PruneOptions struct {
	Before time.Time
	DryRun bool
}

// SimulateOptions describe a hypothetical position to classify offline.
type SimulateOptions struct {
	Strategy        string
	CollateralRatio float64
	InterestRate    float64
	BranchAvgRate   float64
	Collateral      float64
	Debt            float64
	Symbol          string
	Remediation     bool
	Notify          bool
}
