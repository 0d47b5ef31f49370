package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vault-liquidator/internal/alerting"
	"vault-liquidator/internal/chain"
	"vault-liquidator/internal/config"
	"vault-liquidator/internal/directory"
	"vault-liquidator/internal/executor"
	"vault-liquidator/internal/metrics"
	"vault-liquidator/internal/risk"
	"vault-liquidator/internal/scheduler"
	"vault-liquidator/internal/server"
	"vault-liquidator/internal/service"
	"vault-liquidator/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Network overrides app.network when non-empty.
	Network string
	// Out receives human-readable command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, network string, logger zerolog.Logger) *App {
	return &App{
		Config:  cfg,
		Logger:  logger.With().Str("component", "app").Logger(),
		Network: network,
		Out:     os.Stdout,
	}
}

// runtime holds everything one command needs for the selected network.
type runtime struct {
	name     string
	network  config.NetworkConfig
	client   *chain.Client
	vault    *chain.Vault
	engine   *service.Engine
	store    *storage.Store
	alerter  *alerting.Dispatcher
	registry *prometheus.Registry
	closers  []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// buildOptions select the optional parts of the runtime.
type buildOptions struct {
	persist bool
	alerts  bool
}

func (a *App) selectNetwork() (string, config.NetworkConfig, error) {
	return a.Config.Network(a.Network)
}

func (a *App) newClient(network config.NetworkConfig) (*chain.Client, error) {
	eth := a.Config.Ethereum
	return chain.NewClient(chain.Options{
		RPCURL:                network.RPCURL,
		ChainID:               network.ChainID,
		PrivateKey:            network.PrivateKey,
		Timeout:               eth.RequestTimeout,
		MaxRequestsPerSecond:  eth.MaxRequestsPerSecond,
		ReceiptTimeout:        eth.ReceiptTimeout,
		ReceiptPollInterval:   eth.ReceiptPollInterval,
		GasLimitMultiplierPct: eth.GasLimitMultiplierPct,
	}, a.Logger)
}

func (a *App) build(ctx context.Context, opts buildOptions) (*runtime, error) {
	name, network, err := a.selectNetwork()
	if err != nil {
		return nil, err
	}

	client, err := a.newClient(network)
	if err != nil {
		return nil, err
	}
	rt := &runtime{name: name, network: network, client: client, closers: []func(){client.Close}}

	fail := func(err error) (*runtime, error) {
		rt.Close()
		return nil, err
	}

	rt.vault = chain.NewVault(client, common.HexToAddress(network.Vault), common.HexToAddress(network.SettlementToken))

	builderOpts, err := a.builderOptions(network)
	if err != nil {
		return fail(err)
	}
	params, err := classifierParams(a.Config.Risk)
	if err != nil {
		return fail(err)
	}
	ceiling, err := parseUnits(network.MaxTestVaultBalance)
	if err != nil {
		return fail(fmt.Errorf("networks.%s.max_test_vault_balance: %w", name, err))
	}

	rt.registry = prometheus.NewRegistry()
	deps := service.Deps{
		Scheduler: scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			FixedDelay:   a.Config.Scheduler.FixedDelay,
		}, a.Logger),
		Directory:  directory.New(client, builderOpts.Markets.Debt, a.Config.Ethereum.LogChunkSize, a.Logger),
		Builder:    risk.NewBuilder(client, builderOpts, a.Logger),
		Classifier: risk.NewClassifier(params),
		Vault:      rt.vault,
		Executor:   executor.New(rt.vault, a.executorOptions(), a.Logger),
		Metrics:    metrics.New(rt.registry),
	}

	if opts.persist {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return fail(err)
		}
		if store == nil {
			a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
		} else {
			rt.store = store
			rt.closers = append(rt.closers, closeStore)
			deps.Store = store
			deps.AlertStore = store
		}
	}

	var channels []string
	if opts.alerts {
		dispatcher, names, closeAlerts, err := a.newDispatcher(ctx)
		if err != nil {
			return fail(err)
		}
		if closeAlerts != nil {
			rt.closers = append(rt.closers, closeAlerts)
		}
		if dispatcher != nil {
			rt.alerter = dispatcher
			deps.Alerter = dispatcher
			channels = names
		}
	}

	rt.engine = service.New(deps, service.Options{
		Network:   name,
		FromBlock: network.FromBlock,
		Ceiling:   ceiling,
		Channels:  channels,
		LockKey:   a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)
	return rt, nil
}

func (a *App) builderOptions(network config.NetworkConfig) (risk.BuilderOptions, error) {
	factor, err := parseUnits(a.Config.Risk.CollateralFactor)
	if err != nil {
		return risk.BuilderOptions{}, fmt.Errorf("risk.collateral_factor: %w", err)
	}
	return risk.BuilderOptions{
		Markets:          marketsFor(network),
		CollateralFactor: factor,
		RetryDelay:       a.Config.Risk.RateLimitBackoff,
		MaxAttempts:      a.Config.Risk.RateLimitMaxAttempts,
	}, nil
}

func (a *App) executorOptions() executor.Options {
	exec := a.Config.Execution
	return executor.Options{
		Ladder:           exec.RetryLadder,
		FlashloanEnabled: exec.FlashloanEnabled,
		BadDebtFlashloan: exec.BadDebtStrategy == config.BadDebtStrategyFlashloan,
		SwapToInput:      exec.SwapToInput,
		DryRun:           exec.DryRun,
	}
}

// marketsFor resolves contract addresses, reversing collateral and debt for
// swapped deployments.
func marketsFor(network config.NetworkConfig) risk.Markets {
	markets := risk.Markets{
		Comptroller: common.HexToAddress(network.Comptroller),
		Oracle:      common.HexToAddress(network.Oracle),
		Collateral:  common.HexToAddress(network.CollateralMarket),
		Debt:        common.HexToAddress(network.DebtMarket),
	}
	if network.SwapMarkets {
		markets.Collateral, markets.Debt = markets.Debt, markets.Collateral
	}
	return markets
}

func classifierParams(cfg config.RiskConfig) (risk.ClassifierParams, error) {
	margin, err := parseUnits(cfg.SafetyMargin)
	if err != nil {
		return risk.ClassifierParams{}, fmt.Errorf("risk.safety_margin: %w", err)
	}
	limit, err := parseUnits(cfg.StandardCap)
	if err != nil {
		return risk.ClassifierParams{}, fmt.Errorf("risk.standard_cap: %w", err)
	}
	return risk.ClassifierParams{
		OverLeverageLTVPct:  decimal.NewFromFloat(cfg.OverLeverageLTVPct),
		CollateralBufferPct: cfg.CollateralBufferPct,
		SafetyMargin:        margin,
		StandardCap:         limit,
	}, nil
}

// parseUnits converts a human amount such as "300000" or "0.95" to 18-decimal
// fixed point. An empty string yields nil.
func parseUnits(v string) (*big.Int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", v, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q must not be negative", v)
	}
	return risk.FromDecimal(d), nil
}

// newDispatcher wires the configured alert channels. It returns a nil
// dispatcher when alerting is disabled or no channel is usable.
func (a *App) newDispatcher(ctx context.Context) (*alerting.Dispatcher, []string, func(), error) {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil, nil, nil, nil
	}

	var notifiers []alerting.Notifier
	var names []string
	for _, channel := range cfg.Channels {
		switch strings.ToLower(strings.TrimSpace(channel)) {
		case "email":
			if !cfg.Email.Enabled {
				a.Logger.Warn().Msg("alert channel email listed but alerting.email.enabled is false")
				continue
			}
			email, err := alerting.NewEmailNotifier(alerting.EmailOptions{
				Host:      cfg.Email.Host,
				Port:      cfg.Email.Port,
				Username:  cfg.Email.Username,
				Password:  cfg.Email.Password,
				From:      cfg.Email.From,
				FromName:  cfg.Email.FromName,
				To:        cfg.Email.To,
				TLSPolicy: cfg.Email.TLSPolicy,
				Timeout:   cfg.Email.Timeout,
			}, a.Logger)
			if err != nil {
				return nil, nil, nil, err
			}
			notifiers = append(notifiers, email)
			names = append(names, "email")
		case "telegram":
			if !cfg.Telegram.Enabled {
				a.Logger.Warn().Msg("alert channel telegram listed but alerting.telegram.enabled is false")
				continue
			}
			tg := cfg.Telegram
			notifiers = append(notifiers, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
			names = append(names, "telegram")
		default:
			return nil, nil, nil, fmt.Errorf("unknown alert channel %q", channel)
		}
	}
	if len(notifiers) == 0 {
		a.Logger.Warn().Msg("alerting enabled but no channel configured; alerts disabled")
		return nil, nil, nil, nil
	}

	store, closeStore, err := a.newCooldownStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return alerting.NewDispatcher(store, cfg.Cooldown, a.Logger, notifiers...), names, closeStore, nil
}

func (a *App) newCooldownStore(ctx context.Context) (alerting.CooldownStore, func(), error) {
	cfg := a.Config.Alerting
	if cfg.CooldownStore != "redis" {
		return alerting.NewMemoryCooldownStore(), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}

	ttl := 2 * cfg.Cooldown
	if ttl <= 0 {
		ttl = 2 * alerting.DefaultCooldown
	}
	closer := func() {
		_ = client.Close()
	}
	return alerting.NewRedisCooldownStore(client, cfg.Redis.KeyPrefix, ttl), closer, nil
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
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running liquidation service, or a single enumeration
// when app.mode is enumerate.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.App.Mode == config.ModeEnumerate {
		return a.List(ctx, ListOptions{})
	}

	rt, err := a.build(ctx, buildOptions{persist: true, alerts: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	log := a.Logger.With().Str("network", rt.name).Logger()
	if rt.client.CanSign() {
		log.Info().Str("signer", rt.client.From().Hex()).Msg("signer loaded")
	} else {
		log.Warn().Msg("no private key configured; liquidations will fail to submit")
	}
	if a.Config.Execution.ApproveOnStart && rt.client.CanSign() && !a.Config.Execution.DryRun {
		if err := a.approve(ctx, rt); err != nil {
			return err
		}
	}

	if a.Config.Database.Retention.Enabled && rt.store != nil {
		retention := a.Config.Database.Retention
		pruner, err := storage.NewPruner(rt.store, retention.Schedule, retention.Keep, a.Logger)
		if err != nil {
			return err
		}
		pruner.Start()
		defer pruner.Stop()
	}

	errCh := make(chan error, 1)
	if a.Config.Server.Enabled {
		srv := server.New(a.Config.Server.Addr, rt.engine, rt.registry, a.Logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}

	log.Info().Msg("starting liquidation service")
	err = rt.engine.Run(ctx)

	select {
	case srvErr := <-errCh:
		log.Error().Err(srvErr).Msg("http server terminated with error")
		return srvErr
	default:
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("service terminated with error")
		return err
	}

	log.Info().Msg("liquidation service stopped")
	return nil
}

// ListOptions configure the enumerate-only command.
type ListOptions struct {
	Output string
}

// InspectOptions select the borrower to inspect.
type InspectOptions struct {
	Borrower string
}

// SimulateOptions describe a synthetic position, in settlement units.
type SimulateOptions struct {
	BorrowValue        decimal.Decimal
	CollateralValueRaw decimal.Decimal
	Shortfall          decimal.Decimal
	BadDebt            decimal.Decimal
	LTVPercent         decimal.Decimal
	VaultBalance       decimal.Decimal
	Notify             bool
}

// ExportOptions hold parameters for exporting cycle history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
