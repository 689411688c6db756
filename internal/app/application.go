// Package app wires the pool engine's stores and services into one
// lifecycle-managed application.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openramp/poolengine/internal/app/httpapi"
	"github.com/openramp/poolengine/internal/app/services/executor"
	"github.com/openramp/poolengine/internal/app/services/ledger"
	"github.com/openramp/poolengine/internal/app/services/orders"
	"github.com/openramp/poolengine/internal/app/services/payments"
	"github.com/openramp/poolengine/internal/app/services/pricing"
	"github.com/openramp/poolengine/internal/app/services/replenish"
	"github.com/openramp/poolengine/internal/app/services/wallets"
	"github.com/openramp/poolengine/internal/app/storage"
	"github.com/openramp/poolengine/internal/app/storage/memory"
	"github.com/openramp/poolengine/internal/app/system"
	"github.com/openramp/poolengine/internal/config"
	"github.com/openramp/poolengine/pkg/logger"
)

// Stores collects the persistence interfaces the application runs on. Leave
// it zero to run everything on the in-memory store.
type Stores struct {
	Wallets       storage.WalletStore
	Balances      storage.BalanceStore
	Orders        storage.OrderStore
	ExecutionLogs storage.ExecutionLogStore
	Replenish     storage.ReplenishmentStore
}

func (s *Stores) fillDefaults() {
	if s.Wallets != nil && s.Balances != nil && s.Orders != nil &&
		s.ExecutionLogs != nil && s.Replenish != nil {
		return
	}
	mem := memory.New()
	if s.Wallets == nil {
		s.Wallets = mem
	}
	if s.Balances == nil {
		s.Balances = mem
	}
	if s.Orders == nil {
		s.Orders = mem
	}
	if s.ExecutionLogs == nil {
		s.ExecutionLogs = mem
	}
	if s.Replenish == nil {
		s.Replenish = mem
	}
}

type orderStore struct {
	storage.OrderStore
	storage.ExecutionLogStore
}

type replenishStore struct {
	storage.BalanceStore
	storage.ReplenishmentStore
	storage.WalletStore
}

// Application is the assembled pool engine.
type Application struct {
	cfg      *config.Config
	log      *logger.Logger
	manager  *system.Manager
	registry *wallets.Registry

	Ledger    *ledger.Service
	Pricing   *pricing.Service
	Executor  *executor.Service
	Orders    *orders.Queue
	Replenish *replenish.Monitor
	Payments  *payments.Gateway

	handler http.Handler
}

// New assembles the application from configuration, stores and dialed chain
// entries. Chains that failed to dial arrive with a DisabledReason and stay
// registered so reads keep working.
func New(cfg *config.Config, stores Stores, chains map[int64]*wallets.ChainEntry, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	stores.fillDefaults()

	registry := wallets.NewRegistry(stores.Wallets, chains, log.WithField("component", "wallets"))
	ledgerSvc := ledger.New(stores.Balances, registry, log.WithField("component", "ledger"))

	var oracle pricing.RateSource
	if cfg.Pricing.OracleURL != "" {
		httpOracle, err := pricing.NewHTTPOracle(nil, cfg.Pricing.OracleURL,
			config.SecretFromEnv(cfg.Pricing.OracleAPIKeyEnv), log.WithField("component", "oracle"))
		if err != nil {
			return nil, fmt.Errorf("build rate oracle: %w", err)
		}
		oracle = httpOracle
	}
	pricingSvc, err := pricing.New(oracle, registry, cfg.Pricing, log.WithField("component", "pricing"))
	if err != nil {
		return nil, fmt.Errorf("build pricing: %w", err)
	}

	var aggregator executor.Aggregator
	if cfg.Executor.AggregatorURL != "" {
		agg, err := executor.NewHTTPAggregator(nil, cfg.Executor.AggregatorURL,
			config.SecretFromEnv(cfg.Executor.AggregatorAPIKeyEnv), log.WithField("component", "aggregator"))
		if err != nil {
			return nil, fmt.Errorf("build aggregator: %w", err)
		}
		aggregator = agg
	}
	executorSvc := executor.New(ledgerSvc, registry, aggregator, log.WithField("component", "executor"))

	queue := orders.New(
		orderStore{stores.Orders, stores.ExecutionLogs},
		pricingSvc, executorSvc, ledgerSvc, registry,
		cfg.Orders, log.WithField("component", "orders"))

	monitor := replenish.NewMonitor(
		replenishStore{stores.Balances, stores.Replenish, stores.Wallets},
		ledgerSvc, cfg.Replenishment, log.WithField("component", "replenish"))

	gateway, err := payments.NewGateway(nil, cfg.Payments.BaseURL,
		config.SecretFromEnv(cfg.Payments.SecretKeyEnv),
		config.SecretFromEnv(cfg.Payments.WebhookSecretEnv),
		log.WithField("component", "payments"))
	if err != nil {
		return nil, fmt.Errorf("build payment gateway: %w", err)
	}

	manager := system.NewManager()
	poller := orders.NewPoller(queue, orderStore{stores.Orders, stores.ExecutionLogs},
		cfg.Orders.PollInterval, log.WithField("component", "orders.poller"))
	if err := manager.Register(poller); err != nil {
		return nil, err
	}
	if err := manager.Register(monitor); err != nil {
		return nil, err
	}

	a := &Application{
		cfg:       cfg,
		log:       log,
		manager:   manager,
		registry:  registry,
		Ledger:    ledgerSvc,
		Pricing:   pricingSvc,
		Executor:  executorSvc,
		Orders:    queue,
		Replenish: monitor,
		Payments:  gateway,
	}
	a.handler = httpapi.NewRouter(httpapi.Services{
		Orders:    queue,
		Ledger:    ledgerSvc,
		Replenish: monitor,
		Payments:  gateway,
	}, log.WithField("component", "httpapi"))
	return a, nil
}

// Handler returns the HTTP API.
func (a *Application) Handler() http.Handler { return a.handler }

// Start warms the wallet registry and launches background services.
func (a *Application) Start(ctx context.Context) error {
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := a.registry.LoadWallets(warmCtx); err != nil {
		a.log.WithError(err).Warn("wallet warmup failed, continuing")
	}
	return a.manager.StartAll(ctx)
}

// Stop halts background services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.StopAll(ctx)
}
