package app

import (
	"context"
	"fmt"

	"github.com/R3E-Network/vidledger/internal/app/auth"
	"github.com/R3E-Network/vidledger/internal/app/services/history"
	ledgersvc "github.com/R3E-Network/vidledger/internal/app/services/ledger"
	"github.com/R3E-Network/vidledger/internal/app/services/marketplace"
	"github.com/R3E-Network/vidledger/internal/app/storage"
	"github.com/R3E-Network/vidledger/internal/app/storage/memory"
	"github.com/R3E-Network/vidledger/internal/app/system"
	"github.com/R3E-Network/vidledger/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil Store defaults to the
// in-memory implementation.
type Stores struct {
	Store storage.Store
}

// Options tunes the engines. The zero value is usable: no admin capability,
// default retry budget, no catalogue cache, sweep on the default schedule.
type Options struct {
	Authorizer        auth.Authorizer
	TxAttempts        int
	Cache             marketplace.CatalogueCache
	StakeSweep        string
	DisableStakeSweep bool
}

// Application ties the engines together and manages background services.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Store       storage.Store
	Ledger      *ledgersvc.Engine
	History     *history.Log
	Marketplace *marketplace.Engine
}

// New builds a fully initialised application.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if stores.Store == nil {
		log.Warn("no database configured; using the in-memory store")
		stores.Store = memory.New()
	}
	if opts.TxAttempts <= 0 {
		opts.TxAttempts = storage.DefaultAttempts
	}

	ledgerOpts := []ledgersvc.Option{ledgersvc.WithTxAttempts(opts.TxAttempts)}
	if opts.Authorizer != nil {
		ledgerOpts = append(ledgerOpts, ledgersvc.WithAuthorizer(opts.Authorizer))
	}
	ledger := ledgersvc.New(stores.Store, log.Named("ledger"), ledgerOpts...)
	sales := history.New(stores.Store, log.Named("history"))
	market := marketplace.New(stores.Store, ledger, sales, opts.Cache, log.Named("marketplace"),
		marketplace.WithTxAttempts(opts.TxAttempts))

	manager := system.NewManager()
	if opts.DisableStakeSweep {
		log.Warn("stake maturity sweep disabled")
	} else {
		sweep := ledgersvc.NewMaturityWatcher(stores.Store, opts.StakeSweep, log.Named("stake-maturity"))
		if err := manager.Register(sweep); err != nil {
			return nil, fmt.Errorf("register %s: %w", sweep.Name(), err)
		}
	}

	return &Application{
		manager:     manager,
		log:         log,
		Store:       stores.Store,
		Ledger:      ledger,
		History:     sales,
		Marketplace: market,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Services lists the registered service names in start order.
func (a *Application) Services() []string {
	return a.manager.Names()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
