package trader

import (
	"context"

	"paper-trading-bot-go/internal/binance"
	"paper-trading-bot-go/internal/clock"
	"paper-trading-bot-go/internal/commission"
	"paper-trading-bot-go/internal/config"
	"paper-trading-bot-go/internal/database"
	"paper-trading-bot-go/internal/exchange"
	"paper-trading-bot-go/internal/market"
	"paper-trading-bot-go/internal/monitor"
	"paper-trading-bot-go/internal/portfolio"
	"paper-trading-bot-go/internal/risk"
	"paper-trading-bot-go/internal/strategy"
	"paper-trading-bot-go/internal/vault"

	"go.uber.org/zap"
)

// Components are the collaborators one engine runs on.
type Components struct {
	Config     *config.Config
	Store      *database.Store
	Provider   market.Provider
	Exchange   exchange.Exchange
	Ledger     *exchange.SimulatedExchange // nil in live mode
	Risk       *risk.Manager
	Monitor    *monitor.Monitor
	Portfolio  *portfolio.Engine
	Vault      *vault.Accountant
	Commission *commission.Distributor
	Registry   *strategy.Registry
	Clock      clock.Clock
}

// NewComponents wires the engine's collaborators. In paper mode orders fill
// on the simulated ledger; in live mode they are sent through client.
func NewComponents(logger *zap.Logger, cfg *config.Config, store *database.Store, client binance.RestClientInterface, clk clock.Clock) *Components {
	c := &Components{
		Config:   cfg,
		Store:    store,
		Provider: client,
		Registry: strategy.DefaultRegistry(),
		Clock:    clk,
	}

	c.Vault = vault.NewAccountant(logger, store, clk)
	c.Commission = commission.NewDistributor(logger, store, c.Vault)
	c.Portfolio = portfolio.NewEngine(logger, cfg, store, client, clk, c.Vault)

	var balances risk.BalanceReader
	if cfg.Trading.Mode == "live" {
		c.Exchange = binance.NewLiveExchange(client, logger)
		balances = snapshotBalance{c.Portfolio}
	} else {
		c.Ledger = exchange.NewSimulatedExchange(logger, client, clk, cfg.Balance.Asset, cfg.Balance.Initial)
		c.Exchange = c.Ledger
		balances = c.Ledger
	}
	c.Risk = risk.NewManager(logger, cfg, balances, store, clk)

	var payer monitor.CommissionProcessor
	if cfg.Vault.Enabled {
		c.Vault.SetEquityProvider(c.Portfolio)
		payer = c.Commission
	}
	c.Monitor = monitor.NewMonitor(logger, store, c.Exchange, client, clk, cfg.Trading.Interval, payer)
	return c
}

// snapshotBalance reads the free balance from the engine's own books. The
// live adapter does not report balances.
type snapshotBalance struct {
	portfolio *portfolio.Engine
}

func (b snapshotBalance) GetBalance(ctx context.Context, _ string) (float64, error) {
	snapshot, err := b.portfolio.GenerateSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	return snapshot.CurrentBalance, nil
}
