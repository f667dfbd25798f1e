// Package portfolio derives account snapshots from trade history and live prices.
package portfolio

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"paper-trading-bot-go/internal/clock"
	"paper-trading-bot-go/internal/config"
	"paper-trading-bot-go/internal/market"
	"paper-trading-bot-go/internal/models"

	"go.uber.org/zap"
)

// Store is the persistence the snapshot engine reads and writes.
type Store interface {
	GetOpenTrades(ctx context.Context, symbol string) ([]models.Trade, error)
	GetRecentTrades(ctx context.Context, limit int) ([]models.Trade, error)
	SaveSnapshot(ctx context.Context, snapshot *models.PortfolioSnapshot) error
	GetSnapshotsSince(ctx context.Context, since int64) ([]models.PortfolioSnapshot, error)
	GetChartCache(ctx context.Context, period string) ([]models.ChartCachePoint, error)
	ReplaceChartCache(ctx context.Context, period string, points []models.ChartCachePoint) error
}

// DepositSource reports the capital deposited into the vault.
type DepositSource interface {
	GetTotalDepositedBalance(ctx context.Context) (float64, error)
}

// Engine computes portfolio snapshots. It holds no account state of its own.
type Engine struct {
	logger         *zap.Logger
	store          Store
	prices         market.TickerSource
	clock          clock.Clock
	initialBalance float64
	lookback       int
	chart          config.Chart

	// deposits replaces initialBalance when the vault is enabled.
	deposits DepositSource
}

// NewEngine creates a snapshot engine. deposits may be nil when the vault is disabled.
func NewEngine(logger *zap.Logger, cfg *config.Config, store Store, prices market.TickerSource, clk clock.Clock, deposits DepositSource) *Engine {
	e := &Engine{
		logger:         logger.Named("portfolio"),
		store:          store,
		prices:         prices,
		clock:          clk,
		initialBalance: cfg.Balance.Initial,
		lookback:       cfg.Trading.RecentTradesLookback,
		chart:          cfg.Chart,
	}
	if cfg.Vault.Enabled {
		e.deposits = deposits
	}
	return e
}

// GenerateSnapshot computes the current portfolio state. It does not write anything.
func (e *Engine) GenerateSnapshot(ctx context.Context) (*models.PortfolioSnapshot, error) {
	open, err := e.store.GetOpenTrades(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load open trades: %w", err)
	}
	recent, err := e.store.GetRecentTrades(ctx, e.lookback)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent trades: %w", err)
	}

	initial := e.initialBalance
	if e.deposits != nil {
		initial, err = e.deposits.GetTotalDepositedBalance(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load vault deposits: %w", err)
		}
	}

	trades := mergeTrades(open, recent)
	snapshot := &models.PortfolioSnapshot{
		Timestamp: e.clock.Now(),
		Holdings:  make(map[string]float64),
	}

	var grossProfit, grossLoss float64
	var openTrades []*models.Trade
	for i := range trades {
		t := &trades[i]
		if t.IsOpen() {
			openTrades = append(openTrades, t)
			continue
		}
		pnl := ClosedPnL(t)
		snapshot.RealizedPnL += pnl
		snapshot.TotalTrades++
		switch {
		case pnl > 0:
			snapshot.WinningTrades++
			grossProfit += pnl
		case pnl < 0:
			snapshot.LosingTrades++
			grossLoss -= pnl
		}
	}

	snapshot.WalletBalance = initial + snapshot.RealizedPnL

	for _, t := range openTrades {
		snapshot.TotalNotionalValue += t.Price * t.Quantity
		snapshot.TotalMarginUsed += TradeMargin(t)
		if t.IsLong() {
			snapshot.Holdings[t.Symbol] += t.Quantity
		} else {
			snapshot.Holdings[t.Symbol] -= t.Quantity
		}
	}
	snapshot.OpenTrades = len(openTrades)
	snapshot.CurrentBalance = math.Max(0, snapshot.WalletBalance-snapshot.TotalMarginUsed)

	prices := e.fetchPrices(ctx, openTrades)
	for _, t := range openTrades {
		price, ok := prices[t.Symbol]
		if !ok {
			price = t.Price
		}
		snapshot.UnrealizedPnL += t.PnLAt(price)
	}
	snapshot.CurrentEquity = snapshot.WalletBalance + snapshot.UnrealizedPnL

	if snapshot.TotalTrades > 0 {
		snapshot.WinRate = float64(snapshot.WinningTrades) / float64(snapshot.TotalTrades)
	}
	snapshot.ProfitFactor = ProfitFactor(grossProfit, grossLoss)

	return snapshot, nil
}

// GetCurrentEquity returns wallet balance plus unrealized PnL at live prices.
func (e *Engine) GetCurrentEquity(ctx context.Context) (float64, error) {
	snapshot, err := e.GenerateSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	return snapshot.CurrentEquity, nil
}

// SaveSnapshot generates and persists a snapshot, then appends it to the chart caches.
// A chart cache failure is logged and does not fail the call.
func (e *Engine) SaveSnapshot(ctx context.Context) (*models.PortfolioSnapshot, error) {
	snapshot, err := e.GenerateSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}
	point := models.ChartCachePoint{Timestamp: snapshot.Timestamp, Equity: snapshot.CurrentEquity}
	for _, period := range ChartPeriods {
		if err := e.updateChartCache(ctx, period, point); err != nil {
			e.logger.Warn("Failed to update chart cache", zap.String("period", period.Name), zap.Error(err))
		}
	}
	return snapshot, nil
}

// fetchPrices gets one ticker per distinct symbol, concurrently. Symbols whose
// ticker fails are left out so callers fall back to the entry price.
func (e *Engine) fetchPrices(ctx context.Context, trades []*models.Trade) map[string]float64 {
	symbols := make(map[string]struct{})
	for _, t := range trades {
		symbols[t.Symbol] = struct{}{}
	}

	type result struct {
		symbol string
		price  float64
	}
	var wg sync.WaitGroup
	results := make(chan result, len(symbols))
	for symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			ticker, err := e.prices.GetTicker(ctx, symbol)
			if err == nil {
				err = market.ValidatePrice(ticker.Price)
			}
			if err != nil {
				e.logger.Warn("Ticker unavailable, valuing at entry price", zap.String("symbol", symbol), zap.Error(err))
				return
			}
			results <- result{symbol: symbol, price: ticker.Price}
		}(symbol)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	prices := make(map[string]float64, len(symbols))
	for r := range results {
		prices[r.symbol] = r.price
	}
	return prices
}

// mergeTrades combines two trade sets by id. A CLOSED copy wins over an OPEN
// one, which covers a trade closing between the two reads.
func mergeTrades(sets ...[]models.Trade) []models.Trade {
	byID := make(map[uint]models.Trade)
	for _, set := range sets {
		for _, t := range set {
			existing, ok := byID[t.ID]
			if ok && !existing.IsOpen() {
				continue
			}
			byID[t.ID] = t
		}
	}
	merged := make([]models.Trade, 0, len(byID))
	for _, t := range byID {
		merged = append(merged, t)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	return merged
}

// TradeMargin returns the stored margin, or recomputes it from leverage when
// the stored value is missing or invalid.
func TradeMargin(t *models.Trade) float64 {
	if t.Margin > 0 && !math.IsInf(t.Margin, 0) {
		return t.Margin
	}
	return t.Price * t.Quantity / math.Max(t.Leverage, 1)
}

// ClosedPnL is the side-aware PnL of a closed trade from its prices, with the
// loss capped at the trade's margin as the ledger does on close.
func ClosedPnL(t *models.Trade) float64 {
	return math.Max(t.PnL(), -TradeMargin(t))
}

// ProfitFactor is gross profit over gross loss. It is 0 without trades and
// models.ProfitFactorInfinite when there is profit but no loss.
func ProfitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss == 0 {
		if grossProfit > 0 {
			return models.ProfitFactorInfinite
		}
		return 0
	}
	return grossProfit / grossLoss
}
