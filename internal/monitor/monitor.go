// Package monitor watches open trades and closes them when an exit condition is met.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"

	"paper-trading-bot-go/internal/clock"
	"paper-trading-bot-go/internal/exchange"
	"paper-trading-bot-go/internal/market"
	"paper-trading-bot-go/internal/models"
	"paper-trading-bot-go/internal/portfolio"
	"paper-trading-bot-go/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store persists trade updates.
type Store interface {
	GetOpenTrades(ctx context.Context, symbol string) ([]models.Trade, error)
	SaveTrade(ctx context.Context, trade *models.Trade) error
	UpdateTrade(ctx context.Context, trade *models.Trade) error
}

// CommissionProcessor pays referral commission on a profitable close.
type CommissionProcessor interface {
	ProcessVaultCommissionPayment(ctx context.Context, trade *models.Trade) (float64, error)
}

// Monitor evaluates exits for every open trade.
type Monitor struct {
	logger      *zap.Logger
	store       Store
	exchange    exchange.Exchange
	provider    market.Provider
	clock       clock.Clock
	interval    string
	commissions CommissionProcessor

	mu       sync.RWMutex
	strategy strategy.Strategy
}

// NewMonitor creates a Monitor. commissions may be nil when the vault is disabled.
func NewMonitor(logger *zap.Logger, store Store, ex exchange.Exchange, provider market.Provider, clk clock.Clock, interval string, commissions CommissionProcessor) *Monitor {
	return &Monitor{
		logger:      logger.Named("monitor"),
		store:       store,
		exchange:    ex,
		provider:    provider,
		clock:       clk,
		interval:    interval,
		commissions: commissions,
	}
}

// SetStrategy installs the strategy consulted for exits and notified of closes.
func (m *Monitor) SetStrategy(s strategy.Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategy = s
}

func (m *Monitor) currentStrategy() strategy.Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategy
}

// marketState is what one monitoring pass knows about a symbol.
type marketState struct {
	symbol string
	price  float64
	candle *market.Candle
	err    error
}

// CheckPositions runs one monitoring pass. Market data is fetched once per
// symbol. A failure on one trade is logged and does not stop the others.
func (m *Monitor) CheckPositions(ctx context.Context) error {
	trades, err := m.store.GetOpenTrades(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load open trades: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}

	states := m.fetchMarket(ctx, trades)
	for i := range trades {
		trade := &trades[i]
		l := m.logger.With(zap.Uint("trade_id", trade.ID), zap.String("symbol", trade.Symbol))

		state := states[trade.Symbol]
		if state.err != nil {
			l.Error("No market data for trade, skipping", zap.Error(state.err))
			continue
		}
		if err := m.evaluate(ctx, trade, state); err != nil {
			l.Error("Failed to evaluate trade", zap.Error(err))
		}
	}
	return nil
}

func (m *Monitor) fetchMarket(ctx context.Context, trades []models.Trade) map[string]marketState {
	symbols := make(map[string]struct{})
	for _, t := range trades {
		symbols[t.Symbol] = struct{}{}
	}

	var wg sync.WaitGroup
	results := make(chan marketState, len(symbols))
	for symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			state := marketState{symbol: symbol}
			ticker, err := m.provider.GetTicker(ctx, symbol)
			if err == nil {
				err = market.ValidatePrice(ticker.Price)
			}
			if err != nil {
				state.err = fmt.Errorf("ticker %s: %w", symbol, err)
				results <- state
				return
			}
			state.price = ticker.Price

			// The latest candle is optional; it only sharpens stop detection.
			candles, err := m.provider.GetCandles(ctx, symbol, m.interval, 1, 0)
			if err != nil {
				m.logger.Debug("Latest candle unavailable", zap.String("symbol", symbol), zap.Error(err))
			} else if len(candles) > 0 {
				c := candles[len(candles)-1]
				state.candle = &c
			}
			results <- state
		}(symbol)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	states := make(map[string]marketState, len(symbols))
	for s := range results {
		states[s.symbol] = s
	}
	return states
}

// evaluate applies, in order, the strategy exit decision, the trailing stop,
// the stop loss, and the take profit.
func (m *Monitor) evaluate(ctx context.Context, trade *models.Trade, state marketState) error {
	price := state.price
	dirty := false

	if checker, ok := m.currentStrategy().(strategy.ExitChecker); ok {
		decision := checker.CheckExit(trade, state.candle)
		switch decision.Action {
		case strategy.ExitClose:
			return m.CloseTrade(ctx, trade, models.ExitStrategy, 0)
		case strategy.ExitUpdateSL:
			if err := market.ValidatePrice(decision.NewPrice); err != nil {
				return fmt.Errorf("strategy stop loss update: %w", err)
			}
			trade.StopLoss = decision.NewPrice
			dirty = true
		case strategy.ExitUpdateTP:
			if err := market.ValidatePrice(decision.NewPrice); err != nil {
				return fmt.Errorf("strategy take profit update: %w", err)
			}
			trade.TakeProfit = decision.NewPrice
			dirty = true
		case strategy.ExitPartialClose:
			qty := market.NormalizeQuantity(decision.Quantity)
			if qty >= trade.Quantity {
				return m.CloseTrade(ctx, trade, models.ExitStrategy, 0)
			}
			if qty > 0 {
				if err := m.partialClose(ctx, trade, qty); err != nil {
					return err
				}
			}
		}
	}

	if trade.Trailing.Enabled {
		triggered, changed := UpdateTrailingStop(trade, price)
		if triggered {
			return m.CloseTrade(ctx, trade, models.ExitTrailingStopLoss, 0)
		}
		dirty = dirty || changed
	}

	if StopLossHit(trade, price, state.candle) {
		return m.CloseTrade(ctx, trade, models.ExitStopLoss, trade.StopLoss)
	}
	if TakeProfitHit(trade, price, state.candle) {
		return m.CloseTrade(ctx, trade, models.ExitTakeProfit, trade.TakeProfit)
	}

	if dirty {
		return m.store.UpdateTrade(ctx, trade)
	}
	return nil
}

// UpdateTrailingStop advances the trailing stop of trade at price. It reports
// whether the stop was hit and whether any trailing field changed.
func UpdateTrailingStop(trade *models.Trade, price float64) (triggered, changed bool) {
	ts := &trade.Trailing
	if !ts.Enabled || trade.Price <= 0 {
		return false, false
	}

	if trade.IsLong() {
		if !ts.Activated && (price-trade.Price)/trade.Price*100 >= ts.ActivationPercent {
			ts.Activated = true
			ts.HighWater = price
			changed = true
		}
		if !ts.Activated {
			return false, changed
		}
		if price > ts.HighWater {
			ts.HighWater = price
			changed = true
		}
		return price <= ts.HighWater*(1-ts.TrailPercent/100), changed
	}

	if !ts.Activated && (trade.Price-price)/trade.Price*100 >= ts.ActivationPercent {
		ts.Activated = true
		ts.LowWater = price
		changed = true
	}
	if !ts.Activated {
		return false, changed
	}
	if price < ts.LowWater {
		ts.LowWater = price
		changed = true
	}
	return price >= ts.LowWater*(1+ts.TrailPercent/100), changed
}

// barSinceEntry returns candle only if it opened at or after the trade. An
// older bar's extremes may predate the entry.
func barSinceEntry(trade *models.Trade, candle *market.Candle) *market.Candle {
	if candle == nil || candle.StartTime < trade.Timestamp {
		return nil
	}
	return candle
}

// StopLossHit checks the stop against the live price and the extreme of a
// candle that opened after the entry.
func StopLossHit(trade *models.Trade, price float64, candle *market.Candle) bool {
	if trade.StopLoss <= 0 {
		return false
	}
	candle = barSinceEntry(trade, candle)
	if trade.IsLong() {
		return price <= trade.StopLoss || candle != nil && candle.Low > 0 && candle.Low <= trade.StopLoss
	}
	return price >= trade.StopLoss || candle != nil && candle.High >= trade.StopLoss
}

// TakeProfitHit checks the target the same way as StopLossHit.
func TakeProfitHit(trade *models.Trade, price float64, candle *market.Candle) bool {
	if trade.TakeProfit <= 0 {
		return false
	}
	candle = barSinceEntry(trade, candle)
	if trade.IsLong() {
		return price >= trade.TakeProfit || candle != nil && candle.High >= trade.TakeProfit
	}
	return price <= trade.TakeProfit || candle != nil && candle.Low > 0 && candle.Low <= trade.TakeProfit
}

// CloseTrade closes the whole trade on the exchange and records the exit.
// referencePrice, when non-zero, is the level the exit fills at.
func (m *Monitor) CloseTrade(ctx context.Context, trade *models.Trade, reason models.ExitReason, referencePrice float64) error {
	if !trade.IsOpen() {
		return fmt.Errorf("trade %d is already closed", trade.ID)
	}

	order, err := m.exchange.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:         trade.Symbol,
		Side:           trade.Side.Opposite(),
		Type:           models.OrderTypeMarket,
		Quantity:       trade.Quantity,
		Leverage:       trade.Leverage,
		ReduceOnly:     true,
		ReferencePrice: referencePrice,
	})
	if err != nil {
		return fmt.Errorf("failed to close trade %d: %w", trade.ID, err)
	}

	pnl := realizedPnL(trade, order)
	trade.Close(models.TradeExit{Price: order.Price, Timestamp: m.clock.Now(), Reason: reason}, pnl)
	if err := m.store.UpdateTrade(ctx, trade); err != nil {
		return fmt.Errorf("trade %d closed on exchange but not persisted: %w", trade.ID, err)
	}

	m.logger.Info("Closed trade",
		zap.Uint("trade_id", trade.ID),
		zap.String("symbol", trade.Symbol),
		zap.String("reason", string(reason)),
		zap.Float64("entry_price", trade.Price),
		zap.Float64("exit_price", order.Price),
		zap.Float64("pnl", pnl),
	)

	if observer, ok := m.currentStrategy().(strategy.PositionObserver); ok {
		observer.OnPositionClosed(trade)
	}
	m.payCommission(ctx, trade)
	return nil
}

// partialClose closes qty of trade. The closed slice is recorded as its own
// CLOSED trade; the remainder stays open with proportionally reduced margin.
func (m *Monitor) partialClose(ctx context.Context, trade *models.Trade, qty float64) error {
	order, err := m.exchange.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     trade.Symbol,
		Side:       trade.Side.Opposite(),
		Type:       models.OrderTypeMarket,
		Quantity:   qty,
		Leverage:   trade.Leverage,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("failed to partially close trade %d: %w", trade.ID, err)
	}
	filled := order.FilledQuantity

	slice := *trade
	slice.ID = 0
	slice.OrderID = order.ID
	slice.Quantity = filled
	slice.QuoteQuantity = trade.Price * filled
	slice.Margin = trade.Margin * filled / trade.Quantity
	pnl := realizedPnL(&slice, order)
	slice.Close(models.TradeExit{Price: order.Price, Timestamp: m.clock.Now(), Reason: models.ExitStrategy}, pnl)
	if err := m.store.SaveTrade(ctx, &slice); err != nil {
		return fmt.Errorf("partial close of trade %d not persisted: %w", trade.ID, err)
	}

	trade.Quantity = decimal.NewFromFloat(trade.Quantity).Sub(decimal.NewFromFloat(filled)).InexactFloat64()
	trade.Margin -= slice.Margin
	trade.QuoteQuantity = trade.Price * trade.Quantity
	if err := m.store.UpdateTrade(ctx, trade); err != nil {
		return err
	}

	m.logger.Info("Partially closed trade",
		zap.Uint("trade_id", trade.ID),
		zap.Float64("closed_quantity", filled),
		zap.Float64("remaining_quantity", trade.Quantity),
		zap.Float64("pnl", pnl),
	)
	m.payCommission(ctx, &slice)
	return nil
}

// realizedPnL is the trade's own PnL at the fill, measured from its entry
// rather than the ledger's averaged one, with the loss capped at the margin
// backing the filled quantity.
func realizedPnL(trade *models.Trade, order *exchange.Order) float64 {
	filled := order.FilledQuantity
	if filled <= 0 || filled > trade.Quantity {
		filled = trade.Quantity
	}
	if trade.Quantity <= 0 {
		return 0
	}
	share := filled / trade.Quantity
	return math.Max(trade.PnLAt(order.Price)*share, -portfolio.TradeMargin(trade)*share)
}

func (m *Monitor) payCommission(ctx context.Context, trade *models.Trade) {
	if m.commissions == nil || trade.RealizedPnL <= 0 {
		return
	}
	if _, err := m.commissions.ProcessVaultCommissionPayment(ctx, trade); err != nil {
		m.logger.Error("Commission distribution failed", zap.Uint("trade_id", trade.ID), zap.Error(err))
	}
}
