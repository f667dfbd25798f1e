package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"paper-trading-bot-go/internal/exchange"
	"paper-trading-bot-go/internal/market"
	"paper-trading-bot-go/internal/models"
	"paper-trading-bot-go/internal/portfolio"
	"paper-trading-bot-go/internal/risk"
	"paper-trading-bot-go/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// rejections are expected refusals to trade; they are logged at Warn and do not fail a tick.
var rejections = []error{
	exchange.ErrInsufficientMargin,
	exchange.ErrInvalidMargin,
	exchange.ErrPendingLimitUnsupported,
	exchange.ErrInvalidOrder,
	exchange.ErrNotSupported,
	risk.ErrDrawdownHalt,
	risk.ErrMaxOpenTrades,
	risk.ErrTotalRiskExceeded,
	risk.ErrNoBalance,
}

func isRejection(err error) bool {
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Engine is the core trading engine. It drives one tick at a time: market
// data, position monitoring, the strategy signal, order placement, and the
// portfolio snapshot.
type Engine struct {
	logger *zap.Logger
	c      *Components

	UUID      string
	Name      string
	StartTime time.Time

	strategy        strategy.Strategy
	lastCandleStart int64

	// orderMu admits one signal-driven order placement at a time.
	orderMu sync.Mutex

	snapshotMu   sync.RWMutex
	lastSnapshot *models.PortfolioSnapshot
}

// NewEngine creates a new trading engine over the wired components.
func NewEngine(logger *zap.Logger, c *Components) *Engine {
	return &Engine{
		logger: logger.Named("engine"),
		c:      c,
		UUID:   uuid.NewString(),
		Name:   fmt.Sprintf("%s-%s", c.Config.Trading.Symbol, c.Config.Trading.Mode),
	}
}

// Strategy returns the active strategy, nil before initialization.
func (e *Engine) Strategy() strategy.Strategy {
	return e.strategy
}

// LatestSnapshot returns the snapshot saved by the last tick.
func (e *Engine) LatestSnapshot() *models.PortfolioSnapshot {
	e.snapshotMu.RLock()
	defer e.snapshotMu.RUnlock()
	return e.lastSnapshot
}

// Run initializes the engine and ticks until ctx is canceled. Each tick
// completes before the next sleep starts, so ticks never overlap.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Initializing trading engine...")
	if err := e.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	e.logger.Info("Engine initialized successfully.")

	interval := e.c.Config.Trading.TickDuration()
	e.logger.Info("Starting tick loop", zap.Duration("interval", interval))

	for {
		if err := e.Tick(ctx); err != nil {
			e.logger.Error("Tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			e.logger.Info("Stopping trading engine...")
			return nil
		case <-time.After(interval):
		}
	}
}

// Initialize builds the strategy, rebuilds the paper ledger from the
// persisted trades, and loads the daily risk reference.
func (e *Engine) Initialize(ctx context.Context) error {
	cfg := e.c.Config
	s, err := e.c.Registry.New(cfg.Trading.Strategy, cfg.Trading.StrategyParams)
	if err != nil {
		return err
	}
	e.strategy = s
	e.c.Monitor.SetStrategy(s)

	snapshot, err := e.c.Portfolio.GenerateSnapshot(ctx)
	if err != nil {
		return err
	}
	open, err := e.c.Store.GetOpenTrades(ctx, "")
	if err != nil {
		return err
	}

	if e.c.Ledger != nil {
		e.c.Ledger.Reset(snapshot.WalletBalance)
		for i := range open {
			t := &open[i]
			err := e.c.Ledger.RestorePosition(exchange.Position{
				Symbol:     t.Symbol,
				Side:       t.Side.PositionSide(),
				Quantity:   t.Quantity,
				EntryPrice: t.Price,
				Margin:     portfolio.TradeMargin(t),
				Leverage:   t.Leverage,
			})
			if err != nil {
				return fmt.Errorf("failed to restore trade %d: %w", t.ID, err)
			}
		}
		e.logger.Info("Paper ledger restored",
			zap.String("quote_asset", e.c.Ledger.QuoteAsset()),
			zap.Float64("wallet_balance", snapshot.WalletBalance),
			zap.Int("open_trades", len(open)),
		)
	}

	if observer, ok := s.(strategy.PositionObserver); ok {
		for i := range open {
			observer.OnPositionOpened(&open[i])
		}
	}

	if err := e.c.Risk.Init(ctx, snapshot.CurrentEquity); err != nil {
		return err
	}

	e.snapshotMu.Lock()
	e.lastSnapshot = snapshot
	e.snapshotMu.Unlock()
	e.StartTime = time.UnixMilli(e.c.Clock.Now())
	return nil
}

// Tick runs one cycle. Market data failures abort the tick before anything is mutated.
func (e *Engine) Tick(ctx context.Context) error {
	if e.strategy == nil {
		return fmt.Errorf("engine not initialized")
	}
	cfg := e.c.Config.Trading

	candles, err := e.c.Provider.GetCandles(ctx, cfg.Symbol, cfg.Interval, cfg.CandleLimit, 0)
	if err != nil {
		return fmt.Errorf("could not get candles: %w", err)
	}
	ticker, err := e.c.Provider.GetTicker(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("could not get ticker: %w", err)
	}
	if err := market.ValidatePrice(ticker.Price); err != nil {
		return fmt.Errorf("ticker %s: %w", cfg.Symbol, err)
	}

	if err := e.c.Monitor.CheckPositions(ctx); err != nil {
		return err
	}

	if signal := e.feedStrategy(candles, ticker.Price); signal != nil && (signal.ForceClose || signal.Action != strategy.ActionHold) {
		if err := e.processSignal(ctx, signal, ticker.Price); err != nil {
			return err
		}
	}

	snapshot, err := e.c.Portfolio.SaveSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("could not save snapshot: %w", err)
	}
	e.snapshotMu.Lock()
	e.lastSnapshot = snapshot
	e.snapshotMu.Unlock()

	e.logger.Debug("Tick complete",
		zap.Float64("price", ticker.Price),
		zap.Float64("equity", snapshot.CurrentEquity),
		zap.Int("open_trades", snapshot.OpenTrades),
	)
	return nil
}

// feedStrategy passes every candle not yet seen, plus the still-forming last
// one, to the strategy. Only the signal of the latest candle is acted on.
func (e *Engine) feedStrategy(candles []market.Candle, price float64) *strategy.Signal {
	var signal *strategy.Signal
	for _, c := range candles {
		if c.StartTime < e.lastCandleStart {
			continue
		}
		signal = e.strategy.Update(c, price)
		e.lastCandleStart = c.StartTime
	}
	if signal != nil && signal.Symbol == "" {
		signal.Symbol = e.c.Config.Trading.Symbol
	}
	return signal
}

// processSignal turns a strategy signal into closes and at most one new position.
func (e *Engine) processSignal(ctx context.Context, signal *strategy.Signal, price float64) error {
	if !e.orderMu.TryLock() {
		e.logger.Warn("Signal processing already in flight, skipping", zap.String("symbol", signal.Symbol))
		return nil
	}
	defer e.orderMu.Unlock()

	cfg := e.c.Config
	l := e.logger.With(
		zap.String("symbol", signal.Symbol),
		zap.String("action", string(signal.Action)),
		zap.String("reason", signal.Reason),
	)

	open, err := e.c.Store.GetOpenTrades(ctx, signal.Symbol)
	if err != nil {
		return err
	}

	if signal.ForceClose {
		l.Info("Force closing open trades", zap.Int("count", len(open)))
		return e.closeAll(ctx, open, models.ExitForceClose)
	}

	side := signal.Side()
	var same, opposite []models.Trade
	for _, t := range open {
		if t.Side == side {
			same = append(same, t)
		} else {
			opposite = append(opposite, t)
		}
	}

	if len(opposite) > 0 {
		if !cfg.Trading.CloseOnOppositeSignal {
			l.Info("Opposite position open, ignoring signal")
			return nil
		}
		if err := e.closeAll(ctx, opposite, models.ExitOppositeSignal); err != nil {
			return err
		}
	}
	if len(same) > 0 && !cfg.Trading.AllowMultiplePositions {
		l.Debug("Position already open on this side")
		return nil
	}
	if e.c.Ledger == nil && side == models.SideSell {
		l.Info("Short selling is not available on the live spot exchange")
		return nil
	}

	return e.openPosition(ctx, l, signal, side, price)
}

func (e *Engine) openPosition(ctx context.Context, l *zap.Logger, signal *strategy.Signal, side models.OrderSide, price float64) error {
	cfg := e.c.Config

	equity, err := e.c.Portfolio.GetCurrentEquity(ctx)
	if err != nil {
		return err
	}
	quantity, err := e.c.Risk.CalculateQuantity(ctx, signal.Symbol, price, signal.StopLoss, equity)
	if err != nil {
		if isRejection(err) {
			l.Warn("Position not sized", zap.Error(err))
			return nil
		}
		return err
	}
	if quantity <= 0 {
		return nil
	}

	req := exchange.OrderRequest{
		Symbol:   signal.Symbol,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Quantity: quantity,
		Price:    price,
		Leverage: cfg.Leverage.Effective(),
	}
	if err := e.c.Risk.ValidateOrder(ctx, req, equity); err != nil {
		if isRejection(err) {
			l.Warn("Order rejected by risk manager", zap.Error(err))
			return nil
		}
		return err
	}

	order, err := e.c.Exchange.PlaceOrder(ctx, req)
	if err != nil {
		if isRejection(err) {
			l.Warn("Order rejected by exchange", zap.Error(err))
			return nil
		}
		return err
	}

	exits := e.c.Risk.CalculateExitPrices(order.Price, side, signal.StopLoss, signal.TakeProfit)
	timestamp := order.Timestamp
	if timestamp == 0 {
		timestamp = e.c.Clock.Now()
	}
	trade := &models.Trade{
		OrderID:       order.ID,
		Symbol:        signal.Symbol,
		Side:          side,
		Type:          models.OrderTypeMarket,
		Price:         order.Price,
		Quantity:      order.FilledQuantity,
		QuoteQuantity: order.Price * order.FilledQuantity,
		Timestamp:     timestamp,
		Status:        models.TradeOpen,
		Leverage:      req.Leverage,
		Margin:        order.Margin,
		StrategyName:  e.strategy.Name(),
		StopLoss:      exits.StopLoss,
		TakeProfit:    exits.TakeProfit,
		Trailing: models.TrailingStop{
			Enabled:           cfg.Exits.TrailingStop.Enabled,
			ActivationPercent: cfg.Exits.TrailingStop.ActivationPercent,
			TrailPercent:      cfg.Exits.TrailingStop.TrailPercent,
		},
	}
	if err := e.c.Store.SaveTrade(ctx, trade); err != nil {
		l.Error("Order filled but trade not persisted", zap.String("order_id", order.ID), zap.Error(err))
		return err
	}

	if observer, ok := e.strategy.(strategy.PositionObserver); ok {
		observer.OnPositionOpened(trade)
	}
	l.Info("Opened trade",
		zap.Uint("trade_id", trade.ID),
		zap.String("side", string(side)),
		zap.Float64("price", trade.Price),
		zap.Float64("quantity", trade.Quantity),
		zap.Float64("margin", trade.Margin),
		zap.Float64("stop_loss", trade.StopLoss),
		zap.Float64("take_profit", trade.TakeProfit),
	)
	return nil
}

// closeAll closes every trade in trades, continuing past failures.
func (e *Engine) closeAll(ctx context.Context, trades []models.Trade, reason models.ExitReason) error {
	var errs []error
	for i := range trades {
		if err := e.c.Monitor.CloseTrade(ctx, &trades[i], reason, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
