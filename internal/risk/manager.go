// Package risk sizes new positions and decides whether new orders may be placed.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"paper-trading-bot-go/internal/clock"
	"paper-trading-bot-go/internal/config"
	"paper-trading-bot-go/internal/exchange"
	"paper-trading-bot-go/internal/market"
	"paper-trading-bot-go/internal/models"

	"go.uber.org/zap"
)

var (
	ErrDrawdownHalt      = errors.New("daily drawdown limit reached, trading halted")
	ErrMaxOpenTrades     = errors.New("maximum open trades reached")
	ErrTotalRiskExceeded = errors.New("maximum total risk exceeded")
	ErrMissingOrderPrice = errors.New("order has no price to evaluate risk")
	ErrNotInitialized    = errors.New("risk manager not initialized")
	ErrNoBalance         = errors.New("no available balance")
)

// marginBufferRatio is the share of the available balance a new position's margin may use.
const marginBufferRatio = 0.9

// Store persists the daily risk reference and reads open trades.
type Store interface {
	GetRiskState(ctx context.Context) (*models.RiskState, error)
	SaveRiskState(ctx context.Context, state *models.RiskState) error
	GetOpenTrades(ctx context.Context, symbol string) ([]models.Trade, error)
}

// BalanceReader reads the free quote balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, asset string) (float64, error)
}

// ExitPrices are absolute stop-loss and take-profit levels.
type ExitPrices struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// Manager implements risk-first position sizing and the trading halts.
type Manager struct {
	logger   *zap.Logger
	risk     config.Risk
	leverage config.Leverage
	exits    config.Exits
	asset    string
	balances BalanceReader
	store    Store
	clock    clock.Clock

	mu                sync.Mutex
	initialized       bool
	startOfDayBalance float64
	lastResetDay      int
}

// NewManager creates a Manager. Init must be called before ValidateOrder.
func NewManager(logger *zap.Logger, cfg *config.Config, balances BalanceReader, store Store, clk clock.Clock) *Manager {
	return &Manager{
		logger:   logger.Named("risk"),
		risk:     cfg.Risk,
		leverage: cfg.Leverage,
		exits:    cfg.Exits,
		asset:    cfg.Balance.Asset,
		balances: balances,
		store:    store,
		clock:    clk,
	}
}

// Init loads the persisted start-of-day balance, or starts a new day at currentEquity
// when nothing was stored for today.
func (m *Manager) Init(ctx context.Context, currentEquity float64) error {
	state, err := m.store.GetRiskState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load risk state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	today := m.clock.UTCDay()
	if state != nil && state.LastResetDay == today && state.StartOfDayBalance > 0 {
		m.startOfDayBalance = state.StartOfDayBalance
		m.lastResetDay = state.LastResetDay
		m.initialized = true
		m.logger.Info("Restored risk state",
			zap.Float64("start_of_day_balance", m.startOfDayBalance),
			zap.Int("day", m.lastResetDay),
		)
		return nil
	}

	m.initialized = true
	return m.resetDayLocked(ctx, currentEquity, today)
}

func (m *Manager) resetDayLocked(ctx context.Context, equity float64, day int) error {
	m.startOfDayBalance = equity
	m.lastResetDay = day
	m.logger.Info("New trading day",
		zap.Float64("start_of_day_balance", equity),
		zap.Int("day", day),
	)
	state := &models.RiskState{StartOfDayBalance: equity, LastResetDay: day}
	if err := m.store.SaveRiskState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist risk state: %w", err)
	}
	return nil
}

// StartOfDayBalance returns the drawdown reference of the current UTC day.
func (m *Manager) StartOfDayBalance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startOfDayBalance
}

// DailyDrawdown returns the fractional loss of currentEquity against the start-of-day balance.
func (m *Manager) DailyDrawdown(currentEquity float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drawdownLocked(currentEquity)
}

func (m *Manager) drawdownLocked(currentEquity float64) float64 {
	if m.startOfDayBalance <= 0 {
		return 0
	}
	return (m.startOfDayBalance - currentEquity) / m.startOfDayBalance
}

// ValidateOrder returns nil when req may be placed. Reduce-only orders are always allowed.
func (m *Manager) ValidateOrder(ctx context.Context, req exchange.OrderRequest, currentEquity float64) error {
	if req.ReduceOnly {
		return nil
	}

	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if today := m.clock.UTCDay(); today != m.lastResetDay {
		if err := m.resetDayLocked(ctx, currentEquity, today); err != nil {
			m.logger.Error("Failed to reset daily risk state", zap.Error(err))
		}
	}
	drawdown := m.drawdownLocked(currentEquity)
	startOfDay := m.startOfDayBalance
	m.mu.Unlock()

	if m.risk.MaxDailyDrawdownPercent > 0 && drawdown*100 > m.risk.MaxDailyDrawdownPercent {
		m.logger.Error("Daily drawdown limit reached, trading halted",
			zap.Float64("drawdown_percent", drawdown*100),
			zap.Float64("limit_percent", m.risk.MaxDailyDrawdownPercent),
			zap.Float64("start_of_day_balance", startOfDay),
			zap.Float64("current_equity", currentEquity),
		)
		return fmt.Errorf("%w: drawdown %.2f%% exceeds %.2f%%", ErrDrawdownHalt, drawdown*100, m.risk.MaxDailyDrawdownPercent)
	}

	openTrades, err := m.store.GetOpenTrades(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load open trades: %w", err)
	}
	if m.risk.MaxOpenTrades > 0 && len(openTrades) >= m.risk.MaxOpenTrades {
		return fmt.Errorf("%w: %d open, limit %d", ErrMaxOpenTrades, len(openTrades), m.risk.MaxOpenTrades)
	}

	if m.risk.MaxTotalRiskPercent > 0 {
		price := req.Price
		if req.ReferencePrice > 0 {
			price = req.ReferencePrice
		}
		if price <= 0 {
			return ErrMissingOrderPrice
		}
		lev := math.Max(req.Leverage, 1)
		newMargin := req.Quantity * price / lev

		var usedMargin float64
		for i := range openTrades {
			usedMargin += tradeMargin(&openTrades[i])
		}
		if currentEquity <= 0 {
			return fmt.Errorf("%w: equity %.8f", ErrTotalRiskExceeded, currentEquity)
		}
		totalRisk := (usedMargin + newMargin) / currentEquity * 100
		if totalRisk > m.risk.MaxTotalRiskPercent {
			return fmt.Errorf("%w: %.2f%% of equity committed, limit %.2f%%", ErrTotalRiskExceeded, totalRisk, m.risk.MaxTotalRiskPercent)
		}
	}

	return nil
}

func tradeMargin(t *models.Trade) float64 {
	if t.Margin > 0 {
		return t.Margin
	}
	return t.Price * t.Quantity / math.Max(t.Leverage, 1)
}

// CalculateQuantity sizes a position so that hitting the stop loses riskPerTradePercent
// of the smaller of equity and available balance, then shrinks it to fit the margin buffer,
// the position size cap, and the leverage utilization cap, in that order. It returns 0
// when the result is worth less than the minimum position value.
func (m *Manager) CalculateQuantity(ctx context.Context, symbol string, price, stopLossPercent, currentEquity float64) (float64, error) {
	if err := market.ValidatePrice(price); err != nil {
		return 0, err
	}
	available, err := m.balances.GetBalance(ctx, m.asset)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s balance: %w", m.asset, err)
	}
	if available <= 0 {
		return 0, ErrNoBalance
	}
	if stopLossPercent <= 0 {
		stopLossPercent = m.exits.StopLossPercent
	}
	if stopLossPercent <= 0 {
		return 0, fmt.Errorf("no stop loss distance for %s", symbol)
	}
	if currentEquity <= 0 {
		currentEquity = available
	}
	lev := m.leverage.Effective()

	slDistance := price * stopLossPercent / 100
	riskBudget := math.Min(currentEquity, available) * m.risk.RiskPerTradePercent / 100
	quantity := market.NormalizeQuantity(riskBudget / slDistance)

	if margin := quantity * price / lev; margin > marginBufferRatio*available {
		quantity = market.NormalizeQuantity(marginBufferRatio * available * lev / price)
	}

	if m.risk.MaxPositionSizePercent > 0 {
		maxNotional := available * m.risk.MaxPositionSizePercent / 100
		if quantity*price > maxNotional {
			quantity = market.NormalizeQuantity(maxNotional / price)
		}
	}

	if m.leverage.MaxUtilizationPercent > 0 {
		maxNotional := available * lev * m.leverage.MaxUtilizationPercent / 100
		if quantity*price > maxNotional {
			quantity = market.NormalizeQuantity(maxNotional / price)
		}
	}

	positionValue := quantity * price
	if positionValue < m.risk.MinPositionValue {
		m.logger.Info("Position below minimum value, skipping",
			zap.String("symbol", symbol),
			zap.Float64("position_value", positionValue),
			zap.Float64("min_position_value", m.risk.MinPositionValue),
		)
		return 0, nil
	}

	m.logger.Debug("Calculated position size",
		zap.String("symbol", symbol),
		zap.Float64("price", price),
		zap.Float64("stop_loss_percent", stopLossPercent),
		zap.Float64("risk_budget", riskBudget),
		zap.Float64("available", available),
		zap.Float64("quantity", quantity),
		zap.Float64("position_value", positionValue),
	)
	return quantity, nil
}

// CalculateExitPrices turns stop-loss and take-profit percentages into price levels
// measured from entryPrice. Non-positive percentages fall back to the configured defaults.
func (m *Manager) CalculateExitPrices(entryPrice float64, side models.OrderSide, stopLossPercent, takeProfitPercent float64) ExitPrices {
	if stopLossPercent <= 0 {
		stopLossPercent = m.exits.StopLossPercent
	}
	if takeProfitPercent <= 0 {
		takeProfitPercent = m.exits.TakeProfitPercent
	}
	return ExitPricesFor(entryPrice, side, stopLossPercent, takeProfitPercent)
}

// ExitPricesFor computes the exit levels for the given percentages.
// A zero percentage yields a zero (disabled) level.
func ExitPricesFor(entryPrice float64, side models.OrderSide, stopLossPercent, takeProfitPercent float64) ExitPrices {
	var out ExitPrices
	sl := stopLossPercent / 100
	tp := takeProfitPercent / 100
	if side == models.SideBuy {
		if sl > 0 {
			out.StopLoss = entryPrice * (1 - sl)
		}
		if tp > 0 {
			out.TakeProfit = entryPrice * (1 + tp)
		}
		return out
	}
	if sl > 0 {
		out.StopLoss = entryPrice * (1 + sl)
	}
	if tp > 0 {
		out.TakeProfit = entryPrice * (1 - tp)
	}
	return out
}
