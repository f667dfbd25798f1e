package models

import "gorm.io/gorm"

// OrderSide is the direction of an order as sent to the exchange.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide returns LONG for buys and SHORT for sells.
func (s OrderSide) PositionSide() PositionSide {
	if s == SideBuy {
		return Long
	}
	return Short
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// OrderType is MARKET or LIMIT.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TradeStatus is OPEN until the position is closed, then CLOSED forever.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// ExitReason records why a trade was closed.
type ExitReason string

const (
	ExitStopLoss         ExitReason = "STOP_LOSS"
	ExitTakeProfit       ExitReason = "TAKE_PROFIT"
	ExitTrailingStopLoss ExitReason = "TRAILING_STOP_LOSS"
	ExitStrategy         ExitReason = "STRATEGY_EXIT"
	ExitForceClose       ExitReason = "FORCE_CLOSE"
	ExitOppositeSignal   ExitReason = "OPPOSITE_SIGNAL"
)

// TrailingStop holds the trailing-stop settings and the water marks reached so far.
// The marks are persisted so a restart resumes trailing from where it stopped.
type TrailingStop struct {
	Enabled           bool    `json:"enabled"`
	Activated         bool    `json:"activated"`
	ActivationPercent float64 `json:"activation_percent"`
	TrailPercent      float64 `json:"trail_percent"`
	HighWater         float64 `json:"high_water"`
	LowWater          float64 `json:"low_water"`
}

// TradeExit is set together, exactly once, when the trade closes.
type TradeExit struct {
	Price      float64    `json:"price"`
	Timestamp  int64      `json:"timestamp"`
	Reason     ExitReason `json:"reason"`
	DurationMs int64      `json:"duration_ms"`
}

// Trade is a filled order that opened a position, plus everything the monitor
// needs to manage and eventually close it.
type Trade struct {
	gorm.Model
	OrderID       string       `gorm:"index" json:"order_id"`
	Symbol        string       `gorm:"index;not null" json:"symbol"`
	Side          OrderSide    `gorm:"not null" json:"side"`
	Type          OrderType    `json:"type"`
	Price         float64      `json:"price"` // entry price
	Quantity      float64      `json:"quantity"`
	QuoteQuantity float64      `json:"quote_quantity"`
	Timestamp     int64        `gorm:"index" json:"timestamp"` // entry time, epoch millis
	Status        TradeStatus  `gorm:"index;not null" json:"status"`
	Leverage      float64      `json:"leverage"`
	Margin        float64      `json:"margin"`
	StrategyName  string       `json:"strategy_name"`
	StopLoss      float64      `json:"stop_loss_price"`
	TakeProfit    float64      `json:"take_profit_price"`
	Trailing      TrailingStop `gorm:"embedded;embeddedPrefix:trailing_" json:"trailing"`
	Exit          TradeExit    `gorm:"embedded;embeddedPrefix:exit_" json:"exit"`
	RealizedPnL   float64      `json:"realized_pnl"`
}

// IsOpen reports whether the trade still backs a live position.
func (t *Trade) IsOpen() bool {
	return t.Status == TradeOpen
}

// IsLong reports whether the trade was opened with a buy.
func (t *Trade) IsLong() bool {
	return t.Side == SideBuy
}

// PnLAt is the side-aware profit of the trade if it were closed at price.
func (t *Trade) PnLAt(price float64) float64 {
	if t.IsLong() {
		return (price - t.Price) * t.Quantity
	}
	return (t.Price - price) * t.Quantity
}

// PnL is the realized profit of a closed trade computed from its prices.
// It is zero while the trade is open.
func (t *Trade) PnL() float64 {
	if t.IsOpen() {
		return 0
	}
	return t.PnLAt(t.Exit.Price)
}

// Close moves the trade to CLOSED. It refuses to close a trade twice so the
// exit fields can never be overwritten.
func (t *Trade) Close(exit TradeExit, realizedPnL float64) bool {
	if !t.IsOpen() {
		return false
	}
	if exit.DurationMs == 0 && exit.Timestamp > t.Timestamp {
		exit.DurationMs = exit.Timestamp - t.Timestamp
	}
	t.Status = TradeClosed
	t.Exit = exit
	t.RealizedPnL = realizedPnL
	return true
}
