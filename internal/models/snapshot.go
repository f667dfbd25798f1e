package models

import "math"

// ProfitFactorInfinite is reported when there are winning trades and no losing ones.
// It stays finite so it can be stored and JSON encoded.
const ProfitFactorInfinite = math.MaxFloat64

// PortfolioSnapshot is the derived state of the account at a point in time.
// It is recomputed from trade history and live prices; persisted rows only
// feed charts and fallbacks.
type PortfolioSnapshot struct {
	ID                 uint               `gorm:"primaryKey" json:"id"`
	Timestamp          int64              `gorm:"index" json:"timestamp"`
	WalletBalance      float64            `json:"wallet_balance"`
	CurrentBalance     float64            `json:"current_balance"`
	CurrentEquity      float64            `json:"current_equity"`
	RealizedPnL        float64            `json:"realized_pnl"`
	UnrealizedPnL      float64            `json:"unrealized_pnl"`
	TotalMarginUsed    float64            `json:"total_margin_used"`
	TotalNotionalValue float64            `json:"total_notional_value"`
	Holdings           map[string]float64 `gorm:"serializer:json" json:"holdings"`
	OpenTrades         int                `json:"open_trades"`
	TotalTrades        int                `json:"total_trades"`
	WinningTrades      int                `json:"winning_trades"`
	LosingTrades       int                `json:"losing_trades"`
	WinRate            float64            `json:"win_rate"`
	ProfitFactor       float64            `json:"profit_factor"`
}

// ChartCachePoint is one (timestamp, equity) pair of a rolling chart period.
type ChartCachePoint struct {
	ID        uint    `gorm:"primaryKey" json:"-"`
	Period    string  `gorm:"index;not null" json:"-"`
	Timestamp int64   `json:"timestamp"`
	Equity    float64 `json:"equity"`
}

// RiskState survives restarts so the daily drawdown reference is not lost.
type RiskState struct {
	ID                uint    `gorm:"primaryKey"`
	StartOfDayBalance float64 `json:"start_of_day_balance"`
	LastResetDay      int     `json:"last_reset_day"`
}
