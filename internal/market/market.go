// Package market holds the market data types shared by the data providers,
// the ledger, and the strategies.
package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// ErrInvalidPrice is returned for prices that cannot be traded on.
var ErrInvalidPrice = errors.New("invalid price")

// Candle is one OHLCV bar.
type Candle struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	StartTime int64   `json:"start_time"`
	CloseTime int64   `json:"close_time,omitempty"`
}

// Ticker is the last traded price of a symbol.
type Ticker struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// TickerSource returns the latest price of a symbol.
type TickerSource interface {
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
}

// Provider is a market data provider.
type Provider interface {
	TickerSource
	// GetCandles returns up to limit candles, oldest first. endTime of 0 means now.
	GetCandles(ctx context.Context, symbol, interval string, limit int, endTime int64) ([]Candle, error)
}

// ParsePrice parses a price received from a provider. Anything that is not a
// finite positive number is rejected.
func ParsePrice(raw string) (float64, error) {
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidPrice, raw, err)
	}
	if err := ValidatePrice(price); err != nil {
		return 0, err
	}
	return price, nil
}

// ValidatePrice rejects zero, negative, NaN and infinite prices.
func ValidatePrice(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	return nil
}

// QuantityDecimals is the precision quantities are floored to.
const QuantityDecimals = 6

// NormalizeQuantity floors q to QuantityDecimals places.
func NormalizeQuantity(q float64) float64 {
	if q <= 0 || math.IsNaN(q) || math.IsInf(q, 0) {
		return 0
	}
	return decimal.NewFromFloat(q).RoundFloor(QuantityDecimals).InexactFloat64()
}
