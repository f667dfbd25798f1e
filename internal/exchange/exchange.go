// Package exchange defines the order-execution capability shared by the
// simulated ledger and live adapters.
package exchange

import (
	"context"
	"errors"

	"paper-trading-bot-go/internal/models"
)

var (
	// ErrNotSupported is returned by adapters for operations they do not implement yet.
	ErrNotSupported = errors.New("operation not supported by this exchange")

	ErrInvalidOrder            = errors.New("invalid order")
	ErrInsufficientMargin      = errors.New("insufficient margin")
	ErrInvalidMargin           = errors.New("invalid margin")
	ErrPendingLimitUnsupported = errors.New("pending limit orders are not supported")
	ErrNoPosition              = errors.New("no position to reduce")
	ErrOrderNotFound           = errors.New("order not found")
	ErrOrderNotCancelable      = errors.New("order cannot be canceled")
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderNew      OrderStatus = "NEW"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderRejected OrderStatus = "REJECTED"
)

// OrderRequest describes an order to place.
type OrderRequest struct {
	Symbol   string
	Side     models.OrderSide
	Type     models.OrderType
	Quantity float64
	// Price is the limit price. MARKET orders may carry the expected fill
	// price here for risk checks; the ledger ignores it.
	Price    float64
	Leverage float64

	// ReduceOnly orders may only close or shrink an existing opposite position.
	ReduceOnly bool
	// ReferencePrice, when set, is used as the fill price instead of the
	// ticker. The simulated exchange uses it to fill triggered stops at their level.
	ReferencePrice float64
}

// Order is an executed (or open) order.
type Order struct {
	ID             string           `json:"id"`
	Symbol         string           `json:"symbol"`
	Side           models.OrderSide `json:"side"`
	Type           models.OrderType `json:"type"`
	Status         OrderStatus      `json:"status"`
	Quantity       float64          `json:"quantity"`
	FilledQuantity float64          `json:"filled_quantity"`
	Price          float64          `json:"price"`
	Timestamp      int64            `json:"timestamp"`
	Leverage       float64          `json:"leverage"`
	// Margin is the margin posted by an opening fill or released by a closing one.
	Margin float64 `json:"margin"`
	// RealizedPnL is set on closing fills, after the liquidation cap.
	RealizedPnL    float64 `json:"realized_pnl"`
	ClosesPosition bool    `json:"closes_position"`
}

// Position is an open position held by the ledger.
type Position struct {
	Symbol     string              `json:"symbol"`
	Side       models.PositionSide `json:"side"`
	Quantity   float64             `json:"quantity"`
	EntryPrice float64             `json:"entry_price"`
	Margin     float64             `json:"margin"`
	Leverage   float64             `json:"leverage"`
}

// Exchange places and tracks orders.
type Exchange interface {
	GetBalance(ctx context.Context, asset string) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, id string) error
	// GetOrder returns nil and no error for unknown ids.
	GetOrder(ctx context.Context, id string) (*Order, error)
}
