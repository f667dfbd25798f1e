package binance

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"paper-trading-bot-go/internal/exchange"
	"paper-trading-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LiveExchange routes MARKET orders to Binance spot. Everything the paper
// ledger models beyond that is reported as not supported.
type LiveExchange struct {
	client RestClientInterface
	logger *zap.Logger

	mu    sync.Mutex
	steps map[string]decimal.Decimal
}

var _ exchange.Exchange = (*LiveExchange)(nil)

// NewLiveExchange creates a LiveExchange on top of client.
func NewLiveExchange(client RestClientInterface, logger *zap.Logger) *LiveExchange {
	return &LiveExchange{
		client: client,
		logger: logger.Named("live"),
		steps:  make(map[string]decimal.Decimal),
	}
}

func (e *LiveExchange) GetBalance(context.Context, string) (float64, error) {
	return 0, exchange.ErrNotSupported
}

func (e *LiveExchange) CancelOrder(context.Context, string) error {
	return exchange.ErrNotSupported
}

func (e *LiveExchange) GetOrder(context.Context, string) (*exchange.Order, error) {
	return nil, exchange.ErrNotSupported
}

// PlaceOrder sends a MARKET order, with the quantity floored to the symbol's lot step.
func (e *LiveExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	if req.Type != "" && req.Type != models.OrderTypeMarket {
		return nil, fmt.Errorf("%w: %s orders on the live exchange", exchange.ErrNotSupported, req.Type)
	}
	if req.Leverage > 1 {
		return nil, fmt.Errorf("%w: leverage %.2f on spot", exchange.ErrNotSupported, req.Leverage)
	}

	step, err := e.stepSize(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	qty := decimal.NewFromFloat(req.Quantity)
	if step.IsPositive() {
		qty = qty.Div(step).Floor().Mul(step)
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %v below lot step %s", exchange.ErrInvalidOrder, req.Quantity, step)
	}

	resp, err := e.client.CreateOrder(ctx, req.Symbol, string(req.Side), qty.InexactFloat64())
	if err != nil {
		return nil, err
	}
	return toOrder(resp)
}

func (e *LiveExchange) stepSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	step, ok := e.steps[symbol]
	e.mu.Unlock()
	if ok {
		return step, nil
	}

	info, err := e.client.GetExchangeInfo(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	step = decimal.Zero
	if raw := info.StepSize(symbol); raw != "" {
		if step, err = decimal.NewFromString(raw); err != nil {
			return decimal.Zero, fmt.Errorf("lot step of %s: %w", symbol, err)
		}
	} else {
		e.logger.Warn("No LOT_SIZE filter, sending quantity unrounded", zap.String("symbol", symbol))
	}

	e.mu.Lock()
	e.steps[symbol] = step
	e.mu.Unlock()
	return step, nil
}

// toOrder converts a Binance fill. The average fill price is quote spent over base filled.
func toOrder(resp *CreateOrderResponse) (*exchange.Order, error) {
	executed, err := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	if err != nil {
		return nil, fmt.Errorf("executed quantity %q: %w", resp.ExecutedQuantity, err)
	}
	quote, err := strconv.ParseFloat(resp.CummulativeQuoteQty, 64)
	if err != nil {
		return nil, fmt.Errorf("quote quantity %q: %w", resp.CummulativeQuoteQty, err)
	}
	orig, _ := strconv.ParseFloat(resp.OrigQuantity, 64)

	var price float64
	if executed > 0 {
		price = quote / executed
	}

	status := exchange.OrderStatus(resp.Status)
	if resp.Status == "EXPIRED" {
		status = exchange.OrderCanceled
	}

	return &exchange.Order{
		ID:             strconv.FormatInt(resp.OrderID, 10),
		Symbol:         resp.Symbol,
		Side:           models.OrderSide(resp.Side),
		Type:           models.OrderTypeMarket,
		Status:         status,
		Quantity:       orig,
		FilledQuantity: executed,
		Price:          price,
		Timestamp:      resp.TransactTime,
		Leverage:       1,
		Margin:         quote,
	}, nil
}
