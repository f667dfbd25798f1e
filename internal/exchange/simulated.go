package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"

	"paper-trading-bot-go/internal/clock"
	"paper-trading-bot-go/internal/market"
	"paper-trading-bot-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// marginReserveRatio is the share of the available balance an opening order may use.
const marginReserveRatio = 0.95

// SimulatedExchange is an in-memory ledger for a single quote asset. Orders
// fill instantly and entirely at the quoted price.
type SimulatedExchange struct {
	logger     *zap.Logger
	prices     market.TickerSource
	clock      clock.Clock
	quoteAsset string

	mu        sync.Mutex
	balances  map[string]float64
	positions map[string]*Position
	orders    map[string]*Order
}

var _ Exchange = (*SimulatedExchange)(nil)

// NewSimulatedExchange creates a ledger holding initialBalance of quoteAsset.
func NewSimulatedExchange(logger *zap.Logger, prices market.TickerSource, clk clock.Clock, quoteAsset string, initialBalance float64) *SimulatedExchange {
	return &SimulatedExchange{
		logger:     logger.Named("sim-exchange"),
		prices:     prices,
		clock:      clk,
		quoteAsset: quoteAsset,
		balances:   map[string]float64{quoteAsset: initialBalance},
		positions:  make(map[string]*Position),
		orders:     make(map[string]*Order),
	}
}

// QuoteAsset returns the asset margin and PnL are settled in.
func (e *SimulatedExchange) QuoteAsset() string {
	return e.quoteAsset
}

// GetBalance returns the free balance of asset.
func (e *SimulatedExchange) GetBalance(_ context.Context, asset string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[asset], nil
}

// Position returns a copy of the open position on symbol.
func (e *SimulatedExchange) Position(symbol string) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions.
func (e *SimulatedExchange) Positions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Position, 0, len(e.positions))
	for _, pos := range e.positions {
		out = append(out, *pos)
	}
	return out
}

// Reset drops every position and order and sets the quote balance.
func (e *SimulatedExchange) Reset(quoteBalance float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances = map[string]float64{e.quoteAsset: quoteBalance}
	e.positions = make(map[string]*Position)
	e.orders = make(map[string]*Order)
}

// RestorePosition re-creates a position from persisted state, debiting its margin.
// It is used on startup to rebuild the ledger from open trades.
func (e *SimulatedExchange) RestorePosition(pos Position) error {
	if pos.Quantity <= 0 || pos.Margin <= 0 {
		return fmt.Errorf("%w: restore %s with quantity %f and margin %f", ErrInvalidMargin, pos.Symbol, pos.Quantity, pos.Margin)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	available := e.balances[e.quoteAsset]
	if pos.Margin > available {
		return fmt.Errorf("%w: restore %s needs %.8f, available %.8f", ErrInsufficientMargin, pos.Symbol, pos.Margin, available)
	}

	existing, ok := e.positions[pos.Symbol]
	switch {
	case !ok:
		p := pos
		e.positions[pos.Symbol] = &p
	case existing.Side == pos.Side:
		e.extendLocked(existing, pos.Quantity, pos.EntryPrice, pos.Margin)
	default:
		return fmt.Errorf("restore %s: conflicting %s position already open", pos.Symbol, existing.Side)
	}
	e.balances[e.quoteAsset] = available - pos.Margin
	return nil
}

// PlaceOrder fills the order immediately or rejects it without touching any state.
func (e *SimulatedExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.Leverage < 1 {
		req.Leverage = 1
	}
	if req.Type == "" {
		req.Type = models.OrderTypeMarket
	}

	marketPrice, err := e.fillPrice(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.Type == models.OrderTypeLimit {
		// Only marketable limits are modeled; they fill at market.
		if (req.Side == models.SideBuy && req.Price < marketPrice) ||
			(req.Side == models.SideSell && req.Price > marketPrice) {
			return nil, fmt.Errorf("%w: %s %s limit %.8f vs market %.8f",
				ErrPendingLimitUnsupported, req.Side, req.Symbol, req.Price, marketPrice)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, hasPosition := e.positions[req.Symbol]
	var order *Order
	switch {
	case hasPosition && pos.Side != req.Side.PositionSide():
		order = e.closeLocked(pos, req, marketPrice)
	case req.ReduceOnly:
		return nil, fmt.Errorf("%w: %s %s", ErrNoPosition, req.Side, req.Symbol)
	default:
		order, err = e.openLocked(pos, req, marketPrice)
		if err != nil {
			return nil, err
		}
	}

	e.orders[order.ID] = order
	out := *order
	return &out, nil
}

func validateRequest(req OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, req.Side)
	}
	if req.Type != "" && req.Type != models.OrderTypeMarket && req.Type != models.OrderTypeLimit {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOrder, req.Type)
	}
	if !(req.Quantity > 0) || math.IsInf(req.Quantity, 0) {
		return fmt.Errorf("%w: quantity %v", ErrInvalidOrder, req.Quantity)
	}
	if req.Type == models.OrderTypeLimit {
		if err := market.ValidatePrice(req.Price); err != nil {
			return fmt.Errorf("%w: limit price: %v", ErrInvalidOrder, err)
		}
	}
	return nil
}

func (e *SimulatedExchange) fillPrice(ctx context.Context, req OrderRequest) (float64, error) {
	if req.ReferencePrice != 0 {
		if err := market.ValidatePrice(req.ReferencePrice); err != nil {
			return 0, err
		}
		return req.ReferencePrice, nil
	}
	ticker, err := e.prices.GetTicker(ctx, req.Symbol)
	if err != nil {
		return 0, fmt.Errorf("could not get price for %s: %w", req.Symbol, err)
	}
	if err := market.ValidatePrice(ticker.Price); err != nil {
		return 0, fmt.Errorf("ticker for %s: %w", req.Symbol, err)
	}
	return ticker.Price, nil
}

// openLocked opens a new position or extends one on the same side.
// Short-sale proceeds are not credited; they are realized on close.
func (e *SimulatedExchange) openLocked(pos *Position, req OrderRequest, price float64) (*Order, error) {
	cost := req.Quantity * price
	requiredMargin := cost / req.Leverage
	available := e.balances[e.quoteAsset]

	if !(requiredMargin > 0) {
		return nil, fmt.Errorf("%w: required margin %v for %f %s at %f",
			ErrInvalidMargin, requiredMargin, req.Quantity, req.Symbol, price)
	}
	if requiredMargin > available {
		return nil, fmt.Errorf("%w: required %.8f, available %.8f",
			ErrInsufficientMargin, requiredMargin, available)
	}
	if requiredMargin > marginReserveRatio*available {
		return nil, fmt.Errorf("%w: required %.8f exceeds %.0f%% of available %.8f",
			ErrInsufficientMargin, requiredMargin, marginReserveRatio*100, available)
	}

	e.balances[e.quoteAsset] = available - requiredMargin
	if pos == nil {
		e.positions[req.Symbol] = &Position{
			Symbol:     req.Symbol,
			Side:       req.Side.PositionSide(),
			Quantity:   req.Quantity,
			EntryPrice: price,
			Margin:     requiredMargin,
			Leverage:   req.Leverage,
		}
	} else {
		e.extendLocked(pos, req.Quantity, price, requiredMargin)
	}

	e.logger.Info("Opened position",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("quantity", req.Quantity),
		zap.Float64("price", price),
		zap.Float64("margin", requiredMargin),
	)

	return e.newOrder(req, price, req.Quantity, requiredMargin, 0, false), nil
}

func (e *SimulatedExchange) extendLocked(pos *Position, quantity, price, margin float64) {
	total := decimal.NewFromFloat(pos.Quantity).Add(decimal.NewFromFloat(quantity)).InexactFloat64()
	pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*quantity) / total
	pos.Quantity = total
	pos.Margin += margin
}

// closeLocked reduces or closes pos. The loss on the closed portion is capped
// at the margin that backed it.
func (e *SimulatedExchange) closeLocked(pos *Position, req OrderRequest, price float64) *Order {
	closeQty := math.Min(req.Quantity, pos.Quantity)
	fullClose := closeQty >= pos.Quantity

	marginPortion := pos.Margin
	if !fullClose {
		marginPortion = pos.Margin * closeQty / pos.Quantity
	}

	pnl := (price - pos.EntryPrice) * closeQty
	if pos.Side == models.Short {
		pnl = -pnl
	}
	if pnl < -marginPortion {
		e.logger.Warn("Loss exceeds posted margin, position liquidated",
			zap.String("symbol", pos.Symbol),
			zap.Float64("pnl", pnl),
			zap.Float64("margin", marginPortion),
		)
		pnl = -marginPortion
	}

	e.balances[e.quoteAsset] += marginPortion + pnl

	if fullClose {
		delete(e.positions, pos.Symbol)
	} else {
		pos.Quantity = decimal.NewFromFloat(pos.Quantity).Sub(decimal.NewFromFloat(closeQty)).InexactFloat64()
		pos.Margin -= marginPortion
	}

	e.logger.Info("Closed position",
		zap.String("symbol", pos.Symbol),
		zap.Float64("quantity", closeQty),
		zap.Float64("price", price),
		zap.Float64("pnl", pnl),
		zap.Bool("full_close", fullClose),
	)

	return e.newOrder(req, price, closeQty, marginPortion, pnl, true)
}

func (e *SimulatedExchange) newOrder(req OrderRequest, price, filled, margin, pnl float64, closes bool) *Order {
	return &Order{
		ID:             uuid.NewString(),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Status:         OrderFilled,
		Quantity:       req.Quantity,
		FilledQuantity: filled,
		Price:          price,
		Timestamp:      e.clock.Now(),
		Leverage:       req.Leverage,
		Margin:         margin,
		RealizedPnL:    pnl,
		ClosesPosition: closes,
	}
}

// CancelOrder always fails for filled orders; simulated orders never rest on a book.
func (e *SimulatedExchange) CancelOrder(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if order.Status != OrderNew {
		return fmt.Errorf("%w: %s is %s", ErrOrderNotCancelable, id, order.Status)
	}
	order.Status = OrderCanceled
	return nil
}

// GetOrder returns a copy of the order, or nil if the id is unknown.
func (e *SimulatedExchange) GetOrder(_ context.Context, id string) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[id]
	if !ok {
		return nil, nil
	}
	out := *order
	return &out, nil
}
