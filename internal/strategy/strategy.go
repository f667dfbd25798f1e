// Package strategy defines how trading strategies plug into the engine.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"paper-trading-bot-go/internal/market"
	"paper-trading-bot-go/internal/models"

	"github.com/go-viper/mapstructure/v2"
)

// Action is what a signal asks the engine to do.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal is the output of a strategy update. StopLoss and TakeProfit are
// percentages from the entry price; zero means use the configured default.
type Signal struct {
	Action     Action  `json:"action"`
	Symbol     string  `json:"symbol"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	// ForceClose closes every open trade on Symbol instead of opening one.
	ForceClose bool   `json:"force_close,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Side returns the order side that executes the signal.
func (s Signal) Side() models.OrderSide {
	if s.Action == ActionSell {
		return models.SideSell
	}
	return models.SideBuy
}

// ExitAction is the decision of a strategy about one open trade.
type ExitAction string

const (
	ExitHold         ExitAction = "HOLD"
	ExitClose        ExitAction = "CLOSE"
	ExitUpdateSL     ExitAction = "UPDATE_SL"
	ExitUpdateTP     ExitAction = "UPDATE_TP"
	ExitPartialClose ExitAction = "PARTIAL_CLOSE"
)

// ExitDecision carries the new price for UPDATE_SL/UPDATE_TP and the quantity
// for PARTIAL_CLOSE.
type ExitDecision struct {
	Action   ExitAction
	NewPrice float64
	Quantity float64
}

// Hold is the decision that leaves a trade alone.
var Hold = ExitDecision{Action: ExitHold}

// Strategy turns candles into signals.
type Strategy interface {
	Name() string
	// Init configures the strategy from its free-form parameters.
	Init(params map[string]any) error
	// Update consumes the latest candle and returns a signal, or nil.
	Update(candle market.Candle, currentPrice float64) *Signal
}

// ExitChecker is implemented by strategies that manage their own exits.
// candle may be nil when no candle is available for the trade's symbol.
type ExitChecker interface {
	CheckExit(trade *models.Trade, candle *market.Candle) ExitDecision
}

// PositionObserver is implemented by strategies that track their positions.
type PositionObserver interface {
	OnPositionOpened(trade *models.Trade)
	OnPositionClosed(trade *models.Trade)
}

// Factory creates a fresh, uninitialized strategy.
type Factory func() Strategy

// Registry maps strategy names to factories. It is built at startup and
// passed to whatever needs to look strategies up.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(SMACrossName, func() Strategy { return &SMACross{} })
	return r
}

// Register adds a factory. Names must be unique.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("strategy name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New creates and initializes the named strategy.
func (r *Registry) New(name string, params map[string]any) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", name, r.Names())
	}
	s := factory()
	if err := s.Init(params); err != nil {
		return nil, fmt.Errorf("failed to initialize strategy %s: %w", name, err)
	}
	return s, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeParams decodes free-form parameters onto out, accepting YAML ints for floats.
func decodeParams(params map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(params)
}
