package strategy

import (
	"fmt"
	"sync"

	"paper-trading-bot-go/internal/market"
	"paper-trading-bot-go/internal/models"
)

// SMACrossName is the registry name of SMACross.
const SMACrossName = "SMACross"

type smaCrossParams struct {
	FastPeriod        int     `mapstructure:"fast_period"`
	SlowPeriod        int     `mapstructure:"slow_period"`
	StopLossPercent   float64 `mapstructure:"stop_loss_percent"`
	TakeProfitPercent float64 `mapstructure:"take_profit_percent"`
	// BreakevenPercent moves the stop to the entry price once the trade is this
	// far in profit. Zero disables it.
	BreakevenPercent float64 `mapstructure:"breakeven_percent"`
}

// SMACross buys when the fast simple moving average of closes crosses above
// the slow one and sells on the opposite cross.
type SMACross struct {
	params smaCrossParams

	mu        sync.Mutex
	closes    []float64
	lastStart int64
	prevDiff  float64
	primed    bool
	holding   map[string]models.PositionSide
}

var (
	_ Strategy         = (*SMACross)(nil)
	_ ExitChecker      = (*SMACross)(nil)
	_ PositionObserver = (*SMACross)(nil)
)

func (s *SMACross) Name() string { return SMACrossName }

func (s *SMACross) Init(params map[string]any) error {
	p := smaCrossParams{FastPeriod: 9, SlowPeriod: 21}
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if p.FastPeriod < 1 || p.SlowPeriod <= p.FastPeriod {
		return fmt.Errorf("need 0 < fast_period < slow_period, got %d and %d", p.FastPeriod, p.SlowPeriod)
	}
	s.params = p
	s.closes = make([]float64, 0, p.SlowPeriod+1)
	s.holding = make(map[string]models.PositionSide)
	return nil
}

// Update is safe to call repeatedly with a still-forming candle; it replaces
// the last close instead of appending until a new candle starts.
func (s *SMACross) Update(candle market.Candle, currentPrice float64) *Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	price := candle.Close
	if currentPrice > 0 {
		price = currentPrice
	}
	if price <= 0 {
		return nil
	}

	if len(s.closes) > 0 && candle.StartTime == s.lastStart {
		s.closes[len(s.closes)-1] = price
	} else {
		s.closes = append(s.closes, price)
		if len(s.closes) > s.params.SlowPeriod {
			s.closes = s.closes[len(s.closes)-s.params.SlowPeriod:]
		}
		s.lastStart = candle.StartTime
	}

	if len(s.closes) < s.params.SlowPeriod {
		return nil
	}

	diff := sma(s.closes, s.params.FastPeriod) - sma(s.closes, s.params.SlowPeriod)
	prev, primed := s.prevDiff, s.primed
	s.prevDiff, s.primed = diff, true
	if !primed {
		return nil
	}

	var action Action
	switch {
	case prev <= 0 && diff > 0:
		action = ActionBuy
	case prev >= 0 && diff < 0:
		action = ActionSell
	default:
		return nil
	}

	signal := &Signal{
		Action:     action,
		Symbol:     candle.Symbol,
		StopLoss:   s.params.StopLossPercent,
		TakeProfit: s.params.TakeProfitPercent,
		Reason:     fmt.Sprintf("SMA%d/SMA%d cross", s.params.FastPeriod, s.params.SlowPeriod),
	}
	// Already positioned this way.
	if held, ok := s.holding[candle.Symbol]; ok && held == signal.Side().PositionSide() {
		return nil
	}
	return signal
}

// CheckExit moves the stop to breakeven once the trade has gained enough.
func (s *SMACross) CheckExit(trade *models.Trade, candle *market.Candle) ExitDecision {
	if s.params.BreakevenPercent <= 0 || candle == nil || trade.Price <= 0 || trade.Quantity <= 0 {
		return Hold
	}

	gain := trade.PnLAt(candle.Close) / (trade.Price * trade.Quantity) * 100
	if gain < s.params.BreakevenPercent {
		return Hold
	}
	if trade.IsLong() && trade.StopLoss >= trade.Price {
		return Hold
	}
	if !trade.IsLong() && trade.StopLoss > 0 && trade.StopLoss <= trade.Price {
		return Hold
	}
	return ExitDecision{Action: ExitUpdateSL, NewPrice: trade.Price}
}

func (s *SMACross) OnPositionOpened(trade *models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding[trade.Symbol] = trade.Side.PositionSide()
}

func (s *SMACross) OnPositionClosed(trade *models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holding, trade.Symbol)
}

// sma averages the last period values.
func sma(values []float64, period int) float64 {
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}
