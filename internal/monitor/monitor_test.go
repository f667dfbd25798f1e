package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paper-trading-bot-go/internal/clock"
	"paper-trading-bot-go/internal/config"
	"paper-trading-bot-go/internal/database"
	"paper-trading-bot-go/internal/exchange"
	"paper-trading-bot-go/internal/market"
	"paper-trading-bot-go/internal/models"
	"paper-trading-bot-go/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMarket serves mutable tickers and a single latest candle per symbol.
type fakeMarket struct {
	mu      sync.Mutex
	prices  map[string]float64
	candles map[string]market.Candle
	errs    map[string]error
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		prices:  make(map[string]float64),
		candles: make(map[string]market.Candle),
		errs:    make(map[string]error),
	}
}

func (f *fakeMarket) setPrice(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *fakeMarket) setCandle(c market.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles[c.Symbol] = c
}

func (f *fakeMarket) GetTicker(_ context.Context, symbol string) (*market.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[symbol]; err != nil {
		return nil, err
	}
	return &market.Ticker{Symbol: symbol, Price: f.prices[symbol]}, nil
}

func (f *fakeMarket) GetCandles(_ context.Context, symbol, _ string, _ int, _ int64) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.candles[symbol]
	if !ok {
		return nil, nil
	}
	return []market.Candle{c}, nil
}

// MockCommissions is a mock implementation of CommissionProcessor.
type MockCommissions struct {
	mock.Mock
}

func (m *MockCommissions) ProcessVaultCommissionPayment(ctx context.Context, trade *models.Trade) (float64, error) {
	args := m.Called(ctx, trade)
	return args.Get(0).(float64), args.Error(1)
}

// partialExit asks for one partial close, then holds.
type partialExit struct {
	qty  float64
	done bool
}

func (p *partialExit) Name() string {
	return "partial"
}

func (p *partialExit) Init(map[string]any) error {
	return nil
}

func (p *partialExit) Update(market.Candle, float64) *strategy.Signal {
	return nil
}

func (p *partialExit) CheckExit(*models.Trade, *market.Candle) strategy.ExitDecision {
	if p.done {
		return strategy.Hold
	}
	p.done = true
	return strategy.ExitDecision{Action: strategy.ExitPartialClose, Quantity: p.qty}
}

type testEnv struct {
	store   *database.Store
	ex      *exchange.SimulatedExchange
	market  *fakeMarket
	clk     *clock.Sim
	monitor *Monitor
}

func setupMonitor(t *testing.T, commissions CommissionProcessor) testEnv {
	t.Helper()
	db, err := database.NewDatabase(config.Database{DSN: "file::memory:"})
	require.NoError(t, err)
	store := database.NewStore(db)
	clk := clock.NewSim(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	fm := newFakeMarket()
	fm.setPrice("BTCUSDT", 100)
	ex := exchange.NewSimulatedExchange(zap.NewNop(), fm, clk, "USDT", 1000)

	return testEnv{
		store:   store,
		ex:      ex,
		market:  fm,
		clk:     clk,
		monitor: NewMonitor(zap.NewNop(), store, ex, fm, clk, "1m", commissions),
	}
}

// open fills a 1x order at the current ticker and records the trade.
func (e testEnv) open(t *testing.T, side models.OrderSide, qty, stopLoss, takeProfit float64) *models.Trade {
	t.Helper()
	ctx := context.Background()
	order, err := e.ex.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: side, Type: models.OrderTypeMarket, Quantity: qty, Leverage: 1,
	})
	require.NoError(t, err)

	trade := &models.Trade{
		OrderID:    order.ID,
		Symbol:     "BTCUSDT",
		Side:       side,
		Type:       models.OrderTypeMarket,
		Price:      order.Price,
		Quantity:   order.FilledQuantity,
		Timestamp:  e.clk.Now(),
		Status:     models.TradeOpen,
		Leverage:   1,
		Margin:     order.Margin,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}
	require.NoError(t, e.store.SaveTrade(ctx, trade))
	e.clk.Advance(time.Minute)
	return trade
}

func TestCheckPositions_StopLossFillsAtLevel(t *testing.T) {
	ctx := context.Background()
	commissions := new(MockCommissions)
	env := setupMonitor(t, commissions)

	// Arrange: long 1 BTC at 100, stop at 95, target at 110.
	trade := env.open(t, models.SideBuy, 1, 95, 110)
	env.market.setPrice("BTCUSDT", 96)
	env.market.setCandle(market.Candle{Symbol: "BTCUSDT", Open: 100, High: 100, Low: 94, Close: 96, StartTime: trade.Timestamp})

	// Act
	require.NoError(t, env.monitor.CheckPositions(ctx))

	// Assert: the intrabar low crossed the stop; the fill is at the stop.
	stored, err := env.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, stored.Status)
	assert.Equal(t, models.ExitStopLoss, stored.Exit.Reason)
	assert.Equal(t, 95.0, stored.Exit.Price)
	assert.InDelta(t, -5.0, stored.RealizedPnL, 1e-9)
	assert.Equal(t, int64(time.Minute/time.Millisecond), stored.Exit.DurationMs)

	balance, err := env.ex.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 995.0, balance, 1e-9)

	_, open := env.ex.Position("BTCUSDT")
	assert.False(t, open)
	commissions.AssertNotCalled(t, "ProcessVaultCommissionPayment", mock.Anything, mock.Anything)
}

func TestCheckPositions_CandleBeforeEntryIsIgnored(t *testing.T) {
	ctx := context.Background()
	env := setupMonitor(t, nil)

	// Arrange: the current bar dipped to 90 half an hour before the entry at 100.
	trade := env.open(t, models.SideBuy, 1, 95, 0)
	env.market.setCandle(market.Candle{
		Symbol: "BTCUSDT", Open: 98, High: 101, Low: 90, Close: 100,
		StartTime: trade.Timestamp - (30 * time.Minute).Milliseconds(),
	})

	// Act
	require.NoError(t, env.monitor.CheckPositions(ctx))

	// Assert
	stored, err := env.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOpen())

	// A bar that opened after the entry still counts.
	env.market.setCandle(market.Candle{Symbol: "BTCUSDT", Open: 100, High: 100, Low: 94, Close: 100, StartTime: trade.Timestamp})
	require.NoError(t, env.monitor.CheckPositions(ctx))
	stored, err = env.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExitStopLoss, stored.Exit.Reason)
}

func TestCloseTrade_PnLFromOwnEntryWhenPositionIsShared(t *testing.T) {
	ctx := context.Background()
	commissions := new(MockCommissions)
	commissions.On("ProcessVaultCommissionPayment", mock.Anything, mock.AnythingOfType("*models.Trade")).Return(0.5, nil).Once()
	env := setupMonitor(t, commissions)

	// Arrange: two longs on one symbol; the ledger averages them to an entry of 110.
	first := env.open(t, models.SideBuy, 1, 0, 0)
	env.market.setPrice("BTCUSDT", 120)
	second := env.open(t, models.SideBuy, 1, 0, 0)
	pos, ok := env.ex.Position("BTCUSDT")
	require.True(t, ok)
	require.InDelta(t, 110.0, pos.EntryPrice, 1e-9)
	env.market.setPrice("BTCUSDT", 105)

	// Act
	require.NoError(t, env.monitor.CloseTrade(ctx, first, models.ExitStrategy, 0))

	// Assert: +5 from the trade's own entry of 100, not -5 from the average.
	stored, err := env.store.GetTrade(ctx, first.ID)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, stored.RealizedPnL, 1e-9)
	assert.InDelta(t, stored.PnL(), stored.RealizedPnL, 1e-9)
	commissions.AssertExpectations(t)

	stillOpen, err := env.store.GetTrade(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, stillOpen.IsOpen())
}

func TestRealizedPnL_LossCappedAtMargin(t *testing.T) {
	trade := &models.Trade{Side: models.SideBuy, Price: 100, Quantity: 2, Margin: 20, Leverage: 10}

	assert.InDelta(t, -20.0, realizedPnL(trade, &exchange.Order{Price: 50, FilledQuantity: 2}), 1e-9)
	assert.InDelta(t, -10.0, realizedPnL(trade, &exchange.Order{Price: 50, FilledQuantity: 1}), 1e-9)
	assert.InDelta(t, 5.0, realizedPnL(trade, &exchange.Order{Price: 105, FilledQuantity: 1}), 1e-9)
}

func TestCheckPositions_ShortTakeProfitPaysCommission(t *testing.T) {
	ctx := context.Background()
	commissions := new(MockCommissions)
	commissions.On("ProcessVaultCommissionPayment", mock.Anything, mock.AnythingOfType("*models.Trade")).Return(1.0, nil).Once()
	env := setupMonitor(t, commissions)

	trade := env.open(t, models.SideSell, 1, 0, 90)
	env.market.setPrice("BTCUSDT", 89)

	require.NoError(t, env.monitor.CheckPositions(ctx))

	stored, err := env.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExitTakeProfit, stored.Exit.Reason)
	assert.Equal(t, 90.0, stored.Exit.Price)
	assert.InDelta(t, 10.0, stored.RealizedPnL, 1e-9)

	balance, err := env.ex.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 1010.0, balance, 1e-9)
	commissions.AssertExpectations(t)
}

func TestCheckPositions_NothingTriggered(t *testing.T) {
	ctx := context.Background()
	env := setupMonitor(t, nil)
	trade := env.open(t, models.SideBuy, 1, 95, 110)
	env.market.setPrice("BTCUSDT", 101)
	env.market.setCandle(market.Candle{Symbol: "BTCUSDT", Open: 100, High: 109, Low: 96, Close: 101})

	require.NoError(t, env.monitor.CheckPositions(ctx))

	stored, err := env.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOpen())
}

func TestCheckPositions_TrailingStop(t *testing.T) {
	ctx := context.Background()
	env := setupMonitor(t, nil)

	trade := env.open(t, models.SideBuy, 1, 0, 0)
	trade.Trailing = models.TrailingStop{Enabled: true, ActivationPercent: 2, TrailPercent: 1}
	require.NoError(t, env.store.UpdateTrade(ctx, trade))

	// 3% up activates the trail at 103.
	env.market.setPrice("BTCUSDT", 103)
	require.NoError(t, env.monitor.CheckPositions(ctx))
	stored, err := env.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.True(t, stored.Trailing.Activated)
	assert.Equal(t, 103.0, stored.Trailing.HighWater)

	env.market.setPrice("BTCUSDT", 105)
	require.NoError(t, env.monitor.CheckPositions(ctx))
	stored, err = env.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, 105.0, stored.Trailing.HighWater)
	assert.True(t, stored.IsOpen())

	// Stop now sits at 103.95.
	env.market.setPrice("BTCUSDT", 103.5)
	require.NoError(t, env.monitor.CheckPositions(ctx))
	stored, err = env.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExitTrailingStopLoss, stored.Exit.Reason)
	assert.Equal(t, 103.5, stored.Exit.Price)
	assert.InDelta(t, 3.5, stored.RealizedPnL, 1e-9)
}

func TestCheckPositions_MarketFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	env := setupMonitor(t, nil)

	btc := env.open(t, models.SideBuy, 1, 95, 0)
	eth := &models.Trade{Symbol: "ETHUSDT", Side: models.SideBuy, Price: 10, Quantity: 1, Margin: 10, Status: models.TradeOpen, Leverage: 1, StopLoss: 9}
	require.NoError(t, env.store.SaveTrade(ctx, eth))
	env.market.errs["ETHUSDT"] = errors.New("ticker down")
	env.market.setPrice("BTCUSDT", 90)

	require.NoError(t, env.monitor.CheckPositions(ctx))

	stored, err := env.store.GetTrade(ctx, btc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, stored.Status)

	stored, err = env.store.GetTrade(ctx, eth.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOpen())
}

func TestCheckPositions_StrategyMovesStopToBreakeven(t *testing.T) {
	ctx := context.Background()
	env := setupMonitor(t, nil)
	s, err := strategy.DefaultRegistry().New(strategy.SMACrossName, map[string]any{"breakeven_percent": 2})
	require.NoError(t, err)
	env.monitor.SetStrategy(s)

	trade := env.open(t, models.SideBuy, 1, 95, 110)
	env.market.setPrice("BTCUSDT", 103)
	env.market.setCandle(market.Candle{Symbol: "BTCUSDT", Open: 101, High: 104, Low: 101, Close: 103})

	require.NoError(t, env.monitor.CheckPositions(ctx))

	stored, err := env.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOpen())
	assert.Equal(t, 100.0, stored.StopLoss)
}

func TestCheckPositions_PartialClose(t *testing.T) {
	ctx := context.Background()
	commissions := new(MockCommissions)
	commissions.On("ProcessVaultCommissionPayment", mock.Anything, mock.AnythingOfType("*models.Trade")).Return(0.0, nil).Once()
	env := setupMonitor(t, commissions)
	env.monitor.SetStrategy(&partialExit{qty: 0.4})

	trade := env.open(t, models.SideBuy, 1, 0, 0)
	env.market.setPrice("BTCUSDT", 110)

	require.NoError(t, env.monitor.CheckPositions(ctx))

	remaining, err := env.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.True(t, remaining.IsOpen())
	assert.InDelta(t, 0.6, remaining.Quantity, 1e-9)
	assert.InDelta(t, 60.0, remaining.Margin, 1e-9)

	all, err := env.store.GetRecentTrades(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	slice := all[0]
	assert.Equal(t, models.TradeClosed, slice.Status)
	assert.Equal(t, models.ExitStrategy, slice.Exit.Reason)
	assert.InDelta(t, 0.4, slice.Quantity, 1e-9)
	assert.InDelta(t, 4.0, slice.RealizedPnL, 1e-9)

	pos, ok := env.ex.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 0.6, pos.Quantity, 1e-9)

	balance, err := env.ex.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 944.0, balance, 1e-9)
	commissions.AssertExpectations(t)
}

func TestCloseTrade_NoPositionLeavesTradeOpen(t *testing.T) {
	ctx := context.Background()
	env := setupMonitor(t, nil)
	trade := &models.Trade{Symbol: "BTCUSDT", Side: models.SideBuy, Price: 100, Quantity: 1, Status: models.TradeOpen, Leverage: 1}
	require.NoError(t, env.store.SaveTrade(ctx, trade))

	err := env.monitor.CloseTrade(ctx, trade, models.ExitForceClose, 0)

	assert.ErrorIs(t, err, exchange.ErrNoPosition)
	assert.True(t, trade.IsOpen())
	assert.Error(t, env.monitor.CloseTrade(ctx, &models.Trade{Status: models.TradeClosed}, models.ExitForceClose, 0))
}

func TestStopAndTargetChecks(t *testing.T) {
	long := &models.Trade{Side: models.SideBuy, Price: 100, StopLoss: 95, TakeProfit: 110}
	short := &models.Trade{Side: models.SideSell, Price: 100, StopLoss: 105, TakeProfit: 90}
	wick := &market.Candle{High: 111, Low: 89}

	tests := []struct {
		name   string
		trade  *models.Trade
		price  float64
		candle *market.Candle
		stop   bool
		target bool
	}{
		{"LongQuiet", long, 100, nil, false, false},
		{"LongStopByPrice", long, 95, nil, true, false},
		{"LongTargetByPrice", long, 110, nil, false, true},
		{"LongWickBoth", long, 100, wick, true, true},
		{"ShortStopByPrice", short, 106, nil, true, false},
		{"ShortTargetByPrice", short, 89, nil, false, true},
		{"ShortWickBoth", short, 100, wick, true, true},
		{"NoLevels", &models.Trade{Side: models.SideBuy, Price: 100}, 1, wick, false, false},
		{"WickBeforeEntry", &models.Trade{Side: models.SideBuy, Price: 100, StopLoss: 95, TakeProfit: 110, Timestamp: 1000}, 100, wick, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.stop, StopLossHit(tt.trade, tt.price, tt.candle))
			assert.Equal(t, tt.target, TakeProfitHit(tt.trade, tt.price, tt.candle))
		})
	}
}

func TestUpdateTrailingStop_Short(t *testing.T) {
	trade := &models.Trade{Side: models.SideSell, Price: 100, Trailing: models.TrailingStop{Enabled: true, ActivationPercent: 5, TrailPercent: 2}}

	triggered, changed := UpdateTrailingStop(trade, 97)
	assert.False(t, triggered)
	assert.False(t, changed)

	triggered, changed = UpdateTrailingStop(trade, 94)
	assert.False(t, triggered)
	assert.True(t, changed)
	assert.Equal(t, 94.0, trade.Trailing.LowWater)

	triggered, _ = UpdateTrailingStop(trade, 95)
	assert.False(t, triggered)

	// 94 * 1.02 = 95.88
	triggered, _ = UpdateTrailingStop(trade, 96)
	assert.True(t, triggered)
}
