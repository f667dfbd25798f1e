package trader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paper-trading-bot-go/internal/binance"
	"paper-trading-bot-go/internal/clock"
	"paper-trading-bot-go/internal/config"
	"paper-trading-bot-go/internal/database"
	"paper-trading-bot-go/internal/market"
	"paper-trading-bot-go/internal/models"
	"paper-trading-bot-go/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClient serves a single symbol's price and one candle around it.
type fakeClient struct {
	mu        sync.Mutex
	price     float64
	tickerErr error
}

func (f *fakeClient) setPrice(p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = p
}

func (f *fakeClient) GetTicker(_ context.Context, symbol string) (*market.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	return &market.Ticker{Symbol: symbol, Price: f.price}, nil
}

func (f *fakeClient) GetCandles(_ context.Context, symbol, interval string, _ int, _ int64) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []market.Candle{{
		Symbol: symbol, Interval: interval, StartTime: 1000,
		Open: f.price, High: f.price * 1.005, Low: f.price * 0.995, Close: f.price,
	}}, nil
}

func (f *fakeClient) GetServerTime(context.Context) (int64, error) { return 0, nil }

func (f *fakeClient) GetExchangeInfo(context.Context) (*binance.ExchangeInfoResponse, error) {
	return &binance.ExchangeInfoResponse{}, nil
}

func (f *fakeClient) CreateOrder(context.Context, string, string, float64) (*binance.CreateOrderResponse, error) {
	return nil, errors.New("paper mode")
}

// scripted emits whatever signal it is handed next and counts position callbacks.
type scripted struct {
	next   *strategy.Signal
	opened int
	closed int
}

func (s *scripted) Name() string              { return "scripted" }
func (s *scripted) Init(map[string]any) error { return nil }

func (s *scripted) Update(market.Candle, float64) *strategy.Signal {
	sig := s.next
	s.next = nil
	return sig
}

func (s *scripted) OnPositionOpened(*models.Trade) { s.opened++ }
func (s *scripted) OnPositionClosed(*models.Trade) { s.closed++ }

func testConfig() *config.Config {
	return &config.Config{
		Trading: config.Trading{
			Mode: "paper", Symbol: "BTCUSDT", Interval: "1m", CandleLimit: 10, TickInterval: 1,
			Strategy: "scripted", CloseOnOppositeSignal: true,
		},
		Balance:  config.Balance{Initial: 1000, Asset: "USDT"},
		Leverage: config.Leverage{MaxUtilizationPercent: 80},
		Risk: config.Risk{
			RiskPerTradePercent: 1, MaxTotalRiskPercent: 100, MaxPositionSizePercent: 50,
			MaxDailyDrawdownPercent: 5, MaxOpenTrades: 3, MinPositionValue: 10,
		},
		Exits: config.Exits{StopLossPercent: 2, TakeProfitPercent: 4},
		Chart: config.Chart{MaxPoints: 100, TargetPoints: 50},
	}
}

type testEnv struct {
	engine *Engine
	c      *Components
	client *fakeClient
	strat  *scripted
}

func setupEngine(t *testing.T, cfg *config.Config, seed func(store *database.Store)) testEnv {
	t.Helper()
	db, err := database.NewDatabase(config.Database{DSN: "file::memory:"})
	require.NoError(t, err)
	store := database.NewStore(db)
	if seed != nil {
		seed(store)
	}

	client := &fakeClient{price: 100}
	clk := clock.NewSim(time.Date(2024, 2, 10, 8, 0, 0, 0, time.UTC))
	c := NewComponents(zap.NewNop(), cfg, store, client, clk)

	strat := &scripted{}
	c.Registry = strategy.NewRegistry()
	require.NoError(t, c.Registry.Register("scripted", func() strategy.Strategy { return strat }))

	engine := NewEngine(zap.NewNop(), c)
	require.NoError(t, engine.Initialize(context.Background()))
	return testEnv{engine: engine, c: c, client: client, strat: strat}
}

func TestTick_OpensPositionOnSignal(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, testConfig(), nil)

	// Arrange
	env.strat.next = &strategy.Signal{Action: strategy.ActionBuy}

	// Act
	require.NoError(t, env.engine.Tick(ctx))

	// Assert: 1% of 1000 at a 2% stop -> 5 units of 100.
	open, err := env.c.Store.GetOpenTrades(ctx, "")
	require.NoError(t, err)
	require.Len(t, open, 1)
	trade := open[0]
	assert.Equal(t, models.SideBuy, trade.Side)
	assert.Equal(t, 5.0, trade.Quantity)
	assert.Equal(t, 100.0, trade.Price)
	assert.InDelta(t, 500.0, trade.Margin, 1e-9)
	assert.InDelta(t, 98.0, trade.StopLoss, 1e-9)
	assert.InDelta(t, 104.0, trade.TakeProfit, 1e-9)
	assert.Equal(t, "scripted", trade.StrategyName)
	assert.Equal(t, 1, env.strat.opened)

	balance, err := env.c.Ledger.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 500.0, balance, 1e-9)

	snapshot := env.engine.LatestSnapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, 1, snapshot.OpenTrades)
	assert.InDelta(t, 1000.0, snapshot.CurrentEquity, 1e-9)

	// A repeated signal on the same side does not stack positions.
	env.strat.next = &strategy.Signal{Action: strategy.ActionBuy}
	require.NoError(t, env.engine.Tick(ctx))
	open, err = env.c.Store.GetOpenTrades(ctx, "")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestTick_OppositeSignalReverses(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, testConfig(), nil)

	env.strat.next = &strategy.Signal{Action: strategy.ActionBuy}
	require.NoError(t, env.engine.Tick(ctx))

	env.strat.next = &strategy.Signal{Action: strategy.ActionSell}
	require.NoError(t, env.engine.Tick(ctx))

	trades, err := env.c.Store.GetRecentTrades(ctx, 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, models.SideSell, trades[0].Side)
	assert.True(t, trades[0].IsOpen())
	assert.Equal(t, models.TradeClosed, trades[1].Status)
	assert.Equal(t, models.ExitOppositeSignal, trades[1].Exit.Reason)
	assert.Equal(t, 2, env.strat.opened)
	assert.Equal(t, 1, env.strat.closed)

	pos, ok := env.c.Ledger.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, models.Short, pos.Side)
}

func TestTick_OppositeSignalIgnoredWhenNotClosing(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Trading.CloseOnOppositeSignal = false
	env := setupEngine(t, cfg, nil)

	env.strat.next = &strategy.Signal{Action: strategy.ActionBuy}
	require.NoError(t, env.engine.Tick(ctx))
	env.strat.next = &strategy.Signal{Action: strategy.ActionSell}
	require.NoError(t, env.engine.Tick(ctx))

	trades, err := env.c.Store.GetRecentTrades(ctx, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].IsOpen())
}

func TestTick_ForceClose(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, testConfig(), nil)

	env.strat.next = &strategy.Signal{Action: strategy.ActionBuy}
	require.NoError(t, env.engine.Tick(ctx))

	env.client.setPrice(101)
	env.strat.next = &strategy.Signal{Action: strategy.ActionHold, ForceClose: true}
	require.NoError(t, env.engine.Tick(ctx))

	open, err := env.c.Store.GetOpenTrades(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)

	trades, err := env.c.Store.GetRecentTrades(ctx, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.ExitForceClose, trades[0].Exit.Reason)
	assert.InDelta(t, 5.0, trades[0].RealizedPnL, 1e-9)

	snapshot := env.engine.LatestSnapshot()
	assert.InDelta(t, 1005.0, snapshot.WalletBalance, 1e-9)
}

func TestTick_DrawdownHaltsNewTrades(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, testConfig(), nil)

	// A 100 loss recorded after the day started puts equity 10% down.
	loss := &models.Trade{Symbol: "ETHUSDT", Side: models.SideBuy, Price: 200, Quantity: 1, Margin: 200, Leverage: 1, Status: models.TradeOpen}
	loss.Close(models.TradeExit{Price: 100, Reason: models.ExitStopLoss}, -100)
	require.NoError(t, env.c.Store.SaveTrade(ctx, loss))

	env.strat.next = &strategy.Signal{Action: strategy.ActionBuy}
	require.NoError(t, env.engine.Tick(ctx))

	open, err := env.c.Store.GetOpenTrades(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestTick_MarketFailureAbortsTick(t *testing.T) {
	env := setupEngine(t, testConfig(), nil)
	env.client.tickerErr = errors.New("timeout")
	env.strat.next = &strategy.Signal{Action: strategy.ActionBuy}
	before := env.engine.LatestSnapshot()

	err := env.engine.Tick(context.Background())

	assert.Error(t, err)
	assert.Same(t, before, env.engine.LatestSnapshot())
	assert.NotNil(t, env.strat.next, "strategy is not consulted")
}

func TestInitialize_RestoresLedger(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, testConfig(), func(store *database.Store) {
		won := &models.Trade{Symbol: "BTCUSDT", Side: models.SideBuy, Price: 100, Quantity: 1, Margin: 100, Leverage: 1, Status: models.TradeOpen}
		won.Close(models.TradeExit{Price: 150, Reason: models.ExitTakeProfit}, 50)
		require.NoError(t, store.SaveTrade(ctx, won))
		require.NoError(t, store.SaveTrade(ctx, &models.Trade{
			Symbol: "BTCUSDT", Side: models.SideBuy, Price: 100, Quantity: 2, Margin: 200, Leverage: 1, Status: models.TradeOpen,
		}))
	})

	balance, err := env.c.Ledger.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 850.0, balance, 1e-9)

	pos, ok := env.c.Ledger.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 2.0, pos.Quantity)
	assert.Equal(t, 1, env.strat.opened)
	assert.InDelta(t, 1050.0, env.c.Risk.StartOfDayBalance(), 1e-9)
}

func TestProcessSignal_InFlightIsSkipped(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, testConfig(), nil)

	env.engine.orderMu.Lock()
	err := env.engine.processSignal(ctx, &strategy.Signal{Action: strategy.ActionBuy, Symbol: "BTCUSDT"}, 100)
	env.engine.orderMu.Unlock()

	require.NoError(t, err)
	open, err := env.c.Store.GetOpenTrades(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)
}
