package portfolio

import (
	"context"
	"errors"
	"testing"
	"time"

	"paper-trading-bot-go/internal/clock"
	"paper-trading-bot-go/internal/config"
	"paper-trading-bot-go/internal/database"
	"paper-trading-bot-go/internal/market"
	"paper-trading-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubPrices map[string]float64

func (s stubPrices) GetTicker(_ context.Context, symbol string) (*market.Ticker, error) {
	price, ok := s[symbol]
	if !ok {
		return nil, errors.New("no ticker")
	}
	return &market.Ticker{Symbol: symbol, Price: price}, nil
}

type stubDeposits float64

func (s stubDeposits) GetTotalDepositedBalance(context.Context) (float64, error) {
	return float64(s), nil
}

func testConfig() *config.Config {
	return &config.Config{
		Balance: config.Balance{Initial: 1000, Asset: "USDT"},
		Chart:   config.Chart{MaxPoints: 5, TargetPoints: 2},
	}
}

func setupEngine(t *testing.T, cfg *config.Config, prices stubPrices, deposits DepositSource) (*Engine, *database.Store, *clock.Sim) {
	t.Helper()
	db, err := database.NewDatabase(config.Database{DSN: "file::memory:"})
	require.NoError(t, err)
	store := database.NewStore(db)
	clk := clock.NewSim(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	return NewEngine(zap.NewNop(), cfg, store, prices, clk, deposits), store, clk
}

func closedTrade(symbol string, side models.OrderSide, entry, exit, qty float64) *models.Trade {
	t := &models.Trade{Symbol: symbol, Side: side, Price: entry, Quantity: qty, Leverage: 1, Margin: entry * qty, Status: models.TradeOpen}
	t.Close(models.TradeExit{Price: exit, Timestamp: 1, Reason: models.ExitStrategy}, 0)
	return t
}

func TestGenerateSnapshot(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := setupEngine(t, testConfig(), stubPrices{"BTCUSDT": 110}, nil)

	require.NoError(t, store.SaveTrade(ctx, closedTrade("BTCUSDT", models.SideBuy, 100, 95, 1)))
	require.NoError(t, store.SaveTrade(ctx, closedTrade("BTCUSDT", models.SideSell, 100, 90, 2)))
	require.NoError(t, store.SaveTrade(ctx, &models.Trade{Symbol: "BTCUSDT", Side: models.SideBuy, Price: 100, Quantity: 1, Leverage: 1, Margin: 100, Status: models.TradeOpen}))
	// Missing margin is recomputed from leverage; the failing ticker falls back to entry.
	require.NoError(t, store.SaveTrade(ctx, &models.Trade{Symbol: "ETHUSDT", Side: models.SideSell, Price: 50, Quantity: 2, Leverage: 2, Status: models.TradeOpen}))

	snapshot, err := engine.GenerateSnapshot(ctx)
	require.NoError(t, err)

	assert.InDelta(t, 15.0, snapshot.RealizedPnL, 1e-9)
	assert.InDelta(t, 1015.0, snapshot.WalletBalance, 1e-9)
	assert.InDelta(t, 150.0, snapshot.TotalMarginUsed, 1e-9)
	assert.InDelta(t, 200.0, snapshot.TotalNotionalValue, 1e-9)
	assert.InDelta(t, 865.0, snapshot.CurrentBalance, 1e-9)
	assert.InDelta(t, 10.0, snapshot.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 1025.0, snapshot.CurrentEquity, 1e-9)
	assert.Equal(t, map[string]float64{"BTCUSDT": 1, "ETHUSDT": -2}, snapshot.Holdings)
	assert.Equal(t, 2, snapshot.OpenTrades)
	assert.Equal(t, 2, snapshot.TotalTrades)
	assert.Equal(t, 1, snapshot.WinningTrades)
	assert.Equal(t, 1, snapshot.LosingTrades)
	assert.InDelta(t, 0.5, snapshot.WinRate, 1e-9)
	assert.InDelta(t, 4.0, snapshot.ProfitFactor, 1e-9)

	again, err := engine.GenerateSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snapshot, again)

	equity, err := engine.GetCurrentEquity(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1025.0, equity, 1e-9)
}

func TestGenerateSnapshot_CurrentBalanceFloor(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Balance.Initial = 50
	engine, store, _ := setupEngine(t, cfg, stubPrices{"BTCUSDT": 100}, nil)
	require.NoError(t, store.SaveTrade(ctx, &models.Trade{Symbol: "BTCUSDT", Side: models.SideBuy, Price: 100, Quantity: 1, Margin: 100, Status: models.TradeOpen}))

	snapshot, err := engine.GenerateSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, snapshot.CurrentBalance)
}

func TestGenerateSnapshot_VaultDeposits(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Vault.Enabled = true
	engine, _, _ := setupEngine(t, cfg, stubPrices{}, stubDeposits(500))
	snapshot, err := engine.GenerateSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500.0, snapshot.WalletBalance)

	// Deposits are ignored while the vault is disabled.
	engine, _, _ = setupEngine(t, testConfig(), stubPrices{}, stubDeposits(500))
	snapshot, err = engine.GenerateSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, snapshot.WalletBalance)
	assert.Equal(t, 0.0, snapshot.ProfitFactor)
	assert.Equal(t, 0.0, snapshot.WinRate)
}

func TestMergeTrades_PrefersClosed(t *testing.T) {
	open := models.Trade{Symbol: "BTCUSDT", Status: models.TradeOpen}
	open.ID = 7
	closed := open
	closed.Status = models.TradeClosed
	other := models.Trade{Symbol: "ETHUSDT", Status: models.TradeOpen}
	other.ID = 3

	merged := mergeTrades([]models.Trade{open, other}, []models.Trade{closed})
	require.Len(t, merged, 2)
	assert.Equal(t, uint(3), merged[0].ID)
	assert.Equal(t, models.TradeClosed, merged[1].Status)

	merged = mergeTrades([]models.Trade{closed}, []models.Trade{open})
	require.Len(t, merged, 1)
	assert.Equal(t, models.TradeClosed, merged[0].Status)
}

func TestClosedPnL_LiquidationCap(t *testing.T) {
	trade := &models.Trade{Side: models.SideBuy, Price: 100, Quantity: 10, Leverage: 10, Margin: 100, Status: models.TradeOpen}
	trade.Close(models.TradeExit{Price: 50}, 0)
	assert.Equal(t, -100.0, ClosedPnL(trade))
}

func TestProfitFactor(t *testing.T) {
	assert.Equal(t, 0.0, ProfitFactor(0, 0))
	assert.Equal(t, models.ProfitFactorInfinite, ProfitFactor(10, 0))
	assert.Equal(t, 2.0, ProfitFactor(10, 5))
	assert.Equal(t, 0.0, ProfitFactor(0, 5))
}
