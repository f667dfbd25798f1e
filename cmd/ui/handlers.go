package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"paper-trading-bot-go/internal/clock"
	"paper-trading-bot-go/internal/models"
	"paper-trading-bot-go/internal/portfolio"

	"go.uber.org/zap"
)

// Store is the read side of the database the dashboard uses.
type Store interface {
	GetRecentTrades(ctx context.Context, limit int) ([]models.Trade, error)
	GetClosedTradesSince(ctx context.Context, since int64) ([]models.Trade, error)
	GetLatestSnapshot(ctx context.Context) (*models.PortfolioSnapshot, error)
}

// CommissionReader aggregates earned and paid referral commission.
type CommissionReader interface {
	Summaries(ctx context.Context, email string) ([]models.CommissionSummary, error)
}

// ChartSource serves the cached equity series.
type ChartSource interface {
	GetChart(ctx context.Context, period string) ([]models.ChartCachePoint, error)
}

// VaultReader reads vault totals and per-user balances.
type VaultReader interface {
	State(ctx context.Context) (*models.VaultState, error)
	GetUserShares(ctx context.Context, email string) (float64, error)
	GetUserNetDepositedCapital(ctx context.Context, email string) (float64, error)
}

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log         *zap.Logger
	store       Store
	chart       ChartSource
	vault       VaultReader
	commissions CommissionReader
	clock       clock.Clock
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, store Store, chart ChartSource, vault VaultReader, commissions CommissionReader, clk clock.Clock) *APIHandler {
	return &APIHandler{log: log, store: store, chart: chart, vault: vault, commissions: commissions, clock: clk}
}

// Routes registers the API endpoints on mux.
func (h *APIHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/trades", h.TradesHandler)
	mux.HandleFunc("/api/statistics", h.StatisticsHandler)
	mux.HandleFunc("/api/snapshot", h.SnapshotHandler)
	mux.HandleFunc("/api/chart", h.ChartHandler)
	mux.HandleFunc("/api/vault", h.VaultHandler)
}

// TradesHandler returns historical trades, most recent first. ?limit= caps the count.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	trades, err := h.store.GetRecentTrades(r.Context(), limit)
	if err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, trades)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      float64 `json:"total_profit"`
}

func (s *StatsDetail) add(pnl float64) {
	s.TotalTrades++
	if pnl > 0 {
		s.ProfitableTrades++
	}
	s.TotalProfit += pnl
	s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades)
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// StatisticsHandler calculates and returns statistics over closed trades.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	trades, err := h.store.GetClosedTradesSince(r.Context(), 0)
	if err != nil {
		h.log.Error("Failed to get trades for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	since24h := h.clock.Now() - (24 * time.Hour).Milliseconds()
	var response StatisticsResponse
	for i := range trades {
		trade := &trades[i]
		pnl := portfolio.ClosedPnL(trade)
		response.AllTime.add(pnl)
		if trade.Exit.Timestamp >= since24h {
			response.Since24h.add(pnl)
		}
	}
	h.writeJSON(w, response)
}

// SnapshotHandler returns the latest persisted portfolio snapshot.
func (h *APIHandler) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.store.GetLatestSnapshot(r.Context())
	if err != nil {
		h.log.Error("Failed to get snapshot", zap.Error(err))
		http.Error(w, "Failed to get snapshot", http.StatusInternalServerError)
		return
	}
	if snapshot == nil {
		http.Error(w, "No snapshot yet", http.StatusNotFound)
		return
	}
	h.writeJSON(w, snapshot)
}

// ChartHandler returns the equity series of ?period= (1d, 1w, 1m, 1y, all).
func (h *APIHandler) ChartHandler(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "1d"
	}
	if _, ok := portfolio.LookupChartPeriod(period); !ok {
		http.Error(w, "unknown period", http.StatusBadRequest)
		return
	}

	points, err := h.chart.GetChart(r.Context(), period)
	if err != nil {
		h.log.Error("Failed to get chart", zap.String("period", period), zap.Error(err))
		http.Error(w, "Failed to get chart", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, points)
}

// VaultResponse is the structure for the /api/vault endpoint.
type VaultResponse struct {
	State       *models.VaultState         `json:"state"`
	Email       string                     `json:"email,omitempty"`
	Shares      float64                    `json:"shares,omitempty"`
	Capital     float64                    `json:"net_deposited_capital,omitempty"`
	Commissions []models.CommissionSummary `json:"commissions"`
}

// VaultHandler returns vault totals and commissions. With ?email= it adds that user's balances.
func (h *APIHandler) VaultHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	email := r.URL.Query().Get("email")

	state, err := h.vault.State(ctx)
	if err != nil {
		h.log.Error("Failed to get vault state", zap.Error(err))
		http.Error(w, "Failed to get vault state", http.StatusInternalServerError)
		return
	}
	response := VaultResponse{State: state, Email: email}

	if email != "" {
		if response.Shares, err = h.vault.GetUserShares(ctx, email); err == nil {
			response.Capital, err = h.vault.GetUserNetDepositedCapital(ctx, email)
		}
		if err != nil {
			h.log.Error("Failed to get user vault balance", zap.String("email", email), zap.Error(err))
			http.Error(w, "Failed to get user balance", http.StatusInternalServerError)
			return
		}
	}

	if response.Commissions, err = h.commissions.Summaries(ctx, email); err != nil {
		h.log.Error("Failed to get commissions", zap.Error(err))
		http.Error(w, "Failed to get commissions", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, response)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to write response", zap.Error(err))
	}
}
