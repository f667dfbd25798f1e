package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// APIServer provides an HTTP interface for the trading engine.
type APIServer struct {
	server *http.Server
	engine *Engine
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(engine *Engine, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine: engine,
		logger: logger.Named("api-server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", engine.c.Config.Server.ApiPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes served by the API.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/snapshot", s.snapshotHandler)
	return mux
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	cfg := s.engine.c.Config
	strategyName := ""
	if st := s.engine.Strategy(); st != nil {
		strategyName = st.Name()
	}
	status := struct {
		UUID      string `json:"uuid"`
		Name      string `json:"name"`
		Mode      string `json:"mode"`
		Symbol    string `json:"symbol"`
		Strategy  string `json:"strategy"`
		StartTime string `json:"start_time"`
		Uptime    string `json:"uptime"`
	}{
		UUID:      s.engine.UUID,
		Name:      s.engine.Name,
		Mode:      cfg.Trading.Mode,
		Symbol:    cfg.Trading.Symbol,
		Strategy:  strategyName,
		StartTime: s.engine.StartTime.Format(time.RFC3339),
		Uptime:    time.Since(s.engine.StartTime).Round(time.Second).String(),
	}
	s.writeJSON(w, status)
}

func (s *APIServer) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := s.engine.LatestSnapshot()
	if snapshot == nil {
		var err error
		if snapshot, err = s.engine.c.Portfolio.GenerateSnapshot(r.Context()); err != nil {
			s.logger.Error("Failed to generate snapshot", zap.Error(err))
			http.Error(w, "Failed to generate snapshot", http.StatusInternalServerError)
			return
		}
	}
	s.writeJSON(w, snapshot)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
