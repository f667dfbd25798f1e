package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"paper-trading-bot-go/internal/binance"
	"paper-trading-bot-go/internal/clock"
	"paper-trading-bot-go/internal/config"
	"paper-trading-bot-go/internal/database"
	"paper-trading-bot-go/internal/logger"
	"paper-trading-bot-go/internal/trader"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Connect to the database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	store := database.NewStore(db)

	// The dashboard only reads; the client backs live equity for the vault share price.
	c := trader.NewComponents(log, &cfg, store, binance.NewRestClient(&cfg.Binance, log), clock.System{})

	mux := http.NewServeMux()
	NewAPIHandler(log.Named("ui"), store, c.Portfolio, c.Vault, c.Commission, clock.System{}).Routes(mux)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Info("Starting web server", zap.String("address", addr))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil {
		log.Fatal("Web server failed", zap.Error(err))
	}
}
