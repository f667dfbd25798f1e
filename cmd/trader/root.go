package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"paper-trading-bot-go/internal/binance"
	"paper-trading-bot-go/internal/clock"
	"paper-trading-bot-go/internal/config"
	"paper-trading-bot-go/internal/database"
	"paper-trading-bot-go/internal/logger"
	"paper-trading-bot-go/internal/models"
	"paper-trading-bot-go/internal/trader"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app holds what every subcommand needs. It is filled in by the root's pre-run.
type app struct {
	configDir string
	cfg       config.Config
	log       *zap.Logger
	store     *database.Store
	client    *binance.RestClient
}

func (a *app) components() *trader.Components {
	return trader.NewComponents(a.log, &a.cfg, a.store, a.client, clock.System{})
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "trader",
		Short:         "Paper trading engine with a pooled vault",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configDir, "config", "./configs", "directory holding config.yml")

	root.AddCommand(
		newRunCmd(a),
		newSnapshotCmd(a),
		newVaultCmd(a),
		newInviteCmd(a),
	)
	return root
}

func (a *app) setup() error {
	// API keys usually live in .env; a missing file is fine.
	envErr := godotenv.Load()

	cfg, err := config.LoadConfig(a.configDir)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}
	a.cfg = cfg

	if a.log, err = logger.NewLogger(cfg.Logger); err != nil {
		return err
	}
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		a.log.Warn("Could not read .env file", zap.Error(envErr))
	}
	a.log.Info("Configuration loaded", zap.String("mode", cfg.Trading.Mode))

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.store = database.NewStore(db)
	a.client = binance.NewRestClient(&cfg.Binance, a.log)
	return nil
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if _, err := a.client.GetServerTime(ctx); err != nil {
				return fmt.Errorf("failed to connect to Binance API: %w", err)
			}
			a.log.Info("Successfully connected to Binance API.")

			engine := trader.NewEngine(a.log, a.components())
			api := trader.NewAPIServer(engine, a.log)
			api.Start()

			runErr := engine.Run(ctx)

			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if err := api.Stop(shutdownCtx); err != nil {
				a.log.Warn("API server did not stop cleanly", zap.Error(err))
			}
			a.log.Info("Bot has been shut down.")
			return runErr
		},
	}
}

func newSnapshotCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Compute, store and print a portfolio snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := a.components().Portfolio.SaveSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, snapshot)
		},
	}
}

func newVaultCmd(a *app) *cobra.Command {
	vault := &cobra.Command{
		Use:   "vault",
		Short: "Manage pooled vault deposits",
	}

	vault.AddCommand(
		&cobra.Command{
			Use:   "deposit <email> <amount>",
			Short: "Deposit quote currency and receive shares",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				amount, err := strconv.ParseFloat(args[1], 64)
				if err != nil {
					return fmt.Errorf("invalid amount %q: %w", args[1], err)
				}
				tx, err := a.components().Vault.Deposit(cmd.Context(), args[0], amount)
				if err != nil {
					return err
				}
				return printJSON(cmd, tx)
			},
		},
		&cobra.Command{
			Use:   "withdraw <email> <shares>",
			Short: "Redeem shares at the current share price",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				shares, err := strconv.ParseFloat(args[1], 64)
				if err != nil {
					return fmt.Errorf("invalid shares %q: %w", args[1], err)
				}
				tx, err := a.components().Vault.Withdraw(cmd.Context(), args[0], shares)
				if err != nil {
					return err
				}
				return printJSON(cmd, tx)
			},
		},
		&cobra.Command{
			Use:   "transfer <from> <to> <shares>",
			Short: "Move shares between two depositors",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				shares, err := strconv.ParseFloat(args[2], 64)
				if err != nil {
					return fmt.Errorf("invalid shares %q: %w", args[2], err)
				}
				return a.components().Vault.Transfer(cmd.Context(), args[0], args[1], shares)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print vault totals and the share price",
			RunE: func(cmd *cobra.Command, args []string) error {
				state, err := a.components().Vault.State(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, state)
			},
		},
	)
	return vault
}

func newInviteCmd(a *app) *cobra.Command {
	var rate float64
	cmd := &cobra.Command{
		Use:   "invite <inviter-email> <invited-email>",
		Short: "Record a referral so the inviter earns commission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			inviter, err := a.ensureUser(ctx, args[0])
			if err != nil {
				return err
			}
			invited, err := a.ensureUser(ctx, args[1])
			if err != nil {
				return err
			}
			rel, err := a.components().Commission.SetInviterRelationship(ctx, inviter.ID, invited.ID, invited.Email, rate)
			if err != nil {
				return err
			}
			return printJSON(cmd, rel)
		},
	}
	cmd.Flags().Float64Var(&rate, "rate", 0.1, "commission rate as a fraction of the profit share")
	return cmd
}

// ensureUser returns the user registered with email, creating one if needed.
func (a *app) ensureUser(ctx context.Context, email string) (*models.User, error) {
	user, err := a.store.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	user = &models.User{ID: uuid.NewString(), Email: email}
	if err := a.store.SaveUser(ctx, user); err != nil {
		return nil, err
	}
	a.log.Info("Registered user", zap.String("email", email), zap.String("id", user.ID))
	return user, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
