// Package vault keeps the share accounting of the pooled fund. All totals are
// replayed from the append-only transaction ledger.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"paper-trading-bot-go/internal/clock"
	"paper-trading-bot-go/internal/models"

	"go.uber.org/zap"
)

var (
	ErrInvalidAmount      = errors.New("amount must be a positive number")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrInvalidSharePrice  = errors.New("share price is not positive")
	ErrSelfTransfer       = errors.New("cannot transfer shares to the same user")
)

// bootstrapSharePrice is the price of a share while none are outstanding.
const bootstrapSharePrice = 1.0

// Store is the vault ledger persistence.
type Store interface {
	GetVaultTransactions(ctx context.Context, email string, until int64) ([]models.VaultTransaction, error)
	SaveVaultTransactions(ctx context.Context, txs ...*models.VaultTransaction) error
	GetLatestSnapshot(ctx context.Context) (*models.PortfolioSnapshot, error)
	SaveVaultState(ctx context.Context, state *models.VaultState) error
}

// EquityProvider reports the live equity of the trading account.
type EquityProvider interface {
	GetCurrentEquity(ctx context.Context) (float64, error)
}

// Accountant prices vault shares and records deposits, withdrawals and transfers.
type Accountant struct {
	logger *zap.Logger
	store  Store
	clock  clock.Clock

	providerMu sync.RWMutex
	equity     EquityProvider

	// mu serializes ledger writes so a price read and the entry it prices are atomic.
	mu sync.Mutex
}

// NewAccountant creates an Accountant. Call SetEquityProvider once the
// portfolio engine exists to price shares at live equity.
func NewAccountant(logger *zap.Logger, store Store, clk clock.Clock) *Accountant {
	return &Accountant{
		logger: logger.Named("vault"),
		store:  store,
		clock:  clk,
	}
}

// SetEquityProvider injects the live equity source.
func (a *Accountant) SetEquityProvider(provider EquityProvider) {
	a.providerMu.Lock()
	defer a.providerMu.Unlock()
	a.equity = provider
}

func (a *Accountant) equityProvider() EquityProvider {
	a.providerMu.RLock()
	defer a.providerMu.RUnlock()
	return a.equity
}

// totals is the result of replaying the ledger.
type totals struct {
	shares    float64
	deposited float64
}

// replay sums the vault-wide totals. Transfers move shares between users and
// are left out; commission entries move capital and count as deposits.
func replay(txs []models.VaultTransaction) totals {
	var t totals
	for _, tx := range txs {
		switch tx.Type {
		case models.VaultDeposit, models.VaultWithdrawal:
			t.shares += tx.Shares
			t.deposited += tx.Amount
		case models.VaultCommissionEarned, models.VaultCommissionPaid:
			t.deposited += tx.Amount
		}
	}
	return t
}

// replayUser sums one user's shares and net deposited capital, transfers included.
func replayUser(txs []models.VaultTransaction) totals {
	var t totals
	for _, tx := range txs {
		switch tx.Type {
		case models.VaultDeposit, models.VaultWithdrawal, models.VaultSend, models.VaultReceive:
			t.shares += tx.Shares
			t.deposited += tx.Amount
		case models.VaultCommissionEarned, models.VaultCommissionPaid:
			t.deposited += tx.Amount
		}
	}
	return t
}

func (a *Accountant) vaultTotals(ctx context.Context) (totals, error) {
	txs, err := a.store.GetVaultTransactions(ctx, "", a.clock.Now())
	if err != nil {
		return totals{}, err
	}
	return replay(txs), nil
}

func (a *Accountant) userTotals(ctx context.Context, email string) (totals, error) {
	txs, err := a.store.GetVaultTransactions(ctx, email, a.clock.Now())
	if err != nil {
		return totals{}, err
	}
	return replayUser(txs), nil
}

// GetTotalShares returns the outstanding shares at the current time.
func (a *Accountant) GetTotalShares(ctx context.Context) (float64, error) {
	t, err := a.vaultTotals(ctx)
	return t.shares, err
}

// GetTotalDepositedBalance returns net capital deposited at the current time.
func (a *Accountant) GetTotalDepositedBalance(ctx context.Context) (float64, error) {
	t, err := a.vaultTotals(ctx)
	return t.deposited, err
}

// GetUserShares returns the shares held by email.
func (a *Accountant) GetUserShares(ctx context.Context, email string) (float64, error) {
	t, err := a.userTotals(ctx, email)
	return t.shares, err
}

// GetUserNetDepositedCapital returns what email has put in, net of withdrawals,
// transfers and commissions.
func (a *Accountant) GetUserNetDepositedCapital(ctx context.Context, email string) (float64, error) {
	t, err := a.userTotals(ctx, email)
	return t.deposited, err
}

// GetTotalAssets prefers live equity, then the latest snapshot, then deposited capital.
func (a *Accountant) GetTotalAssets(ctx context.Context) (float64, error) {
	if provider := a.equityProvider(); provider != nil {
		equity, err := provider.GetCurrentEquity(ctx)
		if err == nil {
			return equity, nil
		}
		a.logger.Warn("Live equity unavailable, falling back", zap.Error(err))
	}

	snapshot, err := a.store.GetLatestSnapshot(ctx)
	if err != nil {
		a.logger.Warn("Latest snapshot unavailable, falling back to deposits", zap.Error(err))
	} else if snapshot != nil {
		return snapshot.CurrentEquity, nil
	}

	return a.GetTotalDepositedBalance(ctx)
}

// GetSharePrice is total assets over total shares, or 1.0 while no shares exist.
func (a *Accountant) GetSharePrice(ctx context.Context) (float64, error) {
	shares, err := a.GetTotalShares(ctx)
	if err != nil {
		return 0, err
	}
	if shares <= 0 {
		return bootstrapSharePrice, nil
	}
	assets, err := a.GetTotalAssets(ctx)
	if err != nil {
		return 0, err
	}
	return assets / shares, nil
}

func (a *Accountant) tradablePrice(ctx context.Context) (float64, error) {
	price, err := a.GetSharePrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to price shares: %w", err)
	}
	if !(price > 0) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSharePrice, price)
	}
	return price, nil
}

func validPositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// Deposit issues amount / sharePrice shares to email.
func (a *Accountant) Deposit(ctx context.Context, email string, amount float64) (*models.VaultTransaction, error) {
	if !validPositive(amount) {
		return nil, fmt.Errorf("%w: deposit %v", ErrInvalidAmount, amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	price, err := a.tradablePrice(ctx)
	if err != nil {
		return nil, err
	}
	tx := &models.VaultTransaction{
		Email:     email,
		Amount:    amount,
		Shares:    amount / price,
		Type:      models.VaultDeposit,
		Timestamp: a.clock.Now(),
	}
	if err := a.store.SaveVaultTransactions(ctx, tx); err != nil {
		return nil, err
	}
	a.logger.Info("Deposit recorded",
		zap.String("email", email),
		zap.Float64("amount", amount),
		zap.Float64("shares", tx.Shares),
		zap.Float64("share_price", price),
	)
	a.refreshState(ctx)
	return tx, nil
}

// Withdraw redeems shares of email at the current share price.
func (a *Accountant) Withdraw(ctx context.Context, email string, shares float64) (*models.VaultTransaction, error) {
	if !validPositive(shares) {
		return nil, fmt.Errorf("%w: withdraw %v shares", ErrInvalidAmount, shares)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	total, err := a.GetTotalShares(ctx)
	if err != nil {
		return nil, err
	}
	if shares > total {
		return nil, fmt.Errorf("%w: requested %.8f, vault has %.8f outstanding", ErrInsufficientShares, shares, total)
	}
	held, err := a.GetUserShares(ctx, email)
	if err != nil {
		return nil, err
	}
	if shares > held {
		return nil, fmt.Errorf("%w: requested %.8f, %s holds %.8f", ErrInsufficientShares, shares, email, held)
	}

	price, err := a.tradablePrice(ctx)
	if err != nil {
		return nil, err
	}
	amount := shares * price
	tx := &models.VaultTransaction{
		Email:     email,
		Amount:    -amount,
		Shares:    -shares,
		Type:      models.VaultWithdrawal,
		Timestamp: a.clock.Now(),
	}
	if err := a.store.SaveVaultTransactions(ctx, tx); err != nil {
		return nil, err
	}
	a.logger.Info("Withdrawal recorded",
		zap.String("email", email),
		zap.Float64("amount", amount),
		zap.Float64("shares", shares),
		zap.Float64("share_price", price),
	)
	a.refreshState(ctx)
	return tx, nil
}

// Transfer moves shares between two users as a SEND/RECEIVE pair. Vault totals are unchanged.
func (a *Accountant) Transfer(ctx context.Context, from, to string, shares float64) error {
	if !validPositive(shares) {
		return fmt.Errorf("%w: transfer %v shares", ErrInvalidAmount, shares)
	}
	if from == to {
		return ErrSelfTransfer
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	held, err := a.GetUserShares(ctx, from)
	if err != nil {
		return err
	}
	if shares > held {
		return fmt.Errorf("%w: requested %.8f, %s holds %.8f", ErrInsufficientShares, shares, from, held)
	}
	price, err := a.tradablePrice(ctx)
	if err != nil {
		return err
	}
	amount := shares * price
	now := a.clock.Now()
	send := &models.VaultTransaction{Email: from, Counterparty: to, Amount: -amount, Shares: -shares, Type: models.VaultSend, Timestamp: now}
	receive := &models.VaultTransaction{Email: to, Counterparty: from, Amount: amount, Shares: shares, Type: models.VaultReceive, Timestamp: now}
	if err := a.store.SaveVaultTransactions(ctx, send, receive); err != nil {
		return err
	}
	a.logger.Info("Transfer recorded",
		zap.String("from", from),
		zap.String("to", to),
		zap.Float64("shares", shares),
		zap.Float64("amount", amount),
	)
	return nil
}

// RecordCommission posts a referral commission as a COMMISSION_EARNED credit to
// the inviter and a matching COMMISSION_PAID debit to the invited user.
func (a *Accountant) RecordCommission(ctx context.Context, inviterEmail, invitedEmail string, amount float64) error {
	if !validPositive(amount) {
		return fmt.Errorf("%w: commission %v", ErrInvalidAmount, amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	earned := &models.VaultTransaction{Email: inviterEmail, Counterparty: invitedEmail, Amount: amount, Type: models.VaultCommissionEarned, Timestamp: now}
	paid := &models.VaultTransaction{Email: invitedEmail, Counterparty: inviterEmail, Amount: -amount, Type: models.VaultCommissionPaid, Timestamp: now}
	if err := a.store.SaveVaultTransactions(ctx, earned, paid); err != nil {
		return err
	}
	a.refreshState(ctx)
	return nil
}

// State computes the current vault totals.
func (a *Accountant) State(ctx context.Context) (*models.VaultState, error) {
	t, err := a.vaultTotals(ctx)
	if err != nil {
		return nil, err
	}
	price, err := a.GetSharePrice(ctx)
	if err != nil {
		return nil, err
	}
	return &models.VaultState{
		TotalShares:           t.shares,
		TotalDepositedBalance: t.deposited,
		SharePrice:            price,
		UpdatedAt:             a.clock.Now(),
	}, nil
}

// refreshState rewrites the cached totals. The ledger stays authoritative, so
// a failure here is only logged.
func (a *Accountant) refreshState(ctx context.Context) {
	state, err := a.State(ctx)
	if err == nil {
		err = a.store.SaveVaultState(ctx, state)
	}
	if err != nil {
		a.logger.Warn("Failed to refresh vault state cache", zap.Error(err))
	}
}
