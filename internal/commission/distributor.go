// Package commission pays referral commissions out of profitable trades.
package commission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"paper-trading-bot-go/internal/models"

	"go.uber.org/zap"
)

// ErrInvalidRate is returned for commission rates outside [0, 1].
var ErrInvalidRate = errors.New("commission rate must be within [0, 1]")

// Store holds the referral relationships and the user directory.
type Store interface {
	SaveInviterRelationship(ctx context.Context, rel *models.InviterRelationship) error
	GetInviterRelationship(ctx context.Context, invitedUserID string) (*models.InviterRelationship, error)
	GetInviterRelationships(ctx context.Context) ([]models.InviterRelationship, error)
	GetUserEmail(ctx context.Context, userID string) (string, error)
	GetCommissionSummaries(ctx context.Context, email string) ([]models.CommissionSummary, error)
}

// Vault is the part of the vault accountant commissions need.
type Vault interface {
	GetTotalAssets(ctx context.Context) (float64, error)
	GetUserNetDepositedCapital(ctx context.Context, email string) (float64, error)
	RecordCommission(ctx context.Context, inviterEmail, invitedEmail string, amount float64) error
}

// Distributor computes and posts referral commissions.
type Distributor struct {
	logger *zap.Logger
	store  Store
	vault  Vault

	mu sync.Mutex
	// cache maps invited user ids to relationships; a nil value records a miss.
	cache map[string]*models.InviterRelationship
	// all is the full relationship list used by distribution passes; nil until loaded.
	all []models.InviterRelationship
}

// NewDistributor creates a Distributor.
func NewDistributor(logger *zap.Logger, store Store, vault Vault) *Distributor {
	return &Distributor{
		logger: logger.Named("commission"),
		store:  store,
		vault:  vault,
		cache:  make(map[string]*models.InviterRelationship),
	}
}

// SetInviterRelationship records that inviterID invited invitedUserID.
func (d *Distributor) SetInviterRelationship(ctx context.Context, inviterID, invitedUserID, invitedEmail string, rate float64) (*models.InviterRelationship, error) {
	if inviterID == "" || invitedUserID == "" || invitedEmail == "" {
		return nil, fmt.Errorf("inviter id, invited user id and invited email are required")
	}
	if inviterID == invitedUserID {
		return nil, fmt.Errorf("user %s cannot invite themselves", inviterID)
	}
	if !(rate >= 0 && rate <= 1) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}

	rel := &models.InviterRelationship{
		InviterID:      inviterID,
		InvitedUserID:  invitedUserID,
		InvitedEmail:   invitedEmail,
		CommissionRate: rate,
	}
	if err := d.store.SaveInviterRelationship(ctx, rel); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[invitedUserID] = rel
	if d.all != nil {
		d.all = append(d.all, *rel)
	}
	d.mu.Unlock()
	return rel, nil
}

// GetInviterRelationship returns who invited userID, or nil if nobody did.
func (d *Distributor) GetInviterRelationship(ctx context.Context, userID string) (*models.InviterRelationship, error) {
	d.mu.Lock()
	rel, ok := d.cache[userID]
	d.mu.Unlock()
	if ok {
		return rel, nil
	}

	rel, err := d.store.GetInviterRelationship(ctx, userID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.cache[userID] = rel
	d.mu.Unlock()
	return rel, nil
}

// InvalidateUser drops the cached relationship of userID, including a cached miss.
func (d *Distributor) InvalidateUser(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, userID)
	d.all = nil
}

// InvalidateAll empties the relationship cache.
func (d *Distributor) InvalidateAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[string]*models.InviterRelationship)
	d.all = nil
}

// relationships returns every relationship, loading the list once until invalidated.
func (d *Distributor) relationships(ctx context.Context) ([]models.InviterRelationship, error) {
	d.mu.Lock()
	if d.all != nil {
		rels := append([]models.InviterRelationship(nil), d.all...)
		d.mu.Unlock()
		return rels, nil
	}
	d.mu.Unlock()

	rels, err := d.store.GetInviterRelationships(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.all = append(make([]models.InviterRelationship, 0, len(rels)), rels...)
	for i := range rels {
		rel := rels[i]
		d.cache[rel.InvitedUserID] = &rel
	}
	return rels, nil
}

// CalculateCommission is the commission owed at rate on a trade's profit.
// Losing and open trades owe nothing.
func CalculateCommission(trade *models.Trade, rate float64) float64 {
	pnl := trade.PnL()
	if pnl <= 0 || rate <= 0 {
		return 0
	}
	return pnl * rate
}

// ProcessVaultCommissionPayment distributes commission on a profitable closed
// trade across every invited depositor, in proportion to their share of the
// vault. It returns the total posted. A failing relationship is logged and
// skipped; the failures are returned joined.
func (d *Distributor) ProcessVaultCommissionPayment(ctx context.Context, trade *models.Trade) (float64, error) {
	pnl := trade.PnL()
	if trade.IsOpen() || pnl <= 0 {
		return 0, nil
	}

	totalAssets, err := d.vault.GetTotalAssets(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get vault assets: %w", err)
	}
	if totalAssets <= 0 {
		return 0, nil
	}

	rels, err := d.relationships(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load inviter relationships: %w", err)
	}

	var total float64
	var errs []error
	for i := range rels {
		rel := &rels[i]
		amount, err := d.payRelationship(ctx, rel, pnl, totalAssets)
		if err != nil {
			d.logger.Error("Failed to pay commission",
				zap.String("inviter_id", rel.InviterID),
				zap.String("invited_user_id", rel.InvitedUserID),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		total += amount
	}

	if total > 0 {
		d.logger.Info("Distributed commissions",
			zap.Uint("trade_id", trade.ID),
			zap.Float64("trade_pnl", pnl),
			zap.Float64("total", total),
		)
	}
	return total, errors.Join(errs...)
}

func (d *Distributor) payRelationship(ctx context.Context, rel *models.InviterRelationship, pnl, totalAssets float64) (float64, error) {
	capital, err := d.vault.GetUserNetDepositedCapital(ctx, rel.InvitedEmail)
	if err != nil {
		return 0, err
	}
	share := capital / totalAssets
	if share <= 0 {
		return 0, nil
	}

	amount := pnl * share * rel.CommissionRate
	if amount <= 0 {
		return 0, nil
	}

	inviterEmail, err := d.store.GetUserEmail(ctx, rel.InviterID)
	if err != nil {
		return 0, err
	}
	if err := d.vault.RecordCommission(ctx, inviterEmail, rel.InvitedEmail, amount); err != nil {
		return 0, err
	}

	d.logger.Debug("Commission posted",
		zap.String("inviter", inviterEmail),
		zap.String("invited", rel.InvitedEmail),
		zap.Float64("vault_share", share),
		zap.Float64("amount", amount),
	)
	return amount, nil
}

// Summaries returns the commission earned and paid per email. An empty email returns all.
func (d *Distributor) Summaries(ctx context.Context, email string) ([]models.CommissionSummary, error) {
	return d.store.GetCommissionSummaries(ctx, email)
}
