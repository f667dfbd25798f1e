package database

import (
	"context"
	"errors"
	"fmt"

	"paper-trading-bot-go/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// riskStateID and vaultStateID pin the singleton rows.
const (
	riskStateID  = 1
	vaultStateID = 1
)

// Store is the persistence layer used by the engine components.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open, migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// --- trades ---

// SaveTrade inserts a new trade.
func (s *Store) SaveTrade(ctx context.Context, trade *models.Trade) error {
	if err := s.db.WithContext(ctx).Create(trade).Error; err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// UpdateTrade writes every field of an existing trade.
func (s *Store) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	if trade.ID == 0 {
		return fmt.Errorf("failed to update trade: missing id")
	}
	if err := s.db.WithContext(ctx).Save(trade).Error; err != nil {
		return fmt.Errorf("failed to update trade %d: %w", trade.ID, err)
	}
	return nil
}

// GetTrade returns the trade with the given id.
func (s *Store) GetTrade(ctx context.Context, id uint) (*models.Trade, error) {
	var trade models.Trade
	err := s.db.WithContext(ctx).First(&trade, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade %d: %w", id, err)
	}
	return &trade, nil
}

// GetOpenTrades returns the OPEN trades, oldest first. An empty symbol matches all symbols.
func (s *Store) GetOpenTrades(ctx context.Context, symbol string) ([]models.Trade, error) {
	query := s.db.WithContext(ctx).Where("status = ?", models.TradeOpen)
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	var trades []models.Trade
	if err := query.Order("id asc").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to get open trades: %w", err)
	}
	return trades, nil
}

// GetRecentTrades returns up to limit trades, newest first. A limit of 0 returns every trade.
func (s *Store) GetRecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	query := s.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var trades []models.Trade
	if err := query.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to get recent trades: %w", err)
	}
	return trades, nil
}

// GetClosedTradesSince returns trades closed at or after since (epoch millis).
func (s *Store) GetClosedTradesSince(ctx context.Context, since int64) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.WithContext(ctx).
		Where("status = ? AND exit_timestamp >= ?", models.TradeClosed, since).
		Order("exit_timestamp asc").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get closed trades: %w", err)
	}
	return trades, nil
}

// --- snapshots ---

// SaveSnapshot inserts a portfolio snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snapshot *models.PortfolioSnapshot) error {
	if err := s.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetLatestSnapshot returns the most recent snapshot, or nil if none was saved yet.
func (s *Store) GetLatestSnapshot(ctx context.Context) (*models.PortfolioSnapshot, error) {
	var snapshots []models.PortfolioSnapshot
	err := s.db.WithContext(ctx).Order("timestamp desc, id desc").Limit(1).Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	if len(snapshots) == 0 {
		return nil, nil
	}
	return &snapshots[0], nil
}

// GetSnapshotsSince returns the snapshots taken at or after since, oldest first.
// A since of 0 returns the full history.
func (s *Store) GetSnapshotsSince(ctx context.Context, since int64) ([]models.PortfolioSnapshot, error) {
	var snapshots []models.PortfolioSnapshot
	err := s.db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp asc, id asc").
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshots: %w", err)
	}
	return snapshots, nil
}

// --- risk state ---

// GetRiskState returns the persisted risk state, or nil if none was saved yet.
func (s *Store) GetRiskState(ctx context.Context) (*models.RiskState, error) {
	var state models.RiskState
	err := s.db.WithContext(ctx).First(&state, riskStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk state: %w", err)
	}
	return &state, nil
}

// SaveRiskState upserts the singleton risk state.
func (s *Store) SaveRiskState(ctx context.Context, state *models.RiskState) error {
	state.ID = riskStateID
	if err := s.db.WithContext(ctx).Save(state).Error; err != nil {
		return fmt.Errorf("failed to save risk state: %w", err)
	}
	return nil
}

// --- chart cache ---

// GetChartCache returns the cached points of period, oldest first.
func (s *Store) GetChartCache(ctx context.Context, period string) ([]models.ChartCachePoint, error) {
	var points []models.ChartCachePoint
	err := s.db.WithContext(ctx).
		Where("period = ?", period).
		Order("timestamp asc").
		Find(&points).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get chart cache %s: %w", period, err)
	}
	return points, nil
}

// ReplaceChartCache atomically swaps the cached points of period.
func (s *Store) ReplaceChartCache(ctx context.Context, period string, points []models.ChartCachePoint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("period = ?", period).Delete(&models.ChartCachePoint{}).Error; err != nil {
			return err
		}
		if len(points) == 0 {
			return nil
		}
		rows := make([]models.ChartCachePoint, len(points))
		for i, p := range points {
			rows[i] = models.ChartCachePoint{Period: period, Timestamp: p.Timestamp, Equity: p.Equity}
		}
		return tx.CreateInBatches(rows, 200).Error
	})
	if err != nil {
		return fmt.Errorf("failed to replace chart cache %s: %w", period, err)
	}
	return nil
}

// --- vault ---

// SaveVaultTransactions appends entries to the vault ledger in one transaction,
// so paired entries (transfers, commissions) are never half written.
func (s *Store) SaveVaultTransactions(ctx context.Context, txs ...*models.VaultTransaction) error {
	if len(txs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, vt := range txs {
			if err := tx.Create(vt).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save vault transactions: %w", err)
	}
	return nil
}

// GetVaultTransactions returns the ledger entries at or before until, in replay order.
// An empty email returns the entries of every user.
func (s *Store) GetVaultTransactions(ctx context.Context, email string, until int64) ([]models.VaultTransaction, error) {
	query := s.db.WithContext(ctx).Where("timestamp <= ?", until)
	if email != "" {
		query = query.Where("email = ?", email)
	}
	var txs []models.VaultTransaction
	if err := query.Order("timestamp asc, id asc").Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("failed to get vault transactions: %w", err)
	}
	return txs, nil
}

// GetVaultState returns the cached vault totals, or nil if none were saved yet.
func (s *Store) GetVaultState(ctx context.Context) (*models.VaultState, error) {
	var state models.VaultState
	err := s.db.WithContext(ctx).First(&state, vaultStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vault state: %w", err)
	}
	return &state, nil
}

// SaveVaultState upserts the singleton vault state cache.
func (s *Store) SaveVaultState(ctx context.Context, state *models.VaultState) error {
	state.ID = vaultStateID
	if err := s.db.WithContext(ctx).Save(state).Error; err != nil {
		return fmt.Errorf("failed to save vault state: %w", err)
	}
	return nil
}

// --- inviter relationships ---

// SaveInviterRelationship records who invited a user. A user can only be invited once.
func (s *Store) SaveInviterRelationship(ctx context.Context, rel *models.InviterRelationship) error {
	if err := s.db.WithContext(ctx).Create(rel).Error; err != nil {
		return fmt.Errorf("failed to save inviter relationship for %s: %w", rel.InvitedUserID, err)
	}
	return nil
}

// GetInviterRelationship returns the relationship of an invited user, or nil if none exists.
func (s *Store) GetInviterRelationship(ctx context.Context, invitedUserID string) (*models.InviterRelationship, error) {
	var rel models.InviterRelationship
	err := s.db.WithContext(ctx).Where("invited_user_id = ?", invitedUserID).First(&rel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inviter relationship for %s: %w", invitedUserID, err)
	}
	return &rel, nil
}

// GetInviterRelationships returns every relationship.
func (s *Store) GetInviterRelationships(ctx context.Context) ([]models.InviterRelationship, error) {
	var rels []models.InviterRelationship
	if err := s.db.WithContext(ctx).Order("id asc").Find(&rels).Error; err != nil {
		return nil, fmt.Errorf("failed to get inviter relationships: %w", err)
	}
	return rels, nil
}

// --- commission aggregates ---

// GetCommissionSummaries aggregates COMMISSION_EARNED and COMMISSION_PAID per email.
// An empty email returns every email with commission activity.
func (s *Store) GetCommissionSummaries(ctx context.Context, email string) ([]models.CommissionSummary, error) {
	query := s.db.WithContext(ctx).
		Model(&models.VaultTransaction{}).
		Select("email, "+
			"COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS earned, "+
			"COALESCE(SUM(CASE WHEN type = ? THEN -amount ELSE 0 END), 0) AS paid",
			models.VaultCommissionEarned, models.VaultCommissionPaid).
		Where("type IN ?", []models.VaultTransactionType{models.VaultCommissionEarned, models.VaultCommissionPaid})
	if email != "" {
		query = query.Where("email = ?", email)
	}
	var summaries []models.CommissionSummary
	if err := query.Group("email").Order("email asc").Scan(&summaries).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate commissions: %w", err)
	}
	return summaries, nil
}

// --- users ---

// SaveUser inserts the user, or updates its email if the id exists.
func (s *Store) SaveUser(ctx context.Context, user *models.User) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email"}),
	}).Create(user).Error
	if err != nil {
		return fmt.Errorf("failed to save user %s: %w", user.ID, err)
	}
	return nil
}

// GetUserEmail returns the email of a user id.
func (s *Store) GetUserEmail(ctx context.Context, userID string) (string, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return user.Email, nil
}

// GetUserByEmail returns the user registered with email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", email, err)
	}
	return &user, nil
}
