package models

import "time"

// VaultTransactionType classifies entries of the append-only vault ledger.
type VaultTransactionType string

const (
	VaultDeposit          VaultTransactionType = "DEPOSIT"
	VaultWithdrawal       VaultTransactionType = "WITHDRAWAL"
	VaultSend             VaultTransactionType = "SEND"
	VaultReceive          VaultTransactionType = "RECEIVE"
	VaultCommissionEarned VaultTransactionType = "COMMISSION_EARNED"
	VaultCommissionPaid   VaultTransactionType = "COMMISSION_PAID"
)

// VaultTransaction is one signed ledger entry. Amount and Shares are negative
// for outflows (withdrawals, sends, paid commission).
type VaultTransaction struct {
	ID           uint                 `gorm:"primaryKey" json:"id"`
	Email        string               `gorm:"index;not null" json:"email"`
	Counterparty string               `json:"counterparty,omitempty"`
	Amount       float64              `json:"amount"`
	Shares       float64              `json:"shares"`
	Type         VaultTransactionType `gorm:"index;not null" json:"type"`
	Timestamp    int64                `gorm:"index" json:"timestamp"`
	CreatedAt    time.Time            `json:"-"`
}

// VaultState caches the replayed vault totals. The transaction ledger remains
// the source of truth.
type VaultState struct {
	ID                    uint    `gorm:"primaryKey"`
	TotalShares           float64 `json:"total_shares"`
	TotalDepositedBalance float64 `json:"total_deposited_balance"`
	SharePrice            float64 `json:"share_price"`
	UpdatedAt             int64   `json:"updated_at"`
}

// InviterRelationship links an invited depositor to the user who referred them.
type InviterRelationship struct {
	ID             uint    `gorm:"primaryKey" json:"-"`
	InviterID      string  `gorm:"index;not null" json:"inviter_id"`
	InvitedUserID  string  `gorm:"uniqueIndex;not null" json:"invited_user_id"`
	InvitedEmail   string  `gorm:"not null" json:"invited_email"`
	CommissionRate float64 `json:"commission_rate"`
}

// User maps a user id to the email used by the vault ledger.
type User struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"uniqueIndex;not null" json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// CommissionSummary totals the commission entries of one email.
type CommissionSummary struct {
	Email  string  `json:"email"`
	Earned float64 `json:"earned"`
	Paid   float64 `json:"paid"` // positive amount paid out
}
