package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Kind string

const (
	KindTopUp       Kind = "top_up"
	KindAdminCredit Kind = "admin_credit"
	KindAdminDebit  Kind = "admin_debit"
	KindDeduction   Kind = "deduction"
	KindRefund      Kind = "refund"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTopUp, KindAdminCredit, KindAdminDebit, KindDeduction, KindRefund:
		return true
	}
	return false
}

// IsCredit reports whether the kind adds to the balance.
func (k Kind) IsCredit() bool {
	return k == KindTopUp || k == KindAdminCredit || k == KindRefund
}

// CountsAsAdded reports whether the kind increments period_added_minor.
func (k Kind) CountsAsAdded() bool {
	return k == KindTopUp || k == KindAdminCredit
}

// IsAdministrative reports whether the kind is an operator adjustment.
func (k Kind) IsAdministrative() bool {
	return k == KindAdminCredit || k == KindAdminDebit || k == KindRefund
}

// Signed returns the balance delta of amount for this kind.
func (k Kind) Signed(amount int64) int64 {
	if k.IsCredit() {
		return amount
	}
	return -amount
}

// WalletTransaction is one append-only ledger row.
type WalletTransaction struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID          snowflake.ID `gorm:"not null" json:"account_id"`
	Kind               Kind         `gorm:"type:text;not null" json:"kind"`
	AmountMinor        int64        `gorm:"not null" json:"amount_minor"`
	BalanceBeforeMinor int64        `gorm:"not null" json:"balance_before_minor"`
	BalanceAfterMinor  int64        `gorm:"not null" json:"balance_after_minor"`
	Reason             string       `gorm:"type:text" json:"reason"`
	ExternalPaymentRef *string      `gorm:"type:text" json:"external_payment_ref,omitempty"`
	IdempotencyKey     *string      `gorm:"type:text" json:"idempotency_key,omitempty"`
	CreatedAt          time.Time    `gorm:"not null" json:"created_at"`
}

func (WalletTransaction) TableName() string { return "wallet_transactions" }

type ApplyRequest struct {
	AccountID      snowflake.ID
	Kind           Kind
	AmountMinor    int64
	Reason         string
	ExternalRef    *string
	IdempotencyKey string
}

// ReplayResult is the outcome of folding an account's ledger from zero.
type ReplayResult struct {
	AccountID       snowflake.ID `json:"account_id"`
	StoredBalance   int64        `json:"stored_balance_minor"`
	ReplayedBalance int64        `json:"replayed_balance_minor"`
	Transactions    int          `json:"transactions"`
	Consistent      bool         `json:"consistent"`
}
