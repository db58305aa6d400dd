package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert appends txn. It reports false when the idempotency key already exists.
	Insert(ctx context.Context, db *gorm.DB, txn *WalletTransaction) (bool, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, accountID snowflake.ID, key string) (*WalletTransaction, error)
	// ListByAccount returns rows in (created_at, id) order. A limit of 0 returns all.
	ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]WalletTransaction, error)
}

type Service interface {
	Apply(ctx context.Context, req ApplyRequest) (*WalletTransaction, error)
	Replay(ctx context.Context, accountID snowflake.ID) (*ReplayResult, error)
	Verify(ctx context.Context, accountID snowflake.ID) error
	ListTransactions(ctx context.Context, accountID snowflake.ID, limit int) ([]WalletTransaction, error)
}

var (
	ErrInvalidAccount         = errors.New("invalid_account")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidKind            = errors.New("invalid_kind")
	ErrInsufficientBalance    = errors.New("insufficient_balance")
	ErrConcurrentModification = errors.New("concurrent_modification")
	ErrLedgerMismatch         = errors.New("ledger_mismatch")
)
