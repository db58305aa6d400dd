package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/wallet/domain"
	"gorm.io/gorm"
)

const transactionColumns = `id, account_id, kind, amount_minor, balance_before_minor, balance_after_minor,
	reason, external_payment_ref, idempotency_key, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, txn *domain.WalletTransaction) (bool, error) {
	query := `INSERT INTO wallet_transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if txn.IdempotencyKey != nil {
		query += ` ON CONFLICT (account_id, idempotency_key) DO NOTHING`
	}

	res := db.WithContext(ctx).Exec(query,
		txn.ID,
		txn.AccountID,
		txn.Kind,
		txn.AmountMinor,
		txn.BalanceBeforeMinor,
		txn.BalanceAfterMinor,
		txn.Reason,
		txn.ExternalPaymentRef,
		txn.IdempotencyKey,
		txn.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, accountID snowflake.ID, key string) (*domain.WalletTransaction, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}

	var rows []domain.WalletTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM wallet_transactions
		 WHERE account_id = ? AND idempotency_key = ?
		 LIMIT 1`,
		accountID,
		key,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]domain.WalletTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM wallet_transactions
		WHERE account_id = ?
		ORDER BY created_at ASC, id ASC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []domain.WalletTransaction
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
