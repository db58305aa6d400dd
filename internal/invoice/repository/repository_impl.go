package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/invoice/domain"
	"gorm.io/gorm"
)

const invoiceColumns = `id, account_id, period_start, period_end, subtotal_minor, wallet_applied_minor,
	total_charged_minor, status, external_invoice_ref, hosted_url, metadata, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, inv *domain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (`+invoiceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID,
		inv.AccountID,
		inv.PeriodStart.UTC(),
		inv.PeriodEnd.UTC(),
		inv.SubtotalMinor,
		inv.WalletAppliedMinor,
		inv.TotalChargedMinor,
		inv.Status,
		inv.ExternalInvoiceRef,
		inv.HostedURL,
		inv.Metadata,
		inv.CreatedAt,
		inv.UpdatedAt,
	).Error
}

func (r *repo) FindByPeriod(ctx context.Context, db *gorm.DB, accountID snowflake.ID, start, end time.Time) (*domain.Invoice, error) {
	return r.findOne(ctx, db,
		`SELECT `+invoiceColumns+` FROM invoices WHERE account_id = ? AND period_start = ? AND period_end = ? LIMIT 1`,
		accountID, start.UTC(), end.UTC(),
	)
}

func (r *repo) FindByExternalRef(ctx context.Context, db *gorm.DB, ref string) (*domain.Invoice, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	return r.findOne(ctx, db, `SELECT `+invoiceColumns+` FROM invoices WHERE external_invoice_ref = ? LIMIT 1`, ref)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Invoice, error) {
	var rows []domain.Invoice
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, to domain.Status, allowedFrom []domain.Status, hostedURL *string, now time.Time) (bool, error) {
	if len(allowedFrom) == 0 {
		return false, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, hosted_url = COALESCE(?, hosted_url), updated_at = ?
		 WHERE id = ? AND status IN ?`,
		to,
		hostedURL,
		now,
		id,
		allowedFrom,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.Invoice, error) {
	var rows []domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices WHERE account_id = ? ORDER BY period_start DESC, id DESC`,
		accountID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
