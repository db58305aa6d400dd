package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/account/domain"
	"gorm.io/gorm"
)

const accountColumns = `id, contact_email, wallet_balance_minor, inbound_plan, outbound_plan,
	inbound_rate_minor, outbound_rate_minor, external_customer_ref, external_subscription_ref,
	next_payment_at, grace_until, period_spent_minor, period_added_minor,
	last_closed_period_end, deactivated_at, version, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.BillingAccount, error) {
	return r.findOne(ctx, db, `SELECT `+accountColumns+` FROM billing_accounts WHERE id = ?`, id)
}

func (r *repo) FindByCustomerRef(ctx context.Context, db *gorm.DB, ref string) (*domain.BillingAccount, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	return r.findOne(ctx, db, `SELECT `+accountColumns+` FROM billing_accounts WHERE external_customer_ref = ? ORDER BY id LIMIT 1`, ref)
}

func (r *repo) FindBySubscriptionRef(ctx context.Context, db *gorm.DB, ref string) (*domain.BillingAccount, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	return r.findOne(ctx, db, `SELECT `+accountColumns+` FROM billing_accounts WHERE external_subscription_ref = ? ORDER BY id LIMIT 1`, ref)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.BillingAccount, error) {
	var rows []domain.BillingAccount
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) ListPayPerUse(ctx context.Context, db *gorm.DB) ([]domain.BillingAccount, error) {
	var rows []domain.BillingAccount
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+`
		 FROM billing_accounts
		 WHERE inbound_plan = ? OR outbound_plan = ?
		 ORDER BY id ASC`,
		domain.PlanPayPerUse,
		domain.PlanPayPerUse,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) UpdateBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, balance int64, addedDelta int64, expectedVersion int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET wallet_balance_minor = ?,
		     period_added_minor = period_added_minor + ?,
		     version = version + 1,
		     updated_at = ?
		 WHERE id = ? AND version = ?`,
		balance,
		addedDelta,
		now,
		id,
		expectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ResetPeriod(ctx context.Context, db *gorm.DB, id snowflake.ID, periodEnd time.Time, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET period_spent_minor = 0,
		     period_added_minor = 0,
		     last_closed_period_end = ?,
		     updated_at = ?
		 WHERE id = ? AND (last_closed_period_end IS NULL OR last_closed_period_end < ?)`,
		periodEnd,
		now,
		id,
		periodEnd,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ResetPeriodSpent(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_accounts SET period_spent_minor = 0, updated_at = ? WHERE id = ? AND period_spent_minor <> 0`,
		now,
		id,
	).Error
}

func (r *repo) SetGraceIfUnset(ctx context.Context, db *gorm.DB, id snowflake.ID, until time.Time, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_accounts SET grace_until = ?, updated_at = ? WHERE id = ? AND grace_until IS NULL`,
		until,
		now,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ClearGrace(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_accounts SET grace_until = NULL, updated_at = ? WHERE id = ? AND grace_until IS NOT NULL`,
		now,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ApplyPlanUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.PlanUpdate, now time.Time) (bool, error) {
	sets := []string{}
	args := []any{}
	if update.InboundPlan != nil {
		sets = append(sets, "inbound_plan = ?")
		args = append(args, *update.InboundPlan)
	}
	if update.OutboundPlan != nil {
		sets = append(sets, "outbound_plan = ?")
		args = append(args, *update.OutboundPlan)
	}
	switch {
	case update.ClearSubRef:
		sets = append(sets, "external_subscription_ref = NULL")
	case update.SubscriptionRef != nil:
		sets = append(sets, "external_subscription_ref = ?")
		args = append(args, *update.SubscriptionRef)
	}
	switch {
	case update.ClearNextPay:
		sets = append(sets, "next_payment_at = NULL")
	case update.NextPaymentAt != nil:
		sets = append(sets, "next_payment_at = ?")
		args = append(args, *update.NextPaymentAt)
	}
	if len(sets) == 0 {
		return false, nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now, id)

	res := db.WithContext(ctx).Exec(
		`UPDATE billing_accounts SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
