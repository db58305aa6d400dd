package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound = errors.New("account_not_found")
)

// PlanUpdate carries the subscription-driven changes of an account. Nil
// fields are left untouched.
type PlanUpdate struct {
	InboundPlan     *Plan
	OutboundPlan    *Plan
	SubscriptionRef *string
	ClearSubRef     bool
	NextPaymentAt   *time.Time
	ClearNextPay    bool
}

// Repository methods return (nil, nil) when a lookup finds nothing.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingAccount, error)
	FindByCustomerRef(ctx context.Context, db *gorm.DB, ref string) (*BillingAccount, error)
	FindBySubscriptionRef(ctx context.Context, db *gorm.DB, ref string) (*BillingAccount, error)
	ListPayPerUse(ctx context.Context, db *gorm.DB) ([]BillingAccount, error)

	// UpdateBalance is the version-guarded balance write. It reports false
	// when expectedVersion is stale.
	UpdateBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, balance int64, addedDelta int64, expectedVersion int64, now time.Time) (bool, error)
	// ResetPeriod zeroes the period counters once per periodEnd.
	ResetPeriod(ctx context.Context, db *gorm.DB, id snowflake.ID, periodEnd time.Time, now time.Time) (bool, error)
	ResetPeriodSpent(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	SetGraceIfUnset(ctx context.Context, db *gorm.DB, id snowflake.ID, until time.Time, now time.Time) (bool, error)
	ClearGrace(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	ApplyPlanUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID, update PlanUpdate, now time.Time) (bool, error)
}

// StatusChecker tells whether an account may be billed.
type StatusChecker interface {
	IsActive(ctx context.Context, accountID snowflake.ID) (bool, error)
}
