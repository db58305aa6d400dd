package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository lookups return (nil, nil) when nothing matches.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, inv *Invoice) error
	FindByPeriod(ctx context.Context, db *gorm.DB, accountID snowflake.ID, start, end time.Time) (*Invoice, error)
	FindByExternalRef(ctx context.Context, db *gorm.DB, ref string) (*Invoice, error)
	// UpdateStatus moves the invoice only from one of the allowed statuses and
	// reports whether a row changed.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, to Status, allowedFrom []Status, hostedURL *string, now time.Time) (bool, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]Invoice, error)
}

type Service interface {
	// RecordTx validates and stores inv, then publishes invoice.recorded in
	// the same transaction.
	RecordTx(ctx context.Context, tx *gorm.DB, inv *Invoice) error
	FindForPeriod(ctx context.Context, accountID snowflake.ID, start, end time.Time) (*Invoice, error)
	ListByAccount(ctx context.Context, accountID snowflake.ID) ([]Invoice, error)
}
