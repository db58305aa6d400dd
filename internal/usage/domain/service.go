package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Totals are the raw sums behind a summary.
type Totals struct {
	TotalCostMinor int64
	TotalSeconds   int64
	CallCount      int64
}

type Repository interface {
	SumForRange(ctx context.Context, db *gorm.DB, accountID snowflake.ID, start, end time.Time, inclusive bool) (Totals, error)
}

type Service interface {
	Summarize(ctx context.Context, req SummaryRequest) (UsageSummary, error)
}

var (
	ErrInvalidRange   = errors.New("invalid_range")
	ErrInvalidAccount = errors.New("invalid_account")
)
