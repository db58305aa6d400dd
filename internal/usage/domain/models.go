// Package domain contains the metered call usage read by period closes.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// UsageRecord is one metered call. It is written by the telephony side and
// only read here.
type UsageRecord struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	AccountID       snowflake.ID `gorm:"not null"`
	DurationSeconds int64        `gorm:"not null"`
	Direction       Direction    `gorm:"type:text;not null"`
	RateAtTimeMinor int64        `gorm:"not null"`
	CostMinor       int64        `gorm:"not null"`
	PlanIncluded    bool         `gorm:"not null"`
	CreatedAt       time.Time    `gorm:"not null"`
}

func (UsageRecord) TableName() string { return "usage_records" }

// Range bounds a summary. Inclusive selects [Start, End]; otherwise [Start, End).
type Range struct {
	Start     time.Time
	End       time.Time
	Inclusive bool
}

func (r Range) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return ErrInvalidRange
	}
	if r.End.Before(r.Start) {
		return ErrInvalidRange
	}
	if r.End.Equal(r.Start) && !r.Inclusive {
		return ErrInvalidRange
	}
	return nil
}

type SummaryRequest struct {
	AccountID snowflake.ID
	Range     Range
}

// UsageSummary aggregates an account's usage over a range. Plan-included
// calls count towards TotalSeconds only.
type UsageSummary struct {
	TotalCostMinor int64           `json:"total_cost_minor"`
	TotalSeconds   int64           `json:"total_seconds"`
	TotalMinutes   decimal.Decimal `json:"total_minutes"`
	AvgRateMinor   int64           `json:"avg_rate_minor"`
	CallCount      int64           `json:"call_count"`
}

func (s UsageSummary) IsZeroCost() bool {
	return s.TotalCostMinor <= 0
}
