package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Plan is the billing plan of one call direction.
type Plan string

const (
	PlanPayPerUse Plan = "pay_per_use"
	PlanUnlimited Plan = "unlimited"
)

func (p Plan) Valid() bool {
	return p == PlanPayPerUse || p == PlanUnlimited
}

// PlanScope names the direction(s) a subscription covers.
type PlanScope string

const (
	PlanScopeInbound  PlanScope = "inbound"
	PlanScopeOutbound PlanScope = "outbound"
	PlanScopeAll      PlanScope = "all"
)

// ParsePlanScope maps subscription metadata to a scope. Unknown or empty
// values fall back to inbound.
func ParsePlanScope(raw string) PlanScope {
	switch PlanScope(raw) {
	case PlanScopeOutbound:
		return PlanScopeOutbound
	case PlanScopeAll:
		return PlanScopeAll
	default:
		return PlanScopeInbound
	}
}

func (s PlanScope) CoversInbound() bool  { return s == PlanScopeInbound || s == PlanScopeAll }
func (s PlanScope) CoversOutbound() bool { return s == PlanScopeOutbound || s == PlanScopeAll }

// BillingAccount is the per-tenant billing state. Balance writes are guarded
// by Version.
type BillingAccount struct {
	ID                      snowflake.ID `gorm:"primaryKey"`
	ContactEmail            *string      `gorm:"type:text"`
	WalletBalanceMinor      int64        `gorm:"not null"`
	InboundPlan             Plan         `gorm:"type:text;not null"`
	OutboundPlan            Plan         `gorm:"type:text;not null"`
	InboundRateMinor        int64        `gorm:"not null"`
	OutboundRateMinor       int64        `gorm:"not null"`
	ExternalCustomerRef     *string      `gorm:"type:text"`
	ExternalSubscriptionRef *string      `gorm:"type:text"`
	NextPaymentAt           *time.Time
	GraceUntil              *time.Time
	PeriodSpentMinor        int64 `gorm:"not null"`
	PeriodAddedMinor        int64 `gorm:"not null"`
	LastClosedPeriodEnd     *time.Time
	DeactivatedAt           *time.Time
	Version                 int64     `gorm:"not null"`
	CreatedAt               time.Time `gorm:"not null"`
	UpdatedAt               time.Time `gorm:"not null"`
}

func (BillingAccount) TableName() string { return "billing_accounts" }

// HasPayPerUse reports whether any direction is billed by usage.
func (a BillingAccount) HasPayPerUse() bool {
	return a.InboundPlan == PlanPayPerUse || a.OutboundPlan == PlanPayPerUse
}

func (a BillingAccount) IsActive() bool {
	return a.DeactivatedAt == nil
}

func (a BillingAccount) CustomerRef() string {
	if a.ExternalCustomerRef == nil {
		return ""
	}
	return *a.ExternalCustomerRef
}

// PeriodClosed reports whether the period ending at end was already reset.
func (a BillingAccount) PeriodClosed(end time.Time) bool {
	return a.LastClosedPeriodEnd != nil && !a.LastClosedPeriodEnd.Before(end)
}
