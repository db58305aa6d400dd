// Package domain contains the invoice record of a period close and the
// processor-facing charge contract.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusFinalized Status = "finalized"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusFinalized, StatusPaid, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AllowedFrom lists the statuses an invoice may move to s from. Paid and
// cancelled are terminal.
func AllowedFrom(s Status) []Status {
	switch s {
	case StatusFinalized:
		return []Status{StatusDraft}
	case StatusPaid:
		return []Status{StatusDraft, StatusFinalized, StatusFailed}
	case StatusFailed:
		return []Status{StatusDraft, StatusFinalized}
	case StatusCancelled:
		return []Status{StatusDraft, StatusFinalized, StatusFailed}
	}
	return nil
}

// Invoice is the local record of one period close.
type Invoice struct {
	ID                 snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID          snowflake.ID      `gorm:"not null" json:"account_id"`
	PeriodStart        time.Time         `gorm:"not null" json:"period_start"`
	PeriodEnd          time.Time         `gorm:"not null" json:"period_end"`
	SubtotalMinor      int64             `gorm:"not null" json:"subtotal_minor"`
	WalletAppliedMinor int64             `gorm:"not null" json:"wallet_applied_minor"`
	TotalChargedMinor  int64             `gorm:"not null" json:"total_charged_minor"`
	Status             Status            `gorm:"type:text;not null" json:"status"`
	ExternalInvoiceRef *string           `gorm:"type:text" json:"external_invoice_ref,omitempty"`
	HostedURL          *string           `gorm:"type:text" json:"hosted_url,omitempty"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt          time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null" json:"updated_at"`
}

func (Invoice) TableName() string { return "invoices" }

// Validate checks the conservation invariant before an invoice is stored.
func (i Invoice) Validate() error {
	if i.AccountID == 0 {
		return fmt.Errorf("%w: missing account", ErrInvoiceInvariant)
	}
	if i.PeriodEnd.Before(i.PeriodStart) {
		return fmt.Errorf("%w: period end before start", ErrInvoiceInvariant)
	}
	if i.SubtotalMinor < 0 || i.WalletAppliedMinor < 0 || i.TotalChargedMinor < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvoiceInvariant)
	}
	if i.WalletAppliedMinor > i.SubtotalMinor {
		return fmt.Errorf("%w: wallet applied %d exceeds subtotal %d", ErrInvoiceInvariant, i.WalletAppliedMinor, i.SubtotalMinor)
	}
	if i.SubtotalMinor != i.WalletAppliedMinor+i.TotalChargedMinor {
		return fmt.Errorf("%w: subtotal %d != wallet applied %d + charged %d", ErrInvoiceInvariant, i.SubtotalMinor, i.WalletAppliedMinor, i.TotalChargedMinor)
	}
	if !i.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvoiceInvariant, i.Status)
	}
	return nil
}

func (i Invoice) ExternalRef() string {
	if i.ExternalInvoiceRef == nil {
		return ""
	}
	return *i.ExternalInvoiceRef
}

var (
	ErrInvoiceInvariant = errors.New("invoice_invariant_violation")
	ErrInvalidStatus    = errors.New("invalid_invoice_status")
)
