// Package domain describes one account's period close.
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
)

// Stage is the last step a close reached.
type Stage string

const (
	StageStart           Stage = "start"
	StageUsageSummarized Stage = "usage_summarized"
	StageWalletComputed  Stage = "wallet_computed"
	StageCharged         Stage = "charged"
	StageWalletOnly      Stage = "wallet_only"
	StageSkippedNoUsage  Stage = "skipped_no_usage"
	StageRecorded        Stage = "recorded"
	StagePeriodReset     Stage = "period_reset"
	StageDone            Stage = "done"
	StageFailed          Stage = "failed"
)

type Outcome string

const (
	OutcomeCharged        Outcome = "charged"
	OutcomeWalletOnly     Outcome = "wallet_only"
	OutcomeSkippedNoUsage Outcome = "skipped_no_usage"
	OutcomeAlreadyClosed  Outcome = "already_closed"
	OutcomeDryRun         Outcome = "dry_run"
)

// Period is the closed range. Batch closes use [Start, End); manual closes
// use [Start, End].
type Period struct {
	Start     time.Time `json:"period_start"`
	End       time.Time `json:"period_end"`
	Inclusive bool      `json:"inclusive"`
}

// key is the stable text form used in idempotency keys.
func (p Period) key() string {
	return p.Start.UTC().Format(time.RFC3339) + ":" + p.End.UTC().Format(time.RFC3339)
}

// DeductionKey is the wallet idempotency key of the period's deduction.
func (p Period) DeductionKey() string {
	return "period_close:" + p.key()
}

// ChargeKey is the processor idempotency key of an account's period invoice.
func (p Period) ChargeKey(accountID snowflake.ID) string {
	return fmt.Sprintf("close:%s:%s", accountID.String(), p.key())
}

type CloseRequest struct {
	AccountID snowflake.ID
	Period    Period
	DryRun    bool
	// Manual marks operator-triggered closes, which are audited.
	Manual bool
}

// CloseResult carries the figures of a close, or the projection of a dry run.
type CloseResult struct {
	AccountID          snowflake.ID         `json:"account_id"`
	Period             Period               `json:"period"`
	Stage              Stage                `json:"stage"`
	FailedAt           Stage                `json:"failed_at,omitempty"`
	Outcome            Outcome              `json:"outcome,omitempty"`
	SubtotalMinor      int64                `json:"subtotal_minor"`
	WalletAppliedMinor int64                `json:"wallet_applied_minor"`
	ToChargeMinor      int64                `json:"to_charge_minor"`
	UsageSeconds       int64                `json:"usage_seconds"`
	UsageMinutes       decimal.Decimal      `json:"usage_minutes"`
	AvgRateMinor       int64                `json:"avg_rate_minor"`
	InvoiceID          *snowflake.ID        `json:"invoice_id,omitempty"`
	InvoiceStatus      invoicedomain.Status `json:"invoice_status,omitempty"`
	ExternalInvoiceRef string               `json:"external_invoice_ref,omitempty"`
	HostedURL          string               `json:"hosted_url,omitempty"`
	Deducted           bool                 `json:"deducted"`
	PeriodReset        bool                 `json:"period_reset"`

	// WalletShortfallMinor is the part of WalletAppliedMinor the wallet could
	// not cover when the deduction ran.
	WalletShortfallMinor int64 `json:"wallet_shortfall_minor,omitempty"`
}

// InvoiceCreated reports whether this close stored a new invoice.
func (r *CloseResult) InvoiceCreated() bool {
	return r.Outcome == OutcomeCharged || r.Outcome == OutcomeWalletOnly
}

type Service interface {
	// Close returns the partial result together with any error so callers
	// can report the failing stage.
	Close(ctx context.Context, req CloseRequest) (*CloseResult, error)
}
