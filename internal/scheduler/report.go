package scheduler

import (
	"time"

	"github.com/bwmarrin/snowflake"
	closedomain "github.com/smallbiznis/billcore/internal/billingclose/domain"
)

type Mode string

const (
	ModeDryRun   Mode = "dry_run"
	ModeTestMode Mode = "test_mode"
	ModeLive     Mode = "live"
)

type RunStatus string

const (
	RunStatusSucceeded      RunStatus = "succeeded"
	RunStatusPartial        RunStatus = "partial"
	RunStatusAccountsFailed RunStatus = "accounts_failed"
	RunStatusFailed         RunStatus = "failed"
)

// Skip reasons.
const (
	SkipReasonLocked        = "locked"
	SkipReasonNoUsage       = "no_usage"
	SkipReasonAlreadyClosed = "already_closed"
)

// Failure reasons.
const (
	ReasonMissingCustomerReference = "missing_customer_reference"
	ReasonExternalInvoiceError     = "external_invoice_error"
	ReasonConcurrentModification   = "concurrent_modification"
	ReasonDeadlineExceeded         = "deadline_exceeded"
	ReasonDB                       = "db"
	ReasonUnknown                  = "unknown"
)

// RunRequest starts one batch close. A zero Period closes the previous
// calendar month.
type RunRequest struct {
	DryRun      bool
	TestMode    bool
	ScheduledBy string
	Period      closedomain.Period
}

func (r RunRequest) mode() Mode {
	switch {
	case r.DryRun:
		return ModeDryRun
	case r.TestMode:
		return ModeTestMode
	default:
		return ModeLive
	}
}

type Skip struct {
	AccountID snowflake.ID `json:"account_id"`
	Reason    string       `json:"reason"`
}

type Failure struct {
	AccountID snowflake.ID      `json:"account_id"`
	Reason    string            `json:"reason"`
	Message   string            `json:"message"`
	Stage     closedomain.Stage `json:"stage,omitempty"`
	Retryable bool              `json:"retryable"`
}

type RunReport struct {
	RunID              string    `json:"run_id"`
	Mode               Mode      `json:"mode"`
	ScheduledBy        string    `json:"scheduled_by"`
	PeriodStart        time.Time `json:"period_start"`
	PeriodEnd          time.Time `json:"period_end"`
	Evaluated          int       `json:"evaluated"`
	Processed          int       `json:"processed"`
	InvoicesCreated    int       `json:"invoices_created"`
	WalletAppliedTotal int64     `json:"wallet_applied_total_minor"`
	ChargedTotal       int64     `json:"charged_total_minor"`
	Skipped            []Skip    `json:"skipped"`
	Failures           []Failure `json:"failures"`
	Status             RunStatus `json:"status"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
}

// settle derives the final status once every account was attempted.
func (r *RunReport) settle() {
	switch {
	case len(r.Failures) == 0:
		r.Status = RunStatusSucceeded
	case r.Processed > 0:
		r.Status = RunStatusPartial
	default:
		r.Status = RunStatusAccountsFailed
	}
}

// DefaultPeriod is the previous calendar month in UTC.
func DefaultPeriod(now time.Time) closedomain.Period {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return closedomain.Period{Start: end.AddDate(0, -1, 0), End: end}
}
