package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrExternalInvoice          = errors.New("external_invoice_error")
	ErrNothingToCharge          = errors.New("nothing_to_charge")
	ErrMissingCustomerReference = errors.New("missing_customer_reference")
)

// ChargeRequest asks the processor for one finalized invoice covering the
// usage not paid by the wallet.
type ChargeRequest struct {
	AccountID          snowflake.ID
	CustomerRef        string
	Currency           string
	SubtotalMinor      int64
	WalletAppliedMinor int64
	PeriodStart        time.Time
	PeriodEnd          time.Time
	UsageSeconds       int64
	UsageMinutes       decimal.Decimal
	AvgRateMinor       int64
	Metadata           map[string]string
	IdempotencyKey     string
}

// ToCharge is the amount the processor collects.
func (r ChargeRequest) ToCharge() int64 {
	return r.SubtotalMinor - r.WalletAppliedMinor
}

type ExternalInvoiceResult struct {
	ID        string
	Status    Status
	HostedURL string
}

// Charger creates and finalizes processor invoices.
type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) (*ExternalInvoiceResult, error)
}

// ExternalInvoiceError carries the processor's message for a failed call.
type ExternalInvoiceError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ExternalInvoiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("external invoice %s failed (status %d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("external invoice %s failed: %s", e.Op, e.Message)
}

func (e *ExternalInvoiceError) Is(target error) bool {
	return target == ErrExternalInvoice
}

func (e *ExternalInvoiceError) Unwrap() error {
	return e.Err
}
