package domain

import (
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Metadata keys written on processor invoices so webhooks can rebuild the
// local row.
const (
	MetadataAccountID          = "account_id"
	MetadataPeriodStart        = "period_start"
	MetadataPeriodEnd          = "period_end"
	MetadataSubtotalMinor      = "subtotal_minor"
	MetadataWalletAppliedMinor = "wallet_applied_minor"
)

// CloseFigures are the period-close numbers carried in invoice metadata.
type CloseFigures struct {
	AccountID          snowflake.ID
	PeriodStart        time.Time
	PeriodEnd          time.Time
	SubtotalMinor      int64
	WalletAppliedMinor int64
}

func (f CloseFigures) ToMetadata() map[string]string {
	return map[string]string{
		MetadataAccountID:          f.AccountID.String(),
		MetadataPeriodStart:        f.PeriodStart.UTC().Format(time.RFC3339),
		MetadataPeriodEnd:          f.PeriodEnd.UTC().Format(time.RFC3339),
		MetadataSubtotalMinor:      strconv.FormatInt(f.SubtotalMinor, 10),
		MetadataWalletAppliedMinor: strconv.FormatInt(f.WalletAppliedMinor, 10),
	}
}

// ParseCloseFigures reads the close figures back. It reports false when any
// figure is missing or malformed.
func ParseCloseFigures(md map[string]string) (CloseFigures, bool) {
	accountID, err := snowflake.ParseString(md[MetadataAccountID])
	if err != nil || accountID == 0 {
		return CloseFigures{}, false
	}
	start, err := time.Parse(time.RFC3339, md[MetadataPeriodStart])
	if err != nil {
		return CloseFigures{}, false
	}
	end, err := time.Parse(time.RFC3339, md[MetadataPeriodEnd])
	if err != nil {
		return CloseFigures{}, false
	}
	subtotal, err := strconv.ParseInt(md[MetadataSubtotalMinor], 10, 64)
	if err != nil {
		return CloseFigures{}, false
	}
	applied, err := strconv.ParseInt(md[MetadataWalletAppliedMinor], 10, 64)
	if err != nil {
		return CloseFigures{}, false
	}
	if applied < 0 || applied > subtotal {
		return CloseFigures{}, false
	}
	return CloseFigures{
		AccountID:          accountID,
		PeriodStart:        start.UTC(),
		PeriodEnd:          end.UTC(),
		SubtotalMinor:      subtotal,
		WalletAppliedMinor: applied,
	}, true
}
