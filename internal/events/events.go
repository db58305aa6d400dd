package events

// Event types delivered to the notification collaborator.
const (
	EventInvoiceRecorded          = "invoice.recorded"
	EventAccountGraceStarted      = "account.grace_started"
	EventAccountGraceCleared      = "account.grace_cleared"
	EventWalletTransactionCreated = "wallet.transaction_created"
	EventAccountPlanChanged       = "account.plan_changed"
)

// InvoiceRecordedPayload is published when a period close records its invoice.
type InvoiceRecordedPayload struct {
	InvoiceID          string
	Status             string
	PeriodStart        string
	PeriodEnd          string
	SubtotalMinor      int64
	WalletAppliedMinor int64
	TotalChargedMinor  int64
	HostedURL          string
}

func (p InvoiceRecordedPayload) ToMap() map[string]any {
	payload := map[string]any{
		"invoice_id":           p.InvoiceID,
		"status":               p.Status,
		"period_start":         p.PeriodStart,
		"period_end":           p.PeriodEnd,
		"subtotal_minor":       p.SubtotalMinor,
		"wallet_applied_minor": p.WalletAppliedMinor,
		"total_charged_minor":  p.TotalChargedMinor,
	}
	if p.HostedURL != "" {
		payload["hosted_url"] = p.HostedURL
	}
	return payload
}

// WalletTransactionPayload is published for every applied ledger row.
type WalletTransactionPayload struct {
	TransactionID string
	Kind          string
	AmountMinor   int64
	BalanceAfter  int64
}

func (p WalletTransactionPayload) ToMap() map[string]any {
	return map[string]any{
		"transaction_id":      p.TransactionID,
		"kind":                p.Kind,
		"amount_minor":        p.AmountMinor,
		"balance_after_minor": p.BalanceAfter,
	}
}
