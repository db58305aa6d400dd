package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is the dedupe row of one inbound processor event.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	AccountID       *snowflake.ID  `json:"account_id,omitempty"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypeInvoiceFinalized     = "invoice.finalized"
	EventTypeInvoicePaid          = "invoice.paid"
	EventTypeInvoicePaymentFailed = "invoice.payment_failed"
	EventTypeSubscriptionUpdated  = "customer.subscription.updated"
	EventTypeSubscriptionDeleted  = "customer.subscription.deleted"
	EventTypePaymentIntentSucceed = "payment_intent.succeeded"
)

// MetadataPurposeWalletTopUp marks a payment intent that funds the wallet.
const MetadataPurposeWalletTopUp = "wallet_top_up"

// EventMeta is shared by every parsed event.
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

func (m EventMeta) Meta() EventMeta { return m }

// Event is one parsed processor event. The concrete type selects the
// reconciliation.
type Event interface {
	Meta() EventMeta
}

type InvoiceObject struct {
	ID              string
	CustomerRef     string
	SubscriptionRef string
	Status          string
	HostedURL       string
	AmountDueMinor  int64
	Metadata        map[string]string
}

type SubscriptionObject struct {
	ID               string
	CustomerRef      string
	Status           string
	CurrentPeriodEnd time.Time
	Metadata         map[string]string
}

type InvoiceFinalized struct {
	EventMeta
	Invoice InvoiceObject
}

type InvoicePaid struct {
	EventMeta
	Invoice InvoiceObject
}

type InvoicePaymentFailed struct {
	EventMeta
	Invoice InvoiceObject
}

type SubscriptionUpdated struct {
	EventMeta
	Subscription SubscriptionObject
}

type SubscriptionDeleted struct {
	EventMeta
	Subscription SubscriptionObject
}

// WalletTopUp is a succeeded payment intent tagged as a wallet top up.
type WalletTopUp struct {
	EventMeta
	PaymentIntentID string
	CustomerRef     string
	AmountMinor     int64
	Metadata        map[string]string
}

// Unknown covers every event type that is acknowledged without effect.
type Unknown struct {
	EventMeta
}
