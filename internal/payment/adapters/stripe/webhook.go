package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
	stripego "github.com/stripe/stripe-go/v81"
)

const DefaultWebhookTolerance = 5 * time.Minute

// Adapter verifies and parses stripe webhooks.
type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	now           func() time.Time
}

// NewAdapter returns a webhook adapter. A tolerance of zero disables the
// timestamp check.
func NewAdapter(webhookSecret string, tolerance time.Duration) *Adapter {
	return &Adapter{
		webhookSecret: strings.TrimSpace(webhookSecret),
		tolerance:     tolerance,
		now:           time.Now,
	}
}

func (a *Adapter) Provider() string {
	return providerName
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return paymentdomain.ErrInvalidSignature
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	if a.tolerance > 0 {
		unix, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return paymentdomain.ErrInvalidSignature
		}
		age := a.now().Sub(time.Unix(unix, 0))
		if age > a.tolerance || age < -a.tolerance {
			return paymentdomain.ErrInvalidSignature
		}
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (paymentdomain.Event, error) {
	var event stripego.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(string(event.Type)) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	meta := paymentdomain.EventMeta{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: timestamp(event.Created, 0),
	}

	switch meta.Type {
	case paymentdomain.EventTypeInvoiceFinalized:
		obj, err := decodeInvoice(event)
		if err != nil {
			return nil, err
		}
		return paymentdomain.InvoiceFinalized{EventMeta: meta, Invoice: obj}, nil
	case paymentdomain.EventTypeInvoicePaid:
		obj, err := decodeInvoice(event)
		if err != nil {
			return nil, err
		}
		return paymentdomain.InvoicePaid{EventMeta: meta, Invoice: obj}, nil
	case paymentdomain.EventTypeInvoicePaymentFailed:
		obj, err := decodeInvoice(event)
		if err != nil {
			return nil, err
		}
		return paymentdomain.InvoicePaymentFailed{EventMeta: meta, Invoice: obj}, nil
	case paymentdomain.EventTypeSubscriptionUpdated:
		obj, err := decodeSubscription(event)
		if err != nil {
			return nil, err
		}
		return paymentdomain.SubscriptionUpdated{EventMeta: meta, Subscription: obj}, nil
	case paymentdomain.EventTypeSubscriptionDeleted:
		obj, err := decodeSubscription(event)
		if err != nil {
			return nil, err
		}
		return paymentdomain.SubscriptionDeleted{EventMeta: meta, Subscription: obj}, nil
	case paymentdomain.EventTypePaymentIntentSucceed:
		return parsePaymentIntent(event, meta)
	default:
		return paymentdomain.Unknown{EventMeta: meta}, nil
	}
}

func decodeInvoice(event stripego.Event) (paymentdomain.InvoiceObject, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return paymentdomain.InvoiceObject{}, paymentdomain.ErrInvalidPayload
	}
	var inv stripego.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return paymentdomain.InvoiceObject{}, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(inv.ID) == "" {
		return paymentdomain.InvoiceObject{}, paymentdomain.ErrInvalidEvent
	}

	obj := paymentdomain.InvoiceObject{
		ID:             inv.ID,
		Status:         string(inv.Status),
		HostedURL:      inv.HostedInvoiceURL,
		AmountDueMinor: inv.AmountDue,
		Metadata:       inv.Metadata,
	}
	if inv.Customer != nil {
		obj.CustomerRef = inv.Customer.ID
	}
	if inv.Subscription != nil {
		obj.SubscriptionRef = inv.Subscription.ID
	}
	return obj, nil
}

func decodeSubscription(event stripego.Event) (paymentdomain.SubscriptionObject, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return paymentdomain.SubscriptionObject{}, paymentdomain.ErrInvalidPayload
	}
	var sub stripego.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return paymentdomain.SubscriptionObject{}, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return paymentdomain.SubscriptionObject{}, paymentdomain.ErrInvalidEvent
	}

	converted := convertSubscription(&sub)
	return paymentdomain.SubscriptionObject{
		ID:               converted.ID,
		CustomerRef:      converted.CustomerRef,
		Status:           converted.Status,
		CurrentPeriodEnd: converted.CurrentPeriodEnd,
		Metadata:         converted.Metadata,
	}, nil
}

// parsePaymentIntent only recognizes wallet top ups. Other succeeded intents
// are acknowledged as unknown.
func parsePaymentIntent(event stripego.Event, meta paymentdomain.EventMeta) (paymentdomain.Event, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}
	var intent stripego.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.Metadata["purpose"]) != paymentdomain.MetadataPurposeWalletTopUp {
		return paymentdomain.Unknown{EventMeta: meta}, nil
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	if amount <= 0 {
		return nil, paymentdomain.ErrInvalidEvent
	}

	topUp := paymentdomain.WalletTopUp{
		EventMeta:       meta,
		PaymentIntentID: intent.ID,
		AmountMinor:     amount,
		Metadata:        intent.Metadata,
	}
	if intent.Customer != nil {
		topUp.CustomerRef = intent.Customer.ID
	}
	return topUp, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

var _ paymentdomain.Adapter = (*Adapter)(nil)
