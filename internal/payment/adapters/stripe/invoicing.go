package stripe

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/billcore/internal/config"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/observability/tracing"
	"github.com/smallbiznis/billcore/internal/retry"
	stripego "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type InvoicingParams struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Billing *config.BillingConfigHolder `optional:"true"`
}

// Invoicing creates processor invoices and reads customers and subscriptions.
type Invoicing struct {
	api     *client.API
	log     *zap.Logger
	billing *config.BillingConfigHolder
}

// Subscription is the subset of a processor subscription the engine reads.
type Subscription struct {
	ID               string
	CustomerRef      string
	Status           string
	CurrentPeriodEnd time.Time
	Metadata         map[string]string
}

func NewInvoicing(p InvoicingParams) *Invoicing {
	log := p.Log.Named("stripe.invoicing")
	if !p.Cfg.Stripe.Enabled() {
		log.Warn("stripe secret key not configured, external invoicing disabled")
		return &Invoicing{log: log, billing: p.Billing}
	}
	return &Invoicing{
		api:     NewAPI(p.Cfg.Stripe, p.Log),
		log:     log,
		billing: p.Billing,
	}
}

// NewInvoicingWithAPI wires an existing client.
func NewInvoicingWithAPI(api *client.API, log *zap.Logger, billing *config.BillingConfigHolder) *Invoicing {
	return &Invoicing{api: api, log: log.Named("stripe.invoicing"), billing: billing}
}

// Charge creates a draft invoice with a usage line and an optional negative
// wallet line, then finalizes it. Every call carries an idempotency key
// derived from req.IdempotencyKey so a rerun returns the same objects.
//
// A failure after the draft exists leaves the draft in place. Deleting it
// would poison the rerun: the replayed create returns the deleted draft and
// every later line fails. The rerun instead resumes on the same draft.
func (c *Invoicing) Charge(ctx context.Context, req invoicedomain.ChargeRequest) (result *invoicedomain.ExternalInvoiceResult, err error) {
	if req.ToCharge() <= 0 {
		return nil, invoicedomain.ErrNothingToCharge
	}
	customerRef := strings.TrimSpace(req.CustomerRef)
	if customerRef == "" {
		return nil, invoicedomain.ErrMissingCustomerReference
	}
	if c.api == nil {
		return nil, &invoicedomain.ExternalInvoiceError{Op: "create_invoice", Message: "payment processor not configured"}
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = c.billing.Get().Currency
	}

	ctx, span := tracing.Start(ctx, "stripe.invoice.charge",
		attribute.String("account_id", req.AccountID.String()),
		attribute.Int64("subtotal_minor", req.SubtotalMinor),
		attribute.Int64("wallet_applied_minor", req.WalletAppliedMinor),
	)
	defer func() { tracing.End(span, err) }()

	metadata := invoicedomain.CloseFigures{
		AccountID:          req.AccountID,
		PeriodStart:        req.PeriodStart,
		PeriodEnd:          req.PeriodEnd,
		SubtotalMinor:      req.SubtotalMinor,
		WalletAppliedMinor: req.WalletAppliedMinor,
	}.ToMetadata()
	for k, v := range req.Metadata {
		if _, reserved := metadata[k]; !reserved {
			metadata[k] = v
		}
	}

	period := fmt.Sprintf("%s - %s", req.PeriodStart.UTC().Format("2006-01-02"), req.PeriodEnd.UTC().Format("2006-01-02"))

	invoiceParams := &stripego.InvoiceParams{
		Customer:                    stripego.String(customerRef),
		AutoAdvance:                 stripego.Bool(false),
		PendingInvoiceItemsBehavior: stripego.String("exclude"),
		Currency:                    stripego.String(currency),
		Description:                 stripego.String("Usage " + period),
		Metadata:                    metadata,
	}
	invoiceParams.Context = ctx
	invoiceParams.SetIdempotencyKey(key + ":invoice")

	draft, err := c.api.Invoices.New(invoiceParams)
	if err != nil {
		return nil, c.externalError("create_invoice", req.AccountID, err)
	}
	defer func() {
		if err != nil {
			c.log.Warn("stripe draft kept for rerun",
				zap.String("account_id", req.AccountID.String()),
				zap.String("draft_ref", draft.ID),
				zap.String("idempotency_key", key),
			)
		}
	}()

	usageLine := &stripego.InvoiceItemParams{
		Customer:    stripego.String(customerRef),
		Invoice:     stripego.String(draft.ID),
		Amount:      stripego.Int64(req.SubtotalMinor),
		Currency:    stripego.String(currency),
		Description: stripego.String(usageDescription(req)),
		Metadata:    maps.Clone(metadata),
	}
	usageLine.Context = ctx
	usageLine.SetIdempotencyKey(key + ":usage_line")
	if _, err := c.api.InvoiceItems.New(usageLine); err != nil {
		return nil, c.externalError("add_usage_line", req.AccountID, err)
	}

	if req.WalletAppliedMinor > 0 {
		walletLine := &stripego.InvoiceItemParams{
			Customer:    stripego.String(customerRef),
			Invoice:     stripego.String(draft.ID),
			Amount:      stripego.Int64(-req.WalletAppliedMinor),
			Currency:    stripego.String(currency),
			Description: stripego.String("Wallet credit"),
		}
		walletLine.Context = ctx
		walletLine.SetIdempotencyKey(key + ":wallet_line")
		if _, err := c.api.InvoiceItems.New(walletLine); err != nil {
			return nil, c.externalError("add_wallet_line", req.AccountID, err)
		}
	}

	finalizeParams := &stripego.InvoiceFinalizeInvoiceParams{AutoAdvance: stripego.Bool(true)}
	finalizeParams.Context = ctx
	finalizeParams.SetIdempotencyKey(key + ":finalize")
	finalized, err := c.api.Invoices.FinalizeInvoice(draft.ID, finalizeParams)
	if err != nil {
		return nil, c.externalError("finalize_invoice", req.AccountID, err)
	}

	c.log.Info("stripe invoice finalized",
		zap.String("account_id", req.AccountID.String()),
		zap.String("invoice_ref", finalized.ID),
		zap.String("status", string(finalized.Status)),
		zap.Int64("to_charge_minor", req.ToCharge()),
	)

	return &invoicedomain.ExternalInvoiceResult{
		ID:        finalized.ID,
		Status:    mapInvoiceStatus(finalized.Status),
		HostedURL: finalized.HostedInvoiceURL,
	}, nil
}

// EnsureCustomer returns existingRef when the processor still knows it,
// otherwise it creates a customer for the account.
func (c *Invoicing) EnsureCustomer(ctx context.Context, accountID snowflake.ID, email string, existingRef string) (string, error) {
	if c.api == nil {
		return "", &invoicedomain.ExternalInvoiceError{Op: "ensure_customer", Message: "payment processor not configured"}
	}

	if ref := strings.TrimSpace(existingRef); ref != "" {
		cust, err := retry.Do(ctx, c.readPolicy(), func(ctx context.Context) (*stripego.Customer, error) {
			params := &stripego.CustomerParams{}
			params.Context = ctx
			return c.api.Customers.Get(ref, params)
		})
		if err != nil && !isNotFound(err) {
			return "", c.externalError("get_customer", accountID, err)
		}
		if err == nil && cust != nil && !cust.Deleted {
			return cust.ID, nil
		}
	}

	params := &stripego.CustomerParams{
		Metadata: map[string]string{invoicedomain.MetadataAccountID: accountID.String()},
	}
	if email = strings.TrimSpace(email); email != "" {
		params.Email = stripego.String(email)
	}
	params.Context = ctx
	params.SetIdempotencyKey("customer:" + accountID.String())

	cust, err := c.api.Customers.New(params)
	if err != nil {
		return "", c.externalError("create_customer", accountID, err)
	}
	c.log.Info("stripe customer created",
		zap.String("account_id", accountID.String()),
		zap.String("customer_ref", cust.ID),
	)
	return cust.ID, nil
}

func (c *Invoicing) GetSubscription(ctx context.Context, ref string) (*Subscription, error) {
	if c.api == nil {
		return nil, &invoicedomain.ExternalInvoiceError{Op: "get_subscription", Message: "payment processor not configured"}
	}

	sub, err := retry.Do(ctx, c.readPolicy(), func(ctx context.Context) (*stripego.Subscription, error) {
		params := &stripego.SubscriptionParams{}
		params.Context = ctx
		return c.api.Subscriptions.Get(strings.TrimSpace(ref), params)
	})
	if err != nil {
		return nil, c.externalError("get_subscription", 0, err)
	}
	return convertSubscription(sub), nil
}

// readPolicy retries idempotent reads on rate limits and server errors.
func (c *Invoicing) readPolicy() retry.Policy {
	policy := retry.FromConfig(c.billing.Get().Retry, isTransient)
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.log.Warn("retrying stripe read", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return policy
}

func (c *Invoicing) externalError(op string, accountID snowflake.ID, err error) error {
	extErr := &invoicedomain.ExternalInvoiceError{Op: op, Message: err.Error(), Err: err}
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		extErr.StatusCode = stripeErr.HTTPStatusCode
		if stripeErr.Msg != "" {
			extErr.Message = stripeErr.Msg
		}
	}
	c.log.Warn("stripe call failed",
		zap.String("op", op),
		zap.String("account_id", accountID.String()),
		zap.Int("status_code", extErr.StatusCode),
		zap.String("message", extErr.Message),
	)
	return extErr
}

func isTransient(err error) bool {
	var stripeErr *stripego.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= http.StatusInternalServerError
}

func isNotFound(err error) bool {
	var stripeErr *stripego.Error
	return errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound
}

func usageDescription(req invoicedomain.ChargeRequest) string {
	if req.UsageSeconds <= 0 {
		return "Call usage"
	}
	return fmt.Sprintf("Call usage: %s min at avg %d/min", req.UsageMinutes.StringFixed(2), req.AvgRateMinor)
}

func mapInvoiceStatus(status stripego.InvoiceStatus) invoicedomain.Status {
	switch status {
	case stripego.InvoiceStatusDraft:
		return invoicedomain.StatusDraft
	case stripego.InvoiceStatusPaid:
		return invoicedomain.StatusPaid
	case stripego.InvoiceStatusVoid:
		return invoicedomain.StatusCancelled
	case stripego.InvoiceStatusUncollectible:
		return invoicedomain.StatusFailed
	default:
		return invoicedomain.StatusFinalized
	}
}

func convertSubscription(sub *stripego.Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	out := &Subscription{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerRef = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	return out
}

var _ invoicedomain.Charger = (*Invoicing)(nil)
