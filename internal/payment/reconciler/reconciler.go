// Package reconciler applies verified processor events to accounts,
// invoices and the wallet.
package reconciler

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/billcore/internal/account/domain"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/events"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const metadataPlanScope = "plan_scope"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Accounts   accountdomain.Repository
	Invoices   invoicedomain.Repository
	InvoiceSvc invoicedomain.Service
	WalletSvc  walletdomain.Service
	AuditSvc   auditdomain.Service         `optional:"true"`
	Outbox     *events.Outbox              `optional:"true"`
	Clock      clock.Clock                 `optional:"true"`
	Config     *config.BillingConfigHolder `optional:"true"`
}

type Reconciler struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	accounts   accountdomain.Repository
	invoices   invoicedomain.Repository
	invoiceSvc invoicedomain.Service
	walletSvc  walletdomain.Service
	auditSvc   auditdomain.Service
	outbox     *events.Outbox
	clock      clock.Clock
	cfg        *config.BillingConfigHolder
}

func NewReconciler(p Params) paymentdomain.Reconciler {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Reconciler{
		db:         p.DB,
		log:        p.Log.Named("payment.reconciler"),
		genID:      p.GenID,
		accounts:   p.Accounts,
		invoices:   p.Invoices,
		invoiceSvc: p.InvoiceSvc,
		walletSvc:  p.WalletSvc,
		auditSvc:   p.AuditSvc,
		outbox:     p.Outbox,
		clock:      clk,
		cfg:        p.Config,
	}
}

func (r *Reconciler) Apply(ctx context.Context, event paymentdomain.Event) (paymentdomain.ApplyResult, error) {
	switch ev := event.(type) {
	case paymentdomain.InvoiceFinalized:
		return r.applyInvoice(ctx, ev.EventMeta, ev.Invoice, invoicedomain.StatusFinalized)
	case paymentdomain.InvoicePaid:
		return r.applyInvoice(ctx, ev.EventMeta, ev.Invoice, invoicedomain.StatusPaid)
	case paymentdomain.InvoicePaymentFailed:
		return r.applyInvoice(ctx, ev.EventMeta, ev.Invoice, invoicedomain.StatusFailed)
	case paymentdomain.SubscriptionUpdated:
		return r.applySubscriptionUpdated(ctx, ev)
	case paymentdomain.SubscriptionDeleted:
		return r.applySubscriptionDeleted(ctx, ev.EventMeta, ev.Subscription)
	case paymentdomain.WalletTopUp:
		return r.applyWalletTopUp(ctx, ev)
	default:
		meta := paymentdomain.EventMeta{}
		if event != nil {
			meta = event.Meta()
		}
		logger.WithContext(ctx, r.log).Info("payment event acknowledged without effect",
			zap.String("event_id", meta.ID),
			zap.String("event_type", meta.Type),
		)
		return paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeIgnored}, nil
	}
}

func (r *Reconciler) applyInvoice(ctx context.Context, meta paymentdomain.EventMeta, obj paymentdomain.InvoiceObject, to invoicedomain.Status) (paymentdomain.ApplyResult, error) {
	log := logger.WithContext(ctx, r.log).With(
		zap.String("event_id", meta.ID),
		zap.String("event_type", meta.Type),
		zap.String("external_invoice_ref", obj.ID),
	)

	acct, err := r.resolveAccount(ctx, r.db, obj.Metadata, obj.CustomerRef, obj.SubscriptionRef)
	if err != nil {
		return paymentdomain.ApplyResult{}, err
	}
	if acct == nil {
		log.Warn("payment event target not found")
		return paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeUnresolved}, paymentdomain.ErrUnresolvedEventTarget
	}
	log = log.With(zap.String("account_id", acct.ID.String()))
	now := r.clock.Now().UTC()

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := r.upsertInvoice(ctx, tx, log, acct.ID, obj, to, now)
		if err != nil {
			return err
		}

		switch to {
		case invoicedomain.StatusFinalized:
			return r.accounts.ResetPeriodSpent(ctx, tx, acct.ID, now)
		case invoicedomain.StatusPaid:
			cleared, err := r.accounts.ClearGrace(ctx, tx, acct.ID, now)
			if err != nil || !cleared {
				return err
			}
			log.Info("grace period cleared")
			return r.publish(ctx, tx, events.Event{
				AccountID: acct.ID,
				Type:      events.EventAccountGraceCleared,
				Payload:   map[string]any{"external_invoice_ref": obj.ID},
				DedupeKey: "grace_cleared:" + meta.ID,
			})
		case invoicedomain.StatusFailed:
			if current != nil && (current.Status == invoicedomain.StatusPaid || current.Status == invoicedomain.StatusCancelled) {
				log.Info("payment failure ignored for settled invoice", zap.String("status", string(current.Status)))
				return nil
			}
			return r.startGrace(ctx, tx, log, acct.ID, meta, obj, now)
		}
		return nil
	})
	if err != nil {
		return paymentdomain.ApplyResult{}, err
	}
	return paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeApplied, AccountID: acct.ID}, nil
}

// upsertInvoice returns the invoice after the transition, or nil when the
// event cannot be tied to a local invoice.
func (r *Reconciler) upsertInvoice(ctx context.Context, tx *gorm.DB, log *zap.Logger, accountID snowflake.ID, obj paymentdomain.InvoiceObject, to invoicedomain.Status, now time.Time) (*invoicedomain.Invoice, error) {
	ref := strings.TrimSpace(obj.ID)
	if ref == "" {
		log.Warn("invoice event without external reference")
		return nil, nil
	}
	var hostedURL *string
	if obj.HostedURL != "" {
		hosted := obj.HostedURL
		hostedURL = &hosted
	}

	existing, err := r.invoices.FindByExternalRef(ctx, tx, ref)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		figures, ok := invoicedomain.ParseCloseFigures(obj.Metadata)
		if !ok || figures.AccountID != accountID {
			log.Warn("invoice event for unknown invoice without close figures")
			return nil, nil
		}
		existing, err = r.invoices.FindByPeriod(ctx, tx, accountID, figures.PeriodStart, figures.PeriodEnd)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return r.insertInvoice(ctx, tx, figures, ref, obj, to, hostedURL, now)
		}
	}

	if existing.Status == to {
		return existing, nil
	}
	changed, err := r.invoices.UpdateStatus(ctx, tx, existing.ID, to, invoicedomain.AllowedFrom(to), hostedURL, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		log.Info("invoice transition skipped",
			zap.String("from", string(existing.Status)),
			zap.String("to", string(to)),
		)
		return existing, nil
	}
	existing.Status = to
	if hostedURL != nil {
		existing.HostedURL = hostedURL
	}
	existing.UpdatedAt = now
	return existing, nil
}

func (r *Reconciler) insertInvoice(ctx context.Context, tx *gorm.DB, figures invoicedomain.CloseFigures, ref string, obj paymentdomain.InvoiceObject, to invoicedomain.Status, hostedURL *string, now time.Time) (*invoicedomain.Invoice, error) {
	metadata := datatypes.JSONMap{}
	for key, value := range obj.Metadata {
		metadata[key] = value
	}
	inv := &invoicedomain.Invoice{
		ID:                 r.genID.Generate(),
		AccountID:          figures.AccountID,
		PeriodStart:        figures.PeriodStart,
		PeriodEnd:          figures.PeriodEnd,
		SubtotalMinor:      figures.SubtotalMinor,
		WalletAppliedMinor: figures.WalletAppliedMinor,
		TotalChargedMinor:  figures.SubtotalMinor - figures.WalletAppliedMinor,
		Status:             to,
		ExternalInvoiceRef: &ref,
		HostedURL:          hostedURL,
		Metadata:           metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.invoiceSvc.RecordTx(ctx, tx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *Reconciler) startGrace(ctx context.Context, tx *gorm.DB, log *zap.Logger, accountID snowflake.ID, meta paymentdomain.EventMeta, obj paymentdomain.InvoiceObject, now time.Time) error {
	days := r.cfg.Get().GracePeriodDays
	until := now.Add(time.Duration(days) * 24 * time.Hour)

	set, err := r.accounts.SetGraceIfUnset(ctx, tx, accountID, until, now)
	if err != nil || !set {
		return err
	}
	log.Warn("grace period started", zap.Time("grace_until", until))

	if r.auditSvc != nil {
		if err := r.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeProcessor,
			ActorID:    "stripe",
			Action:     auditdomain.ActionInvoicePaymentFailed,
			TargetType: "billing_account",
			TargetID:   accountID.String(),
			Metadata: map[string]any{
				"external_invoice_ref": obj.ID,
				"event_id":             meta.ID,
				"grace_until":          until.Format(time.RFC3339),
			},
		}); err != nil {
			return err
		}
	}

	return r.publish(ctx, tx, events.Event{
		AccountID: accountID,
		Type:      events.EventAccountGraceStarted,
		Payload: map[string]any{
			"external_invoice_ref": obj.ID,
			"grace_until":          until.Format(time.RFC3339),
		},
		DedupeKey: "grace_started:" + meta.ID,
	})
}

func (r *Reconciler) applySubscriptionUpdated(ctx context.Context, ev paymentdomain.SubscriptionUpdated) (paymentdomain.ApplyResult, error) {
	sub := ev.Subscription
	switch sub.Status {
	case "active", "trialing", "past_due":
	case "canceled", "incomplete_expired", "unpaid":
		return r.applySubscriptionDeleted(ctx, ev.EventMeta, sub)
	default:
		logger.WithContext(ctx, r.log).Info("subscription status ignored",
			zap.String("event_id", ev.ID),
			zap.String("subscription_ref", sub.ID),
			zap.String("status", sub.Status),
		)
		return paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeIgnored}, nil
	}

	acct, err := r.resolveAccount(ctx, r.db, sub.Metadata, sub.CustomerRef, sub.ID)
	if err != nil {
		return paymentdomain.ApplyResult{}, err
	}
	if acct == nil {
		logger.WithContext(ctx, r.log).Warn("payment event target not found",
			zap.String("event_id", ev.ID),
			zap.String("subscription_ref", sub.ID),
		)
		return paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeUnresolved}, paymentdomain.ErrUnresolvedEventTarget
	}

	scope := accountdomain.ParsePlanScope(sub.Metadata[metadataPlanScope])
	unlimited := accountdomain.PlanUnlimited
	ref := sub.ID
	update := accountdomain.PlanUpdate{SubscriptionRef: &ref}
	if scope.CoversInbound() {
		update.InboundPlan = &unlimited
	}
	if scope.CoversOutbound() {
		update.OutboundPlan = &unlimited
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		next := sub.CurrentPeriodEnd.UTC()
		update.NextPaymentAt = &next
	}

	if err := r.updatePlans(ctx, acct.ID, ev.EventMeta, update); err != nil {
		return paymentdomain.ApplyResult{}, err
	}
	logger.WithContext(ctx, r.log).Info("subscription applied",
		zap.String("account_id", acct.ID.String()),
		zap.String("subscription_ref", sub.ID),
		zap.String("plan_scope", string(scope)),
	)
	return paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeApplied, AccountID: acct.ID}, nil
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, meta paymentdomain.EventMeta, sub paymentdomain.SubscriptionObject) (paymentdomain.ApplyResult, error) {
	acct, err := r.resolveAccount(ctx, r.db, sub.Metadata, sub.CustomerRef, sub.ID)
	if err != nil {
		return paymentdomain.ApplyResult{}, err
	}
	if acct == nil {
		logger.WithContext(ctx, r.log).Warn("payment event target not found",
			zap.String("event_id", meta.ID),
			zap.String("subscription_ref", sub.ID),
		)
		return paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeUnresolved}, paymentdomain.ErrUnresolvedEventTarget
	}
	if acct.ExternalSubscriptionRef != nil && *acct.ExternalSubscriptionRef != sub.ID {
		logger.WithContext(ctx, r.log).Info("cancellation for a replaced subscription ignored",
			zap.String("account_id", acct.ID.String()),
			zap.String("subscription_ref", sub.ID),
			zap.String("current_subscription_ref", *acct.ExternalSubscriptionRef),
		)
		return paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeIgnored, AccountID: acct.ID}, nil
	}

	payPerUse := accountdomain.PlanPayPerUse
	update := accountdomain.PlanUpdate{
		InboundPlan:  &payPerUse,
		OutboundPlan: &payPerUse,
		ClearSubRef:  true,
		ClearNextPay: true,
	}
	if err := r.updatePlans(ctx, acct.ID, meta, update); err != nil {
		return paymentdomain.ApplyResult{}, err
	}
	logger.WithContext(ctx, r.log).Info("subscription removed",
		zap.String("account_id", acct.ID.String()),
		zap.String("subscription_ref", sub.ID),
	)
	return paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeApplied, AccountID: acct.ID}, nil
}

func (r *Reconciler) updatePlans(ctx context.Context, accountID snowflake.ID, meta paymentdomain.EventMeta, update accountdomain.PlanUpdate) error {
	now := r.clock.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changed, err := r.accounts.ApplyPlanUpdate(ctx, tx, accountID, update, now)
		if err != nil || !changed {
			return err
		}
		payload := map[string]any{"event_type": meta.Type}
		if update.InboundPlan != nil {
			payload["inbound_plan"] = string(*update.InboundPlan)
		}
		if update.OutboundPlan != nil {
			payload["outbound_plan"] = string(*update.OutboundPlan)
		}
		if update.SubscriptionRef != nil {
			payload["subscription_ref"] = *update.SubscriptionRef
		}
		return r.publish(ctx, tx, events.Event{
			AccountID: accountID,
			Type:      events.EventAccountPlanChanged,
			Payload:   payload,
			DedupeKey: "plan_changed:" + meta.ID,
		})
	})
}

func (r *Reconciler) applyWalletTopUp(ctx context.Context, ev paymentdomain.WalletTopUp) (paymentdomain.ApplyResult, error) {
	acct, err := r.resolveAccount(ctx, r.db, ev.Metadata, ev.CustomerRef, "")
	if err != nil {
		return paymentdomain.ApplyResult{}, err
	}
	if acct == nil {
		logger.WithContext(ctx, r.log).Warn("payment event target not found",
			zap.String("event_id", ev.ID),
			zap.String("payment_intent", ev.PaymentIntentID),
		)
		return paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeUnresolved}, paymentdomain.ErrUnresolvedEventTarget
	}
	if ev.AmountMinor <= 0 {
		logger.WithContext(ctx, r.log).Warn("wallet top up without amount ignored",
			zap.String("event_id", ev.ID),
			zap.String("account_id", acct.ID.String()),
		)
		return paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeIgnored, AccountID: acct.ID}, nil
	}

	ref := ev.PaymentIntentID
	txn, err := r.walletSvc.Apply(ctx, walletdomain.ApplyRequest{
		AccountID:      acct.ID,
		Kind:           walletdomain.KindTopUp,
		AmountMinor:    ev.AmountMinor,
		Reason:         "processor top up",
		ExternalRef:    &ref,
		IdempotencyKey: ev.ID,
	})
	if err != nil {
		return paymentdomain.ApplyResult{}, err
	}
	logger.WithContext(ctx, r.log).Info("wallet topped up",
		zap.String("account_id", acct.ID.String()),
		zap.String("transaction_id", txn.ID.String()),
		zap.Int64("amount_minor", txn.AmountMinor),
	)
	return paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeApplied, AccountID: acct.ID}, nil
}

// resolveAccount tries metadata.account_id, then the customer ref, then the
// subscription ref.
func (r *Reconciler) resolveAccount(ctx context.Context, db *gorm.DB, metadata map[string]string, customerRef, subscriptionRef string) (*accountdomain.BillingAccount, error) {
	if raw := strings.TrimSpace(metadata[invoicedomain.MetadataAccountID]); raw != "" {
		if id, err := snowflake.ParseString(raw); err == nil && id != 0 {
			acct, err := r.accounts.FindByID(ctx, db, id)
			if err != nil || acct != nil {
				return acct, err
			}
		}
	}
	acct, err := r.accounts.FindByCustomerRef(ctx, db, customerRef)
	if err != nil || acct != nil {
		return acct, err
	}
	return r.accounts.FindBySubscriptionRef(ctx, db, subscriptionRef)
}

func (r *Reconciler) publish(ctx context.Context, tx *gorm.DB, event events.Event) error {
	if r.outbox == nil {
		return nil
	}
	return r.outbox.PublishTx(ctx, tx, event)
}
