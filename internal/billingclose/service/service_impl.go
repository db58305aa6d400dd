package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/billcore/internal/account/domain"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	closedomain "github.com/smallbiznis/billcore/internal/billingclose/domain"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/billcore/internal/observability/metrics"
	"github.com/smallbiznis/billcore/internal/observability/tracing"
	usagedomain "github.com/smallbiznis/billcore/internal/usage/domain"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"github.com/smallbiznis/billcore/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Accounts   accountdomain.Repository
	Invoices   invoicedomain.Repository
	InvoiceSvc invoicedomain.Service
	UsageSvc   usagedomain.Service
	WalletSvc  walletdomain.Service
	Charger    invoicedomain.Charger
	AuditSvc   auditdomain.Service         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics         `optional:"true"`
	Clock      clock.Clock                 `optional:"true"`
	Config     *config.BillingConfigHolder `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	accounts   accountdomain.Repository
	invoices   invoicedomain.Repository
	invoiceSvc invoicedomain.Service
	usageSvc   usagedomain.Service
	walletSvc  walletdomain.Service
	charger    invoicedomain.Charger
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
	clock      clock.Clock
	cfg        *config.BillingConfigHolder
}

func NewService(p Params) closedomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billingclose.service"),
		genID:      p.GenID,
		accounts:   p.Accounts,
		invoices:   p.Invoices,
		invoiceSvc: p.InvoiceSvc,
		usageSvc:   p.UsageSvc,
		walletSvc:  p.WalletSvc,
		charger:    p.Charger,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
		clock:      clk,
		cfg:        p.Config,
	}
}

func (s *Service) Close(ctx context.Context, req closedomain.CloseRequest) (result *closedomain.CloseResult, err error) {
	cfg := s.cfg.Get()
	ctx, cancel := context.WithTimeout(ctx, cfg.CloseTimeout)
	defer cancel()

	ctx, span := tracing.Start(ctx, "billingclose.close",
		attribute.String("account_id", req.AccountID.String()),
		attribute.Bool("dry_run", req.DryRun),
	)
	defer func() { tracing.End(span, err) }()

	log := logger.WithContext(ctx, s.log).With(
		zap.String("account_id", req.AccountID.String()),
		zap.Time("period_start", req.Period.Start),
		zap.Time("period_end", req.Period.End),
		zap.Bool("dry_run", req.DryRun),
	)

	result = &closedomain.CloseResult{
		AccountID: req.AccountID,
		Period:    req.Period,
		Stage:     closedomain.StageStart,
	}
	defer func() {
		if err == nil {
			return
		}
		result.FailedAt = result.Stage
		result.Stage = closedomain.StageFailed
		result.Outcome = ""
		log.Warn("period close failed", zap.String("failed_at", string(result.FailedAt)), zap.Error(err))
	}()

	acct, err := s.accounts.FindByID(ctx, s.db, req.AccountID)
	if err != nil {
		return result, err
	}
	if acct == nil {
		return result, accountdomain.ErrAccountNotFound
	}

	usage, err := s.usageSvc.Summarize(ctx, usagedomain.SummaryRequest{
		AccountID: acct.ID,
		Range: usagedomain.Range{
			Start:     req.Period.Start,
			End:       req.Period.End,
			Inclusive: req.Period.Inclusive,
		},
	})
	if err != nil {
		return result, err
	}
	result.Stage = closedomain.StageUsageSummarized
	result.UsageSeconds = usage.TotalSeconds
	result.UsageMinutes = usage.TotalMinutes
	result.AvgRateMinor = usage.AvgRateMinor

	existing, err := s.invoices.FindByPeriod(ctx, s.db, acct.ID, req.Period.Start, req.Period.End)
	if err != nil {
		return result, err
	}
	if existing != nil {
		return s.resume(ctx, log, req, acct, existing, result)
	}

	if usage.IsZeroCost() {
		result.Stage = closedomain.StageSkippedNoUsage
		result.Outcome = closedomain.OutcomeSkippedNoUsage
		if req.DryRun {
			return result, nil
		}
		if err := s.resetPeriod(ctx, acct.ID, req.Period, result); err != nil {
			return result, err
		}
		return s.finish(ctx, log, req, result), nil
	}

	applied := min(acct.WalletBalanceMinor, usage.TotalCostMinor)
	if applied < 0 {
		applied = 0
	}
	result.SubtotalMinor = usage.TotalCostMinor
	result.WalletAppliedMinor = applied
	result.ToChargeMinor = usage.TotalCostMinor - applied
	result.Stage = closedomain.StageWalletComputed

	if req.DryRun {
		result.Outcome = closedomain.OutcomeDryRun
		return result, nil
	}

	status := invoicedomain.StatusPaid
	var external *invoicedomain.ExternalInvoiceResult
	if result.ToChargeMinor > 0 {
		customerRef := acct.CustomerRef()
		if customerRef == "" {
			return result, invoicedomain.ErrMissingCustomerReference
		}
		external, err = s.charger.Charge(ctx, invoicedomain.ChargeRequest{
			AccountID:          acct.ID,
			CustomerRef:        customerRef,
			Currency:           cfg.Currency,
			SubtotalMinor:      result.SubtotalMinor,
			WalletAppliedMinor: result.WalletAppliedMinor,
			PeriodStart:        req.Period.Start,
			PeriodEnd:          req.Period.End,
			UsageSeconds:       usage.TotalSeconds,
			UsageMinutes:       usage.TotalMinutes,
			AvgRateMinor:       usage.AvgRateMinor,
			IdempotencyKey:     req.Period.ChargeKey(acct.ID),
		})
		if err != nil {
			return result, err
		}
		status = external.Status
		if !status.Valid() {
			status = invoicedomain.StatusFinalized
		}
		result.Stage = closedomain.StageCharged
		result.Outcome = closedomain.OutcomeCharged
		result.ExternalInvoiceRef = external.ID
		result.HostedURL = external.HostedURL
	} else {
		result.Stage = closedomain.StageWalletOnly
		result.Outcome = closedomain.OutcomeWalletOnly
	}

	inv := s.buildInvoice(acct.ID, req.Period, result, status, usage)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.invoiceSvc.RecordTx(ctx, tx, inv)
	})
	if err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return result, fmt.Errorf("record invoice: %w", err)
		}
		// The webhook reconciler stored the invoice while the charge was in flight.
		stored, ferr := s.invoices.FindByPeriod(ctx, s.db, acct.ID, req.Period.Start, req.Period.End)
		if ferr != nil {
			return result, fmt.Errorf("reload invoice: %w", ferr)
		}
		if stored == nil {
			return result, fmt.Errorf("record invoice: %w", err)
		}
		log.Info("invoice already recorded by reconciler", zap.String("invoice_id", stored.ID.String()))
		inv = stored
		result.WalletAppliedMinor = stored.WalletAppliedMinor
		if ref := stored.ExternalRef(); ref != "" {
			result.ExternalInvoiceRef = ref
		}
	}
	result.Stage = closedomain.StageRecorded
	result.InvoiceID = &inv.ID
	result.InvoiceStatus = inv.Status

	if err := s.deduct(ctx, acct.ID, req.Period, result); err != nil {
		return result, err
	}
	if err := s.resetPeriod(ctx, acct.ID, req.Period, result); err != nil {
		return result, err
	}
	return s.finish(ctx, log, req, result), nil
}

// resume completes a close whose invoice is already stored, reusing the
// stored figures.
func (s *Service) resume(ctx context.Context, log *zap.Logger, req closedomain.CloseRequest, acct *accountdomain.BillingAccount, inv *invoicedomain.Invoice, result *closedomain.CloseResult) (*closedomain.CloseResult, error) {
	result.Outcome = closedomain.OutcomeAlreadyClosed
	result.SubtotalMinor = inv.SubtotalMinor
	result.WalletAppliedMinor = inv.WalletAppliedMinor
	result.ToChargeMinor = inv.TotalChargedMinor
	result.InvoiceID = &inv.ID
	result.InvoiceStatus = inv.Status
	result.ExternalInvoiceRef = inv.ExternalRef()
	if inv.HostedURL != nil {
		result.HostedURL = *inv.HostedURL
	}
	result.Stage = closedomain.StageRecorded
	if req.DryRun {
		return result, nil
	}

	if err := s.deduct(ctx, acct.ID, req.Period, result); err != nil {
		return result, err
	}
	if err := s.resetPeriod(ctx, acct.ID, req.Period, result); err != nil {
		return result, err
	}
	log.Info("period close resumed on stored invoice", zap.String("invoice_id", inv.ID.String()))
	return s.finish(ctx, log, req, result), nil
}

func (s *Service) buildInvoice(accountID snowflake.ID, period closedomain.Period, result *closedomain.CloseResult, status invoicedomain.Status, usage usagedomain.UsageSummary) *invoicedomain.Invoice {
	now := s.clock.Now().UTC()
	metadata := datatypes.JSONMap{}
	for key, value := range (invoicedomain.CloseFigures{
		AccountID:          accountID,
		PeriodStart:        period.Start,
		PeriodEnd:          period.End,
		SubtotalMinor:      result.SubtotalMinor,
		WalletAppliedMinor: result.WalletAppliedMinor,
	}).ToMetadata() {
		metadata[key] = value
	}
	metadata["usage_seconds"] = strconv.FormatInt(usage.TotalSeconds, 10)
	metadata["usage_minutes"] = usage.TotalMinutes.StringFixed(2)
	metadata["avg_rate_minor"] = strconv.FormatInt(usage.AvgRateMinor, 10)

	inv := &invoicedomain.Invoice{
		ID:                 s.genID.Generate(),
		AccountID:          accountID,
		PeriodStart:        period.Start.UTC(),
		PeriodEnd:          period.End.UTC(),
		SubtotalMinor:      result.SubtotalMinor,
		WalletAppliedMinor: result.WalletAppliedMinor,
		TotalChargedMinor:  result.ToChargeMinor,
		Status:             status,
		Metadata:           metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if result.ExternalInvoiceRef != "" {
		ref := result.ExternalInvoiceRef
		inv.ExternalInvoiceRef = &ref
	}
	if result.HostedURL != "" {
		hosted := result.HostedURL
		inv.HostedURL = &hosted
	}
	return inv
}

// deduct applies the wallet share once per period. A rerun replays the
// original transaction through its idempotency key.
func (s *Service) deduct(ctx context.Context, accountID snowflake.ID, period closedomain.Period, result *closedomain.CloseResult) error {
	if result.WalletAppliedMinor <= 0 {
		return nil
	}
	var ref *string
	if result.ExternalInvoiceRef != "" {
		external := result.ExternalInvoiceRef
		ref = &external
	}
	apply := func(amount int64) (*walletdomain.WalletTransaction, error) {
		return s.walletSvc.Apply(ctx, walletdomain.ApplyRequest{
			AccountID:   accountID,
			Kind:        walletdomain.KindDeduction,
			AmountMinor: amount,
			Reason: fmt.Sprintf("period close %s..%s",
				period.Start.UTC().Format("2006-01-02"),
				period.End.UTC().Format("2006-01-02"),
			),
			ExternalRef:    ref,
			IdempotencyKey: period.DeductionKey(),
		})
	}

	txn, err := apply(result.WalletAppliedMinor)
	if errors.Is(err, walletdomain.ErrInsufficientBalance) {
		return s.deductShortfall(ctx, accountID, period, result, apply)
	}
	if err != nil {
		return fmt.Errorf("wallet deduction: %w", err)
	}
	result.Deducted = true
	result.WalletShortfallMinor = result.WalletAppliedMinor - txn.AmountMinor
	return nil
}

// deductShortfall handles a balance that dropped below the invoiced wallet
// share after the invoice was stored. The ledger takes what is left and the
// gap is audited for operator follow up.
func (s *Service) deductShortfall(ctx context.Context, accountID snowflake.ID, period closedomain.Period, result *closedomain.CloseResult, apply func(int64) (*walletdomain.WalletTransaction, error)) error {
	acct, err := s.accounts.FindByID(ctx, s.db, accountID)
	if err != nil {
		return fmt.Errorf("wallet deduction: %w", err)
	}
	if acct == nil {
		return accountdomain.ErrAccountNotFound
	}
	if acct.PeriodClosed(period.End) {
		// An earlier run already took what was left and reset the period.
		return nil
	}

	available := min(max(acct.WalletBalanceMinor, 0), result.WalletAppliedMinor)
	if available > 0 {
		if _, err := apply(available); err != nil {
			return fmt.Errorf("wallet deduction: %w", err)
		}
		result.Deducted = true
	}
	result.WalletShortfallMinor = result.WalletAppliedMinor - available

	s.log.Warn("wallet balance short of invoiced credit",
		zap.String("account_id", accountID.String()),
		zap.Int64("wallet_applied_minor", result.WalletAppliedMinor),
		zap.Int64("deducted_minor", available),
		zap.Int64("shortfall_minor", result.WalletShortfallMinor),
	)
	if s.auditSvc != nil {
		metadata := map[string]any{
			"period_start":         period.Start.UTC().Format(time.RFC3339),
			"period_end":           period.End.UTC().Format(time.RFC3339),
			"wallet_applied_minor": result.WalletAppliedMinor,
			"deducted_minor":       available,
			"shortfall_minor":      result.WalletShortfallMinor,
		}
		if result.InvoiceID != nil {
			metadata["invoice_id"] = result.InvoiceID.String()
		}
		if err := s.auditSvc.Record(ctx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeSystem,
			Action:     auditdomain.ActionWalletDeductionShortfall,
			TargetType: "billing_account",
			TargetID:   accountID.String(),
			Metadata:   metadata,
		}); err != nil {
			s.log.Warn("failed to audit wallet shortfall", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) resetPeriod(ctx context.Context, accountID snowflake.ID, period closedomain.Period, result *closedomain.CloseResult) error {
	reset, err := s.accounts.ResetPeriod(ctx, s.db, accountID, period.End.UTC(), s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("reset period: %w", err)
	}
	result.PeriodReset = reset
	result.Stage = closedomain.StagePeriodReset
	return nil
}

func (s *Service) finish(ctx context.Context, log *zap.Logger, req closedomain.CloseRequest, result *closedomain.CloseResult) *closedomain.CloseResult {
	result.Stage = closedomain.StageDone
	s.obsMetrics.RecordBillingClose(ctx, string(result.Outcome))

	if req.Manual && s.auditSvc != nil {
		if err := s.auditSvc.Record(ctx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeOperator,
			Action:     auditdomain.ActionAccountClosedManual,
			TargetType: "billing_account",
			TargetID:   req.AccountID.String(),
			Metadata: map[string]any{
				"outcome":              string(result.Outcome),
				"period_start":         req.Period.Start.UTC().Format(time.RFC3339),
				"period_end":           req.Period.End.UTC().Format(time.RFC3339),
				"subtotal_minor":       result.SubtotalMinor,
				"wallet_applied_minor": result.WalletAppliedMinor,
				"total_charged_minor":  result.ToChargeMinor,
			},
		}); err != nil {
			log.Warn("failed to audit manual close", zap.Error(err))
		}
	}

	log.Info("period closed",
		zap.String("outcome", string(result.Outcome)),
		zap.Int64("subtotal_minor", result.SubtotalMinor),
		zap.Int64("wallet_applied_minor", result.WalletAppliedMinor),
		zap.Int64("to_charge_minor", result.ToChargeMinor),
		zap.Bool("period_reset", result.PeriodReset),
	)
	return result
}

// IsRetryable reports whether a failed close may succeed in a later run
// without operator action.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, invoicedomain.ErrMissingCustomerReference),
		errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, usagedomain.ErrInvalidRange):
		return false
	}
	return true
}
