package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/events"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/billcore/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       invoicedomain.Repository
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       invoicedomain.Repository
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("invoice.service"),
		repo:       p.Repo,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice) error {
	if inv == nil {
		return invoicedomain.ErrInvoiceInvariant
	}
	if tx == nil {
		return errors.New("missing transaction")
	}
	if err := inv.Validate(); err != nil {
		return err
	}
	if err := s.repo.Insert(ctx, tx, inv); err != nil {
		return err
	}

	if s.outbox != nil {
		hostedURL := ""
		if inv.HostedURL != nil {
			hostedURL = *inv.HostedURL
		}
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			AccountID: inv.AccountID,
			Type:      events.EventInvoiceRecorded,
			Payload: events.InvoiceRecordedPayload{
				InvoiceID:          inv.ID.String(),
				Status:             string(inv.Status),
				PeriodStart:        inv.PeriodStart.UTC().Format(time.RFC3339),
				PeriodEnd:          inv.PeriodEnd.UTC().Format(time.RFC3339),
				SubtotalMinor:      inv.SubtotalMinor,
				WalletAppliedMinor: inv.WalletAppliedMinor,
				TotalChargedMinor:  inv.TotalChargedMinor,
				HostedURL:          hostedURL,
			}.ToMap(),
			DedupeKey: "invoice_recorded:" + inv.ID.String(),
		}); err != nil {
			return err
		}
	}

	s.obsMetrics.RecordInvoice(ctx, string(inv.Status))
	s.log.Info("invoice recorded",
		zap.String("account_id", inv.AccountID.String()),
		zap.String("invoice_id", inv.ID.String()),
		zap.String("status", string(inv.Status)),
		zap.Int64("subtotal_minor", inv.SubtotalMinor),
		zap.Int64("wallet_applied_minor", inv.WalletAppliedMinor),
		zap.Int64("total_charged_minor", inv.TotalChargedMinor),
	)
	return nil
}

func (s *Service) FindForPeriod(ctx context.Context, accountID snowflake.ID, start, end time.Time) (*invoicedomain.Invoice, error) {
	return s.repo.FindByPeriod(ctx, s.db, accountID, start, end)
}

func (s *Service) ListByAccount(ctx context.Context, accountID snowflake.ID) ([]invoicedomain.Invoice, error) {
	return s.repo.ListByAccount(ctx, s.db, accountID)
}
