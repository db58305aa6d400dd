package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/clock"
	obsmetrics "github.com/smallbiznis/billcore/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
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
	Repo       paymentdomain.Repository
	Reconciler paymentdomain.Reconciler
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Clock      clock.Clock         `optional:"true"`
}

// Service dedupes verified events and hands them to the reconciler.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	reconciler paymentdomain.Reconciler
	obsMetrics *obsmetrics.Metrics
	clock      clock.Clock
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		reconciler: p.Reconciler,
		obsMetrics: p.ObsMetrics,
		clock:      clk,
	}
}

// ProcessEvent stores the event once and applies it. A previously processed
// event returns ErrEventAlreadyProcessed. A stored but unprocessed event is
// applied again, which the reconciler tolerates.
func (s *Service) ProcessEvent(ctx context.Context, provider string, event paymentdomain.Event, payload []byte) (paymentdomain.Outcome, error) {
	if event == nil {
		return "", paymentdomain.ErrInvalidEvent
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", paymentdomain.ErrInvalidProvider
	}
	if !json.Valid(payload) {
		return "", paymentdomain.ErrInvalidPayload
	}
	meta := event.Meta()
	if strings.TrimSpace(meta.ID) == "" || strings.TrimSpace(meta.Type) == "" {
		return "", paymentdomain.ErrInvalidEvent
	}

	now := s.clock.Now().UTC()
	received := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: meta.ID,
		EventType:       meta.Type,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return "", err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, provider, meta.ID)
		if err != nil {
			return "", err
		}
		if stored == nil {
			return "", paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			return paymentdomain.OutcomeDuplicate, paymentdomain.ErrEventAlreadyProcessed
		}
	}

	result, err := s.reconciler.Apply(ctx, event)
	if err != nil && !errors.Is(err, paymentdomain.ErrUnresolvedEventTarget) {
		return "", err
	}
	if errors.Is(err, paymentdomain.ErrUnresolvedEventTarget) {
		result.Outcome = paymentdomain.OutcomeUnresolved
	}

	var accountID *snowflake.ID
	if result.AccountID != 0 {
		accountID = &result.AccountID
	}
	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, accountID, s.clock.Now().UTC()); err != nil {
		return "", err
	}

	if inserted {
		s.obsMetrics.RecordPaymentEvent(ctx, provider, meta.Type)
	}

	return result.Outcome, nil
}
