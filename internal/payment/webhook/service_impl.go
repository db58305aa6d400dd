package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/smallbiznis/billcore/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
	paymentservice "github.com/smallbiznis/billcore/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc *paymentservice.Service
	Adapters   *adapters.Registry
}

type Service struct {
	log        *zap.Logger
	paymentSvc *paymentservice.Service
	adapters   *adapters.Registry
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:        p.Log.Named("payment.webhook"),
		paymentSvc: p.PaymentSvc,
		adapters:   p.Adapters,
	}
}

// IngestWebhook verifies the signature before anything is stored.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*paymentdomain.IngestResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, paymentdomain.ErrInvalidProvider
	}
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return nil, err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("payment webhook rejected", zap.String("provider", provider), zap.Error(err))
		return nil, err
	}
	if !json.Valid(payload) {
		return nil, paymentdomain.ErrInvalidPayload
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		return nil, err
	}
	meta := event.Meta()
	result := &paymentdomain.IngestResult{
		Provider:  provider,
		EventID:   meta.ID,
		EventType: meta.Type,
	}

	if s.paymentSvc == nil {
		return nil, errors.New("payment_service_unavailable")
	}
	outcome, err := s.paymentSvc.ProcessEvent(ctx, provider, event, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
			s.log.Info("payment webhook already processed",
				zap.String("provider", provider),
				zap.String("event_id", meta.ID),
			)
			result.Outcome = paymentdomain.OutcomeDuplicate
			return result, nil
		}
		return nil, err
	}

	result.Outcome = outcome
	return result, nil
}
