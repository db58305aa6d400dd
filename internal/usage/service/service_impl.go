package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/billcore/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var secondsPerMinute = decimal.NewFromInt(60)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo usagedomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo usagedomain.Repository
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("usage.service"),
		repo: p.Repo,
	}
}

func (s *Service) Summarize(ctx context.Context, req usagedomain.SummaryRequest) (usagedomain.UsageSummary, error) {
	if req.AccountID == 0 {
		return usagedomain.UsageSummary{}, usagedomain.ErrInvalidAccount
	}
	if err := req.Range.Validate(); err != nil {
		return usagedomain.UsageSummary{}, err
	}

	totals, err := s.repo.SumForRange(ctx, s.db, req.AccountID, req.Range.Start, req.Range.End, req.Range.Inclusive)
	if err != nil {
		return usagedomain.UsageSummary{}, fmt.Errorf("sum usage: %w", err)
	}

	summary := Summarize(totals)
	s.log.Debug("usage summarized",
		zap.String("account_id", req.AccountID.String()),
		zap.Int64("total_cost_minor", summary.TotalCostMinor),
		zap.Int64("total_seconds", summary.TotalSeconds),
		zap.Bool("inclusive", req.Range.Inclusive),
	)
	return summary, nil
}

// Summarize derives minutes and the average rate from raw totals. The
// average divides by the reported two-place minutes, so the invoice line
// reads consistently, and rounds half away from zero.
func Summarize(totals usagedomain.Totals) usagedomain.UsageSummary {
	summary := usagedomain.UsageSummary{
		TotalCostMinor: totals.TotalCostMinor,
		TotalSeconds:   totals.TotalSeconds,
		TotalMinutes:   decimal.Zero,
		CallCount:      totals.CallCount,
	}
	if totals.TotalSeconds <= 0 {
		return summary
	}

	minutes := decimal.NewFromInt(totals.TotalSeconds).Div(secondsPerMinute)
	summary.TotalMinutes = minutes.Round(2)
	if summary.TotalMinutes.IsZero() {
		return summary
	}
	summary.AvgRateMinor = decimal.NewFromInt(totals.TotalCostMinor).
		Div(summary.TotalMinutes).
		Round(0).
		IntPart()
	return summary
}
