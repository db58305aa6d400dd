package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/account/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Repo domain.Repository
}

// StatusChecker treats accounts with deactivated_at set as inactive.
type StatusChecker struct {
	db   *gorm.DB
	repo domain.Repository
}

func NewStatusChecker(p Params) domain.StatusChecker {
	return &StatusChecker{db: p.DB, repo: p.Repo}
}

func (s *StatusChecker) IsActive(ctx context.Context, accountID snowflake.ID) (bool, error) {
	acct, err := s.repo.FindByID(ctx, s.db, accountID)
	if err != nil {
		return false, err
	}
	if acct == nil {
		return false, domain.ErrAccountNotFound
	}
	return acct.IsActive(), nil
}
