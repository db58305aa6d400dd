package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	closedomain "github.com/smallbiznis/billcore/internal/billingclose/domain"
	"github.com/smallbiznis/billcore/internal/ratelimit"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"go.uber.org/zap"
)

var errCloseInProgress = fmt.Errorf("%w: account close in progress", ErrConflict)

type closeAccountRequest struct {
	PeriodStart string `json:"periodStart"`
	PeriodEnd   string `json:"periodEnd"`
	DryRun      bool   `json:"dryRun"`
}

// CloseAccount closes an operator-chosen inclusive range for one account.
func (s *Server) CloseAccount(c *gin.Context) {
	accountID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid account id"))
		return
	}

	var req closeAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	start, err := parseOptionalTime(req.PeriodStart, false)
	if err != nil || start == nil {
		AbortWithError(c, newValidationError("periodStart", "invalid_period_start", "invalid periodStart"))
		return
	}
	end, err := parseOptionalTime(req.PeriodEnd, true)
	if err != nil || end == nil {
		AbortWithError(c, newValidationError("periodEnd", "invalid_period_end", "invalid periodEnd"))
		return
	}
	if end.Before(*start) {
		AbortWithError(c, newValidationError("period", "invalid_range", "periodEnd must not precede periodStart"))
		return
	}

	ctx := c.Request.Context()
	key := ratelimit.AccountCloseKey(accountID)
	token, acquired, err := s.locker.TryLock(ctx, key, s.billing.Get().LockTTL)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !acquired {
		AbortWithError(c, errCloseInProgress)
		return
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("failed to release close lock", zap.String("account_id", accountID.String()), zap.Error(err))
		}
	}()

	result, err := s.closer.Close(ctx, closedomain.CloseRequest{
		AccountID: accountID,
		Period:    closedomain.Period{Start: *start, End: *end, Inclusive: true},
		DryRun:    req.DryRun,
		Manual:    true,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type walletAdjustmentRequest struct {
	Kind           string `json:"kind"`
	AmountMinor    int64  `json:"amountMinor"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) AdjustWallet(c *gin.Context) {
	accountID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid account id"))
		return
	}

	var req walletAdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	kind := walletdomain.Kind(strings.TrimSpace(req.Kind))
	if !kind.IsAdministrative() {
		AbortWithError(c, walletdomain.ErrInvalidKind)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		AbortWithError(c, newValidationError("reason", "required", "reason is required"))
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}

	txn, err := s.walletSvc.Apply(c.Request.Context(), walletdomain.ApplyRequest{
		AccountID:      accountID,
		Kind:           kind,
		AmountMinor:    req.AmountMinor,
		Reason:         strings.TrimSpace(req.Reason),
		IdempotencyKey: key,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": txn})
}

func (s *Server) VerifyWallet(c *gin.Context) {
	accountID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid account id"))
		return
	}

	result, err := s.walletSvc.Replay(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ListWalletTransactions(c *gin.Context) {
	accountID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid account id"))
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	n := 100
	if limit != nil {
		n = *limit
	}

	txns, err := s.walletSvc.ListTransactions(c.Request.Context(), accountID, n)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": txns})
}
