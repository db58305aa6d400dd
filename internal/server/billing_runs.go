package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	closedomain "github.com/smallbiznis/billcore/internal/billingclose/domain"
	"github.com/smallbiznis/billcore/internal/scheduler"
	"go.uber.org/zap"
)

type startBillingRunRequest struct {
	DryRun      bool   `json:"dryRun"`
	TestMode    bool   `json:"testMode"`
	ScheduledBy string `json:"scheduledBy"`
	PeriodStart string `json:"periodStart"`
	PeriodEnd   string `json:"periodEnd"`
}

func (s *Server) StartBillingRun(c *gin.Context) {
	if s.runner == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	var req startBillingRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	start, err := parseOptionalTime(req.PeriodStart, false)
	if err != nil {
		AbortWithError(c, newValidationError("periodStart", "invalid_period_start", "invalid periodStart"))
		return
	}
	end, err := parseOptionalTime(req.PeriodEnd, false)
	if err != nil {
		AbortWithError(c, newValidationError("periodEnd", "invalid_period_end", "invalid periodEnd"))
		return
	}
	if (start == nil) != (end == nil) {
		AbortWithError(c, newValidationError("period", "incomplete_period", "periodStart and periodEnd go together"))
		return
	}

	runReq := scheduler.RunRequest{
		DryRun:      req.DryRun,
		TestMode:    req.TestMode,
		ScheduledBy: strings.TrimSpace(req.ScheduledBy),
	}
	if start != nil {
		if !end.After(*start) {
			AbortWithError(c, newValidationError("period", "invalid_range", "periodEnd must be after periodStart"))
			return
		}
		runReq.Period = closedomain.Period{Start: *start, End: *end}
	}

	report, err := s.runner.Run(c.Request.Context(), runReq)
	if err != nil {
		s.log.Error("billing run failed", zap.Error(err))
		if report == nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusInternalServerError, report)
		return
	}

	c.JSON(runStatusCode(report.Status), report)
}

func runStatusCode(status scheduler.RunStatus) int {
	switch status {
	case scheduler.RunStatusSucceeded:
		return http.StatusOK
	case scheduler.RunStatusPartial, scheduler.RunStatusAccountsFailed:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) ListBillingRuns(c *gin.Context) {
	if s.runner == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	n := 20
	if limit != nil {
		n = *limit
	}

	runs, err := s.runner.Runs(c.Request.Context(), n)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}
