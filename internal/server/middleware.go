package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/billcore/internal/observability/context"
)

const operatorActorID = "billing_job_token"

// JobTokenRequired authenticates /internal calls with the shared
// BILLING_JOB_TOKEN bearer token. An unset token rejects every call.
func (s *Server) JobTokenRequired() gin.HandlerFunc {
	expected := strings.TrimSpace(s.cfg.BillingJobToken)
	return func(c *gin.Context) {
		if expected == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), "operator", operatorActorID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
