package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxWebhookBytes = 1 << 20

// HandlePaymentWebhook acknowledges accepted, duplicate, ignored and
// unresolved deliveries with 200 so the processor stops retrying them.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	body := gin.H{"status": "ok"}
	if result != nil {
		body["outcome"] = result.Outcome
		body["event_id"] = result.EventID
	}
	c.JSON(http.StatusOK, body)
}
