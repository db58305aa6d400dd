package stripe

import (
	"net/http"
	"strings"

	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/observability/tracing"
	stripego "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"go.uber.org/zap"
)

const providerName = "stripe"

// NewAPI builds a stripe client with a bounded, traced HTTP client and
// network retries disabled.
func NewAPI(cfg config.StripeConfig, log *zap.Logger) *client.API {
	httpClient := tracing.WrapHTTPClient(&http.Client{Timeout: cfg.APITimeout})

	backendConfig := &stripego.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripego.Int64(0),
	}
	if log != nil {
		backendConfig.LeveledLogger = log.Named("stripe").Sugar()
	}
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		backendConfig.URL = stripego.String(base)
	}

	backends := &stripego.Backends{
		API:     stripego.GetBackendWithConfig(stripego.APIBackend, backendConfig),
		Connect: stripego.GetBackendWithConfig(stripego.ConnectBackend, backendConfig),
		Uploads: stripego.GetBackendWithConfig(stripego.UploadsBackend, backendConfig),
	}
	return client.New(cfg.SecretKey, backends)
}
