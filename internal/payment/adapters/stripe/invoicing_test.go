package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/config"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/form"
	"go.uber.org/zap"
)

type recordedCall struct {
	method string
	path   string
	params stripego.ParamsContainer
}

// mockBackend implements stripe.Backend for testing
type mockBackend struct {
	mu      sync.Mutex
	calls   []recordedCall
	handler func(method, path string, params stripego.ParamsContainer) ([]byte, error)
}

func (m *mockBackend) Call(method, path, key string, params stripego.ParamsContainer, v stripego.LastResponseSetter) error {
	m.mu.Lock()
	m.calls = append(m.calls, recordedCall{method: method, path: path, params: params})
	m.mu.Unlock()

	data, err := m.handler(method, path, params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (m *mockBackend) CallStreaming(method, path, key string, params stripego.ParamsContainer, v stripego.StreamingLastResponseSetter) error {
	return nil
}

func (m *mockBackend) CallRaw(method, path, key string, body *form.Values, params *stripego.Params, v stripego.LastResponseSetter) error {
	return nil
}

func (m *mockBackend) CallMultipart(method, path, key, boundary string, body *bytes.Buffer, params *stripego.Params, v stripego.LastResponseSetter) error {
	return nil
}

func (m *mockBackend) SetMaxNetworkRetries(maxNetworkRetries int64) {}

func (m *mockBackend) recorded() []recordedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedCall(nil), m.calls...)
}

func newTestInvoicing(handler func(method, path string, params stripego.ParamsContainer) ([]byte, error)) (*Invoicing, *mockBackend) {
	backend := &mockBackend{handler: handler}
	api := client.New("sk_test_123", &stripego.Backends{API: backend, Connect: backend, Uploads: backend})
	return NewInvoicingWithAPI(api, zap.NewNop(), config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())), backend
}

func chargeRequest(subtotal, applied int64) invoicedomain.ChargeRequest {
	return invoicedomain.ChargeRequest{
		AccountID:          42,
		CustomerRef:        "cus_42",
		Currency:           "usd",
		SubtotalMinor:      subtotal,
		WalletAppliedMinor: applied,
		PeriodStart:        time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		UsageSeconds:       18000,
		UsageMinutes:       decimal.NewFromInt(300),
		AvgRateMinor:       25,
		IdempotencyKey:     "close:42:2026-02-01:2026-03-01",
	}
}

func invoiceHandler(method, path string, params stripego.ParamsContainer) ([]byte, error) {
	switch {
	case method == http.MethodPost && path == "/v1/invoices":
		return json.Marshal(&stripego.Invoice{ID: "in_1", Status: stripego.InvoiceStatusDraft})
	case method == http.MethodPost && path == "/v1/invoiceitems":
		return json.Marshal(&stripego.InvoiceItem{ID: "ii_1"})
	case method == http.MethodPost && path == "/v1/invoices/in_1/finalize":
		return json.Marshal(&stripego.Invoice{
			ID:               "in_1",
			Status:           stripego.InvoiceStatusOpen,
			HostedInvoiceURL: "https://invoice.stripe.com/i/in_1",
		})
	}
	return nil, fmt.Errorf("unexpected call: %s %s", method, path)
}

func TestChargeCreatesUsageAndWalletLines(t *testing.T) {
	invoicing, backend := newTestInvoicing(invoiceHandler)

	result, err := invoicing.Charge(context.Background(), chargeRequest(7500, 2000))
	require.NoError(t, err)
	assert.Equal(t, "in_1", result.ID)
	assert.Equal(t, invoicedomain.StatusFinalized, result.Status)
	assert.Equal(t, "https://invoice.stripe.com/i/in_1", result.HostedURL)

	calls := backend.recorded()
	require.Len(t, calls, 4)

	create, ok := calls[0].params.(*stripego.InvoiceParams)
	require.True(t, ok)
	assert.False(t, *create.AutoAdvance)
	assert.Equal(t, "exclude", *create.PendingInvoiceItemsBehavior)
	assert.Equal(t, "42", create.Metadata[invoicedomain.MetadataAccountID])
	assert.Equal(t, "7500", create.Metadata[invoicedomain.MetadataSubtotalMinor])
	assert.Equal(t, "2000", create.Metadata[invoicedomain.MetadataWalletAppliedMinor])

	usage, ok := calls[1].params.(*stripego.InvoiceItemParams)
	require.True(t, ok)
	assert.Equal(t, int64(7500), *usage.Amount)
	assert.Equal(t, "in_1", *usage.Invoice)

	wallet, ok := calls[2].params.(*stripego.InvoiceItemParams)
	require.True(t, ok)
	assert.Equal(t, int64(-2000), *wallet.Amount)
	assert.Equal(t, "Wallet credit", *wallet.Description)

	assert.Equal(t, "/v1/invoices/in_1/finalize", calls[3].path)

	keys := map[string]bool{}
	for _, call := range calls {
		key := call.params.GetParams().IdempotencyKey
		require.NotNil(t, key)
		keys[*key] = true
	}
	assert.Len(t, keys, 4)
	assert.True(t, keys["close:42:2026-02-01:2026-03-01:invoice"])
}

func TestChargeWithoutWalletSkipsCreditLine(t *testing.T) {
	invoicing, backend := newTestInvoicing(invoiceHandler)

	_, err := invoicing.Charge(context.Background(), chargeRequest(7500, 0))
	require.NoError(t, err)
	assert.Len(t, backend.recorded(), 3)
}

func TestChargeRejectsNothingToCharge(t *testing.T) {
	invoicing, backend := newTestInvoicing(invoiceHandler)

	_, err := invoicing.Charge(context.Background(), chargeRequest(7500, 7500))
	assert.ErrorIs(t, err, invoicedomain.ErrNothingToCharge)

	req := chargeRequest(7500, 0)
	req.CustomerRef = " "
	_, err = invoicing.Charge(context.Background(), req)
	assert.ErrorIs(t, err, invoicedomain.ErrMissingCustomerReference)

	assert.Empty(t, backend.recorded())
}

func TestChargeMapsProcessorErrors(t *testing.T) {
	invoicing, backend := newTestInvoicing(func(method, path string, params stripego.ParamsContainer) ([]byte, error) {
		if path == "/v1/invoices/in_1/finalize" {
			return nil, &stripego.Error{
				HTTPStatusCode: http.StatusPaymentRequired,
				Code:           stripego.ErrorCodeCardDeclined,
				Msg:            "Your card was declined.",
			}
		}
		return invoiceHandler(method, path, params)
	})

	_, err := invoicing.Charge(context.Background(), chargeRequest(7500, 2000))
	require.Error(t, err)
	assert.ErrorIs(t, err, invoicedomain.ErrExternalInvoice)

	var extErr *invoicedomain.ExternalInvoiceError
	require.True(t, errors.As(err, &extErr))
	assert.Equal(t, "finalize_invoice", extErr.Op)
	assert.Equal(t, http.StatusPaymentRequired, extErr.StatusCode)
	assert.Equal(t, "Your card was declined.", extErr.Message)
	assert.Len(t, backend.recorded(), 4)
}

func TestChargeRerunResumesDraftAfterLineFailure(t *testing.T) {
	failLine := true
	invoicing, backend := newTestInvoicing(func(method, path string, params stripego.ParamsContainer) ([]byte, error) {
		if path == "/v1/invoiceitems" && failLine {
			failLine = false
			return nil, &stripego.Error{HTTPStatusCode: http.StatusServiceUnavailable, Msg: "try again"}
		}
		return invoiceHandler(method, path, params)
	})

	_, err := invoicing.Charge(context.Background(), chargeRequest(7500, 2000))
	require.Error(t, err)
	first := backend.recorded()
	require.Len(t, first, 2)
	for _, call := range first {
		assert.NotEqual(t, http.MethodDelete, call.method)
	}

	result, err := invoicing.Charge(context.Background(), chargeRequest(7500, 2000))
	require.NoError(t, err)
	assert.Equal(t, "in_1", result.ID)

	calls := backend.recorded()
	require.Len(t, calls, 6)
	assert.Equal(t, *first[0].params.GetParams().IdempotencyKey, *calls[2].params.GetParams().IdempotencyKey)
	assert.Equal(t, *first[1].params.GetParams().IdempotencyKey, *calls[3].params.GetParams().IdempotencyKey)
}

func TestChargeWithoutAPIKeyFails(t *testing.T) {
	invoicing := NewInvoicing(InvoicingParams{Cfg: config.Config{}, Log: zap.NewNop()})

	_, err := invoicing.Charge(context.Background(), chargeRequest(7500, 0))
	assert.ErrorIs(t, err, invoicedomain.ErrExternalInvoice)
}

func TestEnsureCustomerRetriesTransientReads(t *testing.T) {
	attempts := 0
	invoicing, _ := newTestInvoicing(func(method, path string, params stripego.ParamsContainer) ([]byte, error) {
		if method == http.MethodGet && path == "/v1/customers/cus_42" {
			attempts++
			if attempts == 1 {
				return nil, &stripego.Error{HTTPStatusCode: http.StatusServiceUnavailable, Msg: "try again"}
			}
			return json.Marshal(&stripego.Customer{ID: "cus_42"})
		}
		return nil, fmt.Errorf("unexpected call: %s %s", method, path)
	})

	ref, err := invoicing.EnsureCustomer(context.Background(), 42, "ops@example.com", "cus_42")
	require.NoError(t, err)
	assert.Equal(t, "cus_42", ref)
	assert.Equal(t, 2, attempts)
}

func TestEnsureCustomerCreatesWhenMissing(t *testing.T) {
	invoicing, backend := newTestInvoicing(func(method, path string, params stripego.ParamsContainer) ([]byte, error) {
		switch {
		case method == http.MethodGet && path == "/v1/customers/cus_gone":
			return nil, &stripego.Error{HTTPStatusCode: http.StatusNotFound, Msg: "No such customer"}
		case method == http.MethodPost && path == "/v1/customers":
			return json.Marshal(&stripego.Customer{ID: "cus_new"})
		}
		return nil, fmt.Errorf("unexpected call: %s %s", method, path)
	})

	ref, err := invoicing.EnsureCustomer(context.Background(), 42, "ops@example.com", "cus_gone")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", ref)

	calls := backend.recorded()
	require.Len(t, calls, 2)
	create, ok := calls[1].params.(*stripego.CustomerParams)
	require.True(t, ok)
	assert.Equal(t, "ops@example.com", *create.Email)
	assert.Equal(t, "42", create.Metadata[invoicedomain.MetadataAccountID])
}

func TestGetSubscription(t *testing.T) {
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	invoicing, _ := newTestInvoicing(func(method, path string, params stripego.ParamsContainer) ([]byte, error) {
		if method == http.MethodGet && path == "/v1/subscriptions/sub_1" {
			return json.Marshal(&stripego.Subscription{
				ID:               "sub_1",
				Status:           stripego.SubscriptionStatusActive,
				Customer:         &stripego.Customer{ID: "cus_42"},
				CurrentPeriodEnd: periodEnd.Unix(),
				Metadata:         map[string]string{"plan_scope": "all"},
			})
		}
		return nil, fmt.Errorf("unexpected call: %s %s", method, path)
	})

	sub, err := invoicing.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_42", sub.CustomerRef)
	assert.Equal(t, "active", sub.Status)
	assert.True(t, periodEnd.Equal(sub.CurrentPeriodEnd))
	assert.Equal(t, "all", sub.Metadata["plan_scope"])
}
