package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/billcore/internal/account/domain"
	closedomain "github.com/smallbiznis/billcore/internal/billingclose/domain"
	"github.com/smallbiznis/billcore/internal/config"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
	"github.com/smallbiznis/billcore/internal/ratelimit"
	"github.com/smallbiznis/billcore/internal/scheduler"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testToken = "job-token"

type fakeRunner struct {
	report *scheduler.RunReport
	err    error
	last   *scheduler.RunRequest
}

func (f *fakeRunner) Run(ctx context.Context, req scheduler.RunRequest) (*scheduler.RunReport, error) {
	f.last = &req
	return f.report, f.err
}

func (f *fakeRunner) Runs(ctx context.Context, limit int) ([]scheduler.BillingRun, error) {
	return []scheduler.BillingRun{}, nil
}

type fakeCloser struct {
	result *closedomain.CloseResult
	err    error
	last   *closedomain.CloseRequest
}

func (f *fakeCloser) Close(ctx context.Context, req closedomain.CloseRequest) (*closedomain.CloseResult, error) {
	f.last = &req
	if f.err != nil {
		return &closedomain.CloseResult{AccountID: req.AccountID}, f.err
	}
	return f.result, nil
}

type fakeWallet struct {
	applyErr error
	applied  []walletdomain.ApplyRequest
	replay   *walletdomain.ReplayResult
}

func (f *fakeWallet) Apply(ctx context.Context, req walletdomain.ApplyRequest) (*walletdomain.WalletTransaction, error) {
	f.applied = append(f.applied, req)
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	return &walletdomain.WalletTransaction{AccountID: req.AccountID, Kind: req.Kind, AmountMinor: req.AmountMinor}, nil
}

func (f *fakeWallet) Replay(ctx context.Context, accountID snowflake.ID) (*walletdomain.ReplayResult, error) {
	if f.replay == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	return f.replay, nil
}

func (f *fakeWallet) Verify(ctx context.Context, accountID snowflake.ID) error {
	return nil
}

func (f *fakeWallet) ListTransactions(ctx context.Context, accountID snowflake.ID, limit int) ([]walletdomain.WalletTransaction, error) {
	return []walletdomain.WalletTransaction{}, nil
}

type fakePayments struct {
	result *paymentdomain.IngestResult
	err    error
}

func (f *fakePayments) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*paymentdomain.IngestResult, error) {
	return f.result, f.err
}

type fakeLocker struct {
	held     map[string]bool
	released []string
}

func (f *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if f.held[key] {
		return "", false, nil
	}
	return "token", true, nil
}

func (f *fakeLocker) Release(ctx context.Context, key, token string) error {
	f.released = append(f.released, key)
	return nil
}

type testServer struct {
	router   *gin.Engine
	runner   *fakeRunner
	closer   *fakeCloser
	wallet   *fakeWallet
	payments *fakePayments
	locker   *fakeLocker
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		router:   gin.New(),
		runner:   &fakeRunner{},
		closer:   &fakeCloser{},
		wallet:   &fakeWallet{},
		payments: &fakePayments{},
		locker:   &fakeLocker{held: map[string]bool{}},
	}
	ts.router.Use(ErrorHandlingMiddleware())

	srv := &Server{
		engine:     ts.router,
		cfg:        config.Config{BillingJobToken: token},
		log:        zap.NewNop(),
		runner:     ts.runner,
		closer:     ts.closer,
		walletSvc:  ts.wallet,
		paymentSvc: ts.payments,
		locker:     ts.locker,
	}
	srv.RegisterRoutes()
	return ts
}

func (ts *testServer) do(method, path, body string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp := httptest.NewRecorder()
	ts.router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error
}

func TestInternalRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, testToken)

	resp := ts.do(http.MethodPost, "/internal/billing/runs", `{}`, false)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	req := httptest.NewRequest(http.MethodPost, "/internal/billing/runs", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, ts.runner.last)
}

func TestInternalRoutesRejectWhenTokenUnset(t *testing.T) {
	ts := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/internal/billing/runs", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer ")
	resp := httptest.NewRecorder()
	ts.router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestStartBillingRunStatusCodes(t *testing.T) {
	cases := []struct {
		status scheduler.RunStatus
		want   int
	}{
		{scheduler.RunStatusSucceeded, http.StatusOK},
		{scheduler.RunStatusPartial, http.StatusMultiStatus},
		{scheduler.RunStatusAccountsFailed, http.StatusMultiStatus},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			ts := newTestServer(t, testToken)
			ts.runner.report = &scheduler.RunReport{RunID: "1", Status: tc.status}

			resp := ts.do(http.MethodPost, "/internal/billing/runs", `{"dryRun":true,"testMode":true,"scheduledBy":"ops"}`, true)
			require.Equal(t, tc.want, resp.Code)

			var report scheduler.RunReport
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &report))
			assert.Equal(t, tc.status, report.Status)

			require.NotNil(t, ts.runner.last)
			assert.True(t, ts.runner.last.DryRun)
			assert.True(t, ts.runner.last.TestMode)
			assert.Equal(t, "ops", ts.runner.last.ScheduledBy)
		})
	}
}

func TestStartBillingRunSelectionFailure(t *testing.T) {
	ts := newTestServer(t, testToken)
	ts.runner.report = &scheduler.RunReport{RunID: "9", Status: scheduler.RunStatusFailed}
	ts.runner.err = errors.New("select accounts: connection refused")

	resp := ts.do(http.MethodPost, "/internal/billing/runs", `{}`, true)
	require.Equal(t, http.StatusInternalServerError, resp.Code)

	var report scheduler.RunReport
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &report))
	assert.Equal(t, scheduler.RunStatusFailed, report.Status)
}

func TestStartBillingRunPeriod(t *testing.T) {
	ts := newTestServer(t, testToken)
	ts.runner.report = &scheduler.RunReport{Status: scheduler.RunStatusSucceeded}

	resp := ts.do(http.MethodPost, "/internal/billing/runs", `{"periodStart":"2026-02-01","periodEnd":"2026-03-01"}`, true)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), ts.runner.last.Period.Start)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), ts.runner.last.Period.End)
	assert.False(t, ts.runner.last.Period.Inclusive)

	resp = ts.do(http.MethodPost, "/internal/billing/runs", `{"periodStart":"2026-02-01"}`, true)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestCloseAccountUsesInclusiveRange(t *testing.T) {
	ts := newTestServer(t, testToken)
	ts.closer.result = &closedomain.CloseResult{AccountID: 42, Outcome: closedomain.OutcomeCharged}

	resp := ts.do(http.MethodPost, "/internal/accounts/42/close", `{"periodStart":"2026-02-01","periodEnd":"2026-02-28"}`, true)
	require.Equal(t, http.StatusOK, resp.Code)

	req := ts.closer.last
	require.NotNil(t, req)
	assert.Equal(t, snowflake.ID(42), req.AccountID)
	assert.True(t, req.Manual)
	assert.False(t, req.DryRun)
	assert.True(t, req.Period.Inclusive)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), req.Period.Start)
	assert.Equal(t, time.Date(2026, 2, 28, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC), req.Period.End)
}

func TestCloseAccountMapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{accountdomain.ErrAccountNotFound, http.StatusNotFound},
		{invoicedomain.ErrMissingCustomerReference, http.StatusUnprocessableEntity},
		{&invoicedomain.ExternalInvoiceError{Op: "create", Message: "boom"}, http.StatusBadGateway},
		{fmt.Errorf("close: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		ts := newTestServer(t, testToken)
		ts.closer.err = tc.err

		resp := ts.do(http.MethodPost, "/internal/accounts/42/close", `{"periodStart":"2026-02-01","periodEnd":"2026-02-28"}`, true)
		assert.Equal(t, tc.want, resp.Code, tc.err.Error())
	}
}

func TestCloseAccountHoldsAccountLock(t *testing.T) {
	ts := newTestServer(t, testToken)
	ts.closer.result = &closedomain.CloseResult{AccountID: 42, Outcome: closedomain.OutcomeWalletOnly}

	resp := ts.do(http.MethodPost, "/internal/accounts/42/close", `{"periodStart":"2026-02-01","periodEnd":"2026-02-28"}`, true)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []string{ratelimit.AccountCloseKey(42)}, ts.locker.released)
}

func TestCloseAccountConflictsWhileRunHoldsLock(t *testing.T) {
	ts := newTestServer(t, testToken)
	ts.locker.held[ratelimit.AccountCloseKey(42)] = true

	resp := ts.do(http.MethodPost, "/internal/accounts/42/close", `{"periodStart":"2026-02-01","periodEnd":"2026-02-28"}`, true)
	require.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "conflict", decodeError(t, resp).Type)
	assert.Nil(t, ts.closer.last)
	assert.Empty(t, ts.locker.released)
}

func TestCloseAccountRejectsReversedRange(t *testing.T) {
	ts := newTestServer(t, testToken)

	resp := ts.do(http.MethodPost, "/internal/accounts/42/close", `{"periodStart":"2026-02-10","periodEnd":"2026-02-01"}`, true)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "invalid_range", decodeError(t, resp).Errors[0].Code)
	assert.Nil(t, ts.closer.last)
}

func TestAdjustWallet(t *testing.T) {
	ts := newTestServer(t, testToken)

	resp := ts.do(http.MethodPost, "/internal/accounts/42/wallet/adjustments", `{"kind":"admin_credit","amountMinor":1500,"reason":"goodwill"}`, true)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, ts.wallet.applied, 1)
	assert.Equal(t, walletdomain.KindAdminCredit, ts.wallet.applied[0].Kind)
	assert.Equal(t, int64(1500), ts.wallet.applied[0].AmountMinor)
	assert.Equal(t, "goodwill", ts.wallet.applied[0].Reason)
}

func TestAdjustWalletRejectsNonAdministrativeKind(t *testing.T) {
	ts := newTestServer(t, testToken)

	resp := ts.do(http.MethodPost, "/internal/accounts/42/wallet/adjustments", `{"kind":"top_up","amountMinor":1500,"reason":"x"}`, true)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "invalid_kind", decodeError(t, resp).Errors[0].Code)
	assert.Empty(t, ts.wallet.applied)
}

func TestAdjustWalletInsufficientBalance(t *testing.T) {
	ts := newTestServer(t, testToken)
	ts.wallet.applyErr = walletdomain.ErrInsufficientBalance

	resp := ts.do(http.MethodPost, "/internal/accounts/42/wallet/adjustments", `{"kind":"admin_debit","amountMinor":99999,"reason":"correction"}`, true)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestVerifyWallet(t *testing.T) {
	ts := newTestServer(t, testToken)
	ts.wallet.replay = &walletdomain.ReplayResult{AccountID: 42, StoredBalance: 100, ReplayedBalance: 100, Transactions: 2, Consistent: true}

	resp := ts.do(http.MethodGet, "/internal/accounts/42/wallet/verify", "", true)
	require.Equal(t, http.StatusOK, resp.Code)

	var result walletdomain.ReplayResult
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.True(t, result.Consistent)
	assert.Equal(t, 2, result.Transactions)
}

func TestWebhookStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid signature", paymentdomain.ErrInvalidSignature, http.StatusUnauthorized},
		{"invalid payload", paymentdomain.ErrInvalidPayload, http.StatusBadRequest},
		{"unknown provider", paymentdomain.ErrProviderNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, testToken)
			ts.payments.err = tc.err

			resp := ts.do(http.MethodPost, "/webhooks/stripe", `{}`, false)
			assert.Equal(t, tc.want, resp.Code)
		})
	}
}

func TestWebhookAcknowledgesUnresolved(t *testing.T) {
	ts := newTestServer(t, testToken)
	ts.payments.result = &paymentdomain.IngestResult{
		Provider: "stripe",
		EventID:  "evt_1",
		Outcome:  paymentdomain.OutcomeUnresolved,
	}

	resp := ts.do(http.MethodPost, "/webhooks/stripe", `{"id":"evt_1"}`, false)
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "unresolved", body["outcome"])
	assert.Equal(t, "evt_1", body["event_id"])
}
