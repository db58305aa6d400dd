package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	accountdomain "github.com/smallbiznis/billcore/internal/account/domain"
	accountrepo "github.com/smallbiznis/billcore/internal/account/repository"
	accountservice "github.com/smallbiznis/billcore/internal/account/service"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	auditrepo "github.com/smallbiznis/billcore/internal/audit/repository"
	auditservice "github.com/smallbiznis/billcore/internal/audit/service"
	closedomain "github.com/smallbiznis/billcore/internal/billingclose/domain"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/billcore/internal/observability/metrics"
	"github.com/smallbiznis/billcore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	testNow     = time.Date(2026, 3, 1, 0, 10, 0, 0, time.UTC)
	periodStart = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

type closeOutcome struct {
	result *closedomain.CloseResult
	err    error
}

type stubCloser struct {
	outcomes map[snowflake.ID]closeOutcome
	requests []closedomain.CloseRequest
}

func (c *stubCloser) Close(ctx context.Context, req closedomain.CloseRequest) (*closedomain.CloseResult, error) {
	c.requests = append(c.requests, req)
	if out, ok := c.outcomes[req.AccountID]; ok {
		return out.result, out.err
	}
	return &closedomain.CloseResult{
		AccountID: req.AccountID,
		Period:    req.Period,
		Stage:     closedomain.StageDone,
		Outcome:   closedomain.OutcomeSkippedNoUsage,
	}, nil
}

func (c *stubCloser) accountIDs() []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(c.requests))
	for _, req := range c.requests {
		ids = append(ids, req.AccountID)
	}
	return ids
}

type stubLocker struct {
	held     map[string]bool
	released []string
}

func (l *stubLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l.held[key] {
		return "", false, nil
	}
	return "token", true, nil
}

func (l *stubLocker) Release(ctx context.Context, key, token string) error {
	l.released = append(l.released, key)
	return nil
}

type failingAccounts struct {
	accountdomain.Repository
}

func (failingAccounts) ListPayPerUse(ctx context.Context, db *gorm.DB) ([]accountdomain.BillingAccount, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	closer   *stubCloser
	locker   *stubLocker
	auditSvc auditdomain.Service
	params   Params
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.OpenDB(t, "scheduler")
	node := testutil.Node(t)
	clk := clock.NewFakeClock(testNow)
	accounts := accountrepo.Provide()

	billing := config.DefaultBillingConfig()
	billing.InterAccountDelay = 0
	billing.TestModeSampleSize = 2

	f := &fixture{
		db:     db,
		clock:  clk,
		closer: &stubCloser{outcomes: map[snowflake.ID]closeOutcome{}},
		locker: &stubLocker{held: map[string]bool{}},
		auditSvc: auditservice.NewService(auditservice.Params{
			DB:    db,
			Log:   zap.NewNop(),
			GenID: node,
			Repo:  auditrepo.Provide(),
			Clock: clk,
		}),
	}
	f.params = Params{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Accounts:      accounts,
		Closer:        f.closer,
		Locker:        f.locker,
		StatusChecker: accountservice.NewStatusChecker(accountservice.Params{DB: db, Repo: accounts}),
		AuditSvc:      f.auditSvc,
		Clock:         clk,
		Billing:       config.NewStaticBillingConfigHolder(billing),
	}
	return f
}

func (f *fixture) scheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(f.params)
	require.NoError(t, err)
	return s
}

func (f *fixture) seed(t *testing.T, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		testutil.SeedAccount(t, f.db, testutil.Account{ID: id, CustomerRef: "cus_test"}, testNow)
	}
}

func charged(id int64, subtotal, applied int64) closeOutcome {
	outcome := closedomain.OutcomeCharged
	if subtotal == applied {
		outcome = closedomain.OutcomeWalletOnly
	}
	return closeOutcome{result: &closedomain.CloseResult{
		AccountID:          snowflake.ID(id),
		Stage:              closedomain.StageDone,
		Outcome:            outcome,
		SubtotalMinor:      subtotal,
		WalletAppliedMinor: applied,
		ToChargeMinor:      subtotal - applied,
	}}
}

func failedAt(id int64, stage closedomain.Stage, err error) closeOutcome {
	return closeOutcome{
		result: &closedomain.CloseResult{
			AccountID: snowflake.ID(id),
			Stage:     closedomain.StageFailed,
			FailedAt:  stage,
		},
		err: err,
	}
}

func countRows(t *testing.T, db *gorm.DB, table string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Raw("SELECT COUNT(*) FROM "+table).Scan(&count).Error)
	return count
}

func TestRunContinuesPastAccountFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2, 3)
	testutil.SeedAccount(t, f.db, testutil.Account{ID: 4, Deactivated: true}, testNow)
	testutil.SeedAccount(t, f.db, testutil.Account{ID: 5, InboundPlan: "unlimited", OutboundPlan: "unlimited"}, testNow)

	f.closer.outcomes[1] = charged(1, 7500, 5500)
	f.closer.outcomes[2] = failedAt(2, closedomain.StageWalletComputed, &invoicedomain.ExternalInvoiceError{
		Op:         "create",
		StatusCode: 402,
		Message:    "card declined",
	})
	f.closer.outcomes[3] = charged(3, 3000, 3000)

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{ScheduledBy: "cron"})
	require.NoError(t, err)

	assert.Equal(t, []snowflake.ID{1, 2, 3}, f.closer.accountIDs())
	assert.Equal(t, ModeLive, report.Mode)
	assert.Equal(t, "cron", report.ScheduledBy)
	assert.Equal(t, periodStart, report.PeriodStart)
	assert.Equal(t, periodEnd, report.PeriodEnd)
	assert.Equal(t, 3, report.Evaluated)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.InvoicesCreated)
	assert.Equal(t, int64(8500), report.WalletAppliedTotal)
	assert.Equal(t, int64(2000), report.ChargedTotal)
	assert.Equal(t, RunStatusPartial, report.Status)

	require.Len(t, report.Failures, 1)
	failure := report.Failures[0]
	assert.Equal(t, snowflake.ID(2), failure.AccountID)
	assert.Equal(t, ReasonExternalInvoiceError, failure.Reason)
	assert.Equal(t, closedomain.StageWalletComputed, failure.Stage)
	assert.Contains(t, failure.Message, "card declined")
	assert.True(t, failure.Retryable)

	assert.Len(t, f.locker.released, 3)

	var row struct {
		Status    string
		Processed int
		Failed    int
	}
	require.NoError(t, f.db.Raw(`SELECT status, processed, failed FROM billing_runs`).Scan(&row).Error)
	assert.Equal(t, string(RunStatusPartial), row.Status)
	assert.Equal(t, 2, row.Processed)
	assert.Equal(t, 1, row.Failed)

	logs, err := f.auditSvc.List(context.Background(), auditdomain.ListFilter{Action: auditdomain.ActionBillingRunCompleted})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].TargetID)
	assert.Equal(t, report.RunID, *logs[0].TargetID)
}

func TestRunAllAccountsFailed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2)
	f.closer.outcomes[1] = failedAt(1, closedomain.StageWalletComputed, invoicedomain.ErrMissingCustomerReference)
	f.closer.outcomes[2] = failedAt(2, closedomain.StageStart, context.DeadlineExceeded)

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{})
	require.NoError(t, err)

	assert.Equal(t, RunStatusAccountsFailed, report.Status)
	assert.Equal(t, 0, report.Processed)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, ReasonMissingCustomerReference, report.Failures[0].Reason)
	assert.False(t, report.Failures[0].Retryable)
	assert.Equal(t, ReasonDeadlineExceeded, report.Failures[1].Reason)
	assert.Equal(t, defaultScheduledBy, report.ScheduledBy)
}

func TestRunDryRunWinsAndTestModeLimitsSample(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2, 3)

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{DryRun: true, TestMode: true})
	require.NoError(t, err)

	assert.Equal(t, ModeDryRun, report.Mode)
	assert.Equal(t, 2, report.Evaluated)
	require.Len(t, f.closer.requests, 2)
	for _, req := range f.closer.requests {
		assert.True(t, req.DryRun)
		assert.False(t, req.Manual)
	}
	assert.Equal(t, []snowflake.ID{1, 2}, f.closer.accountIDs())
}

func TestRunTestModeIsLive(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2, 3)

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{TestMode: true})
	require.NoError(t, err)

	assert.Equal(t, ModeTestMode, report.Mode)
	require.Len(t, f.closer.requests, 2)
	assert.False(t, f.closer.requests[0].DryRun)
}

func TestRunSkipsLockedAccount(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2)
	f.locker.held["billing:close:lock:1"] = true

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{})
	require.NoError(t, err)

	assert.Equal(t, []snowflake.ID{2}, f.closer.accountIDs())
	require.Len(t, report.Skipped, 2)
	assert.Equal(t, Skip{AccountID: 1, Reason: SkipReasonLocked}, report.Skipped[0])
	assert.Equal(t, Skip{AccountID: 2, Reason: SkipReasonNoUsage}, report.Skipped[1])
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, RunStatusSucceeded, report.Status)
}

func TestRunSelectionFailure(t *testing.T) {
	f := newFixture(t)
	f.params.Accounts = failingAccounts{Repository: f.params.Accounts}

	report, err := f.scheduler(t).Run(context.Background(), RunRequest{})
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, RunStatusFailed, report.Status)
	assert.Empty(t, f.closer.requests)
	assert.Equal(t, int64(1), countRows(t, f.db, "billing_runs"))
}

func TestRunUsesExplicitPeriod(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	explicit := closedomain.Period{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	}

	_, err := f.scheduler(t).Run(context.Background(), RunRequest{Period: explicit})
	require.NoError(t, err)
	require.Len(t, f.closer.requests, 1)
	assert.Equal(t, explicit, f.closer.requests[0].Period)
}

func TestDefaultPeriod(t *testing.T) {
	p := DefaultPeriod(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, periodStart, p.Start)
	assert.Equal(t, periodEnd, p.End)

	p = DefaultPeriod(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), p.End)
}

func TestRunDueSkipsSettledPeriod(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	s := f.scheduler(t)

	_, err := s.Run(context.Background(), RunRequest{DryRun: true})
	require.NoError(t, err)
	require.Len(t, f.closer.requests, 1)

	require.NoError(t, s.runDue(context.Background()))
	require.Len(t, f.closer.requests, 2)

	require.NoError(t, s.runDue(context.Background()))
	assert.Len(t, f.closer.requests, 2)

	runs, err := s.Runs(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRunDueClosesPeriodAfterTestModeRun(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2, 3, 4)
	s := f.scheduler(t)

	report, err := s.Run(context.Background(), RunRequest{TestMode: true})
	require.NoError(t, err)
	assert.Equal(t, ModeTestMode, report.Mode)
	assert.Equal(t, []snowflake.ID{1, 2}, f.closer.accountIDs())

	require.NoError(t, s.runDue(context.Background()))
	assert.Equal(t, []snowflake.ID{1, 2, 1, 2, 3, 4}, f.closer.accountIDs())

	require.NoError(t, s.runDue(context.Background()))
	assert.Len(t, f.closer.requests, 6)
}

func TestRunDueRetriesPeriodWithFailures(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2)
	f.closer.outcomes[2] = failedAt(2, closedomain.StageWalletComputed, &invoicedomain.ExternalInvoiceError{Op: "create", Message: "timeout"})
	s := f.scheduler(t)

	require.NoError(t, s.runDue(context.Background()))
	require.Len(t, f.closer.requests, 2)

	delete(f.closer.outcomes, 2)
	require.NoError(t, s.runDue(context.Background()))
	require.Len(t, f.closer.requests, 4)

	require.NoError(t, s.runDue(context.Background()))
	assert.Len(t, f.closer.requests, 4)
}

func TestFailureReason(t *testing.T) {
	cases := map[string]error{
		ReasonMissingCustomerReference: invoicedomain.ErrMissingCustomerReference,
		ReasonDeadlineExceeded:         context.DeadlineExceeded,
		ReasonExternalInvoiceError:     &invoicedomain.ExternalInvoiceError{Op: "finalize", Message: "boom"},
		ReasonDB:                       gorm.ErrInvalidTransaction,
		ReasonUnknown:                  errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, failureReason(err), want)
	}
}

func TestRunRecordsOutcomeMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	metrics := obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "billcore",
		Environment: "test",
	})

	f := newFixture(t)
	f.params.Metrics = metrics
	f.seed(t, 1, 2)
	f.closer.outcomes[1] = charged(1, 7500, 5500)
	f.closer.outcomes[2] = failedAt(2, closedomain.StageWalletComputed, invoicedomain.ErrMissingCustomerReference)

	_, err := f.scheduler(t).Run(context.Background(), RunRequest{})
	require.NoError(t, err)

	closed := map[string]string{
		"service": "billcore",
		"env":     "test",
		"outcome": obsmetrics.AccountOutcomeClosed,
		"reason":  string(closedomain.OutcomeCharged),
	}
	if got := getCounterValue(t, registry, "billcore_scheduler_account_outcomes_total", closed); got != 1 {
		t.Fatalf("expected closed count 1, got %v", got)
	}
	failed := map[string]string{
		"service": "billcore",
		"env":     "test",
		"outcome": obsmetrics.AccountOutcomeFailed,
		"reason":  ReasonMissingCustomerReference,
	}
	if got := getCounterValue(t, registry, "billcore_scheduler_account_outcomes_total", failed); got != 1 {
		t.Fatalf("expected failed count 1, got %v", got)
	}
	runs := map[string]string{
		"service": "billcore",
		"env":     "test",
		"mode":    string(ModeLive),
		"status":  string(RunStatusPartial),
	}
	if got := getCounterValue(t, registry, "billcore_scheduler_runs_total", runs); got != 1 {
		t.Fatalf("expected run count 1, got %v", got)
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
