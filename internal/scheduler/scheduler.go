package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/billcore/internal/account/domain"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	closedomain "github.com/smallbiznis/billcore/internal/billingclose/domain"
	closeservice "github.com/smallbiznis/billcore/internal/billingclose/service"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/billcore/internal/observability/metrics"
	"github.com/smallbiznis/billcore/internal/ratelimit"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	jobBillingClose    = "billing_close"
	defaultScheduledBy = "scheduler"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Accounts accountdomain.Repository
	Closer   closedomain.Service
	Locker   ratelimit.AccountLocker

	StatusChecker accountdomain.StatusChecker  `optional:"true"`
	AuditSvc      auditdomain.Service          `optional:"true"`
	Metrics       *obsmetrics.SchedulerMetrics `optional:"true"`
	Clock         clock.Clock                  `optional:"true"`
	Billing       *config.BillingConfigHolder  `optional:"true"`
	Config        Config                       `optional:"true"`
}

type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	billing  *config.BillingConfigHolder
	accounts accountdomain.Repository
	closer   closedomain.Service
	locker   ratelimit.AccountLocker
	status   accountdomain.StatusChecker
	auditSvc auditdomain.Service
	metrics  *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Accounts == nil || p.Closer == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	locker := p.Locker
	if locker == nil {
		locker = ratelimit.NoopLocker{}
	}
	return &Scheduler{
		db:       p.DB,
		log:      p.Log.Named("scheduler"),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    clk,
		billing:  p.Billing,
		accounts: p.Accounts,
		closer:   p.Closer,
		locker:   locker,
		status:   p.StatusChecker,
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
	}, nil
}

// Run closes the period of every pay-per-use account, one account at a time.
// Per-account failures land in the report; only a failed account selection
// is returned as an error.
func (s *Scheduler) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	runID := s.genID.Generate()
	ctx, run := s.startJobRun(ctx, jobBillingClose, runID)
	s.logJobStart(ctx, run)
	defer s.logJobFinish(ctx, run)

	s.metrics.IncJobRun(jobBillingClose)

	now := s.clock.Now().UTC()
	period := req.Period
	if period.Start.IsZero() || period.End.IsZero() {
		period = DefaultPeriod(now)
	}
	scheduledBy := strings.TrimSpace(req.ScheduledBy)
	if scheduledBy == "" {
		scheduledBy = defaultScheduledBy
	}

	report := &RunReport{
		RunID:       runID.String(),
		Mode:        req.mode(),
		ScheduledBy: scheduledBy,
		PeriodStart: period.Start.UTC(),
		PeriodEnd:   period.End.UTC(),
		Skipped:     []Skip{},
		Failures:    []Failure{},
		StartedAt:   now,
	}

	accounts, err := s.selectAccounts(ctx, report, req.TestMode)
	if err != nil {
		report.Status = RunStatusFailed
		s.metrics.IncJobError(jobBillingClose, err)
		s.logSchedulerError(ctx, run, "scheduler.select_accounts.failed", jobBillingClose, 0, err)
		s.finish(ctx, runID, report)
		return report, fmt.Errorf("select accounts: %w", err)
	}
	report.Evaluated = len(accounts)

	pacer := ratelimit.NewPacer(s.billing.Get().InterAccountDelay)
	for _, account := range accounts {
		if err := pacer.Wait(ctx); err != nil {
			s.logger(ctx).Warn("scheduler.pacer.wait_failed", zap.Error(err))
		}
		s.closeAccount(ctx, run, report, account.ID, period, req.DryRun)
	}

	report.settle()
	s.finish(ctx, runID, report)
	return report, nil
}

func (s *Scheduler) selectAccounts(ctx context.Context, report *RunReport, testMode bool) ([]accountdomain.BillingAccount, error) {
	candidates, err := s.accounts.ListPayPerUse(ctx, s.db)
	if err != nil {
		return nil, err
	}

	selected := make([]accountdomain.BillingAccount, 0, len(candidates))
	for _, account := range candidates {
		if s.status != nil {
			active, err := s.status.IsActive(ctx, account.ID)
			if err != nil {
				return nil, fmt.Errorf("account %s status: %w", account.ID, err)
			}
			if !active {
				continue
			}
		}
		selected = append(selected, account)
	}

	if testMode {
		sample := s.billing.Get().TestModeSampleSize
		if sample > 0 && len(selected) > sample {
			selected = selected[:sample]
		}
	}
	return selected, nil
}

// closeAccount is the failure boundary of one account.
func (s *Scheduler) closeAccount(ctx context.Context, run *jobRun, report *RunReport, accountID snowflake.ID, period closedomain.Period, dryRun bool) {
	ctx = s.withLogContext(ctx, accountID)
	key := ratelimit.AccountCloseKey(accountID)

	token, acquired, err := s.locker.TryLock(ctx, key, s.billing.Get().LockTTL)
	if err != nil {
		s.recordFailure(ctx, run, report, accountID, nil, fmt.Errorf("acquire close lock: %w", err))
		return
	}
	if !acquired {
		report.Skipped = append(report.Skipped, Skip{AccountID: accountID, Reason: SkipReasonLocked})
		s.metrics.IncAccountOutcome(obsmetrics.AccountOutcomeSkipped, SkipReasonLocked)
		s.logger(ctx).Info("scheduler.account.locked", zap.String("account_id", idString(accountID)))
		return
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger(ctx).Warn("scheduler.account.unlock_failed", zap.String("account_id", idString(accountID)), zap.Error(err))
		}
	}()

	result, err := s.closer.Close(ctx, closedomain.CloseRequest{
		AccountID: accountID,
		Period:    period,
		DryRun:    dryRun,
	})
	if err != nil {
		s.recordFailure(ctx, run, report, accountID, result, err)
		return
	}

	report.Processed++
	run.AddProcessed(1)

	switch result.Outcome {
	case closedomain.OutcomeSkippedNoUsage:
		report.Skipped = append(report.Skipped, Skip{AccountID: accountID, Reason: SkipReasonNoUsage})
		s.metrics.IncAccountOutcome(obsmetrics.AccountOutcomeSkipped, SkipReasonNoUsage)
		return
	case closedomain.OutcomeAlreadyClosed:
		report.Skipped = append(report.Skipped, Skip{AccountID: accountID, Reason: SkipReasonAlreadyClosed})
		s.metrics.IncAccountOutcome(obsmetrics.AccountOutcomeSkipped, SkipReasonAlreadyClosed)
		return
	}

	if result.InvoiceCreated() {
		report.InvoicesCreated++
	}
	report.WalletAppliedTotal += result.WalletAppliedMinor
	report.ChargedTotal += result.ToChargeMinor
	s.metrics.IncAccountOutcome(obsmetrics.AccountOutcomeClosed, string(result.Outcome))
}

func (s *Scheduler) recordFailure(ctx context.Context, run *jobRun, report *RunReport, accountID snowflake.ID, result *closedomain.CloseResult, err error) {
	reason := failureReason(err)
	failure := Failure{
		AccountID: accountID,
		Reason:    reason,
		Message:   err.Error(),
		Retryable: closeservice.IsRetryable(err),
	}
	if result != nil {
		failure.Stage = result.FailedAt
	}
	report.Failures = append(report.Failures, failure)
	s.metrics.IncAccountOutcome(obsmetrics.AccountOutcomeFailed, reason)
	s.logSchedulerError(ctx, run, "scheduler.account.close_failed", jobBillingClose, accountID, err,
		zap.String("reason", reason),
		zap.String("stage", string(failure.Stage)),
	)
}

// failureReason maps a close error onto the report's low-cardinality reasons.
func failureReason(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, invoicedomain.ErrMissingCustomerReference):
		return ReasonMissingCustomerReference
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonDeadlineExceeded
	case errors.Is(err, invoicedomain.ErrExternalInvoice):
		return ReasonExternalInvoiceError
	case errors.Is(err, walletdomain.ErrConcurrentModification):
		return ReasonConcurrentModification
	case obsmetrics.IsDBError(err):
		return ReasonDB
	default:
		return ReasonUnknown
	}
}

// finish persists the report, writes the audit record and records metrics.
// Bookkeeping failures are logged; they never change the run's outcome.
func (s *Scheduler) finish(ctx context.Context, runID snowflake.ID, report *RunReport) {
	report.FinishedAt = s.clock.Now().UTC()

	var bookkeepingErr error
	if err := insertRun(ctx, s.db, runID, report); err != nil {
		bookkeepingErr = errors.Join(bookkeepingErr, fmt.Errorf("persist run: %w", err))
	}
	if s.auditSvc != nil {
		err := s.auditSvc.Record(ctx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeJob,
			ActorID:    report.ScheduledBy,
			Action:     auditdomain.ActionBillingRunCompleted,
			TargetType: "billing_run",
			TargetID:   report.RunID,
			Metadata: map[string]any{
				"mode":         string(report.Mode),
				"status":       string(report.Status),
				"period_start": report.PeriodStart.Format(time.RFC3339),
				"period_end":   report.PeriodEnd.Format(time.RFC3339),
				"evaluated":    report.Evaluated,
				"processed":    report.Processed,
				"failed":       len(report.Failures),
			},
		})
		if err != nil {
			bookkeepingErr = errors.Join(bookkeepingErr, fmt.Errorf("audit run: %w", err))
		}
	}
	if bookkeepingErr != nil {
		s.logger(ctx).Warn("scheduler.run.bookkeeping_failed", zap.String("run_id", report.RunID), zap.Error(bookkeepingErr))
	}

	s.metrics.IncRun(string(report.Mode), string(report.Status))
	s.metrics.ObserveJobDuration(jobBillingClose, report.FinishedAt.Sub(report.StartedAt))
	s.metrics.AddBatchProcessed(jobBillingClose, "account", report.Processed)
	if report.Status == RunStatusFailed && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.metrics.IncJobTimeout(jobBillingClose)
	}
}

// RunForever triggers a live close of the previous month once per period.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.runDue(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runDue runs the previous month unless a live run already settled it.
func (s *Scheduler) runDue(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	period := DefaultPeriod(s.clock.Now())
	done, err := hasLiveRun(ctx, s.db, period.Start, period.End)
	if err != nil {
		return fmt.Errorf("check previous runs: %w", err)
	}
	if done {
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()
	_, err = s.Run(runCtx, RunRequest{ScheduledBy: defaultScheduledBy, Period: period})
	return err
}

// Runs lists the most recent persisted runs.
func (s *Scheduler) Runs(ctx context.Context, limit int) ([]BillingRun, error) {
	return listRuns(ctx, s.db, limit)
}
