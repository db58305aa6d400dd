package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/billcore/internal/account/domain"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/events"
	obsmetrics "github.com/smallbiznis/billcore/internal/observability/metrics"
	"github.com/smallbiznis/billcore/internal/retry"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       walletdomain.Repository
	Accounts   accountdomain.Repository
	AuditSvc   auditdomain.Service         `optional:"true"`
	Outbox     *events.Outbox              `optional:"true"`
	ObsMetrics *obsmetrics.Metrics         `optional:"true"`
	Clock      clock.Clock                 `optional:"true"`
	Config     *config.BillingConfigHolder `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       walletdomain.Repository
	accounts   accountdomain.Repository
	auditSvc   auditdomain.Service
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
	clock      clock.Clock
	cfg        *config.BillingConfigHolder

	// afterRead runs between the balance read and the guarded write.
	afterRead func(ctx context.Context)
}

func NewService(p Params) walletdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("wallet.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		accounts:   p.Accounts,
		auditSvc:   p.AuditSvc,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
		clock:      clk,
		cfg:        p.Config,
	}
}

func (s *Service) Apply(ctx context.Context, req walletdomain.ApplyRequest) (*walletdomain.WalletTransaction, error) {
	if req.AccountID == 0 {
		return nil, walletdomain.ErrInvalidAccount
	}
	if req.AmountMinor <= 0 {
		return nil, walletdomain.ErrInvalidAmount
	}
	if !req.Kind.Valid() {
		return nil, walletdomain.ErrInvalidKind
	}
	req.Reason = strings.TrimSpace(req.Reason)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.IdempotencyKey != "" {
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, req.AccountID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	policy := retry.FromConfig(s.cfg.Get().Retry, isConcurrentModification)
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.log.Debug("retrying wallet apply",
			zap.String("account_id", req.AccountID.String()),
			zap.String("kind", string(req.Kind)),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
	}

	txn, err := retry.Do(ctx, policy, func(ctx context.Context) (*walletdomain.WalletTransaction, error) {
		return s.applyOnce(ctx, req)
	})
	if err != nil {
		if errors.Is(err, walletdomain.ErrConcurrentModification) {
			s.log.Warn("wallet apply gave up after concurrent modifications",
				zap.String("account_id", req.AccountID.String()),
				zap.String("kind", string(req.Kind)),
			)
		}
		return nil, err
	}
	return txn, nil
}

func (s *Service) applyOnce(ctx context.Context, req walletdomain.ApplyRequest) (*walletdomain.WalletTransaction, error) {
	acct, err := s.accounts.FindByID(ctx, s.db, req.AccountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	if s.afterRead != nil {
		s.afterRead(ctx)
	}

	before := acct.WalletBalanceMinor
	amount, err := effectiveAmount(req.Kind, req.AmountMinor, before)
	if err != nil {
		if errors.Is(err, walletdomain.ErrInsufficientBalance) {
			return nil, s.staleOr(ctx, acct, err)
		}
		return nil, err
	}
	after := before + req.Kind.Signed(amount)

	var added int64
	if req.Kind.CountsAsAdded() {
		added = amount
	}

	now := s.clock.Now().UTC()
	txn := &walletdomain.WalletTransaction{
		ID:                 s.genID.Generate(),
		AccountID:          acct.ID,
		Kind:               req.Kind,
		AmountMinor:        amount,
		BalanceBeforeMinor: before,
		BalanceAfterMinor:  after,
		Reason:             req.Reason,
		ExternalPaymentRef: normalizeRef(req.ExternalRef),
		CreatedAt:          now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		txn.IdempotencyKey = &key
	}

	var result *walletdomain.WalletTransaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.Insert(ctx, tx, txn)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.repo.FindByIdempotencyKey(ctx, tx, acct.ID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			result = existing
			return nil
		}

		ok, err := s.accounts.UpdateBalance(ctx, tx, acct.ID, after, added, acct.Version, now)
		if err != nil {
			return err
		}
		if !ok {
			return walletdomain.ErrConcurrentModification
		}

		if req.Kind.IsAdministrative() && s.auditSvc != nil {
			if err := s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
				Action:     auditdomain.ActionWalletAdjusted,
				TargetType: "billing_account",
				TargetID:   acct.ID.String(),
				Metadata: map[string]any{
					"transaction_id": txn.ID.String(),
					"kind":           string(txn.Kind),
					"amount_minor":   txn.AmountMinor,
					"requested":      req.AmountMinor,
					"reason":         txn.Reason,
				},
			}); err != nil {
				return err
			}
		}

		if s.outbox != nil {
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				AccountID: acct.ID,
				Type:      events.EventWalletTransactionCreated,
				Payload: events.WalletTransactionPayload{
					TransactionID: txn.ID.String(),
					Kind:          string(txn.Kind),
					AmountMinor:   txn.AmountMinor,
					BalanceAfter:  txn.BalanceAfterMinor,
				}.ToMap(),
				DedupeKey: "wallet_transaction:" + txn.ID.String(),
			}); err != nil {
				return err
			}
		}

		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("wallet transaction missing after idempotency conflict")
	}

	if result.ID == txn.ID {
		s.obsMetrics.RecordWalletTransaction(ctx, string(txn.Kind), txn.AmountMinor)
		s.log.Info("wallet transaction applied",
			zap.String("account_id", acct.ID.String()),
			zap.String("transaction_id", txn.ID.String()),
			zap.String("kind", string(txn.Kind)),
			zap.Int64("amount_minor", txn.AmountMinor),
			zap.Int64("balance_after_minor", txn.BalanceAfterMinor),
		)
	}
	return result, nil
}

// staleOr returns ErrConcurrentModification when the account moved past the
// version the balance check ran against, and err otherwise.
func (s *Service) staleOr(ctx context.Context, read *accountdomain.BillingAccount, err error) error {
	current, ferr := s.accounts.FindByID(ctx, s.db, read.ID)
	if ferr != nil {
		return ferr
	}
	if current != nil && current.Version != read.Version {
		return walletdomain.ErrConcurrentModification
	}
	return err
}

// effectiveAmount returns the amount the ledger records for kind. Admin debits
// are clamped to the balance.
func effectiveAmount(kind walletdomain.Kind, requested int64, balance int64) (int64, error) {
	switch kind {
	case walletdomain.KindAdminDebit:
		if balance <= 0 {
			return 0, walletdomain.ErrInsufficientBalance
		}
		return min(requested, balance), nil
	case walletdomain.KindDeduction:
		if requested > balance {
			return 0, walletdomain.ErrInsufficientBalance
		}
		return requested, nil
	default:
		return requested, nil
	}
}

func (s *Service) Replay(ctx context.Context, accountID snowflake.ID) (*walletdomain.ReplayResult, error) {
	if accountID == 0 {
		return nil, walletdomain.ErrInvalidAccount
	}

	acct, err := s.accounts.FindByID(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, accountdomain.ErrAccountNotFound
	}

	rows, err := s.repo.ListByAccount(ctx, s.db, accountID, 0)
	if err != nil {
		return nil, err
	}

	var balance int64
	for _, row := range rows {
		balance += row.Kind.Signed(row.AmountMinor)
	}

	return &walletdomain.ReplayResult{
		AccountID:       accountID,
		StoredBalance:   acct.WalletBalanceMinor,
		ReplayedBalance: balance,
		Transactions:    len(rows),
		Consistent:      balance == acct.WalletBalanceMinor,
	}, nil
}

func (s *Service) Verify(ctx context.Context, accountID snowflake.ID) error {
	result, err := s.Replay(ctx, accountID)
	if err != nil {
		return err
	}
	if !result.Consistent {
		s.log.Error("wallet ledger mismatch",
			zap.String("account_id", accountID.String()),
			zap.Int64("stored_balance_minor", result.StoredBalance),
			zap.Int64("replayed_balance_minor", result.ReplayedBalance),
		)
		return fmt.Errorf("%w: stored %d, replayed %d", walletdomain.ErrLedgerMismatch, result.StoredBalance, result.ReplayedBalance)
	}
	return nil
}

func (s *Service) ListTransactions(ctx context.Context, accountID snowflake.ID, limit int) ([]walletdomain.WalletTransaction, error) {
	if accountID == 0 {
		return nil, walletdomain.ErrInvalidAccount
	}
	return s.repo.ListByAccount(ctx, s.db, accountID, limit)
}

func isConcurrentModification(err error) bool {
	return errors.Is(err, walletdomain.ErrConcurrentModification)
}

func normalizeRef(ref *string) *string {
	if ref == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*ref)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
