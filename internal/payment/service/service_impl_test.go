package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/clock"
	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
	"github.com/smallbiznis/billcore/internal/payment/repository"
	"github.com/smallbiznis/billcore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type stubReconciler struct {
	calls  int
	result paymentdomain.ApplyResult
	err    error
}

func (s *stubReconciler) Apply(ctx context.Context, event paymentdomain.Event) (paymentdomain.ApplyResult, error) {
	s.calls++
	return s.result, s.err
}

func setup(t *testing.T, rec paymentdomain.Reconciler) (*gorm.DB, *Service) {
	t.Helper()
	db := testutil.OpenDB(t, "payment_service", testutil.PaymentEventsTable)
	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      testutil.Node(t),
		Repo:       repository.Provide(),
		Reconciler: rec,
		Clock:      clock.NewFakeClock(testNow),
	})
	return db, svc
}

func paidEvent(id string) paymentdomain.Event {
	return paymentdomain.InvoicePaid{
		EventMeta: paymentdomain.EventMeta{ID: id, Type: paymentdomain.EventTypeInvoicePaid},
		Invoice:   paymentdomain.InvoiceObject{ID: "in_1"},
	}
}

func TestProcessEventDedupes(t *testing.T) {
	rec := &stubReconciler{result: paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeApplied, AccountID: 7}}
	db, svc := setup(t, rec)
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1"}`)

	outcome, err := svc.ProcessEvent(ctx, "stripe", paidEvent("evt_1"), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeApplied, outcome)

	outcome, err = svc.ProcessEvent(ctx, "stripe", paidEvent("evt_1"), payload)
	require.ErrorIs(t, err, paymentdomain.ErrEventAlreadyProcessed)
	assert.Equal(t, paymentdomain.OutcomeDuplicate, outcome)
	assert.Equal(t, 1, rec.calls)

	stored, err := repository.Provide().FindEvent(ctx, db, "stripe", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NotNil(t, stored.ProcessedAt)
	require.NotNil(t, stored.AccountID)
	assert.Equal(t, snowflake.ID(7), *stored.AccountID)
}

func TestProcessEventUnresolvedIsAcknowledged(t *testing.T) {
	rec := &stubReconciler{err: paymentdomain.ErrUnresolvedEventTarget}
	db, svc := setup(t, rec)
	ctx := context.Background()

	outcome, err := svc.ProcessEvent(ctx, "stripe", paidEvent("evt_1"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeUnresolved, outcome)

	stored, err := repository.Provide().FindEvent(ctx, db, "stripe", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotNil(t, stored.ProcessedAt)
	assert.Nil(t, stored.AccountID)
}

func TestProcessEventRetriesAfterFailure(t *testing.T) {
	rec := &stubReconciler{err: errors.New("database is locked")}
	db, svc := setup(t, rec)
	ctx := context.Background()

	_, err := svc.ProcessEvent(ctx, "stripe", paidEvent("evt_1"), []byte(`{}`))
	require.Error(t, err)

	stored, err := repository.Provide().FindEvent(ctx, db, "stripe", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Nil(t, stored.ProcessedAt)

	rec.err = nil
	rec.result = paymentdomain.ApplyResult{Outcome: paymentdomain.OutcomeApplied, AccountID: 7}
	outcome, err := svc.ProcessEvent(ctx, "stripe", paidEvent("evt_1"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeApplied, outcome)
	assert.Equal(t, 2, rec.calls)
}

func TestProcessEventRejectsInvalidInput(t *testing.T) {
	_, svc := setup(t, &stubReconciler{})
	ctx := context.Background()

	_, err := svc.ProcessEvent(ctx, "", paidEvent("evt_1"), []byte(`{}`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidProvider)

	_, err = svc.ProcessEvent(ctx, "stripe", nil, []byte(`{}`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)

	_, err = svc.ProcessEvent(ctx, "stripe", paidEvent("evt_1"), []byte(`not json`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	_, err = svc.ProcessEvent(ctx, "stripe", paidEvent(""), []byte(`{}`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
}
