package commission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clinical-platform/internal/affiliate"
	"clinical-platform/internal/metrics"
	"clinical-platform/internal/referral"
	"clinical-platform/internal/store"
	"clinical-platform/internal/store/storetest"
	"clinical-platform/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEngine(st *storetest.Store) *Engine {
	logger := zap.NewNop()
	m := metrics.New(logger)
	stats := affiliate.NewService(st, referral.NewService(st, "http://localhost:3000", logger), m, 5, logger)
	return NewEngine(st, stats, m, logger)
}

func TestAmount(t *testing.T) {
	tests := []struct {
		payment string
		want    string
	}{
		{"29.00", "8.70"},
		{"79.00", "23.70"},
		{"149.00", "44.70"},
		{"0.01", "0.00"},
		{"10.05", "3.02"}, // 3.015 округляется вверх
	}

	for _, tt := range tests {
		got := Amount(decimal.RequireFromString(tt.payment))
		assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "%s -> %s, got %s", tt.payment, tt.want, got)
	}
}

func TestProcessCreatesCommission(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	engine := newEngine(st)

	a := st.MustAccount(t, "a@example.com", nil)
	b := st.MustAccount(t, "b@example.com", a)
	sub := st.MustSubscription(t, b, models.SubscriptionActive)
	payment := st.MustPayment(t, sub, "29.00", models.PaymentSucceeded)

	outcome, err := engine.Process(ctx, payment.ID)
	require.NoError(t, err)
	require.True(t, outcome.Created())

	c := outcome.Commission
	assert.Equal(t, a.ID, c.AffiliateID)
	assert.Equal(t, b.ID, c.ReferredUserID)
	require.NotNil(t, c.PaymentID)
	assert.Equal(t, payment.ID, *c.PaymentID)
	assert.Equal(t, "8.70", c.Amount.StringFixed(2))
	assert.True(t, c.Percentage.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, models.CommissionTypeSubscription, c.Type)
	assert.Equal(t, models.CommissionPending, c.Status)

	stored, err := st.Payment().GetByID(ctx, payment.ID)
	require.NoError(t, err)
	require.True(t, stored.CommissionAmount.Valid)
	assert.Equal(t, "8.70", stored.CommissionAmount.Decimal.StringFixed(2))

	stats, err := st.Stats().Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalReferrals)
	assert.Equal(t, 1, stats.ActiveReferrals)
	assert.Equal(t, "8.70", stats.TotalPending.StringFixed(2))
	assert.Equal(t, "8.70", stats.TotalEarned.StringFixed(2))
}

func TestProcessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	engine := newEngine(st)

	a := st.MustAccount(t, "a@example.com", nil)
	b := st.MustAccount(t, "b@example.com", a)
	sub := st.MustSubscription(t, b, models.SubscriptionActive)
	first := st.MustPayment(t, sub, "29.00", models.PaymentSucceeded)
	second := st.MustPayment(t, sub, "29.00", models.PaymentSucceeded)

	// повторная доставка события по каждому платежу
	for i := 0; i < 3; i++ {
		for _, p := range []*models.Payment{first, second} {
			_, err := engine.Process(ctx, p.ID)
			require.NoError(t, err)
		}
	}

	commissions := st.Commissions()
	require.Len(t, commissions, 2)
	assert.NotEqual(t, *commissions[0].PaymentID, *commissions[1].PaymentID)

	outcome, err := engine.Process(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, outcome.Created())
	assert.Equal(t, SkipExists, outcome.SkipReason)

	stats, err := st.Stats().Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "17.40", stats.TotalPending.StringFixed(2))
}

func TestProcessConcurrentDelivery(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	engine := newEngine(st)

	a := st.MustAccount(t, "a@example.com", nil)
	b := st.MustAccount(t, "b@example.com", a)
	sub := st.MustSubscription(t, b, models.SubscriptionActive)
	payment := st.MustPayment(t, sub, "79.00", models.PaymentSucceeded)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Process(ctx, payment.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, st.Commissions(), 1)
}

func TestProcessSkips(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	engine := newEngine(st)

	a := st.MustAccount(t, "a@example.com", nil)
	unreferred := st.MustAccount(t, "solo@example.com", nil)
	b := st.MustAccount(t, "b@example.com", a)

	soloSub := st.MustSubscription(t, unreferred, models.SubscriptionActive)
	bSub := st.MustSubscription(t, b, models.SubscriptionActive)

	tests := []struct {
		name    string
		payment *models.Payment
		reason  string
	}{
		{"payer without referrer", st.MustPayment(t, soloSub, "29.00", models.PaymentSucceeded), SkipNotReferred},
		{"failed payment", st.MustPayment(t, bSub, "29.00", models.PaymentFailed), SkipNotSucceeded},
		{"zero amount", st.MustPayment(t, bSub, "0.00", models.PaymentSucceeded), SkipZeroAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := engine.Process(ctx, tt.payment.ID)
			require.NoError(t, err)
			assert.False(t, outcome.Created())
			assert.Equal(t, tt.reason, outcome.SkipReason)
		})
	}

	assert.Empty(t, st.Commissions())
}

func TestProcessRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	engine := newEngine(st)

	a := st.MustAccount(t, "a@example.com", nil)
	b := st.MustAccount(t, "b@example.com", a)
	sub := st.MustSubscription(t, b, models.SubscriptionActive)
	payment := st.MustPayment(t, sub, "29.00", models.PaymentSucceeded)

	st.FailOn("stats.upsert", errors.New("disk full"))
	_, err := engine.Process(ctx, payment.ID)
	require.Error(t, err)

	// ни комиссии, ни суммы на платеже
	assert.Empty(t, st.Commissions())
	stored, err := st.Payment().GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.False(t, stored.CommissionAmount.Valid)

	// после восстановления сверка подбирает платеж
	st.FailOn("stats.upsert", nil)
	result, err := engine.Reconcile(ctx, time.Now().Add(-time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Len(t, st.Commissions(), 1)
}

func TestProcessUnknownPayment(t *testing.T) {
	st := storetest.New()
	_, err := newEngine(st).Process(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	engine := newEngine(st)

	a := st.MustAccount(t, "a@example.com", nil)
	b := st.MustAccount(t, "b@example.com", a)
	c := st.MustAccount(t, "c@example.com", a)
	bSub := st.MustSubscription(t, b, models.SubscriptionActive)
	cSub := st.MustSubscription(t, c, models.SubscriptionActive)
	st.MustPayment(t, bSub, "29.00", models.PaymentSucceeded)
	st.MustPayment(t, cSub, "79.00", models.PaymentSucceeded)

	dry, err := engine.Reconcile(ctx, time.Now().Add(-7*24*time.Hour), true)
	require.NoError(t, err)
	assert.Equal(t, 2, dry.Checked)
	assert.Empty(t, st.Commissions())

	result, err := engine.Reconcile(ctx, time.Now().Add(-7*24*time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 0, result.Failed)

	// второй проход ничего не находит
	again, err := engine.Reconcile(ctx, time.Now().Add(-7*24*time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Checked)
}

func TestReconcileCountsFailures(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	engine := newEngine(st)

	a := st.MustAccount(t, "a@example.com", nil)
	b := st.MustAccount(t, "b@example.com", a)
	sub := st.MustSubscription(t, b, models.SubscriptionActive)
	p := st.MustPayment(t, sub, "29.00", models.PaymentSucceeded)

	st.FailOn("commission.create", errors.New("constraint"))
	result, err := engine.Reconcile(ctx, time.Now().Add(-time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []int64{p.ID}, result.FailedIDs)
}

func TestCreateManual(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	engine := newEngine(st)

	a := st.MustAccount(t, "a@example.com", nil)
	b := st.MustAccount(t, "b@example.com", nil)

	c, err := engine.CreateManual(ctx, models.ManualCommissionRequest{
		AffiliateID:    a.ID,
		ReferredUserID: b.ID,
		Amount:         decimal.RequireFromString("15.505"),
		Notes:          " referral bonus ",
	})
	require.NoError(t, err)
	assert.Nil(t, c.PaymentID)
	assert.Equal(t, models.CommissionTypeOneTime, c.Type)
	assert.Equal(t, "15.51", c.Amount.StringFixed(2))
	require.NotNil(t, c.Notes)
	assert.Equal(t, "referral bonus", *c.Notes)

	stats, err := st.Stats().Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "15.51", stats.TotalPending.StringFixed(2))

	_, err = engine.CreateManual(ctx, models.ManualCommissionRequest{AffiliateID: a.ID, ReferredUserID: b.ID})
	assert.True(t, models.IsValidationError(err))

	_, err = engine.CreateManual(ctx, models.ManualCommissionRequest{AffiliateID: a.ID, ReferredUserID: a.ID, Amount: decimal.NewFromInt(1)})
	assert.True(t, models.IsValidationError(err))

	_, err = engine.CreateManual(ctx, models.ManualCommissionRequest{AffiliateID: a.ID, ReferredUserID: 999, Amount: decimal.NewFromInt(1)})
	assert.True(t, models.IsValidationError(err))
}
