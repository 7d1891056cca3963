package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"clinical-platform/internal/affiliate"
	"clinical-platform/internal/commission"
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

type fakeGateway struct {
	status     string
	intentID   string
	createErr  error
	created    []SubscriptionParams
	canceled   []string
	periodEnds []string
}

func (f *fakeGateway) CreateCustomer(ctx context.Context, account *models.Account) (string, error) {
	return "cus_" + account.Username, nil
}

func (f *fakeGateway) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	return nil
}

func (f *fakeGateway) CreateSubscription(ctx context.Context, p SubscriptionParams) (*RemoteSubscription, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, p)
	now := time.Now().UTC().Truncate(time.Second)
	return &RemoteSubscription{
		ID:                 "sub_" + p.CustomerID + "_" + p.PriceID,
		CustomerID:         p.CustomerID,
		Status:             f.status,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		PaymentIntentID:    f.intentID,
		ClientSecret:       "secret_" + f.intentID,
	}, nil
}

func (f *fakeGateway) CancelAtPeriodEnd(ctx context.Context, id string) (*RemoteSubscription, error) {
	f.periodEnds = append(f.periodEnds, id)
	return &RemoteSubscription{ID: id, CancelAtPeriodEnd: true}, nil
}

func (f *fakeGateway) CancelNow(ctx context.Context, id string) (*RemoteSubscription, error) {
	f.canceled = append(f.canceled, id)
	return &RemoteSubscription{ID: id, Status: models.SubscriptionCanceled}, nil
}

func (f *fakeGateway) CreatePaymentIntent(ctx context.Context, cents int64, currency string, md map[string]string) (*PaymentIntent, error) {
	return &PaymentIntent{ID: "pi_manual", ClientSecret: "cs_manual"}, nil
}

type fixture struct {
	st        *storetest.Store
	gw        *fakeGateway
	svc       *Service
	affiliate *models.Account
	patient   *models.Account
	plan      *models.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.New(logger)
	st := storetest.New()
	stats := affiliate.NewService(st, referral.NewService(st, "http://localhost:3000", logger), m, 5, logger)
	gw := &fakeGateway{status: models.SubscriptionActive, intentID: "pi_first"}

	plan := &models.Plan{Name: "Basic", Price: decimal.RequireFromString("29.00"), Currency: "USD", StripePriceID: "price_basic", IsActive: true}
	st.AddPlan(plan)
	st.AddPlan(&models.Plan{Name: "Legacy", Price: decimal.NewFromInt(5), Currency: "USD", IsActive: false})

	a := st.MustAccount(t, "aff@example.com", nil)
	p := st.MustAccount(t, "patient@example.com", a)

	return &fixture{
		st:        st,
		gw:        gw,
		svc:       NewService(st, gw, commission.NewEngine(st, stats, m, logger), logger),
		affiliate: a,
		patient:   p,
		plan:      plan,
	}
}

func TestPlans(t *testing.T) {
	f := newFixture(t)
	plans, err := f.svc.Plans(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "Basic", plans[0].Name)
}

func TestCreateRecordsFirstPaymentAndCommission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.svc.Create(ctx, f.patient.ID, CreateRequest{PlanID: f.plan.ID, PaymentMethodID: "pm_card"})
	require.NoError(t, err)
	assert.Equal(t, "secret_pi_first", result.ClientSecret)
	assert.Equal(t, models.SubscriptionActive, result.Subscription.Status)
	require.Len(t, f.gw.created, 1)
	assert.Equal(t, "price_basic", f.gw.created[0].PriceID)

	payment, err := f.st.Payment().GetByIntentID(ctx, "pi_first")
	require.NoError(t, err)
	assert.Equal(t, "29.00", payment.Amount.StringFixed(2))
	assert.Equal(t, "usd", payment.Currency)

	commissions := f.st.Commissions()
	require.Len(t, commissions, 1)
	assert.Equal(t, "8.70", commissions[0].Amount.StringFixed(2))
	assert.Equal(t, f.affiliate.ID, commissions[0].AffiliateID)

	// счет первой оплаты приходит webhook-ом позже
	_, err = f.svc.HandleInvoicePaid(ctx, Invoice{
		ID:              "in_1",
		SubscriptionID:  result.Subscription.StripeSubscriptionID,
		PaymentIntentID: "pi_first",
		AmountPaid:      2900,
		Currency:        "usd",
	})
	require.NoError(t, err)
	assert.Len(t, f.st.Commissions(), 1)

	_, err = f.svc.Create(ctx, f.patient.ID, CreateRequest{PlanID: f.plan.ID, PaymentMethodID: "pm_card"})
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestCreateSynthesizesIntentID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gw.intentID = ""
	f.gw.status = models.SubscriptionTrialing

	result, err := f.svc.Create(ctx, f.patient.ID, CreateRequest{PlanID: f.plan.ID, PaymentMethodID: "pm_card"})
	require.NoError(t, err)

	count, err := f.st.Payment().CountBySubscription(ctx, result.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, f.st.Commissions(), 1)

	payment, err := f.st.Payment().GetByID(ctx, *f.st.Commissions()[0].PaymentID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(payment.StripePaymentIntentID, "pi_auto_"))
}

func TestCreateIncompleteSkipsPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gw.status = models.SubscriptionIncomplete

	result, err := f.svc.Create(ctx, f.patient.ID, CreateRequest{PlanID: f.plan.ID, PaymentMethodID: "pm_card"})
	require.NoError(t, err)

	count, err := f.st.Payment().CountBySubscription(ctx, result.Subscription.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, f.st.Commissions())
}

func TestCreateCommissionFailureKeepsSubscription(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.st.FailOn("commission.create", errors.New("deadlock"))

	result, err := f.svc.Create(ctx, f.patient.ID, CreateRequest{PlanID: f.plan.ID, PaymentMethodID: "pm_card"})
	require.NoError(t, err)
	assert.NotZero(t, result.Subscription.ID)

	_, err = f.st.Payment().GetByIntentID(ctx, "pi_first")
	require.NoError(t, err)
	assert.Empty(t, f.st.Commissions())
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Create(ctx, f.patient.ID, CreateRequest{PlanID: f.plan.ID})
	assert.True(t, models.IsValidationError(err))

	_, err = f.svc.Create(ctx, f.patient.ID, CreateRequest{PlanID: 999, PaymentMethodID: "pm"})
	assert.True(t, models.IsValidationError(err))

	f.gw.createErr = errors.New("card declined")
	_, err = f.svc.Create(ctx, f.patient.ID, CreateRequest{PlanID: f.plan.ID, PaymentMethodID: "pm"})
	assert.Error(t, err)
	_, err = f.st.Subscription().GetByAccountID(ctx, f.patient.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.svc.Create(ctx, f.patient.ID, CreateRequest{PlanID: f.plan.ID, PaymentMethodID: "pm_card"})
	require.NoError(t, err)
	stripeID := result.Subscription.StripeSubscriptionID

	sub, err := f.svc.Cancel(ctx, f.patient.ID, true)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.Equal(t, []string{stripeID}, f.gw.periodEnds)

	sub, err = f.svc.Cancel(ctx, f.patient.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, sub.Status)
	assert.NotNil(t, sub.CanceledAt)

	_, err = f.svc.Cancel(ctx, f.patient.ID, false)
	assert.True(t, models.IsValidationError(err))

	_, err = f.svc.Cancel(ctx, f.affiliate.ID, true)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// после отмены можно оформить подписку заново
	f.gw.intentID = "pi_second"
	again, err := f.svc.Create(ctx, f.patient.ID, CreateRequest{PlanID: f.plan.ID, PaymentMethodID: "pm_card"})
	require.NoError(t, err)
	assert.Equal(t, result.Subscription.ID, again.Subscription.ID)
	assert.Nil(t, again.Subscription.CanceledAt)
}

func TestInvoiceEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.st.MustSubscription(t, f.patient, models.SubscriptionActive)

	payment, err := f.svc.HandleInvoicePaid(ctx, Invoice{ID: "in_2", SubscriptionID: sub.StripeSubscriptionID, PaymentIntentID: "pi_renew", AmountPaid: 7900, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, "79.00", payment.Amount.StringFixed(2))

	// повторная доставка
	again, err := f.svc.HandleInvoicePaid(ctx, Invoice{ID: "in_2", SubscriptionID: sub.StripeSubscriptionID, PaymentIntentID: "pi_renew", AmountPaid: 7900, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, payment.ID, again.ID)
	require.Len(t, f.st.Commissions(), 1)
	assert.Equal(t, "23.70", f.st.Commissions()[0].Amount.StringFixed(2))

	_, err = f.svc.HandleInvoicePaid(ctx, Invoice{ID: "in_3", SubscriptionID: "sub_missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, f.svc.HandleInvoiceFailed(ctx, Invoice{ID: "in_4", SubscriptionID: sub.StripeSubscriptionID}))
	stored, err := f.st.Subscription().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPastDue, stored.Status)
}

func TestInvoiceFailedRecordsPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.st.MustSubscription(t, f.patient, models.SubscriptionActive)
	failed := Invoice{ID: "in_fail", SubscriptionID: sub.StripeSubscriptionID, PaymentIntentID: "pi_fail", AmountDue: 2900, Currency: "USD"}

	// счет доставлен дважды
	require.NoError(t, f.svc.HandleInvoiceFailed(ctx, failed))
	require.NoError(t, f.svc.HandleInvoiceFailed(ctx, failed))

	payment, err := f.st.Payment().GetByIntentID(ctx, "pi_fail")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, payment.Status)
	assert.Equal(t, "29.00", payment.Amount.StringFixed(2))
	count, err := f.st.Payment().CountBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Empty(t, f.st.Commissions())

	stored, err := f.st.Subscription().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPastDue, stored.Status)

	// без payment intent ключом служит ID счета
	require.NoError(t, f.svc.HandleInvoiceFailed(ctx, Invoice{ID: "in_noint", SubscriptionID: sub.StripeSubscriptionID, AmountDue: 2900}))
	_, err = f.st.Payment().GetByIntentID(ctx, "in_noint")
	assert.NoError(t, err)

	// повторная попытка по тому же payment intent прошла
	paid, err := f.svc.HandleInvoicePaid(ctx, Invoice{ID: "in_fail", SubscriptionID: sub.StripeSubscriptionID, PaymentIntentID: "pi_fail", AmountPaid: 2900, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, payment.ID, paid.ID)
	assert.Equal(t, models.PaymentSucceeded, paid.Status)
	require.Len(t, f.st.Commissions(), 1)
	assert.Equal(t, "8.70", f.st.Commissions()[0].Amount.StringFixed(2))
}

func TestSubscriptionEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.st.MustSubscription(t, f.patient, models.SubscriptionPastDue)

	end := time.Now().AddDate(0, 2, 0).UTC().Truncate(time.Second)
	err := f.svc.HandleSubscriptionUpdated(ctx, &RemoteSubscription{
		ID:                 sub.StripeSubscriptionID,
		Status:             models.SubscriptionActive,
		CurrentPeriodStart: time.Now().UTC().Truncate(time.Second),
		CurrentPeriodEnd:   end,
		CancelAtPeriodEnd:  true,
	})
	require.NoError(t, err)

	stored, err := f.st.Subscription().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, stored.Status)
	assert.True(t, stored.CancelAtPeriodEnd)
	assert.True(t, end.Equal(stored.CurrentPeriodEnd))

	require.NoError(t, f.svc.HandleSubscriptionDeleted(ctx, &RemoteSubscription{ID: sub.StripeSubscriptionID}))
	stored, err = f.st.Subscription().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, stored.Status)
	assert.NotNil(t, stored.CanceledAt)

	err = f.svc.HandleSubscriptionDeleted(ctx, &RemoteSubscription{ID: "sub_missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreatePaymentIntent(t *testing.T) {
	f := newFixture(t)
	result, err := f.svc.CreatePaymentIntent(context.Background(), f.patient.ID, f.plan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2900), result.Amount)
	assert.Equal(t, "usd", result.Currency)
	assert.Equal(t, "cs_manual", result.ClientSecret)
}
