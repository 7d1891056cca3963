//go:build integration

package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"clinical-platform/pkg/models"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Запуск: TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/store/
func newIntegrationStore(t *testing.T) *store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL не задан")
	}

	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.Up(db, "../../scripts/migrations"))
	_, err = db.Exec(`TRUNCATE payout_requests, affiliate_stats, commissions, payments, webhook_events,
		subscriptions, accounts RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return newStore(pool, pool, false, zap.NewNop())
}

func createAccount(t *testing.T, st Store, name string, referrer *models.Account) *models.Account {
	t.Helper()
	code := "REF" + name
	a := &models.Account{
		Email:        name + "@example.com",
		Username:     name,
		PasswordHash: "hash",
		FirstName:    "Анна",
		LastName:     "Иванова",
		UserType:     models.UserTypeDoctor,
		IsActive:     true,
		ReferralCode: &code,
	}
	if referrer != nil {
		a.ReferredBy = &referrer.ID
	}
	require.NoError(t, st.Account().Create(context.Background(), a))
	return a
}

func createPayment(t *testing.T, st Store, account *models.Account, intent string) *models.Payment {
	t.Helper()
	ctx := context.Background()

	plans, err := st.Plan().ListActive(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, plans)

	now := time.Now()
	sub := &models.Subscription{
		AccountID:            account.ID,
		PlanID:               plans[0].ID,
		StripeSubscriptionID: "sub_" + intent,
		StripeCustomerID:     "cus_" + intent,
		Status:               models.SubscriptionActive,
		CurrentPeriodStart:   now,
		CurrentPeriodEnd:     now.AddDate(0, 1, 0),
	}
	require.NoError(t, st.Subscription().Create(ctx, sub))

	p := &models.Payment{
		SubscriptionID:        sub.ID,
		StripePaymentIntentID: intent,
		Amount:                decimal.RequireFromString("29.00"),
		Currency:              "usd",
		Status:                "succeeded",
	}
	require.NoError(t, st.Payment().Create(ctx, p))
	return p
}

func paymentCommission(affiliate, referred *models.Account, paymentID *int64, amount string, status models.CommissionStatus) *models.Commission {
	return &models.Commission{
		AffiliateID:    affiliate.ID,
		ReferredUserID: referred.ID,
		PaymentID:      paymentID,
		Amount:         decimal.RequireFromString(amount),
		Percentage:     decimal.RequireFromString("30.00"),
		Type:           models.CommissionTypeSubscription,
		Status:         status,
	}
}

func TestPostgresAccountConstraints(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()
	createAccount(t, st, "owner", nil)

	// email сравнивается без учета регистра
	dup := &models.Account{Email: "OWNER@example.com", Username: "other", PasswordHash: "hash", UserType: models.UserTypeDoctor}
	err := st.Account().Create(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, ConstraintAccountEmail, DuplicateConstraint(err))

	dup = &models.Account{Email: "second@example.com", Username: "owner", PasswordHash: "hash", UserType: models.UserTypeDoctor}
	err = st.Account().Create(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, ConstraintAccountUsername, DuplicateConstraint(err))

	code := "REFowner"
	dup = &models.Account{Email: "third@example.com", Username: "third", PasswordHash: "hash", UserType: models.UserTypeDoctor, ReferralCode: &code}
	err = st.Account().Create(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, ConstraintAccountReferralCode, DuplicateConstraint(err))
}

func TestPostgresCommissionLifecycle(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	affiliate := createAccount(t, st, "affiliate", nil)
	referred := createAccount(t, st, "referred", affiliate)
	payment := createPayment(t, st, referred, "pi_lifecycle")

	first := paymentCommission(affiliate, referred, &payment.ID, "8.70", models.CommissionPending)
	require.NoError(t, st.Commission().Create(ctx, first))
	assert.NotZero(t, first.ID)

	// повтор на тот же платеж не прерывает транзакцию
	err := st.WithTx(ctx, func(tx Store) error {
		err := tx.Commission().Create(ctx, paymentCommission(affiliate, referred, &payment.ID, "8.70", models.CommissionPending))
		if !assert.ErrorIs(t, err, ErrDuplicate) {
			return err
		}
		exists, err := tx.Commission().ExistsForPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		assert.True(t, exists)
		return nil
	})
	require.NoError(t, err)

	// ручные начисления без платежа не конфликтуют друг с другом
	manual := paymentCommission(affiliate, referred, nil, "5.00", models.CommissionPending)
	require.NoError(t, st.Commission().Create(ctx, manual))
	cancelled := paymentCommission(affiliate, referred, nil, "2.00", models.CommissionCancelled)
	require.NoError(t, st.Commission().Create(ctx, cancelled))

	totals, err := st.Commission().Totals(ctx, affiliate.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", totals.Paid.StringFixed(2))
	assert.Equal(t, "13.70", totals.Pending.StringFixed(2))
	assert.Equal(t, "2.00", totals.Cancelled.StringFixed(2))

	notes := "выплата"
	at := time.Now()
	affiliates, err := st.Commission().Transition(ctx, []int64{first.ID, manual.ID, cancelled.ID},
		models.CommissionPending, models.CommissionPaid, at, &notes)
	require.NoError(t, err)
	assert.Equal(t, []int64{affiliate.ID}, affiliates)

	// повторный перевод уже оплаченных записей ничего не меняет
	affiliates, err = st.Commission().Transition(ctx, []int64{first.ID}, models.CommissionPending, models.CommissionPaid, at, nil)
	require.NoError(t, err)
	assert.Empty(t, affiliates)

	totals, err = st.Commission().Totals(ctx, affiliate.ID)
	require.NoError(t, err)
	assert.Equal(t, "13.70", totals.Paid.StringFixed(2))
	assert.Equal(t, "0.00", totals.Pending.StringFixed(2))
	assert.Equal(t, "2.00", totals.Cancelled.StringFixed(2))

	page, total, err := st.Commission().ListByAffiliate(ctx, affiliate.ID, models.CommissionFilter{
		Status: models.CommissionPaid, Page: 1, PageSize: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 2)
	for _, c := range page {
		require.NotNil(t, c.PaidAt)
		require.NotNil(t, c.Notes)
		assert.Equal(t, notes, *c.Notes)
		assert.Equal(t, "referred", c.ReferredUser.Username)
	}
}

func TestPostgresPaymentMarkSucceeded(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	account := createAccount(t, st, "payer", nil)
	payment := createPayment(t, st, account, "pi_retry")

	dup := &models.Payment{SubscriptionID: payment.SubscriptionID, StripePaymentIntentID: "pi_retry",
		Amount: decimal.RequireFromString("29.00"), Currency: "usd", Status: "failed"}
	assert.ErrorIs(t, st.Payment().Create(ctx, dup), ErrDuplicate)

	_, err := st.pool.Exec(ctx, `UPDATE payments SET status = 'failed' WHERE id = $1`, payment.ID)
	require.NoError(t, err)
	require.NoError(t, st.Payment().MarkSucceeded(ctx, payment.ID, decimal.RequireFromString("31.50")))

	got, err := st.Payment().GetByIntentID(ctx, "pi_retry")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", got.Status)
	assert.Equal(t, "31.50", got.Amount.StringFixed(2))
	assert.Equal(t, payment.ID, got.ID)
}
