package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"clinical-platform/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// MustAccount создает пользователя; referrer может быть nil
func (s *Store) MustAccount(t testing.TB, email string, referrer *models.Account) *models.Account {
	t.Helper()
	a := &models.Account{
		Email:     email,
		Username:  email,
		FirstName: "Test",
		LastName:  email,
		UserType:  models.UserTypeDoctor,
		IsActive:  true,
	}
	if referrer != nil {
		a.ReferredBy = &referrer.ID
	}
	require.NoError(t, s.Account().Create(context.Background(), a))
	return a
}

// MustSubscription создает подписку пользователя в статусе status
func (s *Store) MustSubscription(t testing.TB, account *models.Account, status string) *models.Subscription {
	t.Helper()
	now := time.Now()
	sub := &models.Subscription{
		AccountID:            account.ID,
		PlanID:               1,
		StripeSubscriptionID: "sub_" + uuid.NewString(),
		StripeCustomerID:     "cus_" + uuid.NewString(),
		Status:               status,
		CurrentPeriodStart:   now,
		CurrentPeriodEnd:     now.AddDate(0, 1, 0),
	}
	require.NoError(t, s.Subscription().Create(context.Background(), sub))
	return sub
}

// MustPayment создает платеж по подписке
func (s *Store) MustPayment(t testing.TB, sub *models.Subscription, amount string, status string) *models.Payment {
	t.Helper()
	p := &models.Payment{
		SubscriptionID:        sub.ID,
		StripePaymentIntentID: "pi_" + uuid.NewString(),
		Amount:                decimal.RequireFromString(amount),
		Currency:              "usd",
		Status:                status,
	}
	require.NoError(t, s.Payment().Create(context.Background(), p))
	return p
}

// MustCommission создает комиссию без платежа в статусе status
func (s *Store) MustCommission(t testing.TB, affiliate, referred *models.Account, amount string, status models.CommissionStatus) *models.Commission {
	t.Helper()
	c := &models.Commission{
		AffiliateID:    affiliate.ID,
		ReferredUserID: referred.ID,
		Amount:         decimal.RequireFromString(amount),
		Percentage:     decimal.RequireFromString("30.00"),
		Type:           models.CommissionTypeOneTime,
		Status:         status,
	}
	if status == models.CommissionPaid {
		paidAt := time.Now()
		c.PaidAt = &paidAt
	}
	require.NoError(t, s.Commission().Create(context.Background(), c), fmt.Sprintf("commission %s", amount))
	return c
}
