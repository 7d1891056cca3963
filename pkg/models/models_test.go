package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestAccountFullName(t *testing.T) {
	assert.Equal(t, "Ann Lee", (&Account{FirstName: "Ann", LastName: "Lee"}).FullName())
	assert.Equal(t, "Ann", (&Account{FirstName: "Ann"}).FullName())
	assert.Equal(t, "Lee", (&Account{LastName: "Lee"}).FullName())
}

func TestSubscriptionIsActive(t *testing.T) {
	for status, want := range map[string]bool{
		SubscriptionActive:   true,
		SubscriptionTrialing: true,
		SubscriptionPastDue:  false,
		SubscriptionCanceled: false,
	} {
		assert.Equal(t, want, (&Subscription{Status: status}).IsActive(), status)
	}
}

func TestDaysUntilRenewal(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := &Subscription{CurrentPeriodEnd: now.Add(72 * time.Hour)}
	assert.Equal(t, 3, sub.DaysUntilRenewal(now))
	assert.Equal(t, 0, (&Subscription{}).DaysUntilRenewal(now))
}

func TestCommissionStatus(t *testing.T) {
	assert.True(t, CommissionPending.IsValid())
	assert.True(t, CommissionCancelled.IsValid())
	assert.False(t, CommissionStatus("refunded").IsValid())

	assert.False(t, PayoutPending.IsTerminal())
	assert.True(t, PayoutCompleted.IsTerminal())
	assert.True(t, PayoutRejected.IsTerminal())
}

func TestAffiliateStatsEqual(t *testing.T) {
	a := &AffiliateStats{AccountID: 1, TotalEarned: decimal.RequireFromString("8.70"), LastUpdated: time.Now()}
	b := &AffiliateStats{AccountID: 1, TotalEarned: decimal.RequireFromString("8.7"), LastUpdated: time.Now().Add(time.Hour)}
	assert.True(t, a.Equal(b))

	b.TotalReferrals = 1
	assert.False(t, a.Equal(b))
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewValidationError("amount", "слишком мало"))
	assert.True(t, IsValidationError(err))
	assert.Equal(t, "amount: слишком мало", NewValidationError("amount", "слишком мало").Error())
	assert.False(t, IsValidationError(fmt.Errorf("other")))
}

func TestValidationErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := fmt.Errorf("wrap: %w", &ValidationError{Field: "amount", Message: "m", Err: cause})
	assert.ErrorIs(t, err, cause)
}
