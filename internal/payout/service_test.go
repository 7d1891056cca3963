package payout

import (
	"context"
	"testing"

	"clinical-platform/internal/metrics"
	"clinical-platform/internal/store"
	"clinical-platform/internal/store/storetest"
	"clinical-platform/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var paypal = map[string]string{"paypal_email": "a@example.com"}

func request(amount string) models.PayoutCreateRequest {
	return models.PayoutCreateRequest{
		Amount:         decimal.RequireFromString(amount),
		PaymentMethod:  models.PayoutMethodPayPal,
		PaymentDetails: paypal,
	}
}

// setup создает партнера с заработком 150 и выплатами 50
func setup(t *testing.T) (*storetest.Store, *Service, *models.Account) {
	t.Helper()
	st := storetest.New()
	a := st.MustAccount(t, "a@example.com", nil)
	b := st.MustAccount(t, "b@example.com", a)
	st.MustCommission(t, a, b, "50.00", models.CommissionPaid)
	st.MustCommission(t, a, b, "100.00", models.CommissionPending)
	return st, NewService(st, metrics.New(zap.NewNop()), zap.NewNop()), a
}

func TestValidateDetails(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		details map[string]string
		err     error
	}{
		{"bank transfer", models.PayoutMethodBankTransfer, map[string]string{
			"account_number": "1", "routing_number": "2", "account_holder_name": "A",
		}, nil},
		{"bank transfer missing routing", models.PayoutMethodBankTransfer, map[string]string{
			"account_number": "1", "account_holder_name": "A",
		}, ErrMissingDetails},
		{"paypal", models.PayoutMethodPayPal, paypal, nil},
		{"paypal blank email", models.PayoutMethodPayPal, map[string]string{"paypal_email": "  "}, ErrMissingDetails},
		{"stripe", models.PayoutMethodStripe, map[string]string{"stripe_account_id": "acct_1"}, nil},
		{"unknown method", "crypto", nil, ErrInvalidMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDetails(tt.method, tt.details)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
			assert.True(t, models.IsValidationError(err))
		})
	}
}

func TestRequestBalance(t *testing.T) {
	ctx := context.Background()
	st, svc, a := setup(t)

	_, err := svc.Request(ctx, a.ID, request("120.00"))
	assert.ErrorIs(t, err, ErrExceedsBalance)
	assert.Contains(t, err.Error(), "100.00")

	p, err := svc.Request(ctx, a.ID, request("80.00"))
	require.NoError(t, err)
	assert.Equal(t, models.PayoutPending, p.Status)
	assert.Equal(t, "80.00", p.Amount.StringFixed(2))

	list, err := st.Payout().ListByAffiliate(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRequestMinimum(t *testing.T) {
	_, svc, a := setup(t)

	_, err := svc.Request(context.Background(), a.ID, request("9.99"))
	assert.ErrorIs(t, err, ErrBelowMinimum)

	_, err = svc.Request(context.Background(), a.ID, request("10.00"))
	assert.NoError(t, err)
}

func TestRequestSinglePending(t *testing.T) {
	ctx := context.Background()
	_, svc, a := setup(t)

	first, err := svc.Request(ctx, a.ID, request("20.00"))
	require.NoError(t, err)

	_, err = svc.Request(ctx, a.ID, request("20.00"))
	assert.ErrorIs(t, err, ErrPendingExists)

	_, err = svc.Reject(ctx, first.ID, "wrong details", "")
	require.NoError(t, err)

	_, err = svc.Request(ctx, a.ID, request("20.00"))
	assert.NoError(t, err)
}

func TestRequestInvalidDetails(t *testing.T) {
	_, svc, a := setup(t)
	req := request("20.00")
	req.PaymentMethod = models.PayoutMethodStripe

	_, err := svc.Request(context.Background(), a.ID, req)
	assert.ErrorIs(t, err, ErrMissingDetails)
}

func TestRequestUnknownAffiliate(t *testing.T) {
	_, svc, _ := setup(t)
	_, err := svc.Request(context.Background(), 999, request("20.00"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteAndReject(t *testing.T) {
	ctx := context.Background()
	_, svc, a := setup(t)

	p, err := svc.Request(ctx, a.ID, request("50.00"))
	require.NoError(t, err)

	done, err := svc.Complete(ctx, p.ID, "wire sent")
	require.NoError(t, err)
	assert.Equal(t, models.PayoutCompleted, done.Status)
	assert.NotNil(t, done.ProcessedAt)
	require.NotNil(t, done.AdminNotes)
	assert.Equal(t, "wire sent", *done.AdminNotes)

	// завершенная заявка больше не меняется
	_, err = svc.Reject(ctx, p.ID, "late", "")
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = svc.Complete(ctx, p.ID, "")
	assert.ErrorIs(t, err, ErrNotPending)

	_, err = svc.Reject(ctx, p.ID, " ", "")
	assert.True(t, models.IsValidationError(err))

	q, err := svc.Request(ctx, a.ID, request("10.00"))
	require.NoError(t, err)
	rejected, err := svc.Reject(ctx, q.ID, "invalid account", "")
	require.NoError(t, err)
	assert.Equal(t, models.PayoutRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "invalid account", *rejected.RejectionReason)

	list, err := svc.List(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, q.ID, list[0].ID)
}

func TestListEmpty(t *testing.T) {
	_, svc, a := setup(t)
	list, err := svc.List(context.Background(), a.ID)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}
