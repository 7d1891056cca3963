package billing

import (
	"context"
	"time"

	"clinical-platform/pkg/models"
)

// RemoteSubscription подписка на стороне платежной системы
type RemoteSubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	// PaymentIntentID и ClientSecret берутся из последнего счета, могут быть пустыми
	PaymentIntentID string
	ClientSecret    string
}

// SubscriptionParams параметры создания подписки
type SubscriptionParams struct {
	CustomerID      string
	PriceID         string
	PaymentMethodID string
	Metadata        map[string]string
}

// PaymentIntent созданное намерение оплаты
type PaymentIntent struct {
	ID           string
	ClientSecret string
}

// Gateway операции платежной системы, нужные сервису подписок
type Gateway interface {
	CreateCustomer(ctx context.Context, account *models.Account) (string, error)
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	CreateSubscription(ctx context.Context, params SubscriptionParams) (*RemoteSubscription, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*RemoteSubscription, error)
	CancelNow(ctx context.Context, subscriptionID string) (*RemoteSubscription, error)
	CreatePaymentIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*PaymentIntent, error)
}
