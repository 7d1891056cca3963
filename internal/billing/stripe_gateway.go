package billing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"clinical-platform/pkg/models"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"go.uber.org/zap"
)

// StripeGateway реализует Gateway поверх Stripe API
type StripeGateway struct {
	api    *client.API
	logger *zap.Logger
}

// NewStripeGateway создает клиент Stripe с собственным ключом
func NewStripeGateway(secretKey string, logger *zap.Logger) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api, logger: logger}
}

// CreateCustomer создает покупателя Stripe для пользователя
func (g *StripeGateway) CreateCustomer(ctx context.Context, account *models.Account) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(account.Email),
		Name:  stripe.String(account.FullName()),
	}
	params.Context = ctx
	params.AddMetadata("user_id", strconv.FormatInt(account.ID, 10))
	params.AddMetadata("user_type", account.UserType)

	customer, err := g.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("ошибка создания покупателя Stripe: %w", err)
	}

	g.logger.Info("создан покупатель Stripe",
		zap.Int64("account_id", account.ID),
		zap.String("customer_id", customer.ID))
	return customer.ID, nil
}

// AttachPaymentMethod привязывает способ оплаты и делает его основным
func (g *StripeGateway) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	attach := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
	attach.Context = ctx
	if _, err := g.api.PaymentMethods.Attach(paymentMethodID, attach); err != nil {
		// способ оплаты мог быть привязан раньше, подписка все равно создается
		g.logger.Warn("не удалось привязать способ оплаты",
			zap.String("customer_id", customerID),
			zap.Error(err))
	}

	update := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	update.Context = ctx
	if _, err := g.api.Customers.Update(customerID, update); err != nil {
		return fmt.Errorf("ошибка установки способа оплаты по умолчанию: %w", err)
	}
	return nil
}

// CreateSubscription создает подписку с немедленной оплатой первого счета
func (g *StripeGateway) CreateSubscription(ctx context.Context, p SubscriptionParams) (*RemoteSubscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(p.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(p.PriceID)},
		},
		DefaultPaymentMethod: stripe.String(p.PaymentMethodID),
	}
	params.Context = ctx
	params.AddExpand("latest_invoice.payment_intent")
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	sub, err := g.api.Subscriptions.New(params)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания подписки Stripe: %w", err)
	}
	return FromStripeSubscription(sub), nil
}

// CancelAtPeriodEnd отменяет подписку в конце оплаченного периода
func (g *StripeGateway) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*RemoteSubscription, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	sub, err := g.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("ошибка отмены подписки Stripe: %w", err)
	}
	return FromStripeSubscription(sub), nil
}

// CancelNow отменяет подписку немедленно
func (g *StripeGateway) CancelNow(ctx context.Context, subscriptionID string) (*RemoteSubscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := g.api.Subscriptions.Cancel(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("ошибка отмены подписки Stripe: %w", err)
	}
	return FromStripeSubscription(sub), nil
}

// CreatePaymentIntent создает намерение оплаты на сумму в центах
func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	intent, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания намерения оплаты: %w", err)
	}
	return &PaymentIntent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func unixOrZero(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

// FromStripeSubscription переводит подписку Stripe во внутреннее представление
func FromStripeSubscription(sub *stripe.Subscription) *RemoteSubscription {
	remote := &RemoteSubscription{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: unixOrZero(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixOrZero(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		remote.CustomerID = sub.Customer.ID
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		remote.PaymentIntentID = sub.LatestInvoice.PaymentIntent.ID
		remote.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
	}
	return remote
}

// InvoiceFromStripe извлекает из счета данные об оплате
func InvoiceFromStripe(inv *stripe.Invoice) Invoice {
	out := Invoice{
		ID:         inv.ID,
		AmountPaid: inv.AmountPaid,
		AmountDue:  inv.AmountDue,
		Currency:   string(inv.Currency),
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.PaymentIntent != nil {
		out.PaymentIntentID = inv.PaymentIntent.ID
	}
	return out
}
