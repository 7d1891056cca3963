package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"clinical-platform/internal/billing"
	"clinical-platform/internal/metrics"
	"clinical-platform/internal/store"
	"clinical-platform/pkg/models"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"
)

// maxBodyBytes ограничение размера тела события
const maxBodyBytes = 64 << 10

// Типы обрабатываемых событий
const (
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Billing обработчики событий подписок и платежей
type Billing interface {
	HandleInvoicePaid(ctx context.Context, inv billing.Invoice) (*models.Payment, error)
	HandleInvoiceFailed(ctx context.Context, inv billing.Invoice) error
	HandleSubscriptionUpdated(ctx context.Context, remote *billing.RemoteSubscription) error
	HandleSubscriptionDeleted(ctx context.Context, remote *billing.RemoteSubscription) error
}

// StripeHandler принимает webhook-и Stripe
type StripeHandler struct {
	billing Billing
	store   store.Store
	secret  string
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewStripeHandler создает обработчик webhook-ов Stripe
func NewStripeHandler(b Billing, st store.Store, secret string, m *metrics.Metrics, logger *zap.Logger) *StripeHandler {
	return &StripeHandler{
		billing: b,
		store:   st,
		secret:  secret,
		metrics: m,
		logger:  logger,
	}
}

// ServeHTTP проверяет подпись, отбрасывает повторы и передает событие в billing
func (h *StripeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("ошибка чтения тела webhook", zap.Error(err))
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("неверная подпись webhook", zap.Error(err))
		h.metrics.RecordWebhookEvent("unknown", "invalid_signature")
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	eventType := string(event.Type)
	logger := h.logger.With(zap.String("event_id", event.ID), zap.String("type", eventType))

	record := &models.WebhookEvent{
		StripeEventID: event.ID,
		EventType:     eventType,
		Data:          event.Data.Raw,
	}
	created, err := h.store.WebhookEvent().Record(r.Context(), record)
	if err != nil {
		logger.Error("ошибка сохранения события", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !created && record.Processed {
		logger.Info("событие уже обработано")
		h.metrics.RecordWebhookEvent(eventType, "duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	result, err := h.dispatch(r.Context(), event)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// подписка создана не через платформу, повтор не поможет
		logger.Warn("событие относится к неизвестной подписке", zap.Error(err))
		result = "ignored"
	case err != nil:
		logger.Error("ошибка обработки события", zap.Error(err))
		h.metrics.RecordWebhookEvent(eventType, "failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if err := h.store.WebhookEvent().MarkProcessed(r.Context(), event.ID); err != nil {
		logger.Error("ошибка отметки события", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordWebhookEvent(eventType, result)
	logger.Info("событие обработано", zap.String("result", result))
	w.WriteHeader(http.StatusOK)
}

func (h *StripeHandler) dispatch(ctx context.Context, event stripe.Event) (string, error) {
	switch string(event.Type) {
	case EventInvoicePaid, EventInvoiceFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", fmt.Errorf("ошибка разбора счета: %w", err)
		}
		if event.Type == EventInvoicePaid {
			_, err := h.billing.HandleInvoicePaid(ctx, billing.InvoiceFromStripe(&inv))
			return "processed", err
		}
		return "processed", h.billing.HandleInvoiceFailed(ctx, billing.InvoiceFromStripe(&inv))

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("ошибка разбора подписки: %w", err)
		}
		if event.Type == EventSubscriptionUpdated {
			return "processed", h.billing.HandleSubscriptionUpdated(ctx, billing.FromStripeSubscription(&sub))
		}
		return "processed", h.billing.HandleSubscriptionDeleted(ctx, billing.FromStripeSubscription(&sub))
	}

	return "ignored", nil
}
