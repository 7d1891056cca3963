package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinical-platform/pkg/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PostgresWebhookEventRepository реализует WebhookEventRepository для PostgreSQL
type PostgresWebhookEventRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewWebhookEventRepository создает новый репозиторий входящих событий
func NewWebhookEventRepository(db DBTX, logger *zap.Logger) WebhookEventRepository {
	return &PostgresWebhookEventRepository{db: db, logger: logger}
}

// Record сохраняет событие, если оно еще не известно
func (r *PostgresWebhookEventRepository) Record(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	err := r.db.QueryRow(ctx, `
		INSERT INTO webhook_events (stripe_event_id, event_type, processed, data, created_at)
		VALUES ($1, $2, FALSE, $3, $4)
		ON CONFLICT (stripe_event_id) DO NOTHING
		RETURNING id`,
		event.StripeEventID, event.EventType, event.Data, event.CreatedAt,
	).Scan(&event.ID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("ошибка сохранения события: %w", err)
	}

	// событие уже приходило
	err = r.db.QueryRow(ctx,
		`SELECT id, processed, created_at FROM webhook_events WHERE stripe_event_id = $1`,
		event.StripeEventID,
	).Scan(&event.ID, &event.Processed, &event.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("ошибка получения события: %w", mapError(err))
	}
	return false, nil
}

// MarkProcessed отмечает событие обработанным
func (r *PostgresWebhookEventRepository) MarkProcessed(ctx context.Context, stripeEventID string) error {
	result, err := r.db.Exec(ctx, `UPDATE webhook_events SET processed = TRUE WHERE stripe_event_id = $1`, stripeEventID)
	if err != nil {
		return fmt.Errorf("ошибка обновления события: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("событие %s: %w", stripeEventID, ErrNotFound)
	}
	return nil
}
