package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinical-platform/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PostgresPaymentRepository реализует PaymentRepository для PostgreSQL
type PostgresPaymentRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPaymentRepository создает новый репозиторий платежей
func NewPaymentRepository(db DBTX, logger *zap.Logger) PaymentRepository {
	return &PostgresPaymentRepository{
		db:     db,
		logger: logger,
	}
}

const paymentColumns = `id, subscription_id, stripe_payment_intent_id, amount, currency, status, commission_amount, created_at, updated_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	p := &models.Payment{}
	err := row.Scan(
		&p.ID,
		&p.SubscriptionID,
		&p.StripePaymentIntentID,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.CommissionAmount,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Create создает новый платеж. Повторный payment intent возвращает ErrDuplicate.
func (r *PostgresPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (
			subscription_id, stripe_payment_intent_id, amount, currency, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stripe_payment_intent_id) DO NOTHING
		RETURNING id`

	now := time.Now()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now

	err := r.db.QueryRow(
		ctx, query,
		payment.SubscriptionID,
		payment.StripePaymentIntentID,
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Scan(&payment.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("платеж %s: %w", payment.StripePaymentIntentID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("ошибка создания платежа: %w", mapError(err))
	}

	r.logger.Info("платеж создан в БД",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("subscription_id", payment.SubscriptionID),
		zap.String("stripe_payment_intent_id", payment.StripePaymentIntentID),
		zap.String("status", payment.Status))

	return nil
}

// GetByID получает платеж по ID
func (r *PostgresPaymentRepository) GetByID(ctx context.Context, id int64) (*models.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения платежа: %w", mapError(err))
	}
	return p, nil
}

// GetForUpdate получает платеж и блокирует строку до конца транзакции
func (r *PostgresPaymentRepository) GetForUpdate(ctx context.Context, id int64) (*models.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки платежа: %w", mapError(err))
	}
	return p, nil
}

// GetByIntentID получает платеж по ID payment intent в Stripe
func (r *PostgresPaymentRepository) GetByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE stripe_payment_intent_id = $1`, intentID))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения платежа по payment intent: %w", mapError(err))
	}
	return p, nil
}

// CountBySubscription подсчитывает платежи подписки
func (r *PostgresPaymentRepository) CountBySubscription(ctx context.Context, subscriptionID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE subscription_id = $1`, subscriptionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчета платежей: %w", err)
	}
	return count, nil
}

// SetCommissionAmount сохраняет сумму комиссии на платеже
func (r *PostgresPaymentRepository) SetCommissionAmount(ctx context.Context, id int64, amount decimal.Decimal) error {
	result, err := r.db.Exec(ctx,
		`UPDATE payments SET commission_amount = $2, updated_at = $3 WHERE id = $1`,
		id, amount, time.Now())
	if err != nil {
		return fmt.Errorf("ошибка сохранения комиссии платежа: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("платеж с ID %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkSucceeded переводит неуспешный платеж в succeeded после повторной оплаты.
// Уже успешный платеж не меняется.
func (r *PostgresPaymentRepository) MarkSucceeded(ctx context.Context, id int64, amount decimal.Decimal) error {
	_, err := r.db.Exec(ctx,
		`UPDATE payments SET status = 'succeeded', amount = $2, updated_at = $3 WHERE id = $1 AND status <> 'succeeded'`,
		id, amount, time.Now())
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса платежа: %w", err)
	}
	return nil
}

// ListUnprocessed получает успешные платежи приглашенных пользователей без комиссии
func (r *PostgresPaymentRepository) ListUnprocessed(ctx context.Context, since time.Time) ([]*models.Payment, error) {
	query := `
		SELECT p.id, p.subscription_id, p.stripe_payment_intent_id, p.amount, p.currency, p.status,
		       p.commission_amount, p.created_at, p.updated_at
		FROM payments p
		JOIN subscriptions s ON s.id = p.subscription_id
		JOIN accounts a ON a.id = s.account_id
		WHERE p.status = 'succeeded'
		  AND p.created_at >= $1
		  AND p.commission_amount IS NULL
		  AND a.referred_by IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM commissions c WHERE c.payment_id = p.id)
		ORDER BY p.created_at`

	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения необработанных платежей: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования платежа: %w", err)
		}
		payments = append(payments, p)
	}

	return payments, rows.Err()
}
