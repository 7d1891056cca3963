package store

import (
	"context"
	"fmt"
	"time"

	"clinical-platform/pkg/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PostgresPlanRepository реализует PlanRepository для PostgreSQL
type PostgresPlanRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPlanRepository создает новый репозиторий тарифных планов
func NewPlanRepository(db DBTX, logger *zap.Logger) PlanRepository {
	return &PostgresPlanRepository{db: db, logger: logger}
}

const planColumns = `id, name, description, price, currency, plan_type, stripe_price_id, stripe_product_id, is_active, features, created_at`

func scanPlan(row pgx.Row) (*models.Plan, error) {
	p := &models.Plan{}
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Currency, &p.PlanType,
		&p.StripePriceID, &p.StripeProductID, &p.IsActive, &p.Features, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetByID получает тарифный план по ID
func (r *PostgresPlanRepository) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	p, err := scanPlan(r.db.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения тарифного плана: %w", mapError(err))
	}
	return p, nil
}

// ListActive получает активные тарифные планы
func (r *PostgresPlanRepository) ListActive(ctx context.Context) ([]*models.Plan, error) {
	rows, err := r.db.Query(ctx, `SELECT `+planColumns+` FROM plans WHERE is_active ORDER BY price`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения тарифных планов: %w", err)
	}
	defer rows.Close()

	var plans []*models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования тарифного плана: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// PostgresSubscriptionRepository реализует SubscriptionRepository для PostgreSQL
type PostgresSubscriptionRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewSubscriptionRepository создает новый репозиторий подписок
func NewSubscriptionRepository(db DBTX, logger *zap.Logger) SubscriptionRepository {
	return &PostgresSubscriptionRepository{db: db, logger: logger}
}

const subscriptionColumns = `id, account_id, plan_id, stripe_subscription_id, stripe_customer_id, status,
		       current_period_start, current_period_end, cancel_at_period_end, canceled_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	s := &models.Subscription{}
	err := row.Scan(&s.ID, &s.AccountID, &s.PlanID, &s.StripeSubscriptionID, &s.StripeCustomerID, &s.Status,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &s.CanceledAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create создает подписку
func (r *PostgresSubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	query := `
		INSERT INTO subscriptions (account_id, plan_id, stripe_subscription_id, stripe_customer_id, status,
		                           current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	err := r.db.QueryRow(ctx, query,
		sub.AccountID, sub.PlanID, sub.StripeSubscriptionID, sub.StripeCustomerID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.CreatedAt, sub.UpdatedAt,
	).Scan(&sub.ID)
	if err != nil {
		return fmt.Errorf("ошибка создания подписки: %w", mapError(err))
	}

	r.logger.Info("подписка создана",
		zap.Int64("subscription_id", sub.ID),
		zap.Int64("account_id", sub.AccountID),
		zap.String("status", sub.Status))
	return nil
}

// GetByID получает подписку по ID
func (r *PostgresSubscriptionRepository) GetByID(ctx context.Context, id int64) (*models.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения подписки: %w", mapError(err))
	}
	return s, nil
}

// GetByAccountID получает подписку пользователя
func (r *PostgresSubscriptionRepository) GetByAccountID(ctx context.Context, accountID int64) (*models.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = $1`, accountID))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения подписки пользователя: %w", mapError(err))
	}
	return s, nil
}

// GetByStripeID получает подписку по ID в Stripe
func (r *PostgresSubscriptionRepository) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1`, stripeSubscriptionID))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения подписки по Stripe ID: %w", mapError(err))
	}
	return s, nil
}

// Update обновляет статус и период подписки
func (r *PostgresSubscriptionRepository) Update(ctx context.Context, sub *models.Subscription) error {
	query := `
		UPDATE subscriptions
		SET status = $2, current_period_start = $3, current_period_end = $4,
		    cancel_at_period_end = $5, canceled_at = $6, updated_at = $7,
		    plan_id = $8, stripe_subscription_id = $9, stripe_customer_id = $10
		WHERE id = $1`

	sub.UpdatedAt = time.Now()

	result, err := r.db.Exec(ctx, query,
		sub.ID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.CanceledAt, sub.UpdatedAt,
		sub.PlanID, sub.StripeSubscriptionID, sub.StripeCustomerID,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления подписки: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("подписка с ID %d: %w", sub.ID, ErrNotFound)
	}

	r.logger.Info("подписка обновлена",
		zap.Int64("subscription_id", sub.ID),
		zap.String("status", sub.Status))
	return nil
}
