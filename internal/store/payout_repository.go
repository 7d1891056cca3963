package store

import (
	"context"
	"fmt"
	"time"

	"clinical-platform/pkg/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PostgresPayoutRepository реализует PayoutRepository для PostgreSQL
type PostgresPayoutRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPayoutRepository создает новый репозиторий заявок на выплату
func NewPayoutRepository(db DBTX, logger *zap.Logger) PayoutRepository {
	return &PostgresPayoutRepository{db: db, logger: logger}
}

const payoutColumns = `id, affiliate_id, amount, status, payment_method, payment_details,
		       processed_at, rejection_reason, admin_notes, created_at, updated_at`

func scanPayout(row pgx.Row) (*models.PayoutRequest, error) {
	p := &models.PayoutRequest{}
	err := row.Scan(
		&p.ID, &p.AffiliateID, &p.Amount, &p.Status, &p.PaymentMethod, &p.PaymentDetails,
		&p.ProcessedAt, &p.RejectionReason, &p.AdminNotes, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PostgresPayoutRepository) list(ctx context.Context, query string, args ...any) ([]*models.PayoutRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заявок на выплату: %w", err)
	}
	defer rows.Close()

	var payouts []*models.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования заявки на выплату: %w", err)
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// Create создает заявку на выплату
func (r *PostgresPayoutRepository) Create(ctx context.Context, req *models.PayoutRequest) error {
	query := `
		INSERT INTO payout_requests (affiliate_id, amount, status, payment_method, payment_details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now

	err := r.db.QueryRow(ctx, query,
		req.AffiliateID, req.Amount, req.Status, req.PaymentMethod, req.PaymentDetails, req.CreatedAt, req.UpdatedAt,
	).Scan(&req.ID)
	if err != nil {
		return fmt.Errorf("ошибка создания заявки на выплату: %w", mapError(err))
	}

	r.logger.Info("заявка на выплату создана",
		zap.Int64("payout_id", req.ID),
		zap.Int64("affiliate_id", req.AffiliateID),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.String("payment_method", req.PaymentMethod))
	return nil
}

// GetByID получает заявку на выплату по ID
func (r *PostgresPayoutRepository) GetByID(ctx context.Context, id int64) (*models.PayoutRequest, error) {
	p, err := scanPayout(r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заявки на выплату: %w", mapError(err))
	}
	return p, nil
}

// HasPending проверяет наличие необработанной заявки
func (r *PostgresPayoutRepository) HasPending(ctx context.Context, affiliateID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM payout_requests WHERE affiliate_id = $1 AND status = 'pending')`,
		affiliateID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки заявок на выплату: %w", err)
	}
	return exists, nil
}

// ListByAffiliate получает все заявки партнера
func (r *PostgresPayoutRepository) ListByAffiliate(ctx context.Context, affiliateID int64) ([]*models.PayoutRequest, error) {
	return r.list(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests WHERE affiliate_id = $1 ORDER BY created_at DESC, id DESC`,
		affiliateID)
}

// ListPending получает необработанные заявки партнера
func (r *PostgresPayoutRepository) ListPending(ctx context.Context, affiliateID int64) ([]*models.PayoutRequest, error) {
	return r.list(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests WHERE affiliate_id = $1 AND status = 'pending' ORDER BY created_at DESC`,
		affiliateID)
}

// Resolve переводит заявку из pending в completed или rejected
func (r *PostgresPayoutRepository) Resolve(ctx context.Context, id int64, status models.PayoutStatus, reason *string, notes *string, at time.Time) error {
	query := `
		UPDATE payout_requests
		SET status = $2, rejection_reason = COALESCE($3, rejection_reason),
		    admin_notes = COALESCE($4, admin_notes), processed_at = $5, updated_at = $5
		WHERE id = $1 AND status = 'pending'`

	result, err := r.db.Exec(ctx, query, id, status, reason, notes, at)
	if err != nil {
		return fmt.Errorf("ошибка обработки заявки на выплату: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("необработанная заявка с ID %d: %w", id, ErrNotFound)
	}

	r.logger.Info("заявка на выплату обработана",
		zap.Int64("payout_id", id),
		zap.String("status", string(status)))
	return nil
}
