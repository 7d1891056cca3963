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

// PostgresCommissionRepository реализует CommissionRepository для PostgreSQL
type PostgresCommissionRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewCommissionRepository создает новый репозиторий комиссий
func NewCommissionRepository(db DBTX, logger *zap.Logger) CommissionRepository {
	return &PostgresCommissionRepository{
		db:     db,
		logger: logger,
	}
}

// Create создает комиссию. Вторая комиссия на тот же платеж возвращает ErrDuplicate.
func (r *PostgresCommissionRepository) Create(ctx context.Context, c *models.Commission) error {
	// DO NOTHING вместо ошибки уникальности, чтобы не прерывать внешнюю транзакцию
	query := `
		INSERT INTO commissions (
			affiliate_id, referred_user_id, payment_id, commission_amount, commission_percentage,
			commission_type, status, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (payment_id) WHERE payment_id IS NOT NULL DO NOTHING
		RETURNING id`

	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	err := r.db.QueryRow(ctx, query,
		c.AffiliateID, c.ReferredUserID, c.PaymentID, c.Amount, c.Percentage,
		c.Type, c.Status, c.Notes, c.CreatedAt, c.UpdatedAt,
	).Scan(&c.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("комиссия для платежа уже существует: %w", ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("ошибка создания комиссии: %w", mapError(err))
	}

	r.logger.Info("комиссия создана",
		zap.Int64("commission_id", c.ID),
		zap.Int64("affiliate_id", c.AffiliateID),
		zap.Int64("referred_user_id", c.ReferredUserID),
		zap.String("amount", c.Amount.StringFixed(2)),
		zap.String("type", c.Type))

	return nil
}

// ExistsForPayment проверяет наличие комиссии по платежу
func (r *PostgresCommissionRepository) ExistsForPayment(ctx context.Context, paymentID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM commissions WHERE payment_id = $1)`, paymentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки комиссии платежа: %w", err)
	}
	return exists, nil
}

// ListByAffiliate получает страницу комиссий партнера и общее количество.
// Архивные комиссии в выборку не попадают.
func (r *PostgresCommissionRepository) ListByAffiliate(ctx context.Context, affiliateID int64, filter models.CommissionFilter) ([]*models.Commission, int, error) {
	where := `WHERE c.affiliate_id = $1 AND c.archived_at IS NULL`
	args := []any{affiliateID}
	if filter.Status != "" {
		where += ` AND c.status = $2`
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM commissions c `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчета комиссий: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.affiliate_id, c.referred_user_id, c.payment_id, c.commission_amount,
		       c.commission_percentage, c.commission_type, c.status, c.paid_at, c.notes,
		       c.archived_at, c.created_at, c.updated_at,
		       a.email, a.username, a.first_name, a.last_name
		FROM commissions c
		JOIN accounts a ON a.id = c.referred_user_id
		%s
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, filter.PageSize, filter.Offset())

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения комиссий: %w", err)
	}
	defer rows.Close()

	var commissions []*models.Commission
	for rows.Next() {
		c := &models.Commission{}
		u := &models.Account{}
		err := rows.Scan(
			&c.ID, &c.AffiliateID, &c.ReferredUserID, &c.PaymentID, &c.Amount,
			&c.Percentage, &c.Type, &c.Status, &c.PaidAt, &c.Notes,
			&c.ArchivedAt, &c.CreatedAt, &c.UpdatedAt,
			&u.Email, &u.Username, &u.FirstName, &u.LastName,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("ошибка сканирования комиссии: %w", err)
		}
		u.ID = c.ReferredUserID
		c.ReferredUser = u
		commissions = append(commissions, c)
	}

	return commissions, total, rows.Err()
}

// Totals считает суммы комиссий партнера по статусам
func (r *PostgresCommissionRepository) Totals(ctx context.Context, affiliateID int64) (*models.CommissionTotals, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'paid' THEN commission_amount END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN commission_amount END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN commission_amount END), 0)
		FROM commissions
		WHERE affiliate_id = $1`

	t := &models.CommissionTotals{}
	if err := r.db.QueryRow(ctx, query, affiliateID).Scan(&t.Paid, &t.Pending, &t.Cancelled); err != nil {
		return nil, fmt.Errorf("ошибка подсчета сумм комиссий: %w", err)
	}
	return t, nil
}

// SumSince считает сумму комиссий в статусе status начиная с since
func (r *PostgresCommissionRepository) SumSince(ctx context.Context, affiliateID int64, status models.CommissionStatus, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(commission_amount), 0) FROM commissions WHERE affiliate_id = $1 AND status = $2 AND created_at >= $3`,
		affiliateID, status, since,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ошибка подсчета комиссий за период: %w", err)
	}
	return sum, nil
}

// Transition переводит комиссии из статуса from в to
func (r *PostgresCommissionRepository) Transition(ctx context.Context, ids []int64, from, to models.CommissionStatus, at time.Time, notes *string) ([]int64, error) {
	query := `
		UPDATE commissions
		SET status = $3,
		    paid_at = CASE WHEN $3 = 'paid' THEN $4 ELSE paid_at END,
		    notes = COALESCE($5, notes),
		    updated_at = $4
		WHERE id = ANY($1) AND status = $2
		RETURNING affiliate_id`

	rows, err := r.db.Query(ctx, query, ids, from, to, at, notes)
	if err != nil {
		return nil, fmt.Errorf("ошибка смены статуса комиссий: %w", err)
	}
	affected, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("ошибка смены статуса комиссий: %w", err)
	}

	seen := make(map[int64]struct{}, len(affected))
	affiliates := make([]int64, 0, len(affected))
	for _, id := range affected {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		affiliates = append(affiliates, id)
	}

	r.logger.Info("статус комиссий изменен",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("requested", len(ids)),
		zap.Int("updated", len(affected)))

	return affiliates, nil
}

// PendingDigests собирает неоплаченные комиссии по партнерам
func (r *PostgresCommissionRepository) PendingDigests(ctx context.Context) ([]*models.PendingDigest, error) {
	query := `
		SELECT c.affiliate_id, a.email, a.first_name, a.last_name,
		       SUM(c.commission_amount), COUNT(*)
		FROM commissions c
		JOIN accounts a ON a.id = c.affiliate_id
		WHERE c.status = 'pending'
		GROUP BY c.affiliate_id, a.email, a.first_name, a.last_name
		ORDER BY c.affiliate_id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения сводки комиссий: %w", err)
	}
	defer rows.Close()

	var digests []*models.PendingDigest
	for rows.Next() {
		d := &models.PendingDigest{}
		var first, last string
		if err := rows.Scan(&d.AffiliateID, &d.Email, &first, &last, &d.TotalPending, &d.Count); err != nil {
			return nil, fmt.Errorf("ошибка сканирования сводки: %w", err)
		}
		d.Name = (&models.Account{FirstName: first, LastName: last}).FullName()
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

// ArchivePaidBefore помечает архивными оплаченные комиссии старше before
func (r *PostgresCommissionRepository) ArchivePaidBefore(ctx context.Context, before time.Time, now time.Time) (int64, error) {
	result, err := r.db.Exec(ctx,
		`UPDATE commissions SET archived_at = $2 WHERE status = 'paid' AND paid_at < $1 AND archived_at IS NULL`,
		before, now)
	if err != nil {
		return 0, fmt.Errorf("ошибка архивации комиссий: %w", err)
	}
	return result.RowsAffected(), nil
}
