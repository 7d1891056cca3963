package store

import (
	"context"
	"fmt"

	"clinical-platform/pkg/models"

	"go.uber.org/zap"
)

// PostgresStatsRepository реализует StatsRepository для PostgreSQL
type PostgresStatsRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewStatsRepository создает новый репозиторий статистики партнеров
func NewStatsRepository(db DBTX, logger *zap.Logger) StatsRepository {
	return &PostgresStatsRepository{db: db, logger: logger}
}

// Get получает сохраненную статистику партнера
func (r *PostgresStatsRepository) Get(ctx context.Context, accountID int64) (*models.AffiliateStats, error) {
	query := `
		SELECT account_id, total_referrals, active_referrals, total_commission_earned,
		       total_commission_paid, total_commission_pending, total_commission_cancelled, last_updated
		FROM affiliate_stats
		WHERE account_id = $1`

	s := &models.AffiliateStats{}
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&s.AccountID, &s.TotalReferrals, &s.ActiveReferrals, &s.TotalEarned,
		&s.TotalPaid, &s.TotalPending, &s.TotalCancelled, &s.LastUpdated,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики партнера: %w", mapError(err))
	}
	return s, nil
}

// Upsert перезаписывает статистику партнера
func (r *PostgresStatsRepository) Upsert(ctx context.Context, s *models.AffiliateStats) error {
	query := `
		INSERT INTO affiliate_stats (account_id, total_referrals, active_referrals, total_commission_earned,
		                             total_commission_paid, total_commission_pending, total_commission_cancelled, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id) DO UPDATE SET
			total_referrals = EXCLUDED.total_referrals,
			active_referrals = EXCLUDED.active_referrals,
			total_commission_earned = EXCLUDED.total_commission_earned,
			total_commission_paid = EXCLUDED.total_commission_paid,
			total_commission_pending = EXCLUDED.total_commission_pending,
			total_commission_cancelled = EXCLUDED.total_commission_cancelled,
			last_updated = EXCLUDED.last_updated`

	_, err := r.db.Exec(ctx, query,
		s.AccountID, s.TotalReferrals, s.ActiveReferrals, s.TotalEarned,
		s.TotalPaid, s.TotalPending, s.TotalCancelled, s.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения статистики партнера: %w", err)
	}

	r.logger.Debug("статистика партнера обновлена",
		zap.Int64("account_id", s.AccountID),
		zap.Int("total_referrals", s.TotalReferrals),
		zap.String("total_pending", s.TotalPending.StringFixed(2)))
	return nil
}
