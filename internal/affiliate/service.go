package affiliate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinical-platform/internal/metrics"
	"clinical-platform/internal/referral"
	"clinical-platform/internal/store"
	"clinical-platform/pkg/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Service пересчитывает и отдает статистику партнеров.
// Таблица affiliate_stats является кэшем: источник истины - комиссии и рефералы.
type Service struct {
	store       store.Store
	referrals   *referral.Service
	metrics     *metrics.Metrics
	recentCount int
	now         func() time.Time
	logger      *zap.Logger
}

// NewService создает новый сервис статистики партнеров
func NewService(st store.Store, referrals *referral.Service, m *metrics.Metrics, recentCount int, logger *zap.Logger) *Service {
	if recentCount <= 0 {
		recentCount = 5
	}
	return &Service{
		store:       st,
		referrals:   referrals,
		metrics:     m,
		recentCount: recentCount,
		now:         time.Now,
		logger:      logger,
	}
}

// WithStore возвращает копию сервиса, работающую через st
func (s *Service) WithStore(st store.Store) *Service {
	c := *s
	c.store = st
	c.referrals = s.referrals.WithStore(st)
	return &c
}

// Recompute пересчитывает статистику партнера и перезаписывает кэш
func (s *Service) Recompute(ctx context.Context, affiliateID int64) (*models.AffiliateStats, error) {
	stats, err := s.Compute(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Stats().Upsert(ctx, stats); err != nil {
		return nil, fmt.Errorf("ошибка сохранения статистики: %w", err)
	}
	return stats, nil
}

// Compute считает статистику по комиссиям и рефералам, не трогая кэш.
// total_earned = paid + pending: отмененные комиссии в заработок не входят
// и попадают только в total_cancelled.
func (s *Service) Compute(ctx context.Context, affiliateID int64) (*models.AffiliateStats, error) {
	total, active, err := s.store.Account().CountReferrals(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчета рефералов: %w", err)
	}

	totals, err := s.store.Commission().Totals(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчета комиссий: %w", err)
	}

	stats := &models.AffiliateStats{
		AccountID:       affiliateID,
		TotalReferrals:  total,
		ActiveReferrals: active,
		TotalEarned:     totals.Paid.Add(totals.Pending),
		TotalPaid:       totals.Paid,
		TotalPending:    totals.Pending,
		TotalCancelled:  totals.Cancelled,
		LastUpdated:     s.now(),
	}
	return stats, nil
}

// Stats возвращает сохраненную статистику, пересчитывая ее при отсутствии
func (s *Service) Stats(ctx context.Context, affiliateID int64) (*models.AffiliateStats, error) {
	stats, err := s.store.Stats().Get(ctx, affiliateID)
	if errors.Is(err, store.ErrNotFound) {
		return s.Recompute(ctx, affiliateID)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики: %w", err)
	}
	return stats, nil
}

// ReferralLink возвращает код партнера и ссылку для приглашения, выдавая код при отсутствии
func (s *Service) ReferralLink(ctx context.Context, affiliateID int64) (string, string, error) {
	code, link, err := s.referrals.ReferralLink(ctx, affiliateID)
	if err != nil {
		return "", "", fmt.Errorf("ошибка получения реферальной ссылки: %w", err)
	}
	return code, link, nil
}

// Dashboard собирает данные личного кабинета партнера
func (s *Service) Dashboard(ctx context.Context, affiliateID int64) (*models.AffiliateDashboard, error) {
	stats, err := s.Stats(ctx, affiliateID)
	if err != nil {
		return nil, err
	}

	code, link, err := s.referrals.ReferralLink(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения реферальной ссылки: %w", err)
	}

	now := s.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	monthly, err := s.store.Commission().SumSince(ctx, affiliateID, models.CommissionPaid, monthStart)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчета заработка за месяц: %w", err)
	}

	recent, _, err := s.store.Commission().ListByAffiliate(ctx, affiliateID, models.CommissionFilter{Page: 1, PageSize: s.recentCount})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения последних комиссий: %w", err)
	}

	referrals, err := s.store.Account().ListReferrals(ctx, affiliateID, s.recentCount)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения последних рефералов: %w", err)
	}

	payouts, err := s.store.Payout().ListPending(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заявок на выплату: %w", err)
	}

	return &models.AffiliateDashboard{
		TotalEarnings:     stats.TotalEarned,
		AvailableBalance:  stats.TotalEarned.Sub(stats.TotalPaid),
		TotalReferrals:    stats.TotalReferrals,
		ActiveReferrals:   stats.ActiveReferrals,
		MonthlyEarnings:   monthly,
		AffiliateLink:     link,
		ReferralCode:      code,
		RecentCommissions: nonNil(recent),
		RecentReferrals:   nonNil(referrals),
		RecentPayouts:     nonNil(payouts),
	}, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// NormalizeFilter проверяет статус и ограничивает параметры страницы
func NormalizeFilter(filter models.CommissionFilter) (models.CommissionFilter, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return filter, models.NewValidationError("status", fmt.Sprintf("неизвестный статус комиссии %q", filter.Status))
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = DefaultPageSize
	}
	if filter.PageSize > MaxPageSize {
		filter.PageSize = MaxPageSize
	}
	return filter, nil
}

// ListCommissions возвращает страницу комиссий партнера
func (s *Service) ListCommissions(ctx context.Context, affiliateID int64, filter models.CommissionFilter) (*models.CommissionPage, error) {
	filter, err := NormalizeFilter(filter)
	if err != nil {
		return nil, err
	}

	commissions, total, err := s.store.Commission().ListByAffiliate(ctx, affiliateID, filter)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения комиссий: %w", err)
	}

	return &models.CommissionPage{
		Commissions: nonNil(commissions),
		TotalCount:  total,
		Page:        filter.Page,
		PageSize:    filter.PageSize,
		HasNext:     filter.Offset()+filter.PageSize < total,
	}, nil
}

// ListReferrals возвращает приглашенных пользователей со статусом подписки
func (s *Service) ListReferrals(ctx context.Context, affiliateID int64) ([]*models.ReferralInfo, error) {
	accounts, err := s.store.Account().ListReferrals(ctx, affiliateID, 0)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения рефералов: %w", err)
	}

	result := make([]*models.ReferralInfo, 0, len(accounts))
	for _, account := range accounts {
		info := &models.ReferralInfo{Account: account}

		sub, err := s.store.Subscription().GetByAccountID(ctx, account.ID)
		switch {
		case err == nil:
			status := sub.Status
			info.SubscriptionStatus = &status
			info.SubscriptionActive = sub.IsActive()
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, fmt.Errorf("ошибка получения подписки реферала: %w", err)
		}

		result = append(result, info)
	}

	return result, nil
}

// MarkPaid переводит неоплаченные комиссии в статус paid и пересчитывает статистику
func (s *Service) MarkPaid(ctx context.Context, ids []int64) ([]int64, error) {
	return s.transition(ctx, ids, models.CommissionPaid, nil)
}

// Cancel отменяет неоплаченные комиссии с указанием причины
func (s *Service) Cancel(ctx context.Context, ids []int64, reason string) ([]int64, error) {
	var notes *string
	if reason != "" {
		notes = &reason
	}
	return s.transition(ctx, ids, models.CommissionCancelled, notes)
}

func (s *Service) transition(ctx context.Context, ids []int64, to models.CommissionStatus, notes *string) ([]int64, error) {
	if len(ids) == 0 {
		return nil, models.NewValidationError("ids", "не выбраны комиссии")
	}

	var affiliates []int64
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		affiliates, err = tx.Commission().Transition(ctx, ids, models.CommissionPending, to, s.now(), notes)
		if err != nil {
			return err
		}

		txSvc := s.WithStore(tx)
		for _, id := range affiliates {
			if _, err := txSvc.Recompute(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка смены статуса комиссий: %w", err)
	}

	s.logger.Info("статус комиссий изменен администратором",
		zap.String("status", string(to)),
		zap.Int64s("commission_ids", ids),
		zap.Int64s("affiliate_ids", affiliates))

	return affiliates, nil
}

// RefreshResult итог пакетного пересчета статистики
type RefreshResult struct {
	Processed    int
	Failed       int
	TotalPending decimal.Decimal
}

// RefreshAll пересчитывает статистику всех партнеров. Ошибка по одному партнеру не прерывает обход.
func (s *Service) RefreshAll(ctx context.Context) (*RefreshResult, error) {
	ids, err := s.store.Account().ListAffiliateIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения партнеров: %w", err)
	}

	result := &RefreshResult{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		stats, err := s.Recompute(ctx, id)
		if err != nil {
			s.logger.Error("ошибка пересчета статистики партнера",
				zap.Int64("affiliate_id", id),
				zap.Error(err))
			result.Failed++
			continue
		}
		result.Processed++
		result.TotalPending = result.TotalPending.Add(stats.TotalPending)
	}

	s.metrics.SetGauge("affiliate_pending_commission_usd", result.TotalPending.InexactFloat64())
	s.logger.Info("статистика партнеров пересчитана",
		zap.Int("processed", result.Processed),
		zap.Int("failed", result.Failed))

	return result, nil
}
