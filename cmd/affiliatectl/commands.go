package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinical-platform/internal/affiliate"
	"clinical-platform/internal/commission"
	"clinical-platform/internal/referral"
	"clinical-platform/internal/store"

	"go.uber.org/zap"
)

var commands = []string{"reconcile", "recompute", "backfill-codes", "migrate-status"}

// knownCommand проверяет имя команды до подключения к базе
func knownCommand(name string) bool {
	for _, c := range commands {
		if c == name {
			return true
		}
	}
	return false
}

// controller выполняет служебные операции над партнерской программой.
// Каждое действие пишет строку аудита с именем команды и признаком dry_run.
type controller struct {
	store      store.Store
	engine     *commission.Engine
	affiliates *affiliate.Service
	referrals  *referral.Service
	now        func() time.Time
	logger     *zap.Logger
}

func (c *controller) audit(command string, dryRun bool, fields ...zap.Field) {
	fields = append([]zap.Field{zap.String("command", command), zap.Bool("dry_run", dryRun)}, fields...)
	c.logger.Info("audit", fields...)
}

func (c *controller) reconcile(ctx context.Context, lookback time.Duration, dryRun bool) error {
	since := c.now().Add(-lookback)
	result, err := c.engine.Reconcile(ctx, since, dryRun)
	if err != nil {
		return fmt.Errorf("ошибка сверки комиссий: %w", err)
	}

	c.audit("reconcile", dryRun,
		zap.Time("since", since),
		zap.Int("checked", result.Checked),
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Int64s("failed_payment_ids", result.FailedIDs))
	return nil
}

func (c *controller) recompute(ctx context.Context, affiliateID int64, dryRun bool) error {
	ids := []int64{affiliateID}
	if affiliateID == 0 {
		var err error
		ids, err = c.store.Account().ListAffiliateIDs(ctx)
		if err != nil {
			return fmt.Errorf("ошибка получения партнеров: %w", err)
		}
	}

	var drifted, failed int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		fresh, err := c.affiliates.Compute(ctx, id)
		if err != nil {
			c.logger.Error("ошибка пересчета статистики", zap.Int64("affiliate_id", id), zap.Error(err))
			failed++
			continue
		}

		cached, err := c.store.Stats().Get(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("ошибка чтения кэша статистики", zap.Int64("affiliate_id", id), zap.Error(err))
			failed++
			continue
		}
		if cached != nil && cached.Equal(fresh) {
			continue
		}
		drifted++

		fields := []zap.Field{
			zap.Int64("affiliate_id", id),
			zap.String("total_pending", fresh.TotalPending.StringFixed(2)),
			zap.String("total_paid", fresh.TotalPaid.StringFixed(2)),
		}
		if cached != nil {
			fields = append(fields,
				zap.String("cached_pending", cached.TotalPending.StringFixed(2)),
				zap.String("cached_paid", cached.TotalPaid.StringFixed(2)))
		}

		if !dryRun {
			if err := c.store.Stats().Upsert(ctx, fresh); err != nil {
				c.logger.Error("ошибка сохранения статистики", zap.Int64("affiliate_id", id), zap.Error(err))
				failed++
				continue
			}
		}
		c.audit("recompute", dryRun, fields...)
	}

	c.logger.Info("пересчет статистики завершен",
		zap.Int("affiliates", len(ids)),
		zap.Int("drifted", drifted),
		zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("не удалось пересчитать %d партнеров", failed)
	}
	return nil
}

func (c *controller) backfillCodes(ctx context.Context, dryRun bool) error {
	result, err := c.referrals.BackfillCodes(ctx, dryRun)
	if err != nil {
		return fmt.Errorf("ошибка выдачи реферальных кодов: %w", err)
	}
	c.audit("backfill-codes", dryRun,
		zap.Int("processed", result.Processed),
		zap.Int("failed", result.Failed))
	return nil
}
