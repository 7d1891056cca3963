package scheduler

import (
	"context"
	"fmt"
	"time"

	"clinical-platform/internal/affiliate"
	"clinical-platform/internal/commission"
	"clinical-platform/internal/store"
	"clinical-platform/pkg/models"

	"go.uber.org/zap"
)

// Имена задач
const (
	JobReconcile    = "commission_reconcile"
	JobStatsRefresh = "stats_refresh"
	JobDigest       = "pending_digest"
	JobArchive      = "commission_archive"
)

// ReconcileJob начисляет комиссии за платежи, пропущенные при онлайн-обработке
type ReconcileJob struct {
	engine   *commission.Engine
	lookback time.Duration
	now      func() time.Time
}

// NewReconcileJob создает задачу сверки комиссий за последние lookback
func NewReconcileJob(engine *commission.Engine, lookback time.Duration) *ReconcileJob {
	return &ReconcileJob{engine: engine, lookback: lookback, now: time.Now}
}

func (j *ReconcileJob) Name() string { return JobReconcile }

func (j *ReconcileJob) Run(ctx context.Context) (*Report, error) {
	result, err := j.engine.Reconcile(ctx, j.now().Add(-j.lookback), false)
	if result == nil {
		return nil, err
	}
	return &Report{Processed: result.Checked, Failed: result.Failed}, err
}

// StatsRefreshJob пересчитывает статистику всех партнеров
type StatsRefreshJob struct {
	stats *affiliate.Service
}

func NewStatsRefreshJob(stats *affiliate.Service) *StatsRefreshJob {
	return &StatsRefreshJob{stats: stats}
}

func (j *StatsRefreshJob) Name() string { return JobStatsRefresh }

func (j *StatsRefreshJob) Run(ctx context.Context) (*Report, error) {
	result, err := j.stats.RefreshAll(ctx)
	if err != nil {
		return nil, err
	}
	return &Report{Processed: result.Processed, Failed: result.Failed}, nil
}

// Notifier доставляет партнеру сводку неоплаченных комиссий
type Notifier interface {
	NotifyPending(ctx context.Context, digest *models.PendingDigest) error
}

// LogNotifier пишет сводки в лог
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyPending(ctx context.Context, d *models.PendingDigest) error {
	n.logger.Info("сводка неоплаченных комиссий",
		zap.Int64("affiliate_id", d.AffiliateID),
		zap.String("email", d.Email),
		zap.String("name", d.Name),
		zap.Int("count", d.Count),
		zap.String("total_pending", d.TotalPending.StringFixed(2)))
	return nil
}

// DigestJob рассылает еженедельные сводки партнерам с неоплаченными комиссиями
type DigestJob struct {
	store    store.Store
	notifier Notifier
	logger   *zap.Logger
}

func NewDigestJob(st store.Store, notifier Notifier, logger *zap.Logger) *DigestJob {
	return &DigestJob{store: st, notifier: notifier, logger: logger}
}

func (j *DigestJob) Name() string { return JobDigest }

func (j *DigestJob) Run(ctx context.Context) (*Report, error) {
	digests, err := j.store.Commission().PendingDigests(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения сводок: %w", err)
	}

	report := &Report{}
	for _, d := range digests {
		if err := j.notifier.NotifyPending(ctx, d); err != nil {
			j.logger.Warn("не удалось отправить сводку",
				zap.Int64("affiliate_id", d.AffiliateID),
				zap.Error(err))
			report.Failed++
			continue
		}
		report.Processed++
	}
	return report, nil
}

// ArchiveJob архивирует оплаченные комиссии старше after
type ArchiveJob struct {
	store store.Store
	after time.Duration
	now   func() time.Time
}

func NewArchiveJob(st store.Store, after time.Duration) *ArchiveJob {
	return &ArchiveJob{store: st, after: after, now: time.Now}
}

func (j *ArchiveJob) Name() string { return JobArchive }

func (j *ArchiveJob) Run(ctx context.Context) (*Report, error) {
	now := j.now()
	n, err := j.store.Commission().ArchivePaidBefore(ctx, now.Add(-j.after), now)
	if err != nil {
		return nil, fmt.Errorf("ошибка архивации комиссий: %w", err)
	}
	return &Report{Processed: int(n)}, nil
}
