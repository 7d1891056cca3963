package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clinical-platform/internal/metrics"

	"go.uber.org/zap"
)

// Report итог одного запуска задачи
type Report struct {
	Processed int
	Failed    int
}

// Job интерфейс для периодических задач
type Job interface {
	Name() string
	Run(ctx context.Context) (*Report, error)
}

type entry struct {
	job      Job
	interval time.Duration
}

// Scheduler управляет запуском периодических задач, у каждой задачи свой интервал
type Scheduler struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	jobs    []entry
}

// NewScheduler создает новый планировщик задач
func NewScheduler(m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger,
		metrics: m,
		jobs:    make([]entry, 0),
	}
}

// AddJob добавляет задачу с интервалом запуска. Задача с неположительным интервалом не добавляется.
func (s *Scheduler) AddJob(job Job, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("задача %s: интервал должен быть положительным, получено %s", job.Name(), interval)
	}
	s.jobs = append(s.jobs, entry{job: job, interval: interval})
	return nil
}

// Start запускает все задачи и блокируется до отмены ctx
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("запуск планировщика задач", zap.Int("jobs_count", len(s.jobs)))

	var wg sync.WaitGroup
	for _, e := range s.jobs {
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(e)
	}
	wg.Wait()

	s.logger.Info("остановка планировщика задач")
}

// loop запускает задачу по тикеру до отмены ctx. Отмена останавливает расписание,
// начатый запуск доводит пакет до конца.
func (s *Scheduler) loop(ctx context.Context, e entry) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	runCtx := context.WithoutCancel(ctx)

	// Запускаем задачу сразу при старте
	s.run(runCtx, e.job)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(runCtx, e.job)
		}
	}
}

// RunOnce запускает задачу по имени вне расписания
func (s *Scheduler) RunOnce(ctx context.Context, name string) (*Report, error) {
	for _, e := range s.jobs {
		if e.job.Name() == name {
			return s.run(ctx, e.job)
		}
	}
	return nil, fmt.Errorf("задача %q не зарегистрирована", name)
}

func (s *Scheduler) run(ctx context.Context, job Job) (*Report, error) {
	started := time.Now()
	s.logger.Debug("запуск задачи", zap.String("job", job.Name()))

	report, err := job.Run(ctx)
	if report == nil {
		report = &Report{}
	}
	s.metrics.RecordJob(job.Name(), report.Processed, report.Failed, err)

	if err != nil {
		s.logger.Error("ошибка выполнения задачи",
			zap.String("job", job.Name()),
			zap.Error(err))
		return report, err
	}

	s.logger.Info("задача выполнена",
		zap.String("job", job.Name()),
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.Duration("took", time.Since(started)))
	return report, nil
}
