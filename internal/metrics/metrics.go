package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Metrics содержит все метрики приложения
type Metrics struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	// Счетчики
	commissions    *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
	payoutRequests *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	jobItems       *prometheus.CounterVec

	// Гистограммы
	commissionAmount prometheus.Histogram
	httpDuration     *prometheus.HistogramVec

	// Gauge метрики
	pendingTotal  prometheus.Gauge
	lastReconcile prometheus.Gauge

	mu sync.RWMutex
}

// New создает новый экземпляр метрик со своим реестром
func New(logger *zap.Logger) *Metrics {
	m := &Metrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),

		commissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_commissions_total",
				Help: "Количество обработанных платежей по результату начисления комиссии",
			},
			[]string{"result"}, // created, skipped, failed, manual
		),

		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stripe_webhook_events_total",
				Help: "Количество входящих событий Stripe",
			},
			[]string{"type", "result"}, // result: processed, duplicate, ignored, failed
		),

		payoutRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_payout_requests_total",
				Help: "Количество заявок на выплату по результату",
			},
			[]string{"result"}, // created, rejected_validation, completed, rejected
		),

		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_job_runs_total",
				Help: "Количество запусков фоновых задач",
			},
			[]string{"job", "status"}, // status: success, failed
		),

		jobItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_job_items_total",
				Help: "Количество записей, обработанных фоновыми задачами",
			},
			[]string{"job", "result"}, // result: processed, failed
		),

		commissionAmount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "affiliate_commission_amount_usd",
				Help:    "Сумма одной комиссии в долларах",
				Buckets: []float64{1, 5, 8.7, 10, 23.7, 44.7, 50, 100, 250},
			},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Время обработки HTTP запроса в секундах",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),

		pendingTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "affiliate_pending_commission_usd",
				Help: "Сумма неоплаченных комиссий всех партнеров после последнего пересчета",
			},
		),

		lastReconcile: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "affiliate_last_reconcile_timestamp",
				Help: "Timestamp последней сверки комиссий",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commissions,
		m.webhookEvents,
		m.payoutRequests,
		m.jobRuns,
		m.jobItems,
		m.commissionAmount,
		m.httpDuration,
		m.pendingTotal,
		m.lastReconcile,
	)

	return m
}

// Registry возвращает реестр метрик
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncrementCounter увеличивает счетчик
func (m *Metrics) IncrementCounter(name string, labels ...string) {
	m.AddCounter(name, 1, labels...)
}

// AddCounter увеличивает счетчик на value
func (m *Metrics) AddCounter(name string, value float64, labels ...string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var counter *prometheus.CounterVec

	switch name {
	case "affiliate_commissions_total":
		counter = m.commissions
	case "stripe_webhook_events_total":
		counter = m.webhookEvents
	case "affiliate_payout_requests_total":
		counter = m.payoutRequests
	case "scheduler_job_runs_total":
		counter = m.jobRuns
	case "scheduler_job_items_total":
		counter = m.jobItems
	default:
		m.logger.Error("неизвестная метрика", zap.String("name", name))
		return
	}

	counter.WithLabelValues(labels...).Add(value)
	m.logger.Debug("метрика увеличена", zap.String("metric", name), zap.Strings("labels", labels))
}

// SetGauge устанавливает значение gauge метрики
func (m *Metrics) SetGauge(name string, value float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var gauge prometheus.Gauge

	switch name {
	case "affiliate_pending_commission_usd":
		gauge = m.pendingTotal
	case "affiliate_last_reconcile_timestamp":
		gauge = m.lastReconcile
	default:
		m.logger.Error("неизвестная gauge метрика", zap.String("name", name))
		return
	}

	gauge.Set(value)
}

// ObserveHistogram добавляет наблюдение в гистограмму
func (m *Metrics) ObserveHistogram(name string, value float64, labels ...string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch name {
	case "affiliate_commission_amount_usd":
		m.commissionAmount.Observe(value)
	case "http_request_duration_seconds":
		m.httpDuration.WithLabelValues(labels...).Observe(value)
	default:
		m.logger.Error("неизвестная гистограмма", zap.String("name", name))
	}
}

// RecordCommission записывает результат обработки платежа движком комиссий
func (m *Metrics) RecordCommission(result string, amount decimal.Decimal) {
	m.IncrementCounter("affiliate_commissions_total", result)
	if result == "created" || result == "manual" {
		m.ObserveHistogram("affiliate_commission_amount_usd", amount.InexactFloat64())
	}
}

// RecordWebhookEvent записывает входящее событие Stripe
func (m *Metrics) RecordWebhookEvent(eventType string, result string) {
	m.IncrementCounter("stripe_webhook_events_total", eventType, result)
}

// RecordPayout записывает исход операции с заявкой на выплату
func (m *Metrics) RecordPayout(result string) {
	m.IncrementCounter("affiliate_payout_requests_total", result)
}

// RecordJob записывает запуск фоновой задачи
func (m *Metrics) RecordJob(job string, processed, failed int, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	m.IncrementCounter("scheduler_job_runs_total", job, status)
	m.AddCounter("scheduler_job_items_total", float64(processed), job, "processed")
	m.AddCounter("scheduler_job_items_total", float64(failed), job, "failed")
}

// RecordHTTPRequest записывает время обработки запроса
func (m *Metrics) RecordHTTPRequest(method, route string, status int, seconds float64) {
	m.ObserveHistogram("http_request_duration_seconds", seconds, method, route, strconv.Itoa(status))
}

// Handler возвращает HTTP handler для метрик
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
