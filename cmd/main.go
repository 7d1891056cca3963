package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinical-platform/internal/account"
	"clinical-platform/internal/affiliate"
	"clinical-platform/internal/api"
	"clinical-platform/internal/auth"
	"clinical-platform/internal/billing"
	"clinical-platform/internal/commission"
	"clinical-platform/internal/config"
	"clinical-platform/internal/metrics"
	"clinical-platform/internal/migrations"
	"clinical-platform/internal/payout"
	"clinical-platform/internal/referral"
	"clinical-platform/internal/scheduler"
	"clinical-platform/internal/store"
	"clinical-platform/internal/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		fmt.Printf("Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("запуск партнерской платформы", zap.String("env", cfg.App.Env))

	// Инициализация базы данных
	st, err := store.NewStore(cfg, logger)
	if err != nil {
		logger.Fatal("ошибка инициализации базы данных", zap.Error(err))
	}
	defer st.Close()

	if err := migrations.RunMigrations(cfg, logger); err != nil {
		logger.Fatal("ошибка применения миграций", zap.Error(err))
	}

	metricsSystem := metrics.New(logger)

	// Сервисы
	tokens := auth.NewTokens(cfg.Auth)
	referralService := referral.NewService(st, cfg.Affiliate.FrontendURL, logger)
	affiliateService := affiliate.NewService(st, referralService, metricsSystem, cfg.Affiliate.DashboardRecentCnt, logger)
	engine := commission.NewEngine(st, affiliateService, metricsSystem, logger)
	payoutService := payout.NewService(st, metricsSystem, logger)
	accountService := account.NewService(st, referralService, tokens, logger)

	gateway := billing.NewStripeGateway(cfg.Stripe.SecretKey, logger)
	billingService := billing.NewService(st, gateway, engine, logger)
	stripeHandler := webhook.NewStripeHandler(billingService, st, cfg.Stripe.WebhookSecret, metricsSystem, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Фоновые задачи
	jobsDone := make(chan struct{})
	if cfg.Scheduler.Enabled {
		taskScheduler := scheduler.NewScheduler(metricsSystem, logger)
		jobs := []struct {
			job      scheduler.Job
			interval time.Duration
		}{
			{scheduler.NewReconcileJob(engine, cfg.Affiliate.ReconcileLookback), cfg.Scheduler.ReconcileEvery},
			{scheduler.NewStatsRefreshJob(affiliateService), cfg.Scheduler.StatsEvery},
			{scheduler.NewDigestJob(st, scheduler.NewLogNotifier(logger), logger), cfg.Scheduler.NotifyEvery},
			{scheduler.NewArchiveJob(st, cfg.Affiliate.ArchiveAfter), cfg.Scheduler.ArchiveEvery},
		}
		for _, j := range jobs {
			if err := taskScheduler.AddJob(j.job, j.interval); err != nil {
				logger.Fatal("ошибка регистрации фоновой задачи", zap.Error(err))
			}
		}

		go func() {
			defer close(jobsDone)
			taskScheduler.Start(ctx)
		}()
	} else {
		logger.Info("планировщик задач отключен")
		close(jobsDone)
	}

	if !cfg.App.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Accounts:    accountService,
		Affiliates:  affiliateService,
		Commissions: engine,
		Payouts:     payoutService,
		Billing:     billingService,
		Tokens:      tokens,
		Webhook:     stripeHandler,
		Health:      metrics.NewHandler(metricsSystem, st, logger),
		Metrics:     metricsSystem,
		Logger:      logger,

		AllowedOrigins: []string{cfg.Affiliate.FrontendURL},
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ошибка HTTP сервера", zap.Error(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	logger.Info("приложение запущено и готово к работе",
		zap.String("address", fmt.Sprintf("http://localhost:%d", cfg.App.Port)))

	<-sigChan
	logger.Info("получен сигнал завершения, начинаем graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ошибка при остановке HTTP сервера", zap.Error(err))
	}

	// новые запуски не начинаются, текущие дорабатывают в пределах таймаута
	cancel()
	select {
	case <-jobsDone:
	case <-shutdownCtx.Done():
		logger.Warn("фоновые задачи не завершились за отведенное время")
	}

	logger.Info("приложение завершено")
}

// initLogger инициализирует логгер
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.App.IsDevelopment() {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = cfg.App.GetLogLevel()
	zapConfig.OutputPaths = []string{"stdout", "logs/app.log"}
	zapConfig.ErrorOutputPaths = []string{"stderr", "logs/error.log"}

	if err := os.MkdirAll("logs", 0755); err != nil {
		return nil, fmt.Errorf("ошибка создания директории логов: %w", err)
	}

	return zapConfig.Build()
}
