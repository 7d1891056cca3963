package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinical-platform/internal/affiliate"
	"clinical-platform/internal/commission"
	"clinical-platform/internal/config"
	"clinical-platform/internal/metrics"
	"clinical-platform/internal/migrations"
	"clinical-platform/internal/referral"
	"clinical-platform/internal/store"

	"go.uber.org/zap"
)

const usage = `Использование: affiliatectl <команда> [флаги]

Команды:
  reconcile       начислить комиссии по платежам, пропущенным вебхуками
  recompute       пересчитать кэш статистики партнеров
  backfill-codes  выдать реферальные коды пользователям без кода
  migrate-status  показать статус миграций схемы
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]
	if !knownCommand(command) {
		fmt.Fprintf(os.Stderr, "неизвестная команда %q\n\n%s", command, usage)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "Показать изменения без записи в базу")
	lookback := fs.Duration("since", 7*24*time.Hour, "Глубина сверки платежей (reconcile)")
	affiliateID := fs.Int64("affiliate", 0, "ID партнера для пересчета (0 = все партнеры)")
	_ = fs.Parse(args)

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Ошибка инициализации логгера:", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Ошибка загрузки конфигурации", zap.Error(err))
	}

	if command == "migrate-status" {
		if err := migrations.GetMigrationStatus(cfg, logger); err != nil {
			logger.Fatal("Ошибка получения статуса миграций", zap.Error(err))
		}
		version, err := migrations.Version(cfg, logger)
		if err != nil {
			logger.Fatal("Ошибка получения версии схемы", zap.Error(err))
		}
		logger.Info("текущая версия схемы", zap.Int64("version", version))
		return
	}

	st, err := store.NewStore(cfg, logger)
	if err != nil {
		logger.Fatal("Ошибка подключения к базе данных", zap.Error(err))
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(logger)
	referrals := referral.NewService(st, cfg.Affiliate.FrontendURL, logger)
	affiliates := affiliate.NewService(st, referrals, m, cfg.Affiliate.DashboardRecentCnt, logger)

	ctl := &controller{
		store:      st,
		engine:     commission.NewEngine(st, affiliates, m, logger),
		affiliates: affiliates,
		referrals:  referrals,
		now:        time.Now,
		logger:     logger,
	}

	switch command {
	case "reconcile":
		err = ctl.reconcile(ctx, *lookback, *dryRun)
	case "recompute":
		err = ctl.recompute(ctx, *affiliateID, *dryRun)
	case "backfill-codes":
		err = ctl.backfillCodes(ctx, *dryRun)
	}

	if err != nil {
		logger.Fatal("Ошибка выполнения команды", zap.String("command", command), zap.Error(err))
	}
}
