package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinical-platform/internal/config"
	"clinical-platform/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrNotFound возвращается, когда запись не найдена
	ErrNotFound = errors.New("запись не найдена")
	// ErrDuplicate возвращается при нарушении ограничения уникальности
	ErrDuplicate = errors.New("запись уже существует")
)

// Имена ограничений уникальности таблицы accounts
const (
	ConstraintAccountEmail        = "idx_accounts_email"
	ConstraintAccountUsername     = "accounts_username_key"
	ConstraintAccountReferralCode = "accounts_referral_code_key"
)

// DuplicateError нарушение уникальности с именем ограничения, совпадает с ErrDuplicate через errors.Is
type DuplicateError struct {
	Constraint string
}

func (e *DuplicateError) Error() string {
	if e.Constraint == "" {
		return ErrDuplicate.Error()
	}
	return ErrDuplicate.Error() + ": " + e.Constraint
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// DuplicateConstraint возвращает имя нарушенного ограничения или пустую строку
func DuplicateConstraint(err error) string {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup.Constraint
	}
	return ""
}

// Store представляет интерфейс для работы с базой данных
type Store interface {
	Account() AccountRepository
	Plan() PlanRepository
	Subscription() SubscriptionRepository
	Payment() PaymentRepository
	Commission() CommissionRepository
	Stats() StatsRepository
	Payout() PayoutRepository
	WebhookEvent() WebhookEventRepository

	// WithTx выполняет fn в одной транзакции. Ошибка из fn откатывает все изменения.
	// Вложенный вызов переиспользует текущую транзакцию.
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error
	Close() error
}

// DBTX общий интерфейс пула подключений и транзакции
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AccountRepository интерфейс для работы с учетными записями
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id int64) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByReferralCode(ctx context.Context, code string) (*models.Account, error)
	LockByID(ctx context.Context, id int64) error
	UsernameExists(ctx context.Context, username string) (bool, error)
	ReferralCodeExists(ctx context.Context, code string) (bool, error)
	SetReferralCode(ctx context.Context, id int64, code string) error
	SetReferredBy(ctx context.Context, id int64, referrerID int64) error
	ListReferrals(ctx context.Context, referrerID int64, limit int) ([]*models.Account, error)
	CountReferrals(ctx context.Context, referrerID int64) (total int, active int, err error)
	ListWithoutReferralCode(ctx context.Context) ([]*models.Account, error)
	ListAffiliateIDs(ctx context.Context) ([]int64, error)
}

// PlanRepository интерфейс для работы с тарифными планами
type PlanRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Plan, error)
	ListActive(ctx context.Context) ([]*models.Plan, error)
}

// SubscriptionRepository интерфейс для работы с подписками
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *models.Subscription) error
	GetByID(ctx context.Context, id int64) (*models.Subscription, error)
	GetByAccountID(ctx context.Context, accountID int64) (*models.Subscription, error)
	GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	Update(ctx context.Context, sub *models.Subscription) error
}

// PaymentRepository интерфейс для работы с платежами
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id int64) (*models.Payment, error)
	GetForUpdate(ctx context.Context, id int64) (*models.Payment, error)
	GetByIntentID(ctx context.Context, intentID string) (*models.Payment, error)
	CountBySubscription(ctx context.Context, subscriptionID int64) (int, error)
	SetCommissionAmount(ctx context.Context, id int64, amount decimal.Decimal) error
	MarkSucceeded(ctx context.Context, id int64, amount decimal.Decimal) error
	ListUnprocessed(ctx context.Context, since time.Time) ([]*models.Payment, error)
}

// CommissionRepository интерфейс для работы с комиссиями партнеров
type CommissionRepository interface {
	Create(ctx context.Context, commission *models.Commission) error
	ExistsForPayment(ctx context.Context, paymentID int64) (bool, error)
	ListByAffiliate(ctx context.Context, affiliateID int64, filter models.CommissionFilter) ([]*models.Commission, int, error)
	Totals(ctx context.Context, affiliateID int64) (*models.CommissionTotals, error)
	SumSince(ctx context.Context, affiliateID int64, status models.CommissionStatus, since time.Time) (decimal.Decimal, error)
	// Transition переводит комиссии из статуса from в to и возвращает партнеров затронутых записей
	Transition(ctx context.Context, ids []int64, from, to models.CommissionStatus, at time.Time, notes *string) ([]int64, error)
	PendingDigests(ctx context.Context) ([]*models.PendingDigest, error)
	ArchivePaidBefore(ctx context.Context, before time.Time, now time.Time) (int64, error)
}

// StatsRepository интерфейс для кэша статистики партнеров
type StatsRepository interface {
	Get(ctx context.Context, accountID int64) (*models.AffiliateStats, error)
	Upsert(ctx context.Context, stats *models.AffiliateStats) error
}

// PayoutRepository интерфейс для работы с заявками на выплату
type PayoutRepository interface {
	Create(ctx context.Context, req *models.PayoutRequest) error
	GetByID(ctx context.Context, id int64) (*models.PayoutRequest, error)
	HasPending(ctx context.Context, affiliateID int64) (bool, error)
	ListByAffiliate(ctx context.Context, affiliateID int64) ([]*models.PayoutRequest, error)
	ListPending(ctx context.Context, affiliateID int64) ([]*models.PayoutRequest, error)
	// Resolve завершает заявку в статусе pending, иначе возвращает ErrNotFound
	Resolve(ctx context.Context, id int64, status models.PayoutStatus, reason *string, notes *string, at time.Time) error
}

// WebhookEventRepository интерфейс для журнала входящих событий
type WebhookEventRepository interface {
	// Record сохраняет событие; для уже известного события возвращает сохраненную запись и created=false
	Record(ctx context.Context, event *models.WebhookEvent) (created bool, err error)
	MarkProcessed(ctx context.Context, stripeEventID string) error
}

// store реализует интерфейс Store
type store struct {
	pool   *pgxpool.Pool
	db     DBTX
	inTx   bool
	logger *zap.Logger

	account      AccountRepository
	plan         PlanRepository
	subscription SubscriptionRepository
	payment      PaymentRepository
	commission   CommissionRepository
	stats        StatsRepository
	payout       PayoutRepository
	webhookEvent WebhookEventRepository
}

// NewStore создает новое подключение к базе данных
func NewStore(cfg *config.Config, logger *zap.Logger) (Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Создание пула подключений
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	// Настройка пула
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе данных: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ошибка проверки подключения к базе данных: %w", err)
	}

	logger.Info("успешное подключение к базе данных PostgreSQL")

	return newStore(pool, pool, false, logger), nil
}

func newStore(pool *pgxpool.Pool, db DBTX, inTx bool, logger *zap.Logger) *store {
	return &store{
		pool:         pool,
		db:           db,
		inTx:         inTx,
		logger:       logger,
		account:      NewAccountRepository(db, logger),
		plan:         NewPlanRepository(db, logger),
		subscription: NewSubscriptionRepository(db, logger),
		payment:      NewPaymentRepository(db, logger),
		commission:   NewCommissionRepository(db, logger),
		stats:        NewStatsRepository(db, logger),
		payout:       NewPayoutRepository(db, logger),
		webhookEvent: NewWebhookEventRepository(db, logger),
	}
}

func (s *store) Account() AccountRepository           { return s.account }
func (s *store) Plan() PlanRepository                 { return s.plan }
func (s *store) Subscription() SubscriptionRepository { return s.subscription }
func (s *store) Payment() PaymentRepository           { return s.payment }
func (s *store) Commission() CommissionRepository     { return s.commission }
func (s *store) Stats() StatsRepository               { return s.stats }
func (s *store) Payout() PayoutRepository             { return s.payout }
func (s *store) WebhookEvent() WebhookEventRepository { return s.webhookEvent }

// WithTx выполняет операции в транзакции
func (s *store) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}

	if err := fn(newStore(s.pool, tx, true, s.logger)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Error("ошибка отката транзакции", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}

	return nil
}

// Ping проверяет подключение к базе данных
func (s *store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close закрывает подключение к базе данных
func (s *store) Close() error {
	s.logger.Info("закрытие подключения к базе данных")
	s.pool.Close()
	return nil
}

// mapError приводит ошибки драйвера к ошибкам хранилища
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &DuplicateError{Constraint: pgErr.ConstraintName}
	}
	return err
}
