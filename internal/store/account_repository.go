package store

import (
	"context"
	"fmt"
	"time"

	"clinical-platform/pkg/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const accountColumns = `id, email, username, password_hash, first_name, last_name, user_type, phone_number,
		       is_staff, is_active, referral_code, referred_by, created_at, updated_at`

// PostgresAccountRepository реализует AccountRepository для PostgreSQL
type PostgresAccountRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewAccountRepository создает новый репозиторий учетных записей
func NewAccountRepository(db DBTX, logger *zap.Logger) AccountRepository {
	return &PostgresAccountRepository{
		db:     db,
		logger: logger,
	}
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	a := &models.Account{}
	err := row.Scan(
		&a.ID, &a.Email, &a.Username, &a.PasswordHash, &a.FirstName, &a.LastName, &a.UserType, &a.PhoneNumber,
		&a.IsStaff, &a.IsActive, &a.ReferralCode, &a.ReferredBy, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanAccounts(rows pgx.Rows) ([]*models.Account, error) {
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования пользователя: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Create создает нового пользователя
func (r *PostgresAccountRepository) Create(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (email, username, password_hash, first_name, last_name, user_type, phone_number,
		                      is_staff, is_active, referral_code, referred_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	err := r.db.QueryRow(ctx, query,
		account.Email, account.Username, account.PasswordHash, account.FirstName, account.LastName,
		account.UserType, account.PhoneNumber, account.IsStaff, account.IsActive,
		account.ReferralCode, account.ReferredBy, account.CreatedAt, account.UpdatedAt,
	).Scan(&account.ID)
	if err != nil {
		return fmt.Errorf("ошибка создания пользователя: %w", mapError(err))
	}

	r.logger.Info("пользователь создан",
		zap.Int64("account_id", account.ID),
		zap.String("user_type", account.UserType),
		zap.Bool("referred", account.ReferredBy != nil))

	return nil
}

// GetByID получает пользователя по ID
func (r *PostgresAccountRepository) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	a, err := scanAccount(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователя по ID: %w", mapError(err))
	}
	return a, nil
}

// GetByEmail получает пользователя по email
func (r *PostgresAccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE lower(email) = lower($1)`

	a, err := scanAccount(r.db.QueryRow(ctx, query, email))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователя по email: %w", mapError(err))
	}
	return a, nil
}

// GetByReferralCode получает пользователя по реферальному коду
func (r *PostgresAccountRepository) GetByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE referral_code = $1`

	a, err := scanAccount(r.db.QueryRow(ctx, query, code))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователя по реферальному коду: %w", mapError(err))
	}
	return a, nil
}

// LockByID блокирует строку пользователя до конца транзакции
func (r *PostgresAccountRepository) LockByID(ctx context.Context, id int64) error {
	var locked int64
	err := r.db.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if err != nil {
		return fmt.Errorf("ошибка блокировки пользователя: %w", mapError(err))
	}
	return nil
}

// UsernameExists проверяет, занято ли имя пользователя
func (r *PostgresAccountRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE username = $1)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки имени пользователя: %w", err)
	}
	return exists, nil
}

// ReferralCodeExists проверяет, занят ли реферальный код
func (r *PostgresAccountRepository) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE referral_code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки реферального кода: %w", err)
	}
	return exists, nil
}

// SetReferralCode сохраняет реферальный код пользователя
func (r *PostgresAccountRepository) SetReferralCode(ctx context.Context, id int64, code string) error {
	query := `UPDATE accounts SET referral_code = $2, updated_at = $3 WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, code, time.Now())
	if err != nil {
		return fmt.Errorf("ошибка сохранения реферального кода: %w", mapError(err))
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("пользователь с ID %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetReferredBy сохраняет пригласившего пользователя
func (r *PostgresAccountRepository) SetReferredBy(ctx context.Context, id int64, referrerID int64) error {
	query := `UPDATE accounts SET referred_by = $2, updated_at = $3 WHERE id = $1 AND id <> $2`

	result, err := r.db.Exec(ctx, query, id, referrerID, time.Now())
	if err != nil {
		return fmt.Errorf("ошибка сохранения пригласившего пользователя: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("пользователь с ID %d: %w", id, ErrNotFound)
	}

	r.logger.Info("реферальная связь сохранена",
		zap.Int64("account_id", id),
		zap.Int64("referrer_id", referrerID))
	return nil
}

// ListReferrals получает приглашенных пользователей, limit <= 0 означает всех
func (r *PostgresAccountRepository) ListReferrals(ctx context.Context, referrerID int64, limit int) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE referred_by = $1 ORDER BY created_at DESC`
	args := []any{referrerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения рефералов: %w", err)
	}
	return scanAccounts(rows)
}

// CountReferrals подсчитывает всех рефералов и рефералов с активной подпиской
func (r *PostgresAccountRepository) CountReferrals(ctx context.Context, referrerID int64) (int, int, error) {
	query := `
		SELECT
			COUNT(*) AS total_referrals,
			COUNT(CASE WHEN s.status IN ('active', 'trialing') THEN 1 END) AS active_referrals
		FROM accounts a
		LEFT JOIN subscriptions s ON s.account_id = a.id
		WHERE a.referred_by = $1`

	var total, active int
	if err := r.db.QueryRow(ctx, query, referrerID).Scan(&total, &active); err != nil {
		return 0, 0, fmt.Errorf("ошибка подсчета рефералов: %w", err)
	}
	return total, active, nil
}

// ListWithoutReferralCode получает пользователей без реферального кода
func (r *PostgresAccountRepository) ListWithoutReferralCode(ctx context.Context) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE referral_code IS NULL ORDER BY id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователей без кода: %w", err)
	}
	return scanAccounts(rows)
}

// ListAffiliateIDs получает пользователей, у которых есть рефералы или комиссии
func (r *PostgresAccountRepository) ListAffiliateIDs(ctx context.Context) ([]int64, error) {
	query := `
		SELECT DISTINCT referred_by FROM accounts WHERE referred_by IS NOT NULL
		UNION
		SELECT DISTINCT affiliate_id FROM commissions
		ORDER BY 1`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения партнеров: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
