package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"clinical-platform/internal/auth"
	"clinical-platform/internal/referral"
	"clinical-platform/internal/store"
	"clinical-platform/pkg/models"

	"go.uber.org/zap"
)

// ErrEmailTaken email уже зарегистрирован
var ErrEmailTaken = errors.New("пользователь с таким email уже существует")

const (
	maxUsernameSuffix   = 1000
	maxRegisterAttempts = 3
)

// errRegisterConflict параллельная регистрация заняла сгенерированное имя или код
var errRegisterConflict = errors.New("конфликт уникальности при регистрации")

var usernameCleaner = regexp.MustCompile(`[^a-z0-9_.]+`)

// Session результат входа или регистрации
type Session struct {
	Account   *models.Account `json:"user"`
	Token     string          `json:"access_token"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Service представляет сервис для работы с учетными записями
type Service struct {
	store     store.Store
	referrals *referral.Service
	tokens    *auth.Tokens
	logger    *zap.Logger
}

// NewService создает новый сервис учетных записей
func NewService(st store.Store, referrals *referral.Service, tokens *auth.Tokens, logger *zap.Logger) *Service {
	return &Service{
		store:     st,
		referrals: referrals,
		tokens:    tokens,
		logger:    logger,
	}
}

func validateRegister(req *models.RegisterRequest) error {
	if !strings.Contains(req.Email, "@") {
		return models.NewValidationError("email", "некорректный email")
	}
	if len(req.Password) < 8 {
		return models.NewValidationError("password", "пароль должен содержать не менее 8 символов")
	}
	if req.Password != req.PasswordConfirm {
		return models.NewValidationError("password_confirm", "пароли не совпадают")
	}
	if req.UserType != "" && !models.IsValidUserType(req.UserType) {
		return models.NewValidationError("user_type", fmt.Sprintf("некорректный тип пользователя: %s", req.UserType))
	}
	return nil
}

// Register создает пользователя, выдает ему реферальный код и привязывает к пригласившему
func (s *Service) Register(ctx context.Context, req *models.RegisterRequest) (*Session, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := validateRegister(req); err != nil {
		return nil, err
	}

	if _, err := s.store.Account().GetByEmail(ctx, req.Email); err == nil {
		return nil, &models.ValidationError{Field: "email", Message: ErrEmailTaken.Error(), Err: ErrEmailTaken}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("ошибка проверки email: %w", err)
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	userType := req.UserType
	if userType == "" {
		userType = models.UserTypePatient
	}

	account := &models.Account{
		Email:        req.Email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		UserType:     userType,
		PhoneNumber:  req.PhoneNumber,
		IsActive:     true,
	}

	var referred bool
	for attempt := 1; ; attempt++ {
		referred, err = s.createAccount(ctx, account, req)
		if !errors.Is(err, errRegisterConflict) || attempt == maxRegisterAttempts {
			break
		}
		s.logger.Warn("конфликт при создании пользователя, повтор",
			zap.String("email", req.Email), zap.Int("attempt", attempt))
	}
	if err != nil {
		if models.IsValidationError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка регистрации пользователя: %w", err)
	}

	s.logger.Info("зарегистрирован новый пользователь",
		zap.Int64("account_id", account.ID),
		zap.String("username", account.Username),
		zap.String("user_type", account.UserType),
		zap.Bool("referred", referred))

	return s.session(account)
}

// createAccount подбирает имя и код и создает пользователя в одной транзакции.
// Гонка за сгенерированное имя или код возвращает errRegisterConflict.
func (s *Service) createAccount(ctx context.Context, account *models.Account, req *models.RegisterRequest) (bool, error) {
	var referred bool
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		username, err := s.pickUsername(ctx, tx, req.Username, req.Email)
		if err != nil {
			return err
		}
		account.Username = username

		code, err := s.referrals.WithStore(tx).GenerateUniqueCode(ctx)
		if err != nil {
			return err
		}
		account.ReferralCode = &code

		if err := tx.Account().Create(ctx, account); err != nil {
			switch store.DuplicateConstraint(err) {
			case store.ConstraintAccountEmail:
				return &models.ValidationError{Field: "email", Message: ErrEmailTaken.Error(), Err: ErrEmailTaken}
			case store.ConstraintAccountUsername:
				if strings.TrimSpace(req.Username) != "" {
					return models.NewValidationError("username", "имя пользователя уже занято")
				}
				return fmt.Errorf("%w: %w", errRegisterConflict, err)
			case store.ConstraintAccountReferralCode:
				return fmt.Errorf("%w: %w", errRegisterConflict, err)
			}
			return err
		}

		referred, err = s.referrals.WithStore(tx).Attach(ctx, account, req.ReferralCode)
		return err
	})
	if err != nil {
		account.ID = 0
	}
	return referred, err
}

// pickUsername использует запрошенное имя или строит его из email с числовым суффиксом
func (s *Service) pickUsername(ctx context.Context, tx store.Store, requested, email string) (string, error) {
	if requested = strings.TrimSpace(requested); requested != "" {
		taken, err := tx.Account().UsernameExists(ctx, requested)
		if err != nil {
			return "", err
		}
		if taken {
			return "", models.NewValidationError("username", "имя пользователя уже занято")
		}
		return requested, nil
	}

	base := UsernameFromEmail(email)
	for i := 0; i < maxUsernameSuffix; i++ {
		candidate := base
		if i > 0 {
			candidate = base + strconv.Itoa(i)
		}
		taken, err := tx.Account().UsernameExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("не удалось подобрать имя пользователя для %s", email)
}

// UsernameFromEmail возвращает локальную часть email без недопустимых символов
func UsernameFromEmail(email string) string {
	local, _, _ := strings.Cut(strings.ToLower(email), "@")
	local = usernameCleaner.ReplaceAllString(local, "")
	if local == "" {
		return "user"
	}
	return local
}

// Login проверяет пароль и выдает токен
func (s *Service) Login(ctx context.Context, req *models.LoginRequest) (*Session, error) {
	account, err := s.store.Account().GetByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}

	if err := auth.CheckPassword(account.PasswordHash, req.Password); err != nil {
		s.logger.Info("неудачная попытка входа", zap.Int64("account_id", account.ID))
		return nil, err
	}
	if !account.IsActive {
		return nil, auth.ErrInvalidCredentials
	}

	return s.session(account)
}

// Get возвращает пользователя по ID
func (s *Service) Get(ctx context.Context, id int64) (*models.Account, error) {
	account, err := s.store.Account().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	return account, nil
}

// ReferrerInfo публичные данные владельца реферального кода
type ReferrerInfo struct {
	Valid        bool   `json:"valid"`
	ReferrerName string `json:"referrer_name,omitempty"`
}

// CheckReferralCode проверяет код до регистрации
func (s *Service) CheckReferralCode(ctx context.Context, code string) (*ReferrerInfo, error) {
	referrer, err := s.referrals.Resolve(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return &ReferrerInfo{Valid: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки реферального кода: %w", err)
	}
	return &ReferrerInfo{Valid: true, ReferrerName: referrer.FullName()}, nil
}

func (s *Service) session(account *models.Account) (*Session, error) {
	token, expires, err := s.tokens.Issue(account)
	if err != nil {
		return nil, err
	}
	return &Session{Account: account, Token: token, ExpiresAt: expires}, nil
}
