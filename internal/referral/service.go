package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"clinical-platform/internal/store"
	"clinical-platform/pkg/models"

	"go.uber.org/zap"
)

const (
	codeLength   = 8
	codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codePrefix   = "ref_"
	maxAttempts  = 10
)

// ErrCodeExhausted возвращается, если не удалось подобрать свободный код
var ErrCodeExhausted = errors.New("не удалось сгенерировать уникальный реферальный код")

// Service представляет сервис реферальных кодов и связей
type Service struct {
	store       store.Store
	frontendURL string
	generate    func() (string, error)
	logger      *zap.Logger
}

// NewService создает новый сервис рефералов
func NewService(st store.Store, frontendURL string, logger *zap.Logger) *Service {
	return &Service{
		store:       st,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		generate:    randomCode,
		logger:      logger,
	}
}

// WithStore возвращает копию сервиса, работающую через st (например, внутри транзакции)
func (s *Service) WithStore(st store.Store) *Service {
	c := *s
	c.store = st
	return &c
}

// randomCode генерирует код из 8 символов base-36
func randomCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// Normalize приводит введенный пользователем код к хранимому виду
func Normalize(code string) string {
	code = strings.TrimSpace(code)
	if len(code) >= len(codePrefix) && strings.EqualFold(code[:len(codePrefix)], codePrefix) {
		code = code[len(codePrefix):]
	}
	return strings.ToUpper(code)
}

// GenerateUniqueCode генерирует код, не занятый ни одним пользователем
func (s *Service) GenerateUniqueCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := s.generate()
		if err != nil {
			return "", fmt.Errorf("ошибка генерации реферального кода: %w", err)
		}

		taken, err := s.store.Account().ReferralCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("ошибка проверки реферального кода: %w", err)
		}
		if !taken {
			return code, nil
		}

		s.logger.Warn("сгенерированный код уже существует, пробуем снова",
			zap.String("code", code),
			zap.Int("attempt", attempt+1))
	}

	return "", fmt.Errorf("%w после %d попыток", ErrCodeExhausted, maxAttempts)
}

// Resolve возвращает владельца кода или store.ErrNotFound
func (s *Service) Resolve(ctx context.Context, code string) (*models.Account, error) {
	code = Normalize(code)
	if code == "" {
		return nil, store.ErrNotFound
	}
	return s.store.Account().GetByReferralCode(ctx, code)
}

// Attach связывает нового пользователя с владельцем кода.
// Неизвестный код и попытка пригласить самого себя молча игнорируются.
func (s *Service) Attach(ctx context.Context, account *models.Account, code string) (bool, error) {
	if strings.TrimSpace(code) == "" || account.ReferredBy != nil {
		return false, nil
	}

	referrer, err := s.Resolve(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Info("реферальный код не найден, пропускаем",
			zap.Int64("account_id", account.ID),
			zap.String("code", code))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ошибка поиска реферального кода: %w", err)
	}

	if referrer.ID == account.ID {
		return false, nil
	}

	if err := s.store.Account().SetReferredBy(ctx, account.ID, referrer.ID); err != nil {
		return false, fmt.Errorf("ошибка сохранения реферальной связи: %w", err)
	}
	account.ReferredBy = &referrer.ID

	return true, nil
}

// EnsureCode возвращает код пользователя, выдавая новый при его отсутствии
func (s *Service) EnsureCode(ctx context.Context, accountID int64) (string, error) {
	account, err := s.store.Account().GetByID(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	if account.ReferralCode != nil && *account.ReferralCode != "" {
		return *account.ReferralCode, nil
	}

	code, err := s.GenerateUniqueCode(ctx)
	if err != nil {
		return "", err
	}
	if err := s.store.Account().SetReferralCode(ctx, accountID, code); err != nil {
		return "", fmt.Errorf("ошибка сохранения реферального кода: %w", err)
	}

	s.logger.Info("выдан реферальный код",
		zap.Int64("account_id", accountID),
		zap.String("code", code))
	return code, nil
}

// Link формирует реферальную ссылку для кода
func (s *Service) Link(code string) string {
	return fmt.Sprintf("%s/register?ref=%s", s.frontendURL, code)
}

// ReferralLink возвращает код и реферальную ссылку пользователя
func (s *Service) ReferralLink(ctx context.Context, accountID int64) (string, string, error) {
	code, err := s.EnsureCode(ctx, accountID)
	if err != nil {
		return "", "", err
	}
	return code, s.Link(code), nil
}

// BackfillResult итог выдачи кодов существующим пользователям
type BackfillResult struct {
	Processed int
	Failed    int
}

// BackfillCodes выдает коды всем пользователям без кода. При dryRun ничего не сохраняется.
func (s *Service) BackfillCodes(ctx context.Context, dryRun bool) (*BackfillResult, error) {
	accounts, err := s.store.Account().ListWithoutReferralCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователей без кода: %w", err)
	}

	result := &BackfillResult{}
	for _, account := range accounts {
		if dryRun {
			s.logger.Info("[dry-run] пользователю будет выдан код", zap.Int64("account_id", account.ID))
			result.Processed++
			continue
		}

		if _, err := s.EnsureCode(ctx, account.ID); err != nil {
			s.logger.Error("ошибка выдачи реферального кода",
				zap.Int64("account_id", account.ID),
				zap.Error(err))
			result.Failed++
			continue
		}
		result.Processed++
	}

	return result, nil
}
