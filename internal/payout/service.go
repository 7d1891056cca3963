package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinical-platform/internal/metrics"
	"clinical-platform/internal/store"
	"clinical-platform/pkg/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MinimumAmount минимальная сумма выплаты в долларах
var MinimumAmount = decimal.NewFromInt(10)

var (
	ErrBelowMinimum   = errors.New("сумма меньше минимальной")
	ErrExceedsBalance = errors.New("сумма превышает доступный баланс")
	ErrPendingExists  = errors.New("уже есть необработанная заявка на выплату")
	ErrInvalidMethod  = errors.New("неизвестный способ выплаты")
	ErrMissingDetails = errors.New("не заполнены реквизиты")
	ErrNotPending     = errors.New("заявка уже обработана")
)

// requiredDetails обязательные реквизиты для каждого способа выплаты
var requiredDetails = map[string][]string{
	models.PayoutMethodBankTransfer: {"account_number", "routing_number", "account_holder_name"},
	models.PayoutMethodPayPal:       {"paypal_email"},
	models.PayoutMethodStripe:       {"stripe_account_id"},
}

// Service управляет заявками партнеров на выплату
type Service struct {
	store   store.Store
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *zap.Logger
}

// NewService создает сервис заявок на выплату
func NewService(st store.Store, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		metrics: m,
		now:     time.Now,
		logger:  logger,
	}
}

// ValidateDetails проверяет способ выплаты и обязательные реквизиты
func ValidateDetails(method string, details map[string]string) error {
	fields, ok := requiredDetails[method]
	if !ok {
		return &models.ValidationError{Field: "payment_method", Message: fmt.Sprintf("неизвестный способ выплаты %q", method), Err: ErrInvalidMethod}
	}
	for _, field := range fields {
		if strings.TrimSpace(details[field]) == "" {
			return &models.ValidationError{Field: "payment_details", Message: "не заполнено поле " + field, Err: ErrMissingDetails}
		}
	}
	return nil
}

// Request создает заявку на выплату. Баланс пересчитывается по комиссиям в той же транзакции,
// строка партнера блокируется, чтобы параллельные заявки не прошли проверку одновременно.
func (s *Service) Request(ctx context.Context, affiliateID int64, req models.PayoutCreateRequest) (*models.PayoutRequest, error) {
	if err := ValidateDetails(req.PaymentMethod, req.PaymentDetails); err != nil {
		s.metrics.RecordPayout("rejected_validation")
		return nil, err
	}

	amount := req.Amount.Round(2)
	if amount.LessThan(MinimumAmount) {
		s.metrics.RecordPayout("rejected_validation")
		return nil, &models.ValidationError{
			Field:   "amount",
			Message: fmt.Sprintf("минимальная сумма выплаты $%s", MinimumAmount.StringFixed(0)),
			Err:     ErrBelowMinimum,
		}
	}

	payout := &models.PayoutRequest{
		AffiliateID:    affiliateID,
		Amount:         amount,
		Status:         models.PayoutPending,
		PaymentMethod:  req.PaymentMethod,
		PaymentDetails: req.PaymentDetails,
	}

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Account().LockByID(ctx, affiliateID); err != nil {
			return err
		}

		pending, err := tx.Payout().HasPending(ctx, affiliateID)
		if err != nil {
			return err
		}
		if pending {
			return &models.ValidationError{Message: "у вас уже есть необработанная заявка на выплату", Err: ErrPendingExists}
		}

		totals, err := tx.Commission().Totals(ctx, affiliateID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(totals.Pending) {
			return &models.ValidationError{
				Field:   "amount",
				Message: fmt.Sprintf("сумма превышает доступный баланс $%s", totals.Pending.StringFixed(2)),
				Err:     ErrExceedsBalance,
			}
		}

		if err := tx.Payout().Create(ctx, payout); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return &models.ValidationError{Message: "у вас уже есть необработанная заявка на выплату", Err: ErrPendingExists}
			}
			return err
		}
		return nil
	})
	if err != nil {
		if models.IsValidationError(err) {
			s.metrics.RecordPayout("rejected_validation")
			s.logger.Info("заявка на выплату отклонена",
				zap.Int64("affiliate_id", affiliateID),
				zap.String("amount", amount.StringFixed(2)),
				zap.Error(err))
			return nil, err
		}
		return nil, fmt.Errorf("ошибка создания заявки на выплату: %w", err)
	}

	s.metrics.RecordPayout("created")
	return payout, nil
}

// Complete отмечает заявку выполненной
func (s *Service) Complete(ctx context.Context, id int64, notes string) (*models.PayoutRequest, error) {
	return s.resolve(ctx, id, models.PayoutCompleted, "", notes)
}

// Reject отклоняет заявку с указанием причины
func (s *Service) Reject(ctx context.Context, id int64, reason string, notes string) (*models.PayoutRequest, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, models.NewValidationError("rejection_reason", "укажите причину отказа")
	}
	return s.resolve(ctx, id, models.PayoutRejected, reason, notes)
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func (s *Service) resolve(ctx context.Context, id int64, status models.PayoutStatus, reason, notes string) (*models.PayoutRequest, error) {
	current, err := s.store.Payout().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заявки на выплату: %w", err)
	}
	if current.Status.IsTerminal() {
		return nil, fmt.Errorf("заявка %d в статусе %s: %w", id, current.Status, ErrNotPending)
	}

	if err := s.store.Payout().Resolve(ctx, id, status, optional(reason), optional(notes), s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("заявка %d: %w", id, ErrNotPending)
		}
		return nil, fmt.Errorf("ошибка обработки заявки на выплату: %w", err)
	}

	updated, err := s.store.Payout().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заявки на выплату: %w", err)
	}

	s.metrics.RecordPayout(string(status))
	s.logger.Info("заявка на выплату обработана администратором",
		zap.Int64("payout_id", id),
		zap.Int64("affiliate_id", updated.AffiliateID),
		zap.String("status", string(status)))

	return updated, nil
}

// List возвращает заявки партнера, новые первыми
func (s *Service) List(ctx context.Context, affiliateID int64) ([]*models.PayoutRequest, error) {
	payouts, err := s.store.Payout().ListByAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заявок на выплату: %w", err)
	}
	if payouts == nil {
		payouts = []*models.PayoutRequest{}
	}
	return payouts, nil
}
