package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"clinical-platform/internal/commission"
	"clinical-platform/internal/store"
	"clinical-platform/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrAlreadySubscribed у пользователя уже есть действующая подписка
var ErrAlreadySubscribed = errors.New("у пользователя уже есть активная подписка")

// defaultPeriod используется, если платежная система не вернула границы периода
const defaultPeriod = 30 * 24 * time.Hour

// Invoice оплаченный или неоплаченный счет платежной системы
type Invoice struct {
	ID              string
	SubscriptionID  string
	PaymentIntentID string
	AmountPaid      int64 // в центах
	AmountDue       int64
	Currency        string
}

// CreateRequest запрос на оформление подписки
type CreateRequest struct {
	PlanID          int64  `json:"plan_id"`
	PaymentMethodID string `json:"payment_method_id"`
}

// CreateResult результат оформления подписки
type CreateResult struct {
	Subscription *models.Subscription `json:"subscription"`
	ClientSecret string               `json:"client_secret,omitempty"`
}

// PaymentIntentResult данные для подтверждения оплаты на клиенте
type PaymentIntentResult struct {
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// Service управляет подписками и платежами
type Service struct {
	store   store.Store
	gateway Gateway
	engine  *commission.Engine
	now     func() time.Time
	logger  *zap.Logger
}

// NewService создает сервис подписок
func NewService(st store.Store, gateway Gateway, engine *commission.Engine, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		gateway: gateway,
		engine:  engine,
		now:     time.Now,
		logger:  logger,
	}
}

// Plans возвращает активные тарифы
func (s *Service) Plans(ctx context.Context) ([]*models.Plan, error) {
	plans, err := s.store.Plan().ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения тарифов: %w", err)
	}
	if plans == nil {
		plans = []*models.Plan{}
	}
	return plans, nil
}

// Current возвращает подписку пользователя или store.ErrNotFound
func (s *Service) Current(ctx context.Context, accountID int64) (*models.Subscription, error) {
	sub, err := s.store.Subscription().GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения подписки: %w", err)
	}
	return sub, nil
}

func (s *Service) activePlan(ctx context.Context, planID int64) (*models.Plan, error) {
	plan, err := s.store.Plan().GetByID(ctx, planID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !plan.IsActive) {
		return nil, models.NewValidationError("plan_id", "тариф не найден")
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения тарифа: %w", err)
	}
	return plan, nil
}

// Create оформляет подписку: покупатель, способ оплаты, подписка в платежной системе,
// затем локальная запись и первый платеж с начислением комиссии.
func (s *Service) Create(ctx context.Context, accountID int64, req CreateRequest) (*CreateResult, error) {
	if strings.TrimSpace(req.PaymentMethodID) == "" {
		return nil, models.NewValidationError("payment_method_id", "не указан способ оплаты")
	}

	account, err := s.store.Account().GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}

	existing, err := s.store.Subscription().GetByAccountID(ctx, accountID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("ошибка получения подписки: %w", err)
	}
	if existing != nil && existing.IsActive() {
		return nil, &models.ValidationError{Message: ErrAlreadySubscribed.Error(), Err: ErrAlreadySubscribed}
	}

	plan, err := s.activePlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	customerID, err := s.gateway.CreateCustomer(ctx, account)
	if err != nil {
		return nil, err
	}
	if err := s.gateway.AttachPaymentMethod(ctx, customerID, req.PaymentMethodID); err != nil {
		return nil, err
	}
	remote, err := s.gateway.CreateSubscription(ctx, SubscriptionParams{
		CustomerID:      customerID,
		PriceID:         plan.StripePriceID,
		PaymentMethodID: req.PaymentMethodID,
		Metadata: map[string]string{
			"user_id": strconv.FormatInt(account.ID, 10),
			"plan_id": strconv.FormatInt(plan.ID, 10),
		},
	})
	if err != nil {
		return nil, err
	}

	sub := existing
	if sub == nil {
		sub = &models.Subscription{AccountID: accountID}
	}
	sub.PlanID = plan.ID
	sub.StripeSubscriptionID = remote.ID
	sub.StripeCustomerID = customerID
	sub.CancelAtPeriodEnd = false
	sub.CanceledAt = nil
	s.applyRemote(sub, remote)

	var payment *models.Payment
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if sub.ID == 0 {
			if err := tx.Subscription().Create(ctx, sub); err != nil {
				return err
			}
		} else if err := tx.Subscription().Update(ctx, sub); err != nil {
			return err
		}

		payment, err = s.recordInitialPayment(ctx, tx, sub, plan, remote.PaymentIntentID)
		return err
	})
	if err != nil {
		// подписка в платежной системе уже создана, локальная запись восстановится из webhook
		s.logger.Error("не удалось сохранить подписку",
			zap.Int64("account_id", accountID),
			zap.String("stripe_subscription_id", remote.ID),
			zap.Error(err))
		return nil, fmt.Errorf("ошибка сохранения подписки: %w", err)
	}

	s.logger.Info("оформлена подписка",
		zap.Int64("account_id", accountID),
		zap.Int64("plan_id", plan.ID),
		zap.String("stripe_subscription_id", remote.ID),
		zap.String("status", sub.Status))

	if payment != nil {
		s.processCommission(ctx, payment)
	}

	return &CreateResult{Subscription: sub, ClientSecret: remote.ClientSecret}, nil
}

// recordInitialPayment записывает первый платеж новой подписки, если его еще нет
func (s *Service) recordInitialPayment(ctx context.Context, tx store.Store, sub *models.Subscription, plan *models.Plan, intentID string) (*models.Payment, error) {
	if !sub.IsActive() {
		return nil, nil
	}
	count, err := tx.Payment().CountBySubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}

	if intentID == "" {
		intentID = "pi_auto_" + uuid.NewString()
	}
	payment := &models.Payment{
		SubscriptionID:        sub.ID,
		StripePaymentIntentID: intentID,
		Amount:                plan.Price,
		Currency:              strings.ToLower(plan.Currency),
		Status:                models.PaymentSucceeded,
	}
	if err := tx.Payment().Create(ctx, payment); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// счет уже пришел через webhook
			return tx.Payment().GetByIntentID(ctx, intentID)
		}
		return nil, err
	}
	return payment, nil
}

// processCommission начисляет комиссию; при ошибке платеж остается для сверки
func (s *Service) processCommission(ctx context.Context, payment *models.Payment) {
	outcome, err := s.engine.Process(ctx, payment.ID)
	if err != nil {
		s.logger.Error("комиссия не начислена, платеж будет обработан при сверке",
			zap.Int64("payment_id", payment.ID),
			zap.Error(err))
		return
	}
	if outcome.Created() {
		s.logger.Info("начислена комиссия за платеж",
			zap.Int64("payment_id", payment.ID),
			zap.Int64("commission_id", outcome.Commission.ID))
	}
}

func (s *Service) applyRemote(sub *models.Subscription, remote *RemoteSubscription) {
	sub.Status = remote.Status
	sub.CurrentPeriodStart = remote.CurrentPeriodStart
	sub.CurrentPeriodEnd = remote.CurrentPeriodEnd
	if sub.CurrentPeriodStart.IsZero() {
		sub.CurrentPeriodStart = s.now()
	}
	if sub.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = sub.CurrentPeriodStart.Add(defaultPeriod)
	}
}

// Cancel отменяет подписку в конце периода или немедленно
func (s *Service) Cancel(ctx context.Context, accountID int64, atPeriodEnd bool) (*models.Subscription, error) {
	sub, err := s.store.Subscription().GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения подписки: %w", err)
	}
	if sub.Status == models.SubscriptionCanceled {
		return nil, models.NewValidationError("subscription", "подписка уже отменена")
	}

	if atPeriodEnd {
		if _, err := s.gateway.CancelAtPeriodEnd(ctx, sub.StripeSubscriptionID); err != nil {
			return nil, err
		}
		sub.CancelAtPeriodEnd = true
	} else {
		if _, err := s.gateway.CancelNow(ctx, sub.StripeSubscriptionID); err != nil {
			return nil, err
		}
		now := s.now()
		sub.Status = models.SubscriptionCanceled
		sub.CanceledAt = &now
	}

	if err := s.store.Subscription().Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("ошибка обновления подписки: %w", err)
	}

	s.logger.Info("подписка отменена",
		zap.Int64("account_id", accountID),
		zap.Bool("at_period_end", atPeriodEnd))
	return sub, nil
}

// CreatePaymentIntent создает намерение оплаты на стоимость тарифа
func (s *Service) CreatePaymentIntent(ctx context.Context, accountID, planID int64) (*PaymentIntentResult, error) {
	plan, err := s.activePlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	cents := plan.Price.Shift(2).Round(0).IntPart()
	currency := strings.ToLower(plan.Currency)
	intent, err := s.gateway.CreatePaymentIntent(ctx, cents, currency, map[string]string{
		"user_id":   strconv.FormatInt(accountID, 10),
		"plan_id":   strconv.FormatInt(plan.ID, 10),
		"plan_name": plan.Name,
	})
	if err != nil {
		return nil, err
	}
	return &PaymentIntentResult{ClientSecret: intent.ClientSecret, Amount: cents, Currency: currency}, nil
}

// intentID ключ платежа по счету: payment intent, либо ID счета, если Stripe его не передал
func (inv Invoice) intentID() string {
	if inv.PaymentIntentID != "" {
		return inv.PaymentIntentID
	}
	return inv.ID
}

// recordInvoicePayment записывает платеж по счету или возвращает уже записанный
func (s *Service) recordInvoicePayment(ctx context.Context, tx store.Store, sub *models.Subscription, inv Invoice, cents int64, status string) (*models.Payment, bool, error) {
	payment := &models.Payment{
		SubscriptionID:        sub.ID,
		StripePaymentIntentID: inv.intentID(),
		Amount:                decimal.New(cents, -2),
		Currency:              strings.ToLower(inv.Currency),
		Status:                status,
	}
	err := tx.Payment().Create(ctx, payment)
	if err == nil {
		s.logger.Info("записан платеж по счету",
			zap.Int64("payment_id", payment.ID),
			zap.String("invoice_id", inv.ID),
			zap.String("status", status),
			zap.String("amount", payment.Amount.StringFixed(2)))
		return payment, true, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return nil, false, fmt.Errorf("ошибка записи платежа: %w", err)
	}

	existing, err := tx.Payment().GetByIntentID(ctx, payment.StripePaymentIntentID)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка получения платежа: %w", err)
	}
	return existing, false, nil
}

// HandleInvoicePaid записывает оплату счета и начисляет комиссию.
// Повторная доставка того же счета не создает второй платеж, ранее неуспешный платеж
// по тому же payment intent переводится в succeeded.
func (s *Service) HandleInvoicePaid(ctx context.Context, inv Invoice) (*models.Payment, error) {
	sub, err := s.store.Subscription().GetByStripeID(ctx, inv.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("подписка %s для счета %s: %w", inv.SubscriptionID, inv.ID, err)
	}

	var payment *models.Payment
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		p, _, err := s.recordInvoicePayment(ctx, tx, sub, inv, inv.AmountPaid, models.PaymentSucceeded)
		if err != nil {
			return err
		}
		if p.Status != models.PaymentSucceeded {
			amount := decimal.New(inv.AmountPaid, -2)
			if err := tx.Payment().MarkSucceeded(ctx, p.ID, amount); err != nil {
				return err
			}
			p.Status = models.PaymentSucceeded
			p.Amount = amount
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.processCommission(ctx, payment)
	return payment, nil
}

// HandleInvoiceFailed записывает неуспешный платеж и переводит подписку в past_due.
// Комиссия по такому платежу не начисляется.
func (s *Service) HandleInvoiceFailed(ctx context.Context, inv Invoice) error {
	sub, err := s.store.Subscription().GetByStripeID(ctx, inv.SubscriptionID)
	if err != nil {
		return fmt.Errorf("подписка %s для счета %s: %w", inv.SubscriptionID, inv.ID, err)
	}

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if _, _, err := s.recordInvoicePayment(ctx, tx, sub, inv, inv.AmountDue, models.PaymentFailed); err != nil {
			return err
		}
		sub.Status = models.SubscriptionPastDue
		if err := tx.Subscription().Update(ctx, sub); err != nil {
			return fmt.Errorf("ошибка обновления подписки: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Warn("оплата счета не прошла", zap.Int64("subscription_id", sub.ID), zap.String("invoice_id", inv.ID))
	return nil
}

// HandleSubscriptionUpdated синхронизирует статус и период подписки
func (s *Service) HandleSubscriptionUpdated(ctx context.Context, remote *RemoteSubscription) error {
	sub, err := s.store.Subscription().GetByStripeID(ctx, remote.ID)
	if err != nil {
		return fmt.Errorf("подписка %s: %w", remote.ID, err)
	}
	s.applyRemote(sub, remote)
	sub.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
	if err := s.store.Subscription().Update(ctx, sub); err != nil {
		return fmt.Errorf("ошибка обновления подписки: %w", err)
	}
	return nil
}

// HandleSubscriptionDeleted отмечает подписку отмененной
func (s *Service) HandleSubscriptionDeleted(ctx context.Context, remote *RemoteSubscription) error {
	sub, err := s.store.Subscription().GetByStripeID(ctx, remote.ID)
	if err != nil {
		return fmt.Errorf("подписка %s: %w", remote.ID, err)
	}
	now := s.now()
	sub.Status = models.SubscriptionCanceled
	sub.CanceledAt = &now
	if err := s.store.Subscription().Update(ctx, sub); err != nil {
		return fmt.Errorf("ошибка обновления подписки: %w", err)
	}
	return nil
}
