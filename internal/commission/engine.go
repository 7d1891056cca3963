package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinical-platform/internal/affiliate"
	"clinical-platform/internal/metrics"
	"clinical-platform/internal/store"
	"clinical-platform/pkg/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// Rate доля платежа, начисляемая партнеру
	Rate = decimal.RequireFromString("0.30")
	// Percentage ставка в процентах, сохраняемая на комиссии
	Percentage = decimal.RequireFromString("30.00")
)

// currencyPlaces точность денежных сумм
const currencyPlaces = 2

// Причины пропуска платежа
const (
	SkipNotSucceeded = "not_succeeded"
	SkipExists       = "already_processed"
	SkipNotReferred  = "not_referred"
	SkipZeroAmount   = "zero_amount"
)

// Outcome результат обработки платежа
type Outcome struct {
	Commission *models.Commission
	SkipReason string
}

// Created возвращает true, если комиссия была создана
func (o *Outcome) Created() bool {
	return o.Commission != nil
}

// Amount вычисляет комиссию с платежа с точностью до центов
func Amount(paymentAmount decimal.Decimal) decimal.Decimal {
	return paymentAmount.Mul(Rate).Round(currencyPlaces)
}

// Engine начисляет комиссии партнерам за платежи приглашенных пользователей
type Engine struct {
	store   store.Store
	stats   *affiliate.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewEngine создает движок комиссий
func NewEngine(st store.Store, stats *affiliate.Service, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		store:   st,
		stats:   stats,
		metrics: m,
		logger:  logger,
	}
}

// Process начисляет комиссию за платеж не более одного раза.
// Все изменения выполняются в одной транзакции; при ошибке платеж остается необработанным.
func (e *Engine) Process(ctx context.Context, paymentID int64) (*Outcome, error) {
	outcome := &Outcome{}

	err := e.store.WithTx(ctx, func(tx store.Store) error {
		payment, err := tx.Payment().GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentSucceeded {
			outcome.SkipReason = SkipNotSucceeded
			return nil
		}

		exists, err := tx.Commission().ExistsForPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		if exists {
			outcome.SkipReason = SkipExists
			return nil
		}

		sub, err := tx.Subscription().GetByID(ctx, payment.SubscriptionID)
		if err != nil {
			return fmt.Errorf("подписка платежа: %w", err)
		}
		payer, err := tx.Account().GetByID(ctx, sub.AccountID)
		if err != nil {
			return fmt.Errorf("владелец подписки: %w", err)
		}
		if payer.ReferredBy == nil || *payer.ReferredBy == payer.ID {
			outcome.SkipReason = SkipNotReferred
			return nil
		}

		amount := Amount(payment.Amount)
		if !amount.IsPositive() {
			outcome.SkipReason = SkipZeroAmount
			return nil
		}

		c := &models.Commission{
			AffiliateID:    *payer.ReferredBy,
			ReferredUserID: payer.ID,
			PaymentID:      &payment.ID,
			Amount:         amount,
			Percentage:     Percentage,
			Type:           models.CommissionTypeSubscription,
			Status:         models.CommissionPending,
		}
		if err := tx.Commission().Create(ctx, c); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				outcome.SkipReason = SkipExists
				return nil
			}
			return err
		}

		if err := tx.Payment().SetCommissionAmount(ctx, payment.ID, amount); err != nil {
			return err
		}

		if _, err := e.stats.WithStore(tx).Recompute(ctx, c.AffiliateID); err != nil {
			return err
		}

		outcome.Commission = c
		return nil
	})
	if err != nil {
		e.metrics.RecordCommission("failed", decimal.Zero)
		e.logger.Error("ошибка начисления комиссии, платеж оставлен для сверки",
			zap.Int64("payment_id", paymentID),
			zap.Error(err))
		return nil, fmt.Errorf("ошибка начисления комиссии за платеж %d: %w", paymentID, err)
	}

	if outcome.Created() {
		e.metrics.RecordCommission("created", outcome.Commission.Amount)
		e.logger.Info("комиссия начислена",
			zap.Int64("payment_id", paymentID),
			zap.Int64("commission_id", outcome.Commission.ID),
			zap.Int64("affiliate_id", outcome.Commission.AffiliateID),
			zap.String("amount", outcome.Commission.Amount.StringFixed(currencyPlaces)))
	} else {
		e.metrics.RecordCommission("skipped", decimal.Zero)
		e.logger.Debug("платеж пропущен движком комиссий",
			zap.Int64("payment_id", paymentID),
			zap.String("reason", outcome.SkipReason))
	}

	return outcome, nil
}

// CreateManual создает разовую комиссию без привязки к платежу
func (e *Engine) CreateManual(ctx context.Context, req models.ManualCommissionRequest) (*models.Commission, error) {
	if !req.Amount.IsPositive() {
		return nil, models.NewValidationError("amount", "сумма комиссии должна быть больше нуля")
	}
	if req.AffiliateID == req.ReferredUserID {
		return nil, models.NewValidationError("referred_user_id", "партнер не может получить комиссию за себя")
	}

	c := &models.Commission{
		AffiliateID:    req.AffiliateID,
		ReferredUserID: req.ReferredUserID,
		Amount:         req.Amount.Round(currencyPlaces),
		Percentage:     Percentage,
		Type:           models.CommissionTypeOneTime,
		Status:         models.CommissionPending,
	}
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		c.Notes = &notes
	}

	err := e.store.WithTx(ctx, func(tx store.Store) error {
		checks := []struct {
			field string
			id    int64
		}{
			{"affiliate_id", req.AffiliateID},
			{"referred_user_id", req.ReferredUserID},
		}
		for _, check := range checks {
			if _, err := tx.Account().GetByID(ctx, check.id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return models.NewValidationError(check.field, fmt.Sprintf("пользователь %d не найден", check.id))
				}
				return err
			}
		}

		if err := tx.Commission().Create(ctx, c); err != nil {
			return err
		}
		_, err := e.stats.WithStore(tx).Recompute(ctx, c.AffiliateID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания ручной комиссии: %w", err)
	}

	e.metrics.RecordCommission("manual", c.Amount)
	e.logger.Info("создана ручная комиссия",
		zap.Int64("commission_id", c.ID),
		zap.Int64("affiliate_id", c.AffiliateID),
		zap.Int64("referred_user_id", c.ReferredUserID),
		zap.String("amount", c.Amount.StringFixed(currencyPlaces)))

	return c, nil
}

// ReconcileResult итог пакетной сверки
type ReconcileResult struct {
	Checked   int
	Created   int
	Skipped   int
	Failed    int
	FailedIDs []int64
}

// Reconcile обрабатывает успешные платежи без комиссии, созданные начиная с since.
// Ошибка по одному платежу учитывается в итоге и не прерывает обход.
func (e *Engine) Reconcile(ctx context.Context, since time.Time, dryRun bool) (*ReconcileResult, error) {
	payments, err := e.store.Payment().ListUnprocessed(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения необработанных платежей: %w", err)
	}

	result := &ReconcileResult{}
	for _, payment := range payments {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++

		if dryRun {
			e.logger.Info("[dry-run] платеж будет обработан",
				zap.Int64("payment_id", payment.ID),
				zap.String("amount", payment.Amount.StringFixed(currencyPlaces)),
				zap.String("commission", Amount(payment.Amount).StringFixed(currencyPlaces)))
			continue
		}

		outcome, err := e.Process(ctx, payment.ID)
		switch {
		case err != nil:
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, payment.ID)
		case outcome.Created():
			result.Created++
		default:
			result.Skipped++
		}
	}

	e.metrics.SetGauge("affiliate_last_reconcile_timestamp", float64(time.Now().Unix()))
	e.logger.Info("сверка комиссий завершена",
		zap.Time("since", since),
		zap.Bool("dry_run", dryRun),
		zap.Int("checked", result.Checked),
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))

	return result, nil
}
