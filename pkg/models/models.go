package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Типы пользователей платформы
const (
	UserTypeDoctor  = "doctor"
	UserTypePatient = "patient"
)

// IsValidUserType проверяет тип пользователя
func IsValidUserType(t string) bool {
	return t == UserTypeDoctor || t == UserTypePatient
}

// Account представляет учетную запись пользователя
type Account struct {
	ID           int64     `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	FirstName    string    `json:"first_name" db:"first_name"`
	LastName     string    `json:"last_name" db:"last_name"`
	UserType     string    `json:"user_type" db:"user_type"` // doctor, patient
	PhoneNumber  *string   `json:"phone_number,omitempty" db:"phone_number"`
	IsStaff      bool      `json:"is_staff" db:"is_staff"`
	IsActive     bool      `json:"-" db:"is_active"`
	ReferralCode *string   `json:"referral_code" db:"referral_code"` // Уникальный реферальный код
	ReferredBy   *int64    `json:"referred_by,omitempty" db:"referred_by"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// FullName возвращает имя и фамилию
func (a *Account) FullName() string {
	switch {
	case a.FirstName == "":
		return a.LastName
	case a.LastName == "":
		return a.FirstName
	}
	return a.FirstName + " " + a.LastName
}

// Plan представляет тарифный план подписки
type Plan struct {
	ID              int64           `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	Description     string          `json:"description" db:"description"`
	Price           decimal.Decimal `json:"price" db:"price"`
	Currency        string          `json:"currency" db:"currency"`
	PlanType        string          `json:"plan_type" db:"plan_type"` // basic, premium, professional
	StripePriceID   string          `json:"-" db:"stripe_price_id"`
	StripeProductID string          `json:"-" db:"stripe_product_id"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	Features        []string        `json:"features" db:"features"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Статусы подписки
const (
	SubscriptionActive     = "active"
	SubscriptionTrialing   = "trialing"
	SubscriptionPastDue    = "past_due"
	SubscriptionCanceled   = "canceled"
	SubscriptionUnpaid     = "unpaid"
	SubscriptionIncomplete = "incomplete"
)

// IsValidSubscriptionStatus проверяет статус подписки
func IsValidSubscriptionStatus(status string) bool {
	switch status {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue,
		SubscriptionCanceled, SubscriptionUnpaid, SubscriptionIncomplete:
		return true
	default:
		return false
	}
}

// Subscription представляет подписку пользователя (одна на аккаунт)
type Subscription struct {
	ID                   int64      `json:"id" db:"id"`
	AccountID            int64      `json:"account_id" db:"account_id"`
	PlanID               int64      `json:"plan_id" db:"plan_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id" db:"stripe_subscription_id"`
	StripeCustomerID     string     `json:"-" db:"stripe_customer_id"`
	Status               string     `json:"status" db:"status"`
	CurrentPeriodStart   time.Time  `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd     time.Time  `json:"current_period_end" db:"current_period_end"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	CanceledAt           *time.Time `json:"canceled_at,omitempty" db:"canceled_at"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// IsActive возвращает true для active и trialing
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionActive || s.Status == SubscriptionTrialing
}

// DaysUntilRenewal возвращает количество дней до продления
func (s *Subscription) DaysUntilRenewal(now time.Time) int {
	if s.CurrentPeriodEnd.IsZero() {
		return 0
	}
	return int(s.CurrentPeriodEnd.Sub(now).Hours() / 24)
}

// Статусы платежа
const (
	PaymentSucceeded = "succeeded"
	PaymentPending   = "pending"
	PaymentFailed    = "failed"
	PaymentCanceled  = "canceled"
)

// Payment представляет платеж по подписке
type Payment struct {
	ID                    int64               `json:"id" db:"id"`
	SubscriptionID        int64               `json:"subscription_id" db:"subscription_id"`
	StripePaymentIntentID string              `json:"stripe_payment_intent_id" db:"stripe_payment_intent_id"`
	Amount                decimal.Decimal     `json:"amount" db:"amount"`
	Currency              string              `json:"currency" db:"currency"`
	Status                string              `json:"status" db:"status"` // succeeded, pending, failed, canceled
	CommissionAmount      decimal.NullDecimal `json:"commission_amount" db:"commission_amount"`
	CreatedAt             time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at" db:"updated_at"`
}

// WebhookEvent хранит входящее событие платежной системы
type WebhookEvent struct {
	ID            int64     `json:"id" db:"id"`
	StripeEventID string    `json:"stripe_event_id" db:"stripe_event_id"`
	EventType     string    `json:"event_type" db:"event_type"`
	Processed     bool      `json:"processed" db:"processed"`
	Data          []byte    `json:"-" db:"data"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// RegisterRequest представляет запрос на регистрацию
type RegisterRequest struct {
	Email           string  `json:"email" binding:"required,email"`
	Username        string  `json:"username"`
	Password        string  `json:"password" binding:"required,min=8"`
	PasswordConfirm string  `json:"password_confirm" binding:"required"`
	FirstName       string  `json:"first_name"`
	LastName        string  `json:"last_name"`
	UserType        string  `json:"user_type"`
	PhoneNumber     *string `json:"phone_number"`
	ReferralCode    string  `json:"referral_code"`
}

// LoginRequest представляет запрос на вход
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}
