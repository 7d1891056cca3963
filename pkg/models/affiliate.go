package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommissionStatus представляет статус комиссии
type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionPaid      CommissionStatus = "paid"
	CommissionCancelled CommissionStatus = "cancelled"
)

// IsValid проверяет валидность статуса комиссии
func (cs CommissionStatus) IsValid() bool {
	switch cs {
	case CommissionPending, CommissionPaid, CommissionCancelled:
		return true
	default:
		return false
	}
}

// Типы комиссий
const (
	CommissionTypeSubscription = "subscription"
	CommissionTypeOneTime      = "one_time"
)

// Commission представляет начисление партнеру за платеж приглашенного пользователя
type Commission struct {
	ID             int64            `json:"id" db:"id"`
	AffiliateID    int64            `json:"affiliate_id" db:"affiliate_id"`
	ReferredUserID int64            `json:"referred_user_id" db:"referred_user_id"`
	PaymentID      *int64           `json:"payment_id,omitempty" db:"payment_id"` // nil для ручных начислений
	Amount         decimal.Decimal  `json:"commission_amount" db:"commission_amount"`
	Percentage     decimal.Decimal  `json:"commission_percentage" db:"commission_percentage"`
	Type           string           `json:"commission_type" db:"commission_type"`
	Status         CommissionStatus `json:"status" db:"status"`
	PaidAt         *time.Time       `json:"paid_at,omitempty" db:"paid_at"`
	Notes          *string          `json:"notes,omitempty" db:"notes"`
	ArchivedAt     *time.Time       `json:"-" db:"archived_at"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`

	ReferredUser *Account `json:"referred_user,omitempty" db:"-"`
}

// CommissionTotals суммы комиссий партнера по статусам
type CommissionTotals struct {
	Paid      decimal.Decimal
	Pending   decimal.Decimal
	Cancelled decimal.Decimal
}

// AffiliateStats кэш агрегированной статистики партнера.
// Источник истины - таблица комиссий, строку можно пересчитать в любой момент.
type AffiliateStats struct {
	AccountID       int64           `json:"-" db:"account_id"`
	TotalReferrals  int             `json:"total_referrals" db:"total_referrals"`
	ActiveReferrals int             `json:"active_referrals" db:"active_referrals"`
	TotalEarned     decimal.Decimal `json:"total_commission_earned" db:"total_commission_earned"`
	TotalPaid       decimal.Decimal `json:"total_commission_paid" db:"total_commission_paid"`
	TotalPending    decimal.Decimal `json:"total_commission_pending" db:"total_commission_pending"`
	TotalCancelled  decimal.Decimal `json:"total_commission_cancelled" db:"total_commission_cancelled"`
	LastUpdated     time.Time       `json:"last_updated" db:"last_updated"`
}

// Equal сравнивает статистику без учета времени обновления
func (s *AffiliateStats) Equal(o *AffiliateStats) bool {
	return s.AccountID == o.AccountID &&
		s.TotalReferrals == o.TotalReferrals &&
		s.ActiveReferrals == o.ActiveReferrals &&
		s.TotalEarned.Equal(o.TotalEarned) &&
		s.TotalPaid.Equal(o.TotalPaid) &&
		s.TotalPending.Equal(o.TotalPending) &&
		s.TotalCancelled.Equal(o.TotalCancelled)
}

// PayoutStatus представляет статус заявки на выплату
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
	PayoutRejected  PayoutStatus = "rejected"
)

// IsTerminal возвращает true для завершенных заявок
func (ps PayoutStatus) IsTerminal() bool {
	return ps == PayoutCompleted || ps == PayoutRejected
}

// Способы выплаты
const (
	PayoutMethodBankTransfer = "bank_transfer"
	PayoutMethodPayPal       = "paypal"
	PayoutMethodStripe       = "stripe"
)

// PayoutRequest представляет заявку партнера на вывод средств
type PayoutRequest struct {
	ID              int64             `json:"id" db:"id"`
	AffiliateID     int64             `json:"affiliate_id" db:"affiliate_id"`
	Amount          decimal.Decimal   `json:"amount" db:"amount"`
	Status          PayoutStatus      `json:"status" db:"status"`
	PaymentMethod   string            `json:"payment_method" db:"payment_method"`
	PaymentDetails  map[string]string `json:"payment_details" db:"payment_details"`
	ProcessedAt     *time.Time        `json:"processed_at,omitempty" db:"processed_at"`
	RejectionReason *string           `json:"rejection_reason,omitempty" db:"rejection_reason"`
	AdminNotes      *string           `json:"-" db:"admin_notes"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// PayoutCreateRequest представляет запрос на создание заявки на выплату
type PayoutCreateRequest struct {
	Amount         decimal.Decimal   `json:"amount"`
	PaymentMethod  string            `json:"payment_method"`
	PaymentDetails map[string]string `json:"payment_details"`
}

// ManualCommissionRequest представляет ручное начисление от администратора
type ManualCommissionRequest struct {
	AffiliateID    int64           `json:"affiliate_id"`
	ReferredUserID int64           `json:"referred_user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Notes          string          `json:"notes"`
}

// CommissionFilter параметры выборки комиссий
type CommissionFilter struct {
	Status   CommissionStatus
	Page     int
	PageSize int
}

// Offset возвращает смещение для постраничной выборки
func (f CommissionFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.PageSize
}

// CommissionPage страница списка комиссий
type CommissionPage struct {
	Commissions []*Commission `json:"commissions"`
	TotalCount  int           `json:"total_count"`
	Page        int           `json:"page"`
	PageSize    int           `json:"page_size"`
	HasNext     bool          `json:"has_next"`
}

// ReferralInfo приглашенный пользователь со статусом подписки
type ReferralInfo struct {
	Account            *Account `json:"user"`
	SubscriptionStatus *string  `json:"subscription_status"`
	SubscriptionActive bool     `json:"subscription_active"`
}

// PendingDigest сводка неоплаченных комиссий партнера для еженедельного уведомления
type PendingDigest struct {
	AffiliateID  int64           `json:"affiliate_id"`
	Email        string          `json:"email"`
	Name         string          `json:"name"`
	TotalPending decimal.Decimal `json:"total_pending"`
	Count        int             `json:"count"`
}

// AffiliateDashboard сводка для личного кабинета партнера
type AffiliateDashboard struct {
	TotalEarnings     decimal.Decimal  `json:"total_earnings"`
	AvailableBalance  decimal.Decimal  `json:"available_balance"`
	TotalReferrals    int              `json:"total_referrals"`
	ActiveReferrals   int              `json:"active_referrals"`
	MonthlyEarnings   decimal.Decimal  `json:"monthly_earnings"`
	AffiliateLink     string           `json:"affiliate_link"`
	ReferralCode      string           `json:"referral_code"`
	RecentCommissions []*Commission    `json:"recent_commissions"`
	RecentReferrals   []*Account       `json:"recent_referrals"`
	RecentPayouts     []*PayoutRequest `json:"recent_payouts"`
}
