package storetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinical-platform/internal/store"
	"clinical-platform/pkg/models"

	"github.com/shopspring/decimal"
)

type accountRepo struct{ s *Store }

func (r *accountRepo) Create(ctx context.Context, a *models.Account) error {
	return r.s.do("account.create", func(st *state) error {
		for _, existing := range st.accounts {
			if strings.EqualFold(existing.Email, a.Email) {
				return fmt.Errorf("email %s: %w", a.Email, &store.DuplicateError{Constraint: store.ConstraintAccountEmail})
			}
			if existing.Username == a.Username {
				return fmt.Errorf("пользователь %s: %w", a.Username, &store.DuplicateError{Constraint: store.ConstraintAccountUsername})
			}
			if a.ReferralCode != nil && existing.ReferralCode != nil && *existing.ReferralCode == *a.ReferralCode {
				return fmt.Errorf("реферальный код %s: %w", *a.ReferralCode, &store.DuplicateError{Constraint: store.ConstraintAccountReferralCode})
			}
		}
		a.ID = st.nextID()
		now := time.Now()
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.UpdatedAt = now
		st.accounts[a.ID] = *a
		return nil
	})
}

func (r *accountRepo) find(op string, match func(a models.Account) bool) (*models.Account, error) {
	var found *models.Account
	err := r.s.do(op, func(st *state) error {
		for _, a := range st.accounts {
			if match(a) {
				a := a
				found = &a
				return nil
			}
		}
		return store.ErrNotFound
	})
	return found, err
}

func (r *accountRepo) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	return r.find("account.get", func(a models.Account) bool { return a.ID == id })
}

func (r *accountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.find("account.get", func(a models.Account) bool { return strings.EqualFold(a.Email, email) })
}

func (r *accountRepo) GetByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	return r.find("account.get", func(a models.Account) bool { return a.ReferralCode != nil && *a.ReferralCode == code })
}

func (r *accountRepo) LockByID(ctx context.Context, id int64) error {
	_, err := r.find("account.lock", func(a models.Account) bool { return a.ID == id })
	return err
}

func (r *accountRepo) UsernameExists(ctx context.Context, username string) (bool, error) {
	_, err := r.find("account.get", func(a models.Account) bool { return a.Username == username })
	return exists(err)
}

func (r *accountRepo) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	_, err := r.GetByReferralCode(ctx, code)
	return exists(err)
}

func exists(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (r *accountRepo) SetReferralCode(ctx context.Context, id int64, code string) error {
	return r.s.do("account.set_code", func(st *state) error {
		a, ok := st.accounts[id]
		if !ok {
			return store.ErrNotFound
		}
		for _, other := range st.accounts {
			if other.ID != id && other.ReferralCode != nil && *other.ReferralCode == code {
				return store.ErrDuplicate
			}
		}
		a.ReferralCode = &code
		a.UpdatedAt = time.Now()
		st.accounts[id] = a
		return nil
	})
}

func (r *accountRepo) SetReferredBy(ctx context.Context, id int64, referrerID int64) error {
	return r.s.do("account.set_referrer", func(st *state) error {
		a, ok := st.accounts[id]
		if !ok || id == referrerID {
			return store.ErrNotFound
		}
		a.ReferredBy = &referrerID
		a.UpdatedAt = time.Now()
		st.accounts[id] = a
		return nil
	})
}

func (r *accountRepo) ListReferrals(ctx context.Context, referrerID int64, limit int) ([]*models.Account, error) {
	var out []*models.Account
	err := r.s.do("account.list", func(st *state) error {
		for _, a := range st.accounts {
			if a.ReferredBy != nil && *a.ReferredBy == referrerID {
				a := a
				out = append(out, &a)
			}
		}
		return nil
	})
	sortBy(out, func(a, b *models.Account) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r *accountRepo) CountReferrals(ctx context.Context, referrerID int64) (int, int, error) {
	var total, active int
	err := r.s.do("account.count", func(st *state) error {
		for _, a := range st.accounts {
			if a.ReferredBy == nil || *a.ReferredBy != referrerID {
				continue
			}
			total++
			for _, sub := range st.subs {
				if sub.AccountID == a.ID && sub.IsActive() {
					active++
				}
			}
		}
		return nil
	})
	return total, active, err
}

func (r *accountRepo) ListWithoutReferralCode(ctx context.Context) ([]*models.Account, error) {
	var out []*models.Account
	err := r.s.do("account.list", func(st *state) error {
		for _, a := range st.accounts {
			if a.ReferralCode == nil {
				a := a
				out = append(out, &a)
			}
		}
		return nil
	})
	sortBy(out, func(a, b *models.Account) bool { return a.ID < b.ID })
	return out, err
}

func (r *accountRepo) ListAffiliateIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.s.do("account.list", func(st *state) error {
		seen := map[int64]bool{}
		for _, a := range st.accounts {
			if a.ReferredBy != nil && !seen[*a.ReferredBy] {
				seen[*a.ReferredBy] = true
				ids = append(ids, *a.ReferredBy)
			}
		}
		for _, c := range st.commissions {
			if !seen[c.AffiliateID] {
				seen[c.AffiliateID] = true
				ids = append(ids, c.AffiliateID)
			}
		}
		return nil
	})
	sortBy(ids, func(a, b int64) bool { return a < b })
	return ids, err
}

type planRepo struct{ s *Store }

func (r *planRepo) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	var out *models.Plan
	err := r.s.do("plan.get", func(st *state) error {
		p, ok := st.plans[id]
		if !ok {
			return store.ErrNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (r *planRepo) ListActive(ctx context.Context) ([]*models.Plan, error) {
	var out []*models.Plan
	err := r.s.do("plan.list", func(st *state) error {
		for _, p := range st.plans {
			if p.IsActive {
				p := p
				out = append(out, &p)
			}
		}
		return nil
	})
	sortBy(out, func(a, b *models.Plan) bool { return a.Price.LessThan(b.Price) })
	return out, err
}

type subscriptionRepo struct{ s *Store }

func (r *subscriptionRepo) Create(ctx context.Context, sub *models.Subscription) error {
	return r.s.do("subscription.create", func(st *state) error {
		for _, existing := range st.subs {
			if existing.AccountID == sub.AccountID || existing.StripeSubscriptionID == sub.StripeSubscriptionID {
				return store.ErrDuplicate
			}
		}
		sub.ID = st.nextID()
		now := time.Now()
		sub.CreatedAt = now
		sub.UpdatedAt = now
		st.subs[sub.ID] = *sub
		return nil
	})
}

func (r *subscriptionRepo) find(match func(s models.Subscription) bool) (*models.Subscription, error) {
	var out *models.Subscription
	err := r.s.do("subscription.get", func(st *state) error {
		for _, sub := range st.subs {
			if match(sub) {
				sub := sub
				out = &sub
				return nil
			}
		}
		return store.ErrNotFound
	})
	return out, err
}

func (r *subscriptionRepo) GetByID(ctx context.Context, id int64) (*models.Subscription, error) {
	return r.find(func(s models.Subscription) bool { return s.ID == id })
}

func (r *subscriptionRepo) GetByAccountID(ctx context.Context, accountID int64) (*models.Subscription, error) {
	return r.find(func(s models.Subscription) bool { return s.AccountID == accountID })
}

func (r *subscriptionRepo) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	return r.find(func(s models.Subscription) bool { return s.StripeSubscriptionID == stripeSubscriptionID })
}

func (r *subscriptionRepo) Update(ctx context.Context, sub *models.Subscription) error {
	return r.s.do("subscription.update", func(st *state) error {
		existing, ok := st.subs[sub.ID]
		if !ok {
			return store.ErrNotFound
		}
		sub.UpdatedAt = time.Now()
		sub.CreatedAt = existing.CreatedAt
		st.subs[sub.ID] = *sub
		return nil
	})
}

type paymentRepo struct{ s *Store }

func (r *paymentRepo) Create(ctx context.Context, p *models.Payment) error {
	return r.s.do("payment.create", func(st *state) error {
		for _, existing := range st.payments {
			if existing.StripePaymentIntentID == p.StripePaymentIntentID {
				return fmt.Errorf("платеж %s: %w", p.StripePaymentIntentID, store.ErrDuplicate)
			}
		}
		p.ID = st.nextID()
		now := time.Now()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		st.payments[p.ID] = *p
		return nil
	})
}

func (r *paymentRepo) get(op string, id int64) (*models.Payment, error) {
	var out *models.Payment
	err := r.s.do(op, func(st *state) error {
		p, ok := st.payments[id]
		if !ok {
			return store.ErrNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (r *paymentRepo) GetByID(ctx context.Context, id int64) (*models.Payment, error) {
	return r.get("payment.get", id)
}

func (r *paymentRepo) GetForUpdate(ctx context.Context, id int64) (*models.Payment, error) {
	return r.get("payment.lock", id)
}

func (r *paymentRepo) GetByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	var out *models.Payment
	err := r.s.do("payment.get", func(st *state) error {
		for _, p := range st.payments {
			if p.StripePaymentIntentID == intentID {
				p := p
				out = &p
				return nil
			}
		}
		return store.ErrNotFound
	})
	return out, err
}

func (r *paymentRepo) CountBySubscription(ctx context.Context, subscriptionID int64) (int, error) {
	var count int
	err := r.s.do("payment.count", func(st *state) error {
		for _, p := range st.payments {
			if p.SubscriptionID == subscriptionID {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (r *paymentRepo) SetCommissionAmount(ctx context.Context, id int64, amount decimal.Decimal) error {
	return r.s.do("payment.set_commission", func(st *state) error {
		p, ok := st.payments[id]
		if !ok {
			return store.ErrNotFound
		}
		p.CommissionAmount = decimal.NewNullDecimal(amount)
		p.UpdatedAt = time.Now()
		st.payments[id] = p
		return nil
	})
}

func (r *paymentRepo) MarkSucceeded(ctx context.Context, id int64, amount decimal.Decimal) error {
	return r.s.do("payment.mark_succeeded", func(st *state) error {
		p, ok := st.payments[id]
		if !ok || p.Status == models.PaymentSucceeded {
			return nil
		}
		p.Status = models.PaymentSucceeded
		p.Amount = amount
		p.UpdatedAt = time.Now()
		st.payments[id] = p
		return nil
	})
}

func (r *paymentRepo) ListUnprocessed(ctx context.Context, since time.Time) ([]*models.Payment, error) {
	var out []*models.Payment
	err := r.s.do("payment.list", func(st *state) error {
		for _, p := range st.payments {
			if p.Status != models.PaymentSucceeded || p.CreatedAt.Before(since) || p.CommissionAmount.Valid {
				continue
			}
			sub, ok := st.subs[p.SubscriptionID]
			if !ok {
				continue
			}
			owner, ok := st.accounts[sub.AccountID]
			if !ok || owner.ReferredBy == nil {
				continue
			}
			if hasCommission(st, p.ID) {
				continue
			}
			p := p
			out = append(out, &p)
		}
		return nil
	})
	sortBy(out, func(a, b *models.Payment) bool { return a.CreatedAt.Before(b.CreatedAt) })
	return out, err
}

func hasCommission(st *state, paymentID int64) bool {
	for _, c := range st.commissions {
		if c.PaymentID != nil && *c.PaymentID == paymentID {
			return true
		}
	}
	return false
}

type commissionRepo struct{ s *Store }

func (r *commissionRepo) Create(ctx context.Context, c *models.Commission) error {
	return r.s.do("commission.create", func(st *state) error {
		if c.PaymentID != nil && hasCommission(st, *c.PaymentID) {
			return fmt.Errorf("комиссия для платежа уже существует: %w", store.ErrDuplicate)
		}
		c.ID = st.nextID()
		now := time.Now()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		st.commissions[c.ID] = *c
		return nil
	})
}

func (r *commissionRepo) ExistsForPayment(ctx context.Context, paymentID int64) (bool, error) {
	var found bool
	err := r.s.do("commission.exists", func(st *state) error {
		found = hasCommission(st, paymentID)
		return nil
	})
	return found, err
}

func (r *commissionRepo) ListByAffiliate(ctx context.Context, affiliateID int64, filter models.CommissionFilter) ([]*models.Commission, int, error) {
	var all []*models.Commission
	err := r.s.do("commission.list", func(st *state) error {
		for _, c := range st.commissions {
			if c.AffiliateID != affiliateID || c.ArchivedAt != nil {
				continue
			}
			if filter.Status != "" && c.Status != filter.Status {
				continue
			}
			c := c
			if u, ok := st.accounts[c.ReferredUserID]; ok {
				c.ReferredUser = &models.Account{
					ID: u.ID, Email: u.Email, Username: u.Username, FirstName: u.FirstName, LastName: u.LastName,
				}
			}
			all = append(all, &c)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sortBy(all, func(a, b *models.Commission) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	total := len(all)
	start := filter.Offset()
	if start > total {
		start = total
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (r *commissionRepo) Totals(ctx context.Context, affiliateID int64) (*models.CommissionTotals, error) {
	t := &models.CommissionTotals{}
	err := r.s.do("commission.totals", func(st *state) error {
		for _, c := range st.commissions {
			if c.AffiliateID != affiliateID {
				continue
			}
			switch c.Status {
			case models.CommissionPaid:
				t.Paid = t.Paid.Add(c.Amount)
			case models.CommissionPending:
				t.Pending = t.Pending.Add(c.Amount)
			case models.CommissionCancelled:
				t.Cancelled = t.Cancelled.Add(c.Amount)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *commissionRepo) SumSince(ctx context.Context, affiliateID int64, status models.CommissionStatus, since time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	err := r.s.do("commission.sum", func(st *state) error {
		for _, c := range st.commissions {
			if c.AffiliateID == affiliateID && c.Status == status && !c.CreatedAt.Before(since) {
				sum = sum.Add(c.Amount)
			}
		}
		return nil
	})
	return sum, err
}

func (r *commissionRepo) Transition(ctx context.Context, ids []int64, from, to models.CommissionStatus, at time.Time, notes *string) ([]int64, error) {
	var affiliates []int64
	err := r.s.do("commission.transition", func(st *state) error {
		seen := map[int64]bool{}
		for _, id := range ids {
			c, ok := st.commissions[id]
			if !ok || c.Status != from {
				continue
			}
			c.Status = to
			if to == models.CommissionPaid {
				paidAt := at
				c.PaidAt = &paidAt
			}
			if notes != nil {
				c.Notes = notes
			}
			c.UpdatedAt = at
			st.commissions[id] = c
			if !seen[c.AffiliateID] {
				seen[c.AffiliateID] = true
				affiliates = append(affiliates, c.AffiliateID)
			}
		}
		return nil
	})
	return affiliates, err
}

func (r *commissionRepo) PendingDigests(ctx context.Context) ([]*models.PendingDigest, error) {
	byAffiliate := map[int64]*models.PendingDigest{}
	var out []*models.PendingDigest
	err := r.s.do("commission.digests", func(st *state) error {
		for _, c := range st.commissions {
			if c.Status != models.CommissionPending {
				continue
			}
			d, ok := byAffiliate[c.AffiliateID]
			if !ok {
				a := st.accounts[c.AffiliateID]
				d = &models.PendingDigest{AffiliateID: c.AffiliateID, Email: a.Email, Name: a.FullName()}
				byAffiliate[c.AffiliateID] = d
				out = append(out, d)
			}
			d.TotalPending = d.TotalPending.Add(c.Amount)
			d.Count++
		}
		return nil
	})
	sortBy(out, func(a, b *models.PendingDigest) bool { return a.AffiliateID < b.AffiliateID })
	return out, err
}

func (r *commissionRepo) ArchivePaidBefore(ctx context.Context, before time.Time, now time.Time) (int64, error) {
	var n int64
	err := r.s.do("commission.archive", func(st *state) error {
		for id, c := range st.commissions {
			if c.Status == models.CommissionPaid && c.PaidAt != nil && c.PaidAt.Before(before) && c.ArchivedAt == nil {
				archivedAt := now
				c.ArchivedAt = &archivedAt
				st.commissions[id] = c
				n++
			}
		}
		return nil
	})
	return n, err
}

type statsRepo struct{ s *Store }

func (r *statsRepo) Get(ctx context.Context, accountID int64) (*models.AffiliateStats, error) {
	var out *models.AffiliateStats
	err := r.s.do("stats.get", func(st *state) error {
		s, ok := st.stats[accountID]
		if !ok {
			return store.ErrNotFound
		}
		out = &s
		return nil
	})
	return out, err
}

func (r *statsRepo) Upsert(ctx context.Context, s *models.AffiliateStats) error {
	return r.s.do("stats.upsert", func(st *state) error {
		st.stats[s.AccountID] = *s
		return nil
	})
}

type payoutRepo struct{ s *Store }

func (r *payoutRepo) Create(ctx context.Context, p *models.PayoutRequest) error {
	return r.s.do("payout.create", func(st *state) error {
		for _, existing := range st.payouts {
			if existing.AffiliateID == p.AffiliateID && existing.Status == models.PayoutPending && p.Status == models.PayoutPending {
				return store.ErrDuplicate
			}
		}
		p.ID = st.nextID()
		now := time.Now()
		p.CreatedAt = now
		p.UpdatedAt = now
		st.payouts[p.ID] = *p
		return nil
	})
}

func (r *payoutRepo) GetByID(ctx context.Context, id int64) (*models.PayoutRequest, error) {
	var out *models.PayoutRequest
	err := r.s.do("payout.get", func(st *state) error {
		p, ok := st.payouts[id]
		if !ok {
			return store.ErrNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (r *payoutRepo) HasPending(ctx context.Context, affiliateID int64) (bool, error) {
	pending, err := r.ListPending(ctx, affiliateID)
	return len(pending) > 0, err
}

func (r *payoutRepo) filter(affiliateID int64, match func(p models.PayoutRequest) bool) ([]*models.PayoutRequest, error) {
	var out []*models.PayoutRequest
	err := r.s.do("payout.list", func(st *state) error {
		for _, p := range st.payouts {
			if p.AffiliateID == affiliateID && match(p) {
				p := p
				out = append(out, &p)
			}
		}
		return nil
	})
	sortBy(out, func(a, b *models.PayoutRequest) bool { return a.ID > b.ID })
	return out, err
}

func (r *payoutRepo) ListByAffiliate(ctx context.Context, affiliateID int64) ([]*models.PayoutRequest, error) {
	return r.filter(affiliateID, func(models.PayoutRequest) bool { return true })
}

func (r *payoutRepo) ListPending(ctx context.Context, affiliateID int64) ([]*models.PayoutRequest, error) {
	return r.filter(affiliateID, func(p models.PayoutRequest) bool { return p.Status == models.PayoutPending })
}

func (r *payoutRepo) Resolve(ctx context.Context, id int64, status models.PayoutStatus, reason *string, notes *string, at time.Time) error {
	return r.s.do("payout.resolve", func(st *state) error {
		p, ok := st.payouts[id]
		if !ok || p.Status != models.PayoutPending {
			return store.ErrNotFound
		}
		p.Status = status
		if reason != nil {
			p.RejectionReason = reason
		}
		if notes != nil {
			p.AdminNotes = notes
		}
		processedAt := at
		p.ProcessedAt = &processedAt
		p.UpdatedAt = at
		st.payouts[id] = p
		return nil
	})
}

type webhookRepo struct{ s *Store }

func (r *webhookRepo) Record(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	var created bool
	err := r.s.do("webhook.record", func(st *state) error {
		if existing, ok := st.events[e.StripeEventID]; ok {
			e.ID = existing.ID
			e.Processed = existing.Processed
			e.CreatedAt = existing.CreatedAt
			return nil
		}
		e.ID = st.nextID()
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		e.Processed = false
		st.events[e.StripeEventID] = *e
		created = true
		return nil
	})
	return created, err
}

func (r *webhookRepo) MarkProcessed(ctx context.Context, stripeEventID string) error {
	return r.s.do("webhook.mark", func(st *state) error {
		e, ok := st.events[stripeEventID]
		if !ok {
			return store.ErrNotFound
		}
		e.Processed = true
		st.events[stripeEventID] = e
		return nil
	})
}
