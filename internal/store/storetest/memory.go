// Package storetest содержит хранилище в памяти для тестов сервисов.
// Транзакции реализованы снимком состояния: ошибка из WithTx восстанавливает снимок.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"clinical-platform/internal/store"
	"clinical-platform/pkg/models"
)

type state struct {
	seq         int64
	accounts    map[int64]models.Account
	plans       map[int64]models.Plan
	subs        map[int64]models.Subscription
	payments    map[int64]models.Payment
	commissions map[int64]models.Commission
	stats       map[int64]models.AffiliateStats
	payouts     map[int64]models.PayoutRequest
	events      map[string]models.WebhookEvent
}

func newState() *state {
	return &state{
		accounts:    map[int64]models.Account{},
		plans:       map[int64]models.Plan{},
		subs:        map[int64]models.Subscription{},
		payments:    map[int64]models.Payment{},
		commissions: map[int64]models.Commission{},
		stats:       map[int64]models.AffiliateStats{},
		payouts:     map[int64]models.PayoutRequest{},
		events:      map[string]models.WebhookEvent{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (st *state) clone() *state {
	return &state{
		seq:         st.seq,
		accounts:    cloneMap(st.accounts),
		plans:       cloneMap(st.plans),
		subs:        cloneMap(st.subs),
		payments:    cloneMap(st.payments),
		commissions: cloneMap(st.commissions),
		stats:       cloneMap(st.stats),
		payouts:     cloneMap(st.payouts),
		events:      cloneMap(st.events),
	}
}

func (st *state) nextID() int64 {
	st.seq++
	return st.seq
}

type memory struct {
	mu   sync.Mutex
	txMu sync.Mutex
	st   *state
	fail map[string]error
	once map[string][]error
	txs  int
}

// Store хранилище в памяти, реализующее store.Store
type Store struct {
	*memory
	inTx bool
}

var _ store.Store = (*Store)(nil)

// New создает пустое хранилище
func New() *Store {
	return &Store{memory: &memory{st: newState(), fail: map[string]error{}, once: map[string][]error{}}}
}

// FailOn заставляет операцию op возвращать err, nil снимает ошибку
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

// FailOnce ставит err в очередь разовых ошибок операции op
func (s *Store) FailOnce(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.once[op] = append(s.once[op], err)
}

// Transactions возвращает количество начатых внешних транзакций
func (s *Store) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txs
}

// do выполняет fn под блокировкой, если для op не внедрена ошибка
func (s *Store) do(op string, fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[op]; err != nil {
		return err
	}
	if queued := s.once[op]; len(queued) > 0 {
		s.once[op] = queued[1:]
		return queued[0]
	}
	return fn(s.st)
}

func sortBy[T any](items []T, less func(a, b T) bool) {
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
}

func (s *Store) Account() store.AccountRepository           { return &accountRepo{s} }
func (s *Store) Plan() store.PlanRepository                 { return &planRepo{s} }
func (s *Store) Subscription() store.SubscriptionRepository { return &subscriptionRepo{s} }
func (s *Store) Payment() store.PaymentRepository           { return &paymentRepo{s} }
func (s *Store) Commission() store.CommissionRepository     { return &commissionRepo{s} }
func (s *Store) Stats() store.StatsRepository               { return &statsRepo{s} }
func (s *Store) Payout() store.PayoutRepository             { return &payoutRepo{s} }
func (s *Store) WebhookEvent() store.WebhookEventRepository { return &webhookRepo{s} }

// WithTx выполняет fn над снимком состояния
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.txs++
	s.mu.Unlock()

	if err := fn(&Store{memory: s.memory, inTx: true}); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.do("ping", func(*state) error { return nil })
}

func (s *Store) Close() error { return nil }

// AddPlan добавляет тарифный план
func (s *Store) AddPlan(p *models.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.st.nextID()
	}
	s.st.plans[p.ID] = *p
}

// Commissions возвращает все комиссии, включая архивные
func (s *Store) Commissions() []models.Commission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Commission, 0, len(s.st.commissions))
	for _, c := range s.st.commissions {
		out = append(out, c)
	}
	sortBy(out, func(a, b models.Commission) bool { return a.ID < b.ID })
	return out
}

// SetPaidAt меняет дату выплаты комиссии
func (s *Store) SetPaidAt(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.st.commissions[id]; ok {
		c.PaidAt = &at
		s.st.commissions[id] = c
	}
}
