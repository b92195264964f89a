package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type requestKey struct {
	tenantID  string
	requestID string
}

// MemoryStore is a process-local Store. A single lock serializes every
// mutation, which trivially satisfies per-tenant linearizability.
type MemoryStore struct {
	mu           sync.Mutex
	balances     map[string]*Balance
	events       map[requestKey]*UsageEvent
	order        []*UsageEvent
	reservations map[requestKey]*Reservation
	credits      []*Credit
	creditRefs   map[requestKey]struct{}
	now          func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, mostly for reservation age tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		balances:     make(map[string]*Balance),
		events:       make(map[requestKey]*UsageEvent),
		reservations: make(map[requestKey]*Reservation),
		creditRefs:   make(map[requestKey]struct{}),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// balance returns the live row, creating it on first touch. Caller holds mu.
func (s *MemoryStore) balance(tenantID string) *Balance {
	b, ok := s.balances[tenantID]
	if !ok {
		b = &Balance{TenantID: tenantID}
		s.balances[tenantID] = b
	}
	return b
}

func snapshot(b *Balance) *Balance {
	cp := *b
	return &cp
}

func (s *MemoryStore) GetBalance(_ context.Context, tenantID string) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.balance(tenantID)), nil
}

func (s *MemoryStore) Credit(_ context.Context, tenantID string, amount int64, reason, reference string) (*Balance, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balance(tenantID)
	if reference != "" {
		ref := requestKey{tenantID, reference}
		if _, seen := s.creditRefs[ref]; seen {
			return snapshot(b), false, nil
		}
		s.creditRefs[ref] = struct{}{}
	}

	now := s.now().UTC()
	s.credits = append(s.credits, &Credit{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Amount:    amount,
		Reason:    reason,
		Reference: reference,
		CreatedAt: now,
	})
	b.TotalPurchased += amount
	b.BalanceTokens = b.TotalPurchased - b.TotalConsumed
	b.LastPurchaseAt = &now
	return snapshot(b), true, nil
}

func (s *MemoryStore) Debit(_ context.Context, tenantID string, amount int64) (*Balance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balance(tenantID)
	if amount > b.Available() {
		return nil, ErrInsufficientFunds
	}
	now := s.now().UTC()
	b.TotalConsumed += amount
	b.BalanceTokens = b.TotalPurchased - b.TotalConsumed
	b.LastUsageAt = &now
	return snapshot(b), nil
}

func (s *MemoryStore) Reserve(_ context.Context, r Reservation) (*Balance, error) {
	if r.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := requestKey{r.TenantID, r.RequestID}
	b := s.balance(r.TenantID)
	if _, settled := s.events[key]; settled {
		return nil, ErrAlreadySettled
	}
	if _, held := s.reservations[key]; held {
		return snapshot(b), nil
	}
	if r.Amount > b.Available() {
		return nil, ErrInsufficientFunds
	}

	r.CreatedAt = s.now().UTC()
	s.reservations[key] = &r
	b.ReservedTokens += r.Amount
	return snapshot(b), nil
}

func (s *MemoryStore) Settle(_ context.Context, event *UsageEvent) (*Settlement, error) {
	if event.Charged < 0 {
		return nil, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := requestKey{event.TenantID, event.RequestID}
	b := s.balance(event.TenantID)
	if prior, ok := s.events[key]; ok {
		cp := *prior
		return &Settlement{Event: &cp, Balance: snapshot(b), Replayed: true}, nil
	}

	var hold int64
	if r, ok := s.reservations[key]; ok {
		hold = r.Amount
	}
	now := s.now().UTC()
	stored := *event
	stored.Charged, stored.Shortfall = capCharge(event.Charged, b.Available()+hold)
	stored.ID = uuid.New().String()
	stored.CreatedAt = now
	s.events[key] = &stored
	s.order = append(s.order, &stored)
	delete(s.reservations, key)

	b.ReservedTokens -= hold
	b.TotalConsumed += stored.Charged
	b.BalanceTokens = b.TotalPurchased - b.TotalConsumed
	b.LastUsageAt = &now

	out := stored
	return &Settlement{Event: &out, Balance: snapshot(b)}, nil
}

func (s *MemoryStore) StaleReservations(_ context.Context, olderThan time.Time, limit int) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []Reservation
	for _, r := range s.reservations {
		if r.CreatedAt.Before(olderThan) {
			stale = append(stale, *r)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *MemoryStore) ListUsage(_ context.Context, tenantID string, from, to time.Time) ([]*UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*UsageEvent
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.order[i]
		if e.TenantID != tenantID || e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UsageSummary(_ context.Context, tenantID string, from, to time.Time) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := &Summary{}
	for _, e := range s.order {
		if e.TenantID != tenantID || e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue
		}
		sum.Requests++
		sum.TokensInput += e.Usage.TokensInput
		sum.TokensOutput += e.Usage.TokensOutput
		sum.AudioSeconds += e.Usage.AudioSeconds
		sum.OCRPages += e.Usage.OCRPages
		sum.Charged += e.Charged
	}
	return sum, nil
}

func (s *MemoryStore) ListCredits(_ context.Context, tenantID string, limit int) ([]*Credit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Credit
	for i := len(s.credits) - 1; i >= 0; i-- {
		if s.credits[i].TenantID != tenantID {
			continue
		}
		cp := *s.credits[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
