package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fightbook/market-engine/internal/contest"
	"github.com/fightbook/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence, no
// real transaction isolation).
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*model.Order
	trades    []model.Trade
	positions map[string]*model.Position // key: userID + "/" + contestID
	users     map[string]*model.User
	credits   []model.CreditTransaction
	contests  map[string]*contest.Contest
	seq       int64 // tie-breaker for orders created in the same instant
	orderSeq  map[string]int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*model.Order),
		positions: make(map[string]*model.Position),
		users:     make(map[string]*model.User),
		contests:  make(map[string]*contest.Contest),
		orderSeq:  make(map[string]int64),
	}
}

func posKey(userID, contestID string) string {
	return userID + "/" + contestID
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s", ErrConflict, o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	s.seq++
	s.orderSeq[o.ID] = s.seq
	return nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListRestingOrders(_ context.Context, contestID string, side model.Side, minPrice int64) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Order
	for _, o := range s.orders {
		if o.ContestID != contestID || o.Side != side || !o.Resting() {
			continue
		}
		if o.Price < minPrice {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}

	// Price-time priority: most generous price first, FIFO within a level.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price > out[j].Price
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.orderSeq[out[i].ID] < s.orderSeq[out[j].ID]
	})
	return out, nil
}

func (s *MemoryStore) CancelRestingOrders(_ context.Context, contestID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, o := range s.orders {
		if o.ContestID != contestID || !o.Resting() {
			continue
		}
		o.Status = model.OrderCancelled
		cancelled := at
		o.CancelledAt = &cancelled
		n++
	}
	return n, nil
}

func (s *MemoryStore) ListUserOrders(_ context.Context, userID, contestID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.UserID == userID && o.ContestID == contestID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// --- Trades ---

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTradesByContest(_ context.Context, contestID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.ContestID == contestID {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, contestID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(userID, contestID)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.positions[posKey(p.UserID, p.ContestID)] = &cp
	return nil
}

func (s *MemoryStore) ListUnsettledPositions(_ context.Context, contestID string) ([]*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Position
	for _, p := range s.positions {
		if p.ContestID == contestID && !p.Settled {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContestID < out[j].ContestID })
	return out, nil
}

// --- Accounts and credit ledger ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s", ErrConflict, u.ID)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) AdjustCredits(_ context.Context, userID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return 0, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	next := u.Credits + delta
	if next < 0 {
		return 0, fmt.Errorf("%w: user %s balance %d delta %d", ErrInsufficientCredits, userID, u.Credits, delta)
	}
	u.Credits = next
	return next, nil
}

func (s *MemoryStore) InsertCreditTransaction(_ context.Context, tx *model.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credits = append(s.credits, *tx)
	return nil
}

func (s *MemoryStore) ListCreditTransactions(_ context.Context, userID string) ([]model.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CreditTransaction
	for i := len(s.credits) - 1; i >= 0; i-- {
		if s.credits[i].UserID == userID {
			out = append(out, s.credits[i])
		}
	}
	return out, nil
}

// --- Contests ---

func (s *MemoryStore) CreateContest(_ context.Context, c *contest.Contest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contests[c.ID]; ok {
		return fmt.Errorf("%w: contest %s", ErrConflict, c.ID)
	}
	cp := *c
	s.contests[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetContest(_ context.Context, id string) (*contest.Contest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contests[id]
	if !ok {
		return nil, fmt.Errorf("%w: contest %s", ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) SetContestTradingState(_ context.Context, id string, state contest.TradingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contests[id]
	if !ok {
		return fmt.Errorf("%w: contest %s", ErrNotFound, id)
	}
	c.TradingState = state
	return nil
}

// --- Book depth ---

func (s *MemoryStore) BookDepth(_ context.Context, contestID string) ([]model.PriceLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		side  model.Side
		price int64
	}
	agg := make(map[key]int64)
	for _, o := range s.orders {
		if o.ContestID != contestID || !o.Resting() {
			continue
		}
		agg[key{o.Side, o.Price}] += o.RemainingQty
	}

	out := make([]model.PriceLevel, 0, len(agg))
	for k, qty := range agg {
		out = append(out, model.PriceLevel{Side: k.side, Price: k.price, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Side != out[j].Side {
			return out[i].Side < out[j].Side
		}
		return out[i].Price > out[j].Price
	})
	return out, nil
}

// MemoryTxRunner satisfies TxRunner for tests and development. It has no
// real isolation; calls are serialized by a single mutex, matching the
// single-instance deployment the memory store targets.
type MemoryTxRunner struct {
	mu sync.Mutex
	st *MemoryStore
}

// NewMemoryTxRunner wraps a MemoryStore as a TxRunner.
func NewMemoryTxRunner(st *MemoryStore) *MemoryTxRunner {
	return &MemoryTxRunner{st: st}
}

// RunSerializable runs fn against the underlying store. There is no
// rollback: fn must not leave partial state behind on error paths that
// the caller intends to retry.
func (r *MemoryTxRunner) RunSerializable(_ context.Context, fn func(Store) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.st)
}
