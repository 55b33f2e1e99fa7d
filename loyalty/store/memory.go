// Package store provides in-memory loyalty.Store implementations.
package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/warp/loyalty-ledger/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *state
}

type usageKey struct {
	PromotionID int64
	Utorid      string
}

type state struct {
	users        map[string]loyalty.User
	transactions map[int64]loyalty.Transaction
	events       map[int64]loyalty.Event
	promotions   map[int64]loyalty.Promotion
	used         map[usageKey]bool
}

func newState() *state {
	return &state{
		users:        make(map[string]loyalty.User),
		transactions: make(map[int64]loyalty.Transaction),
		events:       make(map[int64]loyalty.Event),
		promotions:   make(map[int64]loyalty.Promotion),
		used:         make(map[usageKey]bool),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ loyalty.Store = (*Memory)(nil)

// Reset drops every record.
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

func (m *Memory) CreateUser(ctx context.Context, u *loyalty.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateUser(ctx, u)
}

func (m *Memory) GetUser(ctx context.Context, utorid string) (*loyalty.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetUser(ctx, utorid)
}

func (m *Memory) UpdateUser(ctx context.Context, utorid string, upd loyalty.UserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateUser(ctx, utorid, upd)
}

func (m *Memory) AdjustBalance(ctx context.Context, utorid string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AdjustBalance(ctx, utorid, delta)
}

func (m *Memory) AppendTransactions(ctx context.Context, txs ...loyalty.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendTransactions(ctx, txs...)
}

func (m *Memory) GetTransaction(ctx context.Context, id int64) (*loyalty.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetTransaction(ctx, id)
}

func (m *Memory) ListTransactions(ctx context.Context, f loyalty.TransactionFilter) ([]loyalty.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListTransactions(ctx, f)
}

func (m *Memory) SetTransactionSuspicious(ctx context.Context, id int64, suspicious bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SetTransactionSuspicious(ctx, id, suspicious)
}

func (m *Memory) TransitionRedemption(ctx context.Context, id int64, status loyalty.RedemptionStatus, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.TransitionRedemption(ctx, id, status, by)
}

func (m *Memory) CreateEvent(ctx context.Context, e *loyalty.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateEvent(ctx, e)
}

func (m *Memory) GetEvent(ctx context.Context, id int64) (*loyalty.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetEvent(ctx, id)
}

func (m *Memory) ListEvents(ctx context.Context, f loyalty.EventFilter) ([]loyalty.Event, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListEvents(ctx, f)
}

func (m *Memory) UpdateEvent(ctx context.Context, e *loyalty.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateEvent(ctx, e)
}

func (m *Memory) DeleteEvent(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteEvent(ctx, id)
}

func (m *Memory) AddPointsAwarded(ctx context.Context, id int64, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AddPointsAwarded(ctx, id, delta)
}

func (m *Memory) AddMember(ctx context.Context, eventID int64, utorid string, role loyalty.MembershipRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AddMember(ctx, eventID, utorid, role)
}

func (m *Memory) RemoveMember(ctx context.Context, eventID int64, utorid string, role loyalty.MembershipRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.RemoveMember(ctx, eventID, utorid, role)
}

func (m *Memory) CreatePromotion(ctx context.Context, p *loyalty.Promotion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreatePromotion(ctx, p)
}

func (m *Memory) GetPromotion(ctx context.Context, id int64) (*loyalty.Promotion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetPromotion(ctx, id)
}

func (m *Memory) ListPromotions(ctx context.Context, f loyalty.PromotionFilter) ([]loyalty.Promotion, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListPromotions(ctx, f)
}

func (m *Memory) UpdatePromotion(ctx context.Context, p *loyalty.Promotion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdatePromotion(ctx, p)
}

func (m *Memory) DeletePromotion(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeletePromotion(ctx, id)
}

func (m *Memory) MarkPromotionUsed(ctx context.Context, promotionID int64, utorid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.MarkPromotionUsed(ctx, promotionID, utorid)
}

func (m *Memory) PromotionUsed(ctx context.Context, promotionID int64, utorid string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.PromotionUsed(ctx, promotionID, utorid)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

var _ loyalty.TxStore = (*TxMemory)(nil)

// WithTx executes fn while holding the write lock.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := tm.st.clone()
	if err := fn(tm.st); err != nil {
		tm.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		tm.st = snapshot
		return err
	}
	return nil
}

// =============================================================================
// STATE - unlocked operations shared by Memory and the WithTx view
// =============================================================================

// clone copies the maps. Values are replaced, never mutated in place, so a
// shallow copy of each map is a full snapshot.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.promotions {
		c.promotions[k] = v
	}
	for k, v := range s.used {
		c.used[k] = v
	}
	return c
}

func (s *state) CreateUser(_ context.Context, u *loyalty.User) error {
	if _, ok := s.users[u.Utorid]; ok {
		return loyalty.ErrUserExists
	}
	s.users[u.Utorid] = *u
	return nil
}

func (s *state) GetUser(_ context.Context, utorid string) (*loyalty.User, error) {
	u, ok := s.users[utorid]
	if !ok {
		return nil, loyalty.ErrUserNotFound
	}
	return &u, nil
}

func (s *state) UpdateUser(_ context.Context, utorid string, upd loyalty.UserUpdate) error {
	u, ok := s.users[utorid]
	if !ok {
		return loyalty.ErrUserNotFound
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.Verified != nil {
		u.Verified = *upd.Verified
	}
	if upd.Suspicious != nil {
		u.Suspicious = *upd.Suspicious
	}
	s.users[utorid] = u
	return nil
}

func (s *state) AdjustBalance(_ context.Context, utorid string, delta int64) (int64, error) {
	u, ok := s.users[utorid]
	if !ok {
		return 0, loyalty.ErrUserNotFound
	}
	if delta > 0 && u.Points > math.MaxInt64-delta {
		return u.Points, fmt.Errorf("%w: balance of %s would overflow", loyalty.ErrInvalidAmount, utorid)
	}
	if u.Points+delta < 0 {
		return u.Points, &loyalty.InsufficientFundsError{Utorid: utorid, Available: u.Points, Requested: -delta}
	}
	u.Points += delta
	s.users[utorid] = u
	return u.Points, nil
}

func (s *state) AppendTransactions(_ context.Context, txs ...loyalty.Transaction) error {
	for _, tx := range txs {
		if _, ok := s.transactions[tx.ID]; ok {
			return loyalty.ErrConcurrentModification
		}
	}
	for _, tx := range txs {
		tx.PromotionIDs = append([]int64(nil), tx.PromotionIDs...)
		s.transactions[tx.ID] = tx
	}
	return nil
}

func (s *state) GetTransaction(_ context.Context, id int64) (*loyalty.Transaction, error) {
	tx, ok := s.transactions[id]
	if !ok {
		return nil, loyalty.ErrTransactionNotFound
	}
	return &tx, nil
}

func (s *state) ListTransactions(_ context.Context, f loyalty.TransactionFilter) ([]loyalty.Transaction, int, error) {
	var matched []loyalty.Transaction
	for _, tx := range s.transactions {
		if f.Match(tx) {
			matched = append(matched, tx)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	from, to := loyalty.Page(len(matched), f.Limit, f.Offset)
	return matched[from:to], len(matched), nil
}

func (s *state) SetTransactionSuspicious(_ context.Context, id int64, suspicious bool) error {
	tx, ok := s.transactions[id]
	if !ok {
		return loyalty.ErrTransactionNotFound
	}
	tx.Suspicious = suspicious
	s.transactions[id] = tx
	return nil
}

func (s *state) TransitionRedemption(_ context.Context, id int64, status loyalty.RedemptionStatus, by string) error {
	tx, ok := s.transactions[id]
	if !ok {
		return loyalty.ErrTransactionNotFound
	}
	if tx.Type != loyalty.TxRedemption {
		return loyalty.ErrNotRedemption
	}
	switch tx.Status {
	case loyalty.RedemptionProcessed:
		return loyalty.ErrAlreadyProcessed
	case loyalty.RedemptionCancelled:
		return loyalty.ErrRedemptionCancelled
	}
	tx.Status = status
	if status == loyalty.RedemptionProcessed {
		tx.ProcessedBy = by
	}
	s.transactions[id] = tx
	return nil
}

func (s *state) CreateEvent(_ context.Context, e *loyalty.Event) error {
	if _, ok := s.events[e.ID]; ok {
		return loyalty.ErrConcurrentModification
	}
	stored := cloneEvent(*e)
	stored.PointsAwarded = 0
	stored.Organizers, stored.Guests = nil, nil
	s.events[e.ID] = stored
	return nil
}

func (s *state) GetEvent(_ context.Context, id int64) (*loyalty.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, loyalty.ErrEventNotFound
	}
	c := cloneEvent(e)
	return &c, nil
}

func (s *state) ListEvents(_ context.Context, f loyalty.EventFilter) ([]loyalty.Event, int, error) {
	var matched []loyalty.Event
	for _, e := range s.events {
		if f.Name != "" && !strings.Contains(strings.ToLower(e.Name), strings.ToLower(f.Name)) {
			continue
		}
		if f.Location != "" && !strings.Contains(strings.ToLower(e.Location), strings.ToLower(f.Location)) {
			continue
		}
		if f.Published != nil && e.Published != *f.Published {
			continue
		}
		if f.Organizer != "" && !e.IsOrganizer(f.Organizer) {
			continue
		}
		matched = append(matched, cloneEvent(e))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].StartTime.Before(matched[j].StartTime)
	})
	from, to := loyalty.Page(len(matched), f.Limit, f.Offset)
	return matched[from:to], len(matched), nil
}

func (s *state) UpdateEvent(_ context.Context, e *loyalty.Event) error {
	cur, ok := s.events[e.ID]
	if !ok {
		return loyalty.ErrEventNotFound
	}
	updated := cloneEvent(*e)
	updated.PointsAwarded = cur.PointsAwarded
	updated.Organizers, updated.Guests = cur.Organizers, cur.Guests
	updated.CreatedBy, updated.CreatedAt = cur.CreatedBy, cur.CreatedAt
	s.events[e.ID] = updated
	return nil
}

func (s *state) DeleteEvent(_ context.Context, id int64) error {
	if _, ok := s.events[id]; !ok {
		return loyalty.ErrEventNotFound
	}
	delete(s.events, id)
	return nil
}

func (s *state) AddPointsAwarded(_ context.Context, id int64, delta int64) (int64, error) {
	e, ok := s.events[id]
	if !ok {
		return 0, loyalty.ErrEventNotFound
	}
	if e.PointsAwarded+delta > e.PointsTotal {
		return e.PointsAwarded, &loyalty.InsufficientEventPointsError{
			EventID: id, Remaining: e.PointsRemain(), Requested: delta,
		}
	}
	e.PointsAwarded += delta
	s.events[id] = e
	return e.PointsAwarded, nil
}

func (s *state) AddMember(_ context.Context, eventID int64, utorid string, role loyalty.MembershipRole) error {
	e, ok := s.events[eventID]
	if !ok {
		return loyalty.ErrEventNotFound
	}
	if e.IsOrganizer(utorid) {
		return &loyalty.RoleConflictError{EventID: eventID, Utorid: utorid, Held: loyalty.MemberOrganizer}
	}
	if e.IsGuest(utorid) {
		return &loyalty.RoleConflictError{EventID: eventID, Utorid: utorid, Held: loyalty.MemberGuest}
	}
	e = cloneEvent(e)
	if role == loyalty.MemberOrganizer {
		e.Organizers = append(e.Organizers, utorid)
	} else {
		e.Guests = append(e.Guests, utorid)
	}
	s.events[eventID] = e
	return nil
}

func (s *state) RemoveMember(_ context.Context, eventID int64, utorid string, role loyalty.MembershipRole) error {
	e, ok := s.events[eventID]
	if !ok {
		return loyalty.ErrEventNotFound
	}
	e = cloneEvent(e)
	if role == loyalty.MemberOrganizer {
		if !e.IsOrganizer(utorid) {
			return loyalty.ErrNotOrganizer
		}
		e.Organizers = without(e.Organizers, utorid)
	} else {
		if !e.IsGuest(utorid) {
			return loyalty.ErrNotGuest
		}
		e.Guests = without(e.Guests, utorid)
	}
	s.events[eventID] = e
	return nil
}

func (s *state) CreatePromotion(_ context.Context, p *loyalty.Promotion) error {
	if _, ok := s.promotions[p.ID]; ok {
		return loyalty.ErrConcurrentModification
	}
	s.promotions[p.ID] = *p
	return nil
}

func (s *state) GetPromotion(_ context.Context, id int64) (*loyalty.Promotion, error) {
	p, ok := s.promotions[id]
	if !ok {
		return nil, loyalty.ErrPromotionNotFound
	}
	return &p, nil
}

func (s *state) ListPromotions(_ context.Context, f loyalty.PromotionFilter) ([]loyalty.Promotion, int, error) {
	var matched []loyalty.Promotion
	for _, p := range s.promotions {
		if f.Name != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(f.Name)) {
			continue
		}
		if f.Type != "" && p.Type != f.Type {
			continue
		}
		if f.ActiveAt != nil && !p.ActiveAt(*f.ActiveAt) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	from, to := loyalty.Page(len(matched), f.Limit, f.Offset)
	return matched[from:to], len(matched), nil
}

func (s *state) UpdatePromotion(_ context.Context, p *loyalty.Promotion) error {
	if _, ok := s.promotions[p.ID]; !ok {
		return loyalty.ErrPromotionNotFound
	}
	s.promotions[p.ID] = *p
	return nil
}

func (s *state) DeletePromotion(_ context.Context, id int64) error {
	if _, ok := s.promotions[id]; !ok {
		return loyalty.ErrPromotionNotFound
	}
	delete(s.promotions, id)
	return nil
}

func (s *state) MarkPromotionUsed(_ context.Context, promotionID int64, utorid string) error {
	k := usageKey{PromotionID: promotionID, Utorid: utorid}
	if s.used[k] {
		return &loyalty.PromotionUsedError{PromotionID: promotionID, Utorid: utorid}
	}
	s.used[k] = true
	return nil
}

func (s *state) PromotionUsed(_ context.Context, promotionID int64, utorid string) (bool, error) {
	return s.used[usageKey{PromotionID: promotionID, Utorid: utorid}], nil
}

func cloneEvent(e loyalty.Event) loyalty.Event {
	e.Organizers = append([]string(nil), e.Organizers...)
	e.Guests = append([]string(nil), e.Guests...)
	if e.Capacity != nil {
		c := *e.Capacity
		e.Capacity = &c
	}
	return e
}

func without(xs []string, s string) []string {
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}
