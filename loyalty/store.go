/*
store.go - Persistence contract for the ledger core

PURPOSE:
  Defines the interface between the ledger logic and durable storage. The
  core treats storage as a transactional record store with simple reads,
  appends, and updates that carry their own precondition.

KEY INTERFACES:
  UserStore:        Users and the conditional balance update
  TransactionStore: Append-only rows plus the two controlled flips
  EventStore:       Event metadata, pool counter, membership
  PromotionStore:   Promotion metadata and the (promotion, user) usage set
  TxStore:          All of the above inside one all-or-nothing scope

APPEND-ONLY CONTRACT:
  Transactions are written with AppendTransactions only. The sole updates
  are SetTransactionSuspicious and TransitionRedemption. There is no delete.

PRECONDITION UPDATES:
  AdjustBalance and AddPointsAwarded never persist a value that breaks
  their invariant (balance >= 0, awarded <= total). They return the typed
  failure instead, and nothing is written.

IMPLEMENTATIONS:
  - loyalty/store/memory.go: In-memory, snapshot + rollback
  - store/sqlite/sqlite.go: SQLite, immediate write transactions

SEE ALSO:
  - ledger.go: Service runs every mutation inside WithTx
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// USERS
// =============================================================================

type UserStore interface {
	// CreateUser persists a new user. Returns ErrUserExists on a duplicate utorid.
	CreateUser(ctx context.Context, u *User) error

	// GetUser returns ErrUserNotFound when the utorid is unknown.
	GetUser(ctx context.Context, utorid string) (*User, error)

	// UpdateUser applies the non-nil fields of upd.
	UpdateUser(ctx context.Context, utorid string, upd UserUpdate) error

	// AdjustBalance adds delta to the user's points and returns the new
	// balance. Fails with *InsufficientFundsError if the result would be
	// negative, and with ErrInvalidAmount if it would exceed math.MaxInt64.
	AdjustBalance(ctx context.Context, utorid string, delta int64) (int64, error)
}

type UserUpdate struct {
	Role       *Role
	Verified   *bool
	Suspicious *bool
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionStore interface {
	// AppendTransactions writes rows all-or-nothing.
	AppendTransactions(ctx context.Context, txs ...Transaction) error

	// GetTransaction returns ErrTransactionNotFound when id is unknown.
	GetTransaction(ctx context.Context, id int64) (*Transaction, error)

	// ListTransactions returns the page selected by f (ordered by id) and the
	// total number of matching rows.
	ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, int, error)

	SetTransactionSuspicious(ctx context.Context, id int64, suspicious bool) error

	// TransitionRedemption moves a requested redemption to status. Fails with
	// ErrAlreadyProcessed or ErrRedemptionCancelled if it already left requested.
	TransitionRedemption(ctx context.Context, id int64, status RedemptionStatus, by string) error
}

type TransactionFilter struct {
	Utorid      string
	Type        TransactionType
	RelatedID   *int64
	PromotionID *int64
	CreatedBy   string
	Suspicious  *bool
	MinAmount   *int64
	MaxAmount   *int64

	Limit  int // 0 = no limit
	Offset int
}

// Match reports whether tx passes every set field of the filter.
func (f TransactionFilter) Match(tx Transaction) bool {
	if f.Utorid != "" && tx.Utorid != f.Utorid {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.RelatedID != nil && (tx.RelatedID == nil || *tx.RelatedID != *f.RelatedID) {
		return false
	}
	if f.PromotionID != nil && !containsID(tx.PromotionIDs, *f.PromotionID) {
		return false
	}
	if f.CreatedBy != "" && tx.CreatedBy != f.CreatedBy {
		return false
	}
	if f.Suspicious != nil && tx.Suspicious != *f.Suspicious {
		return false
	}
	if f.MinAmount != nil && tx.Amount < *f.MinAmount {
		return false
	}
	if f.MaxAmount != nil && tx.Amount > *f.MaxAmount {
		return false
	}
	return true
}

// =============================================================================
// EVENTS
// =============================================================================

type EventStore interface {
	CreateEvent(ctx context.Context, e *Event) error

	// GetEvent returns the event with its membership. ErrEventNotFound if unknown.
	GetEvent(ctx context.Context, id int64) (*Event, error)

	ListEvents(ctx context.Context, f EventFilter) ([]Event, int, error)

	// UpdateEvent overwrites metadata, capacity, PointsTotal and Published.
	// PointsAwarded and membership are left untouched.
	UpdateEvent(ctx context.Context, e *Event) error

	DeleteEvent(ctx context.Context, id int64) error

	// AddPointsAwarded increases the awarded counter by delta. Fails with
	// *InsufficientEventPointsError if awarded would exceed the total.
	AddPointsAwarded(ctx context.Context, id int64, delta int64) (int64, error)

	// AddMember inserts utorid with role. A user holds at most one role per event.
	AddMember(ctx context.Context, eventID int64, utorid string, role MembershipRole) error

	// RemoveMember returns ErrNotGuest or ErrNotOrganizer if the user does
	// not hold role.
	RemoveMember(ctx context.Context, eventID int64, utorid string, role MembershipRole) error
}

type EventFilter struct {
	Name      string // substring match
	Location  string
	Published *bool
	Organizer string // events this utorid organizes

	Limit  int
	Offset int
}

// =============================================================================
// PROMOTIONS
// =============================================================================

type PromotionStore interface {
	CreatePromotion(ctx context.Context, p *Promotion) error

	// GetPromotion returns ErrPromotionNotFound when id is unknown.
	GetPromotion(ctx context.Context, id int64) (*Promotion, error)

	ListPromotions(ctx context.Context, f PromotionFilter) ([]Promotion, int, error)
	UpdatePromotion(ctx context.Context, p *Promotion) error
	DeletePromotion(ctx context.Context, id int64) error

	// MarkPromotionUsed records that utorid consumed a one-time promotion.
	// Fails with *PromotionUsedError if already recorded.
	MarkPromotionUsed(ctx context.Context, promotionID int64, utorid string) error
	PromotionUsed(ctx context.Context, promotionID int64, utorid string) (bool, error)
}

type PromotionFilter struct {
	Name     string
	Type     PromotionType
	ActiveAt *time.Time

	Limit  int
	Offset int
}

// =============================================================================
// COMBINED & TRANSACTIONAL STORE
// =============================================================================

type Store interface {
	UserStore
	TransactionStore
	EventStore
	PromotionStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within an exclusive transaction.
	// If fn returns error, every write made through the Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Page applies limit/offset to n items and returns the slice bounds.
func Page(n, limit, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}

func containsID(xs []int64, id int64) bool {
	for _, x := range xs {
		if x == id {
			return true
		}
	}
	return false
}
