/*
Package loyalty provides the points ledger and promotion-evaluation engine.

PURPOSE:
  This package owns everything that moves points: purchases earning points,
  manager adjustments, peer-to-peer transfers, redemptions, and event awards.
  It also decides promotion eligibility and guards each event's finite point
  pool. HTTP parsing, token issuance and password handling live elsewhere;
  callers hand this package an already-resolved Actor and validated input.

KEY CONCEPTS IN THIS FILE (types.go):
  - Role: Totally ordered clearance (regular < cashier < manager < superuser)
  - User: The point-holding account (only Points is mutated here)
  - Transaction: An immutable ledger row recording a point movement
  - Event: A finite pool of points plus guest/organizer membership
  - Promotion: Bonus rules applied to purchases

DESIGN PRINCIPLES:
  1. Immutability: Rows never change except the suspicious flag and the
     one-way redemption status flip
  2. Precision: Spend, rate and min-spend use decimal.Decimal; points are int64
  3. Atomicity: Every mutation runs inside one TxStore.WithTx scope
  4. Explicit aggregates: Balances, pools and promotion usage are counters or
     indexed sets updated alongside the ledger write, never re-derived

SEE ALSO:
  - ledger.go: Service and the purchase/adjustment operations
  - promotion.go: Promotion evaluation and lifecycle
  - event.go: Event pool and membership
  - workflow.go: Transfers and the redemption state machine
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ROLE - Totally ordered clearance level
// =============================================================================

type Role int

const (
	RoleRegular Role = iota + 1
	RoleCashier
	RoleManager
	RoleSuperuser
)

var roleNames = map[Role]string{
	RoleRegular:   "regular",
	RoleCashier:   "cashier",
	RoleManager:   "manager",
	RoleSuperuser: "superuser",
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return "unknown"
}

// AtLeast reports whether r grants at least the clearance of min.
func (r Role) AtLeast(min Role) bool { return r >= min }

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool { return r >= RoleRegular && r <= RoleSuperuser }

// ParseRole converts a role name into a Role.
func ParseRole(s string) (Role, bool) {
	for r, name := range roleNames {
		if name == s {
			return r, true
		}
	}
	return 0, false
}

// =============================================================================
// USERS & ACTORS
// =============================================================================

// User is the point-holding account. Identity fields are owned by user
// management; the ledger only mutates Points.
type User struct {
	ID         int64
	Utorid     string
	Name       string
	Email      string
	Role       Role
	Verified   bool
	Suspicious bool
	Points     int64
	CreatedAt  time.Time
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	Utorid     string
	Role       Role
	Suspicious bool
}

// ActorFor builds the Actor view of a stored user.
func ActorFor(u *User) Actor {
	return Actor{Utorid: u.Utorid, Role: u.Role, Suspicious: u.Suspicious}
}

// =============================================================================
// TRANSACTION - Immutable ledger row
// =============================================================================

type TransactionType string

const (
	TxPurchase   TransactionType = "purchase"
	TxAdjustment TransactionType = "adjustment"
	TxTransfer   TransactionType = "transfer"
	TxRedemption TransactionType = "redemption"
	TxEvent      TransactionType = "event"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxAdjustment, TxTransfer, TxRedemption, TxEvent:
		return true
	}
	return false
}

// RedemptionStatus tracks the redemption state machine. Empty for every
// other transaction type.
type RedemptionStatus string

const (
	RedemptionRequested RedemptionStatus = "requested"
	RedemptionProcessed RedemptionStatus = "processed"
	RedemptionCancelled RedemptionStatus = "cancelled"
)

type Transaction struct {
	ID     int64
	Type   TransactionType
	Utorid string // subject: recipient of credits, spender of debits

	// Amount is signed. Purchases store the computed award even when the
	// creating cashier is suspicious and nothing was credited.
	Amount int64

	Spent        *decimal.Decimal // purchase only
	RelatedID    *int64           // adjustment: source tx; transfer: counterpart tx; event: event id
	PromotionIDs []int64
	Remark       string

	CreatedBy  string
	Suspicious bool

	Status      RedemptionStatus // redemption only
	ProcessedBy string

	CreatedAt time.Time
}

// Processed reports the redemption processed flag: nil for non-redemptions
// and for requests not yet processed.
func (t Transaction) Processed() *bool {
	if t.Type != TxRedemption || t.Status != RedemptionProcessed {
		return nil
	}
	v := true
	return &v
}

// =============================================================================
// EVENT - Finite point pool with membership
// =============================================================================

type Event struct {
	ID          int64
	Name        string
	Description string
	Location    string
	StartTime   time.Time
	EndTime     time.Time

	Capacity      *int // nil = unlimited
	PointsTotal   int64
	PointsAwarded int64
	Published     bool

	Organizers []string
	Guests     []string

	CreatedBy string
	CreatedAt time.Time
}

// PointsRemain is what is left in the pool for awards.
func (e *Event) PointsRemain() int64 {
	if e.PointsAwarded >= e.PointsTotal {
		return 0
	}
	return e.PointsTotal - e.PointsAwarded
}

func (e *Event) IsOrganizer(utorid string) bool { return contains(e.Organizers, utorid) }
func (e *Event) IsGuest(utorid string) bool     { return contains(e.Guests, utorid) }

// Started reports whether the event has begun at now.
func (e *Event) Started(now time.Time) bool { return !now.Before(e.StartTime) }

// Ended reports whether the event has ended at now. Ended events are
// terminal for membership and award mutations.
func (e *Event) Ended(now time.Time) bool { return !now.Before(e.EndTime) }

// Full reports whether the guest list has reached capacity.
func (e *Event) Full() bool {
	return e.Capacity != nil && len(e.Guests) >= *e.Capacity
}

// =============================================================================
// PROMOTION
// =============================================================================

type PromotionType string

const (
	PromotionAutomatic PromotionType = "automatic"
	PromotionOneTime   PromotionType = "one-time"
)

func (t PromotionType) Valid() bool {
	return t == PromotionAutomatic || t == PromotionOneTime
}

type Promotion struct {
	ID          int64
	Name        string
	Description string
	Type        PromotionType
	StartTime   time.Time
	EndTime     time.Time

	MinSpending *decimal.Decimal
	Rate        *decimal.Decimal
	Points      *int64

	CreatedAt time.Time
}

// ActiveAt reports whether now falls in [StartTime, EndTime).
func (p *Promotion) ActiveAt(now time.Time) bool {
	return !now.Before(p.StartTime) && now.Before(p.EndTime)
}

// Started reports whether the promotion's window has opened. Started
// promotions are immutable and cannot be deleted.
func (p *Promotion) Started(now time.Time) bool { return !now.Before(p.StartTime) }

// Qualifies reports whether spent meets the minimum spend gate.
func (p *Promotion) Qualifies(spent decimal.Decimal) bool {
	return p.MinSpending == nil || !spent.LessThan(*p.MinSpending)
}

// Bonus is the unfloored bonus this promotion contributes for spent.
func (p *Promotion) Bonus(spent decimal.Decimal) decimal.Decimal {
	bonus := decimal.Zero
	if p.Rate != nil {
		bonus = bonus.Add(spent.Mul(*p.Rate))
	}
	if p.Points != nil {
		bonus = bonus.Add(decimal.NewFromInt(*p.Points))
	}
	return bonus
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
