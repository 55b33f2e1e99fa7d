/*
errors.go - Centralized failure taxonomy for the ledger core

PURPOSE:
  Every precondition violation in this package yields one of these errors.
  Nothing in the core panics or retries on a client failure; the boundary
  layer maps these to transport status codes.

ERROR CATEGORIES:
  1. Balance/pool errors - not enough points somewhere
  2. Membership errors - guest/organizer conflicts, capacity, lifecycle
  3. Promotion errors - invalid, already used, immutable once started
  4. Lookup errors - missing users, transactions, events, promotions
  5. Clearance errors - actor role below the required minimum
  6. Store errors - concurrent modification

USAGE:
  Sentinels are matched with errors.Is; the structured types carry detail
  and Unwrap to their sentinel:

    var short *loyalty.InsufficientFundsError
    if errors.As(err, &short) {
        fmt.Println(short.Available, short.Requested)
    }

SEE ALSO:
  - api/errors.go: Maps these errors to HTTP status codes
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInsufficientPoints      = errors.New("insufficient points for redemption")
	ErrInsufficientEventPoints = errors.New("insufficient event points")

	ErrNotGuest            = errors.New("user is not a guest of the event")
	ErrEventFull           = errors.New("event is full")
	ErrEventEnded          = errors.New("event has ended")
	ErrEventStarted        = errors.New("event has already started")
	ErrEventPublished      = errors.New("published events cannot be deleted")
	ErrCapacityBelowGuests = errors.New("capacity is below the current number of guests")
	ErrAlreadyOrganizer    = errors.New("user is already an organizer of the event")
	ErrAlreadyGuest        = errors.New("user is already a guest of the event")
	ErrNotOrganizer        = errors.New("user is not an organizer of the event")
	ErrBelowAwarded        = errors.New("points total below points already awarded")

	ErrInvalidPromotion     = errors.New("invalid promotion")
	ErrPromotionAlreadyUsed = errors.New("promotion already used")
	ErrPromotionStarted     = errors.New("promotion has already started")

	ErrRelatedTransactionNotFound = errors.New("related transaction not found")
	ErrAlreadyProcessed           = errors.New("redemption already processed")
	ErrNotRedemption              = errors.New("transaction is not a redemption")
	ErrRedemptionCancelled        = errors.New("redemption was cancelled")

	ErrRoleForbidden = errors.New("insufficient clearance")
	ErrUnverified    = errors.New("user is not verified")
	ErrSelfTransfer  = errors.New("cannot transfer points to yourself")

	ErrUserNotFound        = errors.New("user not found")
	ErrUserExists          = errors.New("user already exists")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrEventNotFound       = errors.New("event not found")
	ErrPromotionNotFound   = errors.New("promotion not found")

	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidPeriod = errors.New("invalid period: end not after start")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrConcurrentModification is returned when the store could not obtain
	// its exclusive update scope. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports a debit larger than the balance.
type InsufficientFundsError struct {
	Utorid    string
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: available %d, requested %d",
		e.Utorid, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InsufficientPointsError is the redemption-specific shortage.
type InsufficientPointsError struct {
	Utorid    string
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("cannot redeem %d points: %s has %d", e.Requested, e.Utorid, e.Available)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// InsufficientEventPointsError reports an award larger than the pool.
type InsufficientEventPointsError struct {
	EventID   int64
	Remaining int64
	Requested int64
}

func (e *InsufficientEventPointsError) Error() string {
	return fmt.Sprintf("event %d has %d points remaining, requested %d",
		e.EventID, e.Remaining, e.Requested)
}

func (e *InsufficientEventPointsError) Unwrap() error { return ErrInsufficientEventPoints }

// MembershipRole names which side of an event a user is on.
type MembershipRole string

const (
	MemberGuest     MembershipRole = "guest"
	MemberOrganizer MembershipRole = "organizer"
)

// RoleConflictError reports an attempt to put a user in a membership role
// while they hold Held. The held role must be removed first.
type RoleConflictError struct {
	EventID int64
	Utorid  string
	Held    MembershipRole
}

func (e *RoleConflictError) Error() string {
	return fmt.Sprintf("%s is already a %s of event %d; remove them as %s first",
		e.Utorid, e.Held, e.EventID, e.Held)
}

func (e *RoleConflictError) Unwrap() error {
	if e.Held == MemberOrganizer {
		return ErrAlreadyOrganizer
	}
	return ErrAlreadyGuest
}

// BelowAwardedError reports a pool reduction below what was handed out.
type BelowAwardedError struct {
	EventID  int64
	NewTotal int64
	Awarded  int64
}

func (e *BelowAwardedError) Error() string {
	return fmt.Sprintf("event %d: points total %d below %d already awarded",
		e.EventID, e.NewTotal, e.Awarded)
}

func (e *BelowAwardedError) Unwrap() error { return ErrBelowAwarded }

// InvalidPromotionError explains why a requested promotion cannot apply.
type InvalidPromotionError struct {
	PromotionID int64
	Reason      string // "not_found", "not_started", "expired"
}

func (e *InvalidPromotionError) Error() string {
	return fmt.Sprintf("promotion %d is invalid: %s", e.PromotionID, e.Reason)
}

func (e *InvalidPromotionError) Unwrap() error { return ErrInvalidPromotion }

// PromotionUsedError reports a second use of a one-time promotion.
type PromotionUsedError struct {
	PromotionID int64
	Utorid      string
}

func (e *PromotionUsedError) Error() string {
	return fmt.Sprintf("promotion %d already used by %s", e.PromotionID, e.Utorid)
}

func (e *PromotionUsedError) Unwrap() error { return ErrPromotionAlreadyUsed }

// RoleForbiddenError reports an actor below the required clearance.
type RoleForbiddenError struct {
	Utorid   string
	Actual   Role
	Required Role
}

func (e *RoleForbiddenError) Error() string {
	return fmt.Sprintf("%s has role %s, requires %s", e.Utorid, e.Actual, e.Required)
}

func (e *RoleForbiddenError) Unwrap() error { return ErrRoleForbidden }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrPromotionNotFound) ||
		errors.Is(err, ErrRelatedTransactionNotFound)
}

// IsForbidden returns true if the actor lacks clearance for the operation.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrRoleForbidden) || errors.Is(err, ErrUnverified)
}

// IsConflict returns true if the request clashes with current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrAlreadyGuest) ||
		errors.Is(err, ErrAlreadyOrganizer) ||
		errors.Is(err, ErrPromotionAlreadyUsed) ||
		errors.Is(err, ErrUserExists) ||
		errors.Is(err, ErrEventFull) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule violation.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrInsufficientEventPoints) ||
		errors.Is(err, ErrNotGuest) ||
		errors.Is(err, ErrNotOrganizer) ||
		errors.Is(err, ErrEventEnded) ||
		errors.Is(err, ErrEventStarted) ||
		errors.Is(err, ErrEventPublished) ||
		errors.Is(err, ErrCapacityBelowGuests) ||
		errors.Is(err, ErrBelowAwarded) ||
		errors.Is(err, ErrInvalidPromotion) ||
		errors.Is(err, ErrPromotionStarted) ||
		errors.Is(err, ErrNotRedemption) ||
		errors.Is(err, ErrRedemptionCancelled) ||
		errors.Is(err, ErrSelfTransfer) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidInput)
}
