/*
event.go - Event point pools and membership

PURPOSE:
  Each event carries a finite pool of points (PointsTotal) that organizers
  hand out to guests. The pool tracks PointsAwarded; the remainder is
  PointsTotal - PointsAwarded and can never go negative.

LIFECYCLE:
  created (unpublished) -> published -> started -> ended

  - Capacity, points and times change only before the start
  - Only unpublished events can be deleted
  - Once ended, no membership change and no award is accepted

MEMBERSHIP:
  Organizers and guests are disjoint. Adding an organizer who is a guest
  (or the reverse) fails with a RoleConflictError naming the role that
  must be removed first.

AWARDS:
  AwardEventPoints credits one guest, or every current guest when no
  utorid is given. A broadcast writes one row per guest and moves the
  pool counter by amount * guests in the same WithTx scope.

SEE ALSO:
  - store.go: AddPointsAwarded precondition update
  - errors.go: RoleConflictError, BelowAwardedError
*/
package loyalty

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// EVENT CRUD
// =============================================================================

type CreateEventInput struct {
	Actor       Actor
	Name        string
	Description string
	Location    string
	StartTime   time.Time
	EndTime     time.Time
	Capacity    *int
	Points      int64
}

func (s *Service) CreateEvent(ctx context.Context, in CreateEventInput) (*Event, error) {
	if err := RequireRole(in.Actor, RoleManager); err != nil {
		return nil, err
	}
	now := s.now()
	e := &Event{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Location:    strings.TrimSpace(in.Location),
		StartTime:   in.StartTime,
		EndTime:     in.EndTime,
		Capacity:    in.Capacity,
		PointsTotal: in.Points,
		CreatedBy:   in.Actor.Utorid,
		CreatedAt:   now,
	}
	if e.Name == "" {
		return nil, fmt.Errorf("%w: event name is required", ErrInvalidInput)
	}
	if err := validateEventTimes(e.StartTime, e.EndTime, now); err != nil {
		return nil, err
	}
	if e.Capacity != nil && *e.Capacity < 0 {
		return nil, fmt.Errorf("%w: capacity must not be negative", ErrInvalidAmount)
	}
	if e.PointsTotal < 0 {
		return nil, fmt.Errorf("%w: points must not be negative", ErrInvalidAmount)
	}

	err := s.withTx(ctx, "create_event", func(st Store) error {
		e.ID = s.ids.NextID()
		return st.CreateEvent(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("event created", zap.Int64("event_id", e.ID), zap.Int64("points", e.PointsTotal))
	return e, nil
}

type UpdateEventInput struct {
	Actor       Actor
	EventID     int64
	Name        *string
	Description *string
	Location    *string
	StartTime   *time.Time
	EndTime     *time.Time
	Capacity    *int
	Points      *int64
	Published   *bool
}

// UpdateEvent edits an event. Organizers may edit descriptive fields,
// times and capacity; points and publishing need a manager.
func (s *Service) UpdateEvent(ctx context.Context, in UpdateEventInput) (*Event, error) {
	if in.Points != nil || in.Published != nil {
		if err := RequireRole(in.Actor, RoleManager); err != nil {
			return nil, err
		}
	}
	if in.Published != nil && !*in.Published {
		return nil, fmt.Errorf("%w: events cannot be unpublished", ErrInvalidInput)
	}

	now := s.now()
	var out *Event
	err := s.withTx(ctx, "update_event", func(st Store) error {
		e, err := st.GetEvent(ctx, in.EventID)
		if err != nil {
			return err
		}
		if err := canManageEvent(in.Actor, e); err != nil {
			return err
		}
		if e.Ended(now) {
			return fmt.Errorf("%w: event %d", ErrEventEnded, e.ID)
		}

		timing := in.StartTime != nil || in.EndTime != nil || in.Capacity != nil ||
			in.Points != nil || in.Name != nil || in.Location != nil
		if timing && e.Started(now) {
			return fmt.Errorf("%w: event %d", ErrEventStarted, e.ID)
		}

		if in.Name != nil {
			if strings.TrimSpace(*in.Name) == "" {
				return fmt.Errorf("%w: event name is required", ErrInvalidInput)
			}
			e.Name = strings.TrimSpace(*in.Name)
		}
		if in.Description != nil {
			e.Description = *in.Description
		}
		if in.Location != nil {
			e.Location = strings.TrimSpace(*in.Location)
		}
		if in.StartTime != nil || in.EndTime != nil {
			start, end := e.StartTime, e.EndTime
			if in.StartTime != nil {
				start = *in.StartTime
			}
			if in.EndTime != nil {
				end = *in.EndTime
			}
			if err := validateEventTimes(start, end, now); err != nil {
				return err
			}
			e.StartTime, e.EndTime = start, end
		}
		if in.Capacity != nil {
			if *in.Capacity < len(e.Guests) {
				return fmt.Errorf("%w: %d guests, capacity %d", ErrCapacityBelowGuests, len(e.Guests), *in.Capacity)
			}
			c := *in.Capacity
			e.Capacity = &c
		}
		if in.Points != nil {
			if err := SetPointsTotal(e, *in.Points); err != nil {
				return err
			}
		}
		if in.Published != nil {
			e.Published = true
		}
		out = e
		return st.UpdateEvent(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetPointsTotal changes the pool size while keeping awarded <= total.
func SetPointsTotal(e *Event, total int64) error {
	if total < 0 {
		return fmt.Errorf("%w: points must not be negative", ErrInvalidAmount)
	}
	if total < e.PointsAwarded {
		return &BelowAwardedError{EventID: e.ID, NewTotal: total, Awarded: e.PointsAwarded}
	}
	e.PointsTotal = total
	return nil
}

// DeleteEvent removes an unpublished event.
func (s *Service) DeleteEvent(ctx context.Context, actor Actor, id int64) error {
	if err := RequireRole(actor, RoleManager); err != nil {
		return err
	}
	return s.withTx(ctx, "delete_event", func(st Store) error {
		e, err := st.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		if e.Published {
			return fmt.Errorf("%w: event %d", ErrEventPublished, id)
		}
		return st.DeleteEvent(ctx, id)
	})
}

// GetEvent hides unpublished events from everyone but managers and the
// event's organizers.
func (s *Service) GetEvent(ctx context.Context, actor Actor, id int64) (*Event, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Published && canManageEvent(actor, e) != nil {
		return nil, ErrEventNotFound
	}
	return e, nil
}

func (s *Service) ListEvents(ctx context.Context, actor Actor, f EventFilter) ([]Event, int, error) {
	if !actor.Role.AtLeast(RoleManager) {
		published := true
		f.Published = &published
	}
	return s.store.ListEvents(ctx, f)
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

type MembershipInput struct {
	Actor   Actor
	EventID int64
	Utorid  string
}

// AddOrganizer makes a user an organizer. Manager only.
func (s *Service) AddOrganizer(ctx context.Context, in MembershipInput) (*Event, error) {
	if err := RequireRole(in.Actor, RoleManager); err != nil {
		return nil, err
	}
	now := s.now()
	var out *Event
	err := s.withTx(ctx, "add_organizer", func(st Store) error {
		e, err := st.GetEvent(ctx, in.EventID)
		if err != nil {
			return err
		}
		if _, err := st.GetUser(ctx, in.Utorid); err != nil {
			return err
		}
		if e.Ended(now) {
			return fmt.Errorf("%w: event %d", ErrEventEnded, e.ID)
		}
		if err := checkMembership(e, in.Utorid); err != nil {
			return err
		}
		if err := st.AddMember(ctx, e.ID, in.Utorid, MemberOrganizer); err != nil {
			return err
		}
		out, err = st.GetEvent(ctx, e.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) RemoveOrganizer(ctx context.Context, in MembershipInput) error {
	if err := RequireRole(in.Actor, RoleManager); err != nil {
		return err
	}
	return s.withTx(ctx, "remove_organizer", func(st Store) error {
		if _, err := st.GetEvent(ctx, in.EventID); err != nil {
			return err
		}
		return st.RemoveMember(ctx, in.EventID, in.Utorid, MemberOrganizer)
	})
}

// AddGuest adds a guest. Managers and organizers may add anyone; a user
// may add themselves to a published event.
func (s *Service) AddGuest(ctx context.Context, in MembershipInput) (*Event, error) {
	now := s.now()
	var out *Event
	err := s.withTx(ctx, "add_guest", func(st Store) error {
		e, err := st.GetEvent(ctx, in.EventID)
		if err != nil {
			return err
		}
		if err := canManageEvent(in.Actor, e); err != nil {
			if in.Actor.Utorid != in.Utorid {
				return err
			}
			if !e.Published {
				return ErrEventNotFound
			}
		}
		if _, err := st.GetUser(ctx, in.Utorid); err != nil {
			return err
		}
		if e.Ended(now) {
			return fmt.Errorf("%w: event %d", ErrEventEnded, e.ID)
		}
		if err := checkMembership(e, in.Utorid); err != nil {
			return err
		}
		if e.Full() {
			return fmt.Errorf("%w: event %d has %d/%d guests", ErrEventFull, e.ID, len(e.Guests), *e.Capacity)
		}
		if err := st.AddMember(ctx, e.ID, in.Utorid, MemberGuest); err != nil {
			return err
		}
		out, err = st.GetEvent(ctx, e.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("guest added", zap.Int64("event_id", in.EventID), zap.String("utorid", in.Utorid))
	return out, nil
}

// RemoveGuest removes a guest. Managers, organizers, or the guest themselves.
func (s *Service) RemoveGuest(ctx context.Context, in MembershipInput) error {
	now := s.now()
	return s.withTx(ctx, "remove_guest", func(st Store) error {
		e, err := st.GetEvent(ctx, in.EventID)
		if err != nil {
			return err
		}
		if in.Actor.Utorid != in.Utorid {
			if err := canManageEvent(in.Actor, e); err != nil {
				return err
			}
		}
		if e.Ended(now) {
			return fmt.Errorf("%w: event %d", ErrEventEnded, e.ID)
		}
		return st.RemoveMember(ctx, e.ID, in.Utorid, MemberGuest)
	})
}

func checkMembership(e *Event, utorid string) error {
	if e.IsOrganizer(utorid) {
		return &RoleConflictError{EventID: e.ID, Utorid: utorid, Held: MemberOrganizer}
	}
	if e.IsGuest(utorid) {
		return &RoleConflictError{EventID: e.ID, Utorid: utorid, Held: MemberGuest}
	}
	return nil
}

// canManageEvent allows managers and the event's organizers.
func canManageEvent(actor Actor, e *Event) error {
	if actor.Role.AtLeast(RoleManager) || e.IsOrganizer(actor.Utorid) {
		return nil
	}
	return &RoleForbiddenError{Utorid: actor.Utorid, Actual: actor.Role, Required: RoleManager}
}

func validateEventTimes(start, end, now time.Time) error {
	if !end.After(start) {
		return ErrInvalidPeriod
	}
	if start.Before(now) {
		return fmt.Errorf("%w: start time is in the past", ErrInvalidPeriod)
	}
	return nil
}

// =============================================================================
// AWARDS
// =============================================================================

type AwardInput struct {
	Actor   Actor
	EventID int64
	Utorid  string // empty = every current guest
	Amount  int64
	Remark  string
}

// AwardEventPoints moves points from the event pool to one guest or to all
// guests. Returns one row per recipient.
func (s *Service) AwardEventPoints(ctx context.Context, in AwardInput) ([]Transaction, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: award must be positive", ErrInvalidAmount)
	}

	now := s.now()
	var out []Transaction
	err := s.withTx(ctx, "award_event_points", func(st Store) error {
		out = nil
		e, err := st.GetEvent(ctx, in.EventID)
		if err != nil {
			return err
		}
		if err := canManageEvent(in.Actor, e); err != nil {
			return err
		}
		if e.Ended(now) {
			return fmt.Errorf("%w: event %d", ErrEventEnded, e.ID)
		}

		recipients := e.Guests
		if in.Utorid != "" {
			if !e.IsGuest(in.Utorid) {
				return fmt.Errorf("%w: %s", ErrNotGuest, in.Utorid)
			}
			recipients = []string{in.Utorid}
		}
		if len(recipients) == 0 {
			return nil
		}

		n := int64(len(recipients))
		if in.Amount > e.PointsRemain()/n {
			requested := int64(math.MaxInt64)
			if in.Amount <= math.MaxInt64/n {
				requested = in.Amount * n
			}
			return &InsufficientEventPointsError{EventID: e.ID, Remaining: e.PointsRemain(), Requested: requested}
		}
		total := in.Amount * n
		if _, err := st.AddPointsAwarded(ctx, e.ID, total); err != nil {
			return err
		}

		eventID := e.ID
		for _, utorid := range recipients {
			out = append(out, Transaction{
				ID:        s.ids.NextID(),
				Type:      TxEvent,
				Utorid:    utorid,
				Amount:    in.Amount,
				RelatedID: &eventID,
				Remark:    in.Remark,
				CreatedBy: in.Actor.Utorid,
				CreatedAt: now,
			})
		}
		if err := st.AppendTransactions(ctx, out...); err != nil {
			return err
		}
		for _, utorid := range recipients {
			if _, err := Balances(st).Credit(ctx, utorid, in.Amount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("event points awarded",
		zap.Int64("event_id", in.EventID),
		zap.Int("recipients", len(out)),
		zap.Int64("amount", in.Amount),
	)
	return out, nil
}
