package loyalty_test

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-ledger/loyalty"
)

// event creates a published event starting in an hour and lasting two.
func (f *fixture) event(t *testing.T, manager loyalty.Actor, points int64, capacity *int) *loyalty.Event {
	t.Helper()
	e, err := f.svc.CreateEvent(f.ctx, loyalty.CreateEventInput{
		Actor:     manager,
		Name:      "games night",
		Location:  "BA 1160",
		StartTime: f.now.Add(time.Hour),
		EndTime:   f.now.Add(3 * time.Hour),
		Capacity:  capacity,
		Points:    points,
	})
	require.NoError(t, err)
	e, err = f.svc.UpdateEvent(f.ctx, loyalty.UpdateEventInput{Actor: manager, EventID: e.ID, Published: ptr(true)})
	require.NoError(t, err)
	return e
}

func (f *fixture) guest(t *testing.T, manager loyalty.Actor, eventID int64, utorid string) {
	t.Helper()
	_, err := f.svc.AddGuest(f.ctx, loyalty.MembershipInput{Actor: manager, EventID: eventID, Utorid: utorid})
	require.NoError(t, err)
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

func TestAddGuest_CapacityReached(t *testing.T) {
	// GIVEN: An event with capacity 5 and 5 guests
	// WHEN: A sixth user RSVPs
	// THEN: EventFull

	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	e := f.event(t, manager, 100, ptr(5))
	for i := 0; i < 5; i++ {
		utorid := fmt.Sprintf("guest%03d", i)
		f.user(t, utorid, loyalty.RoleRegular, 0)
		f.guest(t, manager, e.ID, utorid)
	}
	late := f.user(t, "late0001", loyalty.RoleRegular, 0)

	_, err := f.svc.AddGuest(f.ctx, loyalty.MembershipInput{Actor: late, EventID: e.ID, Utorid: "late0001"})
	assert.ErrorIs(t, err, loyalty.ErrEventFull)

	got, err := f.svc.GetEvent(f.ctx, manager, e.ID)
	require.NoError(t, err)
	assert.Len(t, got.Guests, 5)
}

func TestMembership_OrganizerAndGuestAreDisjoint(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	f.user(t, "alice001", loyalty.RoleRegular, 0)
	bob := f.user(t, "bob00001", loyalty.RoleRegular, 0)
	e := f.event(t, manager, 100, nil)

	_, err := f.svc.AddOrganizer(f.ctx, loyalty.MembershipInput{Actor: manager, EventID: e.ID, Utorid: "alice001"})
	require.NoError(t, err)

	_, err = f.svc.AddGuest(f.ctx, loyalty.MembershipInput{Actor: manager, EventID: e.ID, Utorid: "alice001"})
	var conflict *loyalty.RoleConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, loyalty.MemberOrganizer, conflict.Held)
	assert.ErrorIs(t, err, loyalty.ErrAlreadyOrganizer)

	_, err = f.svc.AddGuest(f.ctx, loyalty.MembershipInput{Actor: bob, EventID: e.ID, Utorid: "bob00001"})
	require.NoError(t, err)
	_, err = f.svc.AddOrganizer(f.ctx, loyalty.MembershipInput{Actor: manager, EventID: e.ID, Utorid: "bob00001"})
	assert.ErrorIs(t, err, loyalty.ErrAlreadyGuest)
	assert.True(t, loyalty.IsConflict(err))
}

func TestAddGuest_SelfRSVPNeedsPublishedEvent(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	alice := f.user(t, "alice001", loyalty.RoleRegular, 0)
	f.user(t, "bob00001", loyalty.RoleRegular, 0)

	draft, err := f.svc.CreateEvent(f.ctx, loyalty.CreateEventInput{
		Actor: manager, Name: "draft", StartTime: f.now.Add(time.Hour), EndTime: f.now.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	_, err = f.svc.AddGuest(f.ctx, loyalty.MembershipInput{Actor: alice, EventID: draft.ID, Utorid: "alice001"})
	assert.ErrorIs(t, err, loyalty.ErrEventNotFound)

	_, err = f.svc.GetEvent(f.ctx, alice, draft.ID)
	assert.ErrorIs(t, err, loyalty.ErrEventNotFound)

	published := f.event(t, manager, 0, nil)
	_, err = f.svc.AddGuest(f.ctx, loyalty.MembershipInput{Actor: alice, EventID: published.ID, Utorid: "bob00001"})
	assert.ErrorIs(t, err, loyalty.ErrRoleForbidden, "regular users may only add themselves")
}

func TestMembership_ClosedAfterEnd(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	alice := f.user(t, "alice001", loyalty.RoleRegular, 0)
	e := f.event(t, manager, 100, nil)
	f.guest(t, manager, e.ID, "alice001")

	f.advance(4 * time.Hour)

	err := f.svc.RemoveGuest(f.ctx, loyalty.MembershipInput{Actor: alice, EventID: e.ID, Utorid: "alice001"})
	assert.ErrorIs(t, err, loyalty.ErrEventEnded)
}

func TestRemoveGuest_NotAGuest(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	alice := f.user(t, "alice001", loyalty.RoleRegular, 0)
	e := f.event(t, manager, 100, nil)

	err := f.svc.RemoveGuest(f.ctx, loyalty.MembershipInput{Actor: alice, EventID: e.ID, Utorid: "alice001"})
	assert.ErrorIs(t, err, loyalty.ErrNotGuest)

	err = f.svc.RemoveOrganizer(f.ctx, loyalty.MembershipInput{Actor: manager, EventID: e.ID, Utorid: "alice001"})
	assert.ErrorIs(t, err, loyalty.ErrNotOrganizer)
}

// =============================================================================
// AWARDS & POOL
// =============================================================================

func TestAwardEventPoints_BroadcastDrawsFromPool(t *testing.T) {
	// GIVEN: An event with 100 points and two guests
	// WHEN: The organizer awards 30 to everyone
	// THEN: Each guest gains 30, awarded = 60, one row per guest
	// WHEN: 30 more to everyone (needs 60, 40 remain)
	// THEN: InsufficientEventPoints and nothing changes

	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	organizer := f.user(t, "organiz1", loyalty.RoleRegular, 0)
	f.user(t, "alice001", loyalty.RoleRegular, 0)
	f.user(t, "bob00001", loyalty.RoleRegular, 0)
	e := f.event(t, manager, 100, nil)
	_, err := f.svc.AddOrganizer(f.ctx, loyalty.MembershipInput{Actor: manager, EventID: e.ID, Utorid: "organiz1"})
	require.NoError(t, err)
	f.guest(t, manager, e.ID, "alice001")
	f.guest(t, manager, e.ID, "bob00001")

	rows, err := f.svc.AwardEventPoints(f.ctx, loyalty.AwardInput{Actor: organizer, EventID: e.ID, Amount: 30})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, loyalty.TxEvent, r.Type)
		require.NotNil(t, r.RelatedID)
		assert.Equal(t, e.ID, *r.RelatedID)
	}
	assert.Equal(t, int64(30), f.balance(t, "alice001"))
	assert.Equal(t, int64(30), f.balance(t, "bob00001"))

	_, err = f.svc.AwardEventPoints(f.ctx, loyalty.AwardInput{Actor: organizer, EventID: e.ID, Amount: 30})
	var short *loyalty.InsufficientEventPointsError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, int64(40), short.Remaining)
	assert.Equal(t, int64(60), short.Requested)

	got, err := f.store.GetEvent(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.PointsAwarded)
	assert.Equal(t, int64(40), got.PointsRemain())
	assert.Equal(t, int64(30), f.balance(t, "alice001"))
}

func TestAwardEventPoints_HugeAmountRejectedWithoutOverflow(t *testing.T) {
	// GIVEN: An event with 100 points and four guests
	// WHEN: The manager awards 2^62 to everyone (the product wraps int64)
	// THEN: InsufficientEventPoints, the pool is untouched, nobody is credited

	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	e := f.event(t, manager, 100, nil)
	guests := []string{"alice001", "bob00001", "carol001", "dave0001"}
	for _, g := range guests {
		f.user(t, g, loyalty.RoleRegular, 0)
		f.guest(t, manager, e.ID, g)
	}

	rows, err := f.svc.AwardEventPoints(f.ctx, loyalty.AwardInput{Actor: manager, EventID: e.ID, Amount: 1 << 62})
	var short *loyalty.InsufficientEventPointsError
	require.ErrorAs(t, err, &short)
	assert.Nil(t, rows)
	assert.Equal(t, int64(100), short.Remaining)
	assert.Equal(t, int64(math.MaxInt64), short.Requested)

	_, err = f.svc.AwardEventPoints(f.ctx, loyalty.AwardInput{Actor: manager, EventID: e.ID, Amount: math.MaxInt64 / 2})
	assert.ErrorIs(t, err, loyalty.ErrInsufficientEventPoints)

	got, err := f.store.GetEvent(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.PointsAwarded)
	assert.Equal(t, int64(100), got.PointsRemain())
	for _, g := range guests {
		assert.Equal(t, int64(0), f.balance(t, g), g)
	}

	// 25 each exactly drains the pool
	rows, err = f.svc.AwardEventPoints(f.ctx, loyalty.AwardInput{Actor: manager, EventID: e.ID, Amount: 25})
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	got, err = f.store.GetEvent(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.PointsRemain())
}

func TestAwardEventPoints_SingleGuest(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	f.user(t, "alice001", loyalty.RoleRegular, 0)
	f.user(t, "bob00001", loyalty.RoleRegular, 0)
	e := f.event(t, manager, 100, nil)
	f.guest(t, manager, e.ID, "alice001")

	rows, err := f.svc.AwardEventPoints(f.ctx, loyalty.AwardInput{Actor: manager, EventID: e.ID, Utorid: "alice001", Amount: 25})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(25), f.balance(t, "alice001"))

	_, err = f.svc.AwardEventPoints(f.ctx, loyalty.AwardInput{Actor: manager, EventID: e.ID, Utorid: "bob00001", Amount: 25})
	assert.ErrorIs(t, err, loyalty.ErrNotGuest)
}

func TestAwardEventPoints_NoGuestsIsEmpty(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	e := f.event(t, manager, 100, nil)

	rows, err := f.svc.AwardEventPoints(f.ctx, loyalty.AwardInput{Actor: manager, EventID: e.ID, Amount: 10})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 0, f.rowCount(t))
}

func TestAwardEventPoints_RequiresOrganizer(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	cashier := f.user(t, "cashier1", loyalty.RoleCashier, 0)
	e := f.event(t, manager, 100, nil)

	_, err := f.svc.AwardEventPoints(f.ctx, loyalty.AwardInput{Actor: cashier, EventID: e.ID, Amount: 10})
	assert.ErrorIs(t, err, loyalty.ErrRoleForbidden)
}

func TestUpdateEvent_PointsBelowAwarded(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	f.user(t, "alice001", loyalty.RoleRegular, 0)
	e := f.event(t, manager, 100, nil)
	f.guest(t, manager, e.ID, "alice001")
	_, err := f.svc.AwardEventPoints(f.ctx, loyalty.AwardInput{Actor: manager, EventID: e.ID, Amount: 60})
	require.NoError(t, err)

	_, err = f.svc.UpdateEvent(f.ctx, loyalty.UpdateEventInput{Actor: manager, EventID: e.ID, Points: ptr(int64(50))})
	var below *loyalty.BelowAwardedError
	require.ErrorAs(t, err, &below)
	assert.Equal(t, int64(60), below.Awarded)

	updated, err := f.svc.UpdateEvent(f.ctx, loyalty.UpdateEventInput{Actor: manager, EventID: e.ID, Points: ptr(int64(60))})
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated.PointsRemain())
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestUpdateEvent_LockedAfterStart(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	e := f.event(t, manager, 100, nil)

	f.advance(90 * time.Minute)

	_, err := f.svc.UpdateEvent(f.ctx, loyalty.UpdateEventInput{Actor: manager, EventID: e.ID, Capacity: ptr(10)})
	assert.ErrorIs(t, err, loyalty.ErrEventStarted)

	updated, err := f.svc.UpdateEvent(f.ctx, loyalty.UpdateEventInput{Actor: manager, EventID: e.ID, Description: ptr("bring snacks")})
	require.NoError(t, err)
	assert.Equal(t, "bring snacks", updated.Description)
}

func TestUpdateEvent_CapacityBelowGuests(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	f.user(t, "alice001", loyalty.RoleRegular, 0)
	f.user(t, "bob00001", loyalty.RoleRegular, 0)
	e := f.event(t, manager, 100, nil)
	f.guest(t, manager, e.ID, "alice001")
	f.guest(t, manager, e.ID, "bob00001")

	_, err := f.svc.UpdateEvent(f.ctx, loyalty.UpdateEventInput{Actor: manager, EventID: e.ID, Capacity: ptr(1)})
	assert.ErrorIs(t, err, loyalty.ErrCapacityBelowGuests)
}

func TestUpdateEvent_OrganizerCannotChangePoints(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	organizer := f.user(t, "organiz1", loyalty.RoleRegular, 0)
	e := f.event(t, manager, 100, nil)
	_, err := f.svc.AddOrganizer(f.ctx, loyalty.MembershipInput{Actor: manager, EventID: e.ID, Utorid: "organiz1"})
	require.NoError(t, err)

	_, err = f.svc.UpdateEvent(f.ctx, loyalty.UpdateEventInput{Actor: organizer, EventID: e.ID, Points: ptr(int64(500))})
	assert.ErrorIs(t, err, loyalty.ErrRoleForbidden)

	updated, err := f.svc.UpdateEvent(f.ctx, loyalty.UpdateEventInput{Actor: organizer, EventID: e.ID, Location: ptr("MY 150")})
	require.NoError(t, err)
	assert.Equal(t, "MY 150", updated.Location)
}

func TestDeleteEvent_OnlyUnpublished(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	published := f.event(t, manager, 10, nil)

	err := f.svc.DeleteEvent(f.ctx, manager, published.ID)
	assert.ErrorIs(t, err, loyalty.ErrEventPublished)

	draft, err := f.svc.CreateEvent(f.ctx, loyalty.CreateEventInput{
		Actor: manager, Name: "draft", StartTime: f.now.Add(time.Hour), EndTime: f.now.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteEvent(f.ctx, manager, draft.ID))

	_, err = f.store.GetEvent(f.ctx, draft.ID)
	assert.ErrorIs(t, err, loyalty.ErrEventNotFound)
}

func TestListEvents_RegularUsersSeePublishedOnly(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	alice := f.user(t, "alice001", loyalty.RoleRegular, 0)
	f.event(t, manager, 10, nil)
	_, err := f.svc.CreateEvent(f.ctx, loyalty.CreateEventInput{
		Actor: manager, Name: "draft", StartTime: f.now.Add(time.Hour), EndTime: f.now.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	_, total, err := f.svc.ListEvents(f.ctx, alice, loyalty.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, err = f.svc.ListEvents(f.ctx, manager, loyalty.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}
