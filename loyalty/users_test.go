package loyalty_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-ledger/loyalty"
)

func TestCreateUser(t *testing.T) {
	f := newFixture(t)
	cashier := f.user(t, "cashier1", loyalty.RoleCashier, 0)
	regular := f.user(t, "alice001", loyalty.RoleRegular, 0)

	u, err := f.svc.CreateUser(f.ctx, loyalty.CreateUserInput{
		Actor: cashier, Utorid: " NewUser1 ", Name: "New User", Email: "new@mail.utoronto.ca",
	})
	require.NoError(t, err)
	assert.Equal(t, "newuser1", u.Utorid)
	assert.Equal(t, loyalty.RoleRegular, u.Role)
	assert.False(t, u.Verified)
	assert.Zero(t, u.Points)

	_, err = f.svc.CreateUser(f.ctx, loyalty.CreateUserInput{Actor: cashier, Utorid: "newuser1", Name: "Again"})
	assert.ErrorIs(t, err, loyalty.ErrUserExists)

	_, err = f.svc.CreateUser(f.ctx, loyalty.CreateUserInput{Actor: cashier, Utorid: "no", Name: "Short"})
	assert.ErrorIs(t, err, loyalty.ErrInvalidInput)

	_, err = f.svc.CreateUser(f.ctx, loyalty.CreateUserInput{Actor: regular, Utorid: "other001", Name: "Other"})
	assert.ErrorIs(t, err, loyalty.ErrRoleForbidden)
}

func TestGetUser_SelfOrCashier(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice001", loyalty.RoleRegular, 7)
	bob := f.user(t, "bob00001", loyalty.RoleRegular, 0)
	cashier := f.user(t, "cashier1", loyalty.RoleCashier, 0)

	u, err := f.svc.GetUser(f.ctx, alice, "alice001")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.Points)

	_, err = f.svc.GetUser(f.ctx, bob, "alice001")
	assert.ErrorIs(t, err, loyalty.ErrRoleForbidden)

	_, err = f.svc.GetUser(f.ctx, cashier, "alice001")
	assert.NoError(t, err)
}

func TestUpdateUser_RoleGrants(t *testing.T) {
	// GIVEN: A manager and a superuser
	// THEN: The manager may promote to cashier but not to manager
	// AND: The superuser may promote to manager

	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	super := f.user(t, "superu01", loyalty.RoleSuperuser, 0)
	f.user(t, "alice001", loyalty.RoleRegular, 0)

	u, err := f.svc.UpdateUser(f.ctx, loyalty.UpdateUserInput{Actor: manager, Utorid: "alice001", Role: ptr(loyalty.RoleCashier)})
	require.NoError(t, err)
	assert.Equal(t, loyalty.RoleCashier, u.Role)

	_, err = f.svc.UpdateUser(f.ctx, loyalty.UpdateUserInput{Actor: manager, Utorid: "alice001", Role: ptr(loyalty.RoleManager)})
	assert.ErrorIs(t, err, loyalty.ErrRoleForbidden)

	u, err = f.svc.UpdateUser(f.ctx, loyalty.UpdateUserInput{Actor: super, Utorid: "alice001", Role: ptr(loyalty.RoleManager)})
	require.NoError(t, err)
	assert.Equal(t, loyalty.RoleManager, u.Role)
}

func TestUpdateUser_Flags(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	f.user(t, "cashier1", loyalty.RoleCashier, 0)

	u, err := f.svc.UpdateUser(f.ctx, loyalty.UpdateUserInput{Actor: manager, Utorid: "cashier1", Suspicious: ptr(true)})
	require.NoError(t, err)
	assert.True(t, u.Suspicious)
	assert.True(t, loyalty.ActorFor(u).Suspicious)

	_, err = f.svc.UpdateUser(f.ctx, loyalty.UpdateUserInput{Actor: manager, Utorid: "cashier1", Verified: ptr(false)})
	assert.ErrorIs(t, err, loyalty.ErrInvalidInput)

	_, err = f.svc.UpdateUser(f.ctx, loyalty.UpdateUserInput{Actor: manager, Utorid: "ghost001", Verified: ptr(true)})
	assert.ErrorIs(t, err, loyalty.ErrUserNotFound)
}

func TestRole_ParseAndOrder(t *testing.T) {
	r, ok := loyalty.ParseRole("manager")
	require.True(t, ok)
	assert.Equal(t, loyalty.RoleManager, r)
	assert.True(t, r.AtLeast(loyalty.RoleCashier))
	assert.False(t, r.AtLeast(loyalty.RoleSuperuser))

	_, ok = loyalty.ParseRole("owner")
	assert.False(t, ok)
}

func TestBootstrap(t *testing.T) {
	f := newFixture(t)

	// GIVEN: An empty store
	// WHEN: The first account is bootstrapped
	u, err := f.svc.Bootstrap(f.ctx, "Admin001", "Admin")
	require.NoError(t, err)

	// THEN: It is a verified superuser that can grant manager
	assert.Equal(t, "admin001", u.Utorid)
	assert.Equal(t, loyalty.RoleSuperuser, u.Role)
	assert.True(t, u.Verified)

	regular := f.user(t, "alice001", loyalty.RoleRegular, 0)
	manager := loyalty.RoleManager
	_, err = f.svc.UpdateUser(f.ctx, loyalty.UpdateUserInput{Actor: loyalty.ActorFor(u), Utorid: regular.Utorid, Role: &manager})
	require.NoError(t, err)

	_, err = f.svc.Bootstrap(f.ctx, "admin001", "Again")
	assert.ErrorIs(t, err, loyalty.ErrUserExists)
}
