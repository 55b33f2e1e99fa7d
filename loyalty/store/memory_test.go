package store_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-ledger/loyalty"
	"github.com/warp/loyalty-ledger/loyalty/store"
)

func TestTxMemory_RollbackOnError(t *testing.T) {
	// GIVEN: A user with 10 points
	// WHEN: A WithTx scope credits 5, appends a row, then fails
	// THEN: Neither the credit nor the row survives

	ctx := context.Background()
	m := store.NewTxMemory()
	require.NoError(t, m.CreateUser(ctx, &loyalty.User{Utorid: "alice001", Points: 10}))

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(st loyalty.Store) error {
		if _, err := st.AdjustBalance(ctx, "alice001", 5); err != nil {
			return err
		}
		if err := st.AppendTransactions(ctx, loyalty.Transaction{ID: 1, Type: loyalty.TxAdjustment, Utorid: "alice001", Amount: 5}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	u, err := m.GetUser(ctx, "alice001")
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.Points)
	_, err = m.GetTransaction(ctx, 1)
	assert.ErrorIs(t, err, loyalty.ErrTransactionNotFound)
}

func TestMemory_AdjustBalanceNeverNegative(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateUser(ctx, &loyalty.User{Utorid: "alice001", Points: 10}))

	_, err := m.AdjustBalance(ctx, "alice001", -11)
	var short *loyalty.InsufficientFundsError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, int64(11), short.Requested)

	bal, err := m.AdjustBalance(ctx, "alice001", -10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestMemory_AdjustBalanceOverflow(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateUser(ctx, &loyalty.User{Utorid: "alice001", Points: math.MaxInt64 - 2}))

	bal, err := m.AdjustBalance(ctx, "alice001", 3)
	require.ErrorIs(t, err, loyalty.ErrInvalidAmount)
	assert.False(t, errors.Is(err, loyalty.ErrInsufficientFunds))
	assert.Equal(t, int64(math.MaxInt64-2), bal)

	bal, err = m.AdjustBalance(ctx, "alice001", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), bal)
}

func TestMemory_EventPoolAndMembership(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.CreateEvent(ctx, &loyalty.Event{ID: 7, Name: "e", StartTime: now, EndTime: now.Add(time.Hour), PointsTotal: 50}))

	awarded, err := m.AddPointsAwarded(ctx, 7, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), awarded)

	_, err = m.AddPointsAwarded(ctx, 7, 1)
	assert.ErrorIs(t, err, loyalty.ErrInsufficientEventPoints)

	require.NoError(t, m.AddMember(ctx, 7, "alice001", loyalty.MemberGuest))
	err = m.AddMember(ctx, 7, "alice001", loyalty.MemberOrganizer)
	assert.ErrorIs(t, err, loyalty.ErrAlreadyGuest)

	e, err := m.GetEvent(ctx, 7)
	require.NoError(t, err)
	e.Guests[0] = "mutated"
	again, err := m.GetEvent(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice001"}, again.Guests, "reads return copies")

	require.NoError(t, m.RemoveMember(ctx, 7, "alice001", loyalty.MemberGuest))
	assert.ErrorIs(t, m.RemoveMember(ctx, 7, "alice001", loyalty.MemberGuest), loyalty.ErrNotGuest)
}

func TestMemory_PromotionUsage(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.MarkPromotionUsed(ctx, 3, "alice001"))
	used, err := m.PromotionUsed(ctx, 3, "alice001")
	require.NoError(t, err)
	assert.True(t, used)

	err = m.MarkPromotionUsed(ctx, 3, "alice001")
	assert.ErrorIs(t, err, loyalty.ErrPromotionAlreadyUsed)

	used, err = m.PromotionUsed(ctx, 3, "bob00001")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestMemory_RedemptionTransitionsOnce(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.AppendTransactions(ctx, loyalty.Transaction{
		ID: 1, Type: loyalty.TxRedemption, Utorid: "alice001", Amount: -10, Status: loyalty.RedemptionRequested,
	}))

	require.NoError(t, m.TransitionRedemption(ctx, 1, loyalty.RedemptionProcessed, "cashier1"))
	assert.ErrorIs(t, m.TransitionRedemption(ctx, 1, loyalty.RedemptionProcessed, "cashier1"), loyalty.ErrAlreadyProcessed)

	tx, err := m.GetTransaction(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "cashier1", tx.ProcessedBy)
}

func TestMemory_Reset(t *testing.T) {
	ctx := context.Background()
	m := store.NewTxMemory()
	require.NoError(t, m.CreateUser(ctx, &loyalty.User{Utorid: "alice001", Points: 10}))
	require.NoError(t, m.AppendTransactions(ctx, loyalty.Transaction{ID: 1, Type: loyalty.TxPurchase, Utorid: "alice001", Amount: 10}))

	require.NoError(t, m.Reset(ctx))

	_, err := m.GetUser(ctx, "alice001")
	assert.ErrorIs(t, err, loyalty.ErrUserNotFound)
	_, total, err := m.ListTransactions(ctx, loyalty.TransactionFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}
