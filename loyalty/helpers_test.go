package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-ledger/loyalty"
	"github.com/warp/loyalty-ledger/loyalty/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	svc   *loyalty.Service
	store *store.TxMemory
	now   time.Time
	ctx   context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewTxMemory(),
		now:   time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC),
		ctx:   context.Background(),
	}
	svc, err := loyalty.NewService(f.store,
		loyalty.WithIDs(&loyalty.SequenceIDs{}),
		loyalty.WithClock(func() time.Time { return f.now }),
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

// user seeds a verified user straight into the store.
func (f *fixture) user(t *testing.T, utorid string, role loyalty.Role, points int64) loyalty.Actor {
	t.Helper()
	u := &loyalty.User{
		Utorid:    utorid,
		Name:      utorid,
		Email:     utorid + "@mail.utoronto.ca",
		Role:      role,
		Verified:  true,
		Points:    points,
		CreatedAt: f.now,
	}
	require.NoError(t, f.store.CreateUser(f.ctx, u))
	return loyalty.ActorFor(u)
}

func (f *fixture) balance(t *testing.T, utorid string) int64 {
	t.Helper()
	u, err := f.store.GetUser(f.ctx, utorid)
	require.NoError(t, err)
	return u.Points
}

func (f *fixture) rowCount(t *testing.T) int {
	t.Helper()
	_, n, err := f.store.ListTransactions(f.ctx, loyalty.TransactionFilter{})
	require.NoError(t, err)
	return n
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func ptr[T any](v T) *T { return &v }
