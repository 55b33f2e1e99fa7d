/*
balance.go - Per-user point balance

PURPOSE:
  The Balance Store contract: credit, debit, and read a user's integer
  point balance. No negative balance is ever persisted.

CONCURRENCY:
  Balances are mutated through UserStore.AdjustBalance, a conditional
  update that the store applies atomically. Inside TxStore.WithTx the
  read-check-write sequence is serialized per store, so two concurrent
  purchases for one user never observe the same stale balance.

SEE ALSO:
  - store.go: AdjustBalance contract
  - workflow.go: Transfers debit and credit inside one WithTx
*/
package loyalty

import (
	"context"
	"fmt"
)

type BalanceStore interface {
	Credit(ctx context.Context, utorid string, amount int64) (int64, error)
	Debit(ctx context.Context, utorid string, amount int64) (int64, error)
	BalanceOf(ctx context.Context, utorid string) (int64, error)
}

// Balances returns the BalanceStore view over users. Pass the Store handed
// to a WithTx callback so balance changes commit with the ledger rows.
func Balances(users UserStore) BalanceStore {
	return userBalances{users: users}
}

type userBalances struct {
	users UserStore
}

func (b userBalances) Credit(ctx context.Context, utorid string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit of %d", ErrInvalidAmount, amount)
	}
	return b.users.AdjustBalance(ctx, utorid, amount)
}

// Debit fails with *InsufficientFundsError when the balance is below amount.
func (b userBalances) Debit(ctx context.Context, utorid string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: debit of %d", ErrInvalidAmount, amount)
	}
	return b.users.AdjustBalance(ctx, utorid, -amount)
}

func (b userBalances) BalanceOf(ctx context.Context, utorid string) (int64, error) {
	u, err := b.users.GetUser(ctx, utorid)
	if err != nil {
		return 0, err
	}
	return u.Points, nil
}
