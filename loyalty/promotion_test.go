package loyalty_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-ledger/loyalty"
)

func (f *fixture) promotion(t *testing.T, manager loyalty.Actor, typ loyalty.PromotionType, minSpending, rate string, points int64) *loyalty.Promotion {
	t.Helper()
	in := loyalty.CreatePromotionInput{
		Actor:     manager,
		Name:      "spring " + string(typ),
		Type:      typ,
		StartTime: f.now.Add(time.Hour),
		EndTime:   f.now.Add(48 * time.Hour),
		Points:    ptr(points),
	}
	if minSpending != "" {
		in.MinSpending = decPtr(minSpending)
	}
	if rate != "" {
		in.Rate = decPtr(rate)
	}
	p, err := f.svc.CreatePromotion(f.ctx, in)
	require.NoError(t, err)
	return p
}

// =============================================================================
// EVALUATION
// =============================================================================

func TestPurchase_OneTimePromotion_AppliedOnce(t *testing.T) {
	// GIVEN: A one-time promotion (rate 0.02, +10 points, min spend 50)
	// WHEN: The customer spends 100 with it
	// THEN: 400 base + floor(2 + 10) bonus = 412
	// AND: A second purchase with the same promotion fails

	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	cashier := f.user(t, "cashier1", loyalty.RoleCashier, 0)
	f.user(t, "alice001", loyalty.RoleRegular, 0)
	promo := f.promotion(t, manager, loyalty.PromotionOneTime, "50", "0.02", 10)
	f.advance(2 * time.Hour)

	tx, err := f.svc.Purchase(f.ctx, loyalty.PurchaseInput{
		Actor: cashier, Utorid: "alice001", Spent: dec("100"), PromotionIDs: []int64{promo.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(412), tx.Amount)
	assert.Equal(t, []int64{promo.ID}, tx.PromotionIDs)

	used, err := f.store.PromotionUsed(f.ctx, promo.ID, "alice001")
	require.NoError(t, err)
	assert.True(t, used)

	_, err = f.svc.Purchase(f.ctx, loyalty.PurchaseInput{
		Actor: cashier, Utorid: "alice001", Spent: dec("100"), PromotionIDs: []int64{promo.ID},
	})
	var usedErr *loyalty.PromotionUsedError
	require.ErrorAs(t, err, &usedErr)
	assert.Equal(t, promo.ID, usedErr.PromotionID)
	assert.True(t, loyalty.IsConflict(err))
	assert.Equal(t, int64(412), f.balance(t, "alice001"), "failed purchase credits nothing")
}

func TestPurchase_OneTimeReuseBelowMinimumSpend_AlreadyUsed(t *testing.T) {
	// GIVEN: A one-time promotion with minimum spend 50, already used once
	// WHEN: The customer spends 40 with it again
	// THEN: PromotionAlreadyUsed, not a silent exclusion
	// AND: Nothing is recorded or credited

	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	cashier := f.user(t, "cashier1", loyalty.RoleCashier, 0)
	f.user(t, "alice001", loyalty.RoleRegular, 0)
	promo := f.promotion(t, manager, loyalty.PromotionOneTime, "50", "", 10)
	f.advance(2 * time.Hour)

	tx, err := f.svc.Purchase(f.ctx, loyalty.PurchaseInput{
		Actor: cashier, Utorid: "alice001", Spent: dec("60"), PromotionIDs: []int64{promo.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(250), tx.Amount)

	_, err = f.svc.Purchase(f.ctx, loyalty.PurchaseInput{
		Actor: cashier, Utorid: "alice001", Spent: dec("40"), PromotionIDs: []int64{promo.ID},
	})
	require.ErrorIs(t, err, loyalty.ErrPromotionAlreadyUsed)
	var usedErr *loyalty.PromotionUsedError
	require.ErrorAs(t, err, &usedErr)
	assert.Equal(t, promo.ID, usedErr.PromotionID)
	assert.Equal(t, int64(250), f.balance(t, "alice001"))

	_, total, err := f.store.ListTransactions(f.ctx, loyalty.TransactionFilter{Utorid: "alice001"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestPurchase_BelowMinimumSpend_ExcludedNotConsumed(t *testing.T) {
	// GIVEN: A one-time promotion with minimum spend 50
	// WHEN: The customer spends 40 with it
	// THEN: The purchase succeeds with base points only
	// AND: The promotion is still available for a later qualifying purchase

	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	cashier := f.user(t, "cashier1", loyalty.RoleCashier, 0)
	f.user(t, "alice001", loyalty.RoleRegular, 0)
	promo := f.promotion(t, manager, loyalty.PromotionOneTime, "50", "0.02", 10)
	f.advance(2 * time.Hour)

	tx, err := f.svc.Purchase(f.ctx, loyalty.PurchaseInput{
		Actor: cashier, Utorid: "alice001", Spent: dec("40"), PromotionIDs: []int64{promo.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(160), tx.Amount)
	assert.Empty(t, tx.PromotionIDs)

	used, err := f.store.PromotionUsed(f.ctx, promo.ID, "alice001")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestPurchase_AutomaticPromotionAppliesUnrequested(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	cashier := f.user(t, "cashier1", loyalty.RoleCashier, 0)
	f.user(t, "alice001", loyalty.RoleRegular, 0)
	auto := f.promotion(t, manager, loyalty.PromotionAutomatic, "", "0.5", 0)
	f.advance(2 * time.Hour)

	tx, err := f.svc.Purchase(f.ctx, loyalty.PurchaseInput{Actor: cashier, Utorid: "alice001", Spent: dec("3")})
	require.NoError(t, err)

	// 12 base + floor(1.5)
	assert.Equal(t, int64(13), tx.Amount)
	assert.Equal(t, []int64{auto.ID}, tx.PromotionIDs)

	// automatic promotions are never consumed
	_, err = f.svc.Purchase(f.ctx, loyalty.PurchaseInput{Actor: cashier, Utorid: "alice001", Spent: dec("3")})
	require.NoError(t, err)
	assert.Equal(t, int64(26), f.balance(t, "alice001"))
}

func TestPurchase_BonusFlooredOnceAcrossPromotions(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	cashier := f.user(t, "cashier1", loyalty.RoleCashier, 0)
	f.user(t, "alice001", loyalty.RoleRegular, 0)
	a := f.promotion(t, manager, loyalty.PromotionOneTime, "", "0.25", 0)
	b := f.promotion(t, manager, loyalty.PromotionOneTime, "", "0.25", 0)
	f.advance(2 * time.Hour)

	tx, err := f.svc.Purchase(f.ctx, loyalty.PurchaseInput{
		Actor: cashier, Utorid: "alice001", Spent: dec("3"), PromotionIDs: []int64{b.ID, a.ID},
	})
	require.NoError(t, err)

	// 12 base + floor(0.75 + 0.75)
	assert.Equal(t, int64(13), tx.Amount)
	assert.Equal(t, []int64{a.ID, b.ID}, tx.PromotionIDs)
}

func TestPurchase_InvalidPromotionReasons(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	cashier := f.user(t, "cashier1", loyalty.RoleCashier, 0)
	f.user(t, "alice001", loyalty.RoleRegular, 0)
	promo := f.promotion(t, manager, loyalty.PromotionOneTime, "", "", 5)

	tests := []struct {
		name    string
		advance time.Duration
		id      int64
		reason  string
	}{
		{"unknown id", 0, 9999, "not_found"},
		{"before start", 0, promo.ID, "not_started"},
		{"after end", 72 * time.Hour, promo.ID, "expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.advance(tt.advance)
			_, err := f.svc.Purchase(f.ctx, loyalty.PurchaseInput{
				Actor: cashier, Utorid: "alice001", Spent: dec("10"), PromotionIDs: []int64{tt.id},
			})
			var invalid *loyalty.InvalidPromotionError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.reason, invalid.Reason)
		})
	}
	assert.Equal(t, int64(0), f.balance(t, "alice001"))
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestPromotion_ImmutableOnceStarted(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	promo := f.promotion(t, manager, loyalty.PromotionAutomatic, "", "", 5)

	updated, err := f.svc.UpdatePromotion(f.ctx, loyalty.UpdatePromotionInput{
		Actor: manager, PromotionID: promo.ID, Points: ptr(int64(8)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8), *updated.Points)

	f.advance(2 * time.Hour)

	_, err = f.svc.UpdatePromotion(f.ctx, loyalty.UpdatePromotionInput{
		Actor: manager, PromotionID: promo.ID, Points: ptr(int64(9)),
	})
	assert.ErrorIs(t, err, loyalty.ErrPromotionStarted)

	err = f.svc.DeletePromotion(f.ctx, manager, promo.ID)
	assert.ErrorIs(t, err, loyalty.ErrPromotionStarted)
}

func TestCreatePromotion_Validation(t *testing.T) {
	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	cashier := f.user(t, "cashier1", loyalty.RoleCashier, 0)

	base := loyalty.CreatePromotionInput{
		Actor:     manager,
		Name:      "promo",
		Type:      loyalty.PromotionAutomatic,
		StartTime: f.now.Add(time.Hour),
		EndTime:   f.now.Add(2 * time.Hour),
	}

	in := base
	in.Actor = cashier
	_, err := f.svc.CreatePromotion(f.ctx, in)
	assert.ErrorIs(t, err, loyalty.ErrRoleForbidden)

	in = base
	in.EndTime = in.StartTime
	_, err = f.svc.CreatePromotion(f.ctx, in)
	assert.ErrorIs(t, err, loyalty.ErrInvalidPeriod)

	in = base
	in.StartTime = f.now.Add(-time.Hour)
	_, err = f.svc.CreatePromotion(f.ctx, in)
	assert.ErrorIs(t, err, loyalty.ErrInvalidPeriod)

	in = base
	in.Type = "weekly"
	_, err = f.svc.CreatePromotion(f.ctx, in)
	assert.ErrorIs(t, err, loyalty.ErrInvalidInput)

	in = base
	in.Rate = decPtr("-0.1")
	_, err = f.svc.CreatePromotion(f.ctx, in)
	assert.ErrorIs(t, err, loyalty.ErrInvalidAmount)
}

func TestListPromotions_RegularUsersSeeUsableOnly(t *testing.T) {
	// GIVEN: An active automatic promotion, an active one-time promotion the
	//        customer already used, and a promotion that has not started
	// THEN: The customer sees only the automatic one; a manager sees all three

	f := newFixture(t)
	manager := f.user(t, "manager1", loyalty.RoleManager, 0)
	cashier := f.user(t, "cashier1", loyalty.RoleCashier, 0)
	alice := f.user(t, "alice001", loyalty.RoleRegular, 0)

	auto := f.promotion(t, manager, loyalty.PromotionAutomatic, "", "", 1)
	once := f.promotion(t, manager, loyalty.PromotionOneTime, "", "", 1)
	f.advance(2 * time.Hour)
	f.promotion(t, manager, loyalty.PromotionAutomatic, "", "", 1)

	_, err := f.svc.Purchase(f.ctx, loyalty.PurchaseInput{
		Actor: cashier, Utorid: "alice001", Spent: dec("1"), PromotionIDs: []int64{once.ID},
	})
	require.NoError(t, err)

	visible, total, err := f.svc.ListPromotions(f.ctx, alice, loyalty.PromotionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, visible, 1)
	assert.Equal(t, auto.ID, visible[0].ID)

	_, total, err = f.svc.ListPromotions(f.ctx, manager, loyalty.PromotionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	_, err = f.svc.GetPromotion(f.ctx, alice, 9999)
	assert.ErrorIs(t, err, loyalty.ErrPromotionNotFound)
}
