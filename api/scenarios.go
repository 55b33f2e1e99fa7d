/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos and manual testing. Every record is created through
	loyalty.Service, so seeded data obeys the same rules as live traffic.

AVAILABLE SCENARIOS:

	campus-basics:    Staff accounts, verified students, purchase history
	promotions:       Automatic and one-time promotions ready to apply
	event-night:      Published event with guests and a points pool
	redemption-queue: Pending redemptions waiting for a cashier

HOW SCENARIOS WORK:
 1. Reset the store (if it supports Reset)
 2. Bootstrap the superuser admin001
 3. Create staff and students, then verify them
 4. Run the scenario's operations as the right actor
 5. Return a bearer token per seeded user

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "event-night"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - auth.go: IssueToken
  - server.go: Scenario routes are mounted outside the auth group
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-ledger/loyalty"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioResponse carries a token for every seeded account.
type LoadScenarioResponse struct {
	Status   string            `json:"status"`
	Scenario string            `json:"scenario"`
	Tokens   map[string]string `json:"tokens"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "campus-basics",
		Name:        "Campus Basics",
		Description: "Manager, cashier and three verified students with purchase history",
	},
	{
		ID:          "promotions",
		Name:        "Promotions",
		Description: "An automatic spend bonus and a one-time welcome promotion",
	},
	{
		ID:          "event-night",
		Name:        "Event Night",
		Description: "Published event with an organizer, two guests and a 500 point pool",
	},
	{
		ID:          "redemption-queue",
		Name:        "Redemption Queue",
		Description: "Students with pending redemptions for the cashier to process",
	},
}

const scenarioTokenTTL = 24 * time.Hour

type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and seeds a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	var load func(context.Context, *seed) error
	switch req.ScenarioID {
	case "campus-basics":
		load = h.loadCampusBasics
	case "promotions":
		load = h.loadPromotions
	case "event-night":
		load = h.loadEventNight
	case "redemption-queue":
		load = h.loadRedemptionQueue
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	rs, ok := h.Store.(resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "store does not support reset", nil)
		return
	}
	if err := rs.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	s, err := h.newSeed(ctx)
	if err == nil {
		err = load(ctx, s)
	}
	if err != nil {
		h.log.Error("scenario load failed", zap.String("scenario", req.ScenarioID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	tokens := make(map[string]string, len(s.users))
	for _, utorid := range s.users {
		tok, err := IssueToken(h.secret, utorid, scenarioTokenTTL)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to issue tokens", err)
			return
		}
		tokens[utorid] = tok
	}

	h.currentScenario = req.ScenarioID
	h.log.Info("scenario loaded", zap.String("scenario", req.ScenarioID), zap.Int("users", len(tokens)))
	writeJSON(w, http.StatusOK, LoadScenarioResponse{Status: "loaded", Scenario: req.ScenarioID, Tokens: tokens})
}

// =============================================================================
// SEEDING HELPERS
// =============================================================================

// seed tracks the accounts created while loading a scenario.
type seed struct {
	svc   *loyalty.Service
	admin loyalty.Actor
	users []string
}

func (h *Handler) newSeed(ctx context.Context) (*seed, error) {
	admin, err := h.Service.Bootstrap(ctx, "admin001", "Demo Admin")
	if err != nil {
		return nil, err
	}
	return &seed{svc: h.Service, admin: loyalty.ActorFor(admin), users: []string{admin.Utorid}}, nil
}

// user registers and verifies an account, then grants role if above regular.
func (s *seed) user(ctx context.Context, utorid, name string, role loyalty.Role) (loyalty.Actor, error) {
	u, err := s.svc.CreateUser(ctx, loyalty.CreateUserInput{
		Actor:  s.admin,
		Utorid: utorid,
		Name:   name,
		Email:  utorid + "@mail.utoronto.ca",
	})
	if err != nil {
		return loyalty.Actor{}, err
	}
	verified := true
	upd := loyalty.UpdateUserInput{Actor: s.admin, Utorid: u.Utorid, Verified: &verified}
	if role != loyalty.RoleRegular {
		upd.Role = &role
	}
	if u, err = s.svc.UpdateUser(ctx, upd); err != nil {
		return loyalty.Actor{}, err
	}
	s.users = append(s.users, u.Utorid)
	return loyalty.ActorFor(u), nil
}

func (s *seed) purchase(ctx context.Context, cashier loyalty.Actor, utorid, spent string) error {
	_, err := s.svc.Purchase(ctx, loyalty.PurchaseInput{
		Actor:  cashier,
		Utorid: utorid,
		Spent:  decimal.RequireFromString(spent),
		Remark: "demo purchase",
	})
	return err
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadCampusBasics(ctx context.Context, s *seed) error {
	if _, err := s.user(ctx, "manager1", "Morgan Manager", loyalty.RoleManager); err != nil {
		return err
	}
	cashier, err := s.user(ctx, "cashier1", "Casey Cashier", loyalty.RoleCashier)
	if err != nil {
		return err
	}

	purchases := []struct {
		utorid, name string
		spent        []string
	}{
		{"alice001", "Alice Chen", []string{"12.50", "40.00"}},
		{"bob00001", "Bob Singh", []string{"7.25"}},
		{"carol001", "Carol Diaz", nil},
	}
	for _, p := range purchases {
		if _, err := s.user(ctx, p.utorid, p.name, loyalty.RoleRegular); err != nil {
			return err
		}
		for _, spent := range p.spent {
			if err := s.purchase(ctx, cashier, p.utorid, spent); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) loadPromotions(ctx context.Context, s *seed) error {
	manager, err := s.user(ctx, "manager1", "Morgan Manager", loyalty.RoleManager)
	if err != nil {
		return err
	}
	if _, err := s.user(ctx, "cashier1", "Casey Cashier", loyalty.RoleCashier); err != nil {
		return err
	}
	if _, err := s.user(ctx, "alice001", "Alice Chen", loyalty.RoleRegular); err != nil {
		return err
	}

	start := h.Service.Now().Add(time.Minute)
	end := start.Add(30 * 24 * time.Hour)
	minSpend := decimal.NewFromInt(20)
	rate := decimal.RequireFromString("0.01")
	welcome := int64(100)

	if _, err := s.svc.CreatePromotion(ctx, loyalty.CreatePromotionInput{
		Actor:       manager,
		Name:        "Big Spender",
		Description: "One extra point per dollar on purchases of $20 or more",
		Type:        loyalty.PromotionAutomatic,
		StartTime:   start,
		EndTime:     end,
		MinSpending: &minSpend,
		Rate:        &rate,
	}); err != nil {
		return err
	}
	_, err = s.svc.CreatePromotion(ctx, loyalty.CreatePromotionInput{
		Actor:       manager,
		Name:        "Welcome Bonus",
		Description: "100 points on any one purchase",
		Type:        loyalty.PromotionOneTime,
		StartTime:   start,
		EndTime:     end,
		Points:      &welcome,
	})
	return err
}

func (h *Handler) loadEventNight(ctx context.Context, s *seed) error {
	manager, err := s.user(ctx, "manager1", "Morgan Manager", loyalty.RoleManager)
	if err != nil {
		return err
	}
	organizer, err := s.user(ctx, "orgnzr01", "Olivia Organizer", loyalty.RoleRegular)
	if err != nil {
		return err
	}

	start := h.Service.Now().Add(2 * time.Hour)
	capacity := 50
	e, err := s.svc.CreateEvent(ctx, loyalty.CreateEventInput{
		Actor:       manager,
		Name:        "Games Night",
		Description: "Board games in the student centre",
		Location:    "SS 1071",
		StartTime:   start,
		EndTime:     start.Add(3 * time.Hour),
		Capacity:    &capacity,
		Points:      500,
	})
	if err != nil {
		return err
	}
	published := true
	if _, err := s.svc.UpdateEvent(ctx, loyalty.UpdateEventInput{Actor: manager, EventID: e.ID, Published: &published}); err != nil {
		return err
	}
	if _, err := s.svc.AddOrganizer(ctx, loyalty.MembershipInput{Actor: manager, EventID: e.ID, Utorid: organizer.Utorid}); err != nil {
		return err
	}

	for _, g := range []struct{ utorid, name string }{
		{"alice001", "Alice Chen"},
		{"bob00001", "Bob Singh"},
	} {
		if _, err := s.user(ctx, g.utorid, g.name, loyalty.RoleRegular); err != nil {
			return err
		}
		if _, err := s.svc.AddGuest(ctx, loyalty.MembershipInput{Actor: organizer, EventID: e.ID, Utorid: g.utorid}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadRedemptionQueue(ctx context.Context, s *seed) error {
	cashier, err := s.user(ctx, "cashier1", "Casey Cashier", loyalty.RoleCashier)
	if err != nil {
		return err
	}

	requests := []struct {
		utorid, name, spent string
		redeem              int64
	}{
		{"alice001", "Alice Chen", "50.00", 150},
		{"bob00001", "Bob Singh", "25.00", 80},
	}
	for _, q := range requests {
		student, err := s.user(ctx, q.utorid, q.name, loyalty.RoleRegular)
		if err != nil {
			return err
		}
		if err := s.purchase(ctx, cashier, q.utorid, q.spent); err != nil {
			return err
		}
		if _, err := s.svc.RequestRedemption(ctx, loyalty.RedemptionInput{
			Actor:  student,
			Amount: q.redeem,
			Remark: "demo redemption",
		}); err != nil {
			return err
		}
	}
	return nil
}
