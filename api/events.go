package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/warp/loyalty-ledger/loyalty"
)

// =============================================================================
// EVENT ENDPOINTS
// =============================================================================

// CreateEvent handles POST /api/events
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	e, err := h.Service.CreateEvent(r.Context(), loyalty.CreateEventInput{
		Actor:       actor(r),
		Name:        req.Name,
		Description: req.Description,
		Location:    req.Location,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Capacity:    req.Capacity,
		Points:      req.Points,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(e))
}

// ListEvents handles GET /api/events?name=&location=&published=
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := loyalty.EventFilter{
		Name:      q.Get("name"),
		Location:  q.Get("location"),
		Organizer: q.Get("organizer"),
	}
	var err error
	if f.Published, err = queryBool(q.Get("published")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid published", err)
		return
	}
	if f.Limit, f.Offset, err = pagination(r); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pagination", err)
		return
	}

	events, total, err := h.Service.ListEvents(r.Context(), actor(r), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	results := make([]EventDTO, 0, len(events))
	for i := range events {
		results = append(results, toEventDTO(&events[i]))
	}
	writeJSON(w, http.StatusOK, ListResponse[EventDTO]{Count: total, Results: results})
}

// GetEvent handles GET /api/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	e, err := h.Service.GetEvent(r.Context(), actor(r), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(e))
}

// UpdateEvent handles PATCH /api/events/{id}
func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	e, err := h.Service.UpdateEvent(r.Context(), loyalty.UpdateEventInput{
		Actor:       actor(r),
		EventID:     id,
		Name:        req.Name,
		Description: req.Description,
		Location:    req.Location,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Capacity:    req.Capacity,
		Points:      req.Points,
		Published:   req.Published,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(e))
}

// DeleteEvent handles DELETE /api/events/{id}
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Service.DeleteEvent(r.Context(), actor(r), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// MEMBERSHIP ENDPOINTS
// =============================================================================

// AddOrganizer handles POST /api/events/{id}/organizers
func (h *Handler) AddOrganizer(w http.ResponseWriter, r *http.Request) {
	h.addMember(w, r, h.Service.AddOrganizer, false)
}

// AddGuest handles POST /api/events/{id}/guests
func (h *Handler) AddGuest(w http.ResponseWriter, r *http.Request) {
	h.addMember(w, r, h.Service.AddGuest, false)
}

// AddSelfAsGuest handles POST /api/events/{id}/guests/me
func (h *Handler) AddSelfAsGuest(w http.ResponseWriter, r *http.Request) {
	h.addMember(w, r, h.Service.AddGuest, true)
}

// RemoveOrganizer handles DELETE /api/events/{id}/organizers/{utorid}
func (h *Handler) RemoveOrganizer(w http.ResponseWriter, r *http.Request) {
	h.removeMember(w, r, h.Service.RemoveOrganizer, chi.URLParam(r, "utorid"))
}

// RemoveGuest handles DELETE /api/events/{id}/guests/{utorid}
func (h *Handler) RemoveGuest(w http.ResponseWriter, r *http.Request) {
	h.removeMember(w, r, h.Service.RemoveGuest, chi.URLParam(r, "utorid"))
}

// RemoveSelfAsGuest handles DELETE /api/events/{id}/guests/me
func (h *Handler) RemoveSelfAsGuest(w http.ResponseWriter, r *http.Request) {
	h.removeMember(w, r, h.Service.RemoveGuest, actor(r).Utorid)
}

type addFunc func(ctx context.Context, in loyalty.MembershipInput) (*loyalty.Event, error)

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request, add addFunc, self bool) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	a := actor(r)
	utorid := a.Utorid
	if !self {
		var req MemberRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		utorid = req.Utorid
	}

	e, err := add(r.Context(), loyalty.MembershipInput{Actor: a, EventID: id, Utorid: utorid})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(e))
}

type removeFunc func(ctx context.Context, in loyalty.MembershipInput) error

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request, remove removeFunc, utorid string) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	err := remove(r.Context(), loyalty.MembershipInput{Actor: actor(r), EventID: id, Utorid: utorid})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// AWARD ENDPOINT
// =============================================================================

// AwardEventPoints handles POST /api/events/{id}/transactions. Without a
// utorid the amount goes to every guest.
func (h *Handler) AwardEventPoints(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req PointsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type != string(loyalty.TxEvent) {
		writeError(w, http.StatusBadRequest, "type must be event", nil)
		return
	}

	txs, err := h.Service.AwardEventPoints(r.Context(), loyalty.AwardInput{
		Actor:   actor(r),
		EventID: id,
		Utorid:  req.Utorid,
		Amount:  req.Amount,
		Remark:  req.Remark,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if req.Utorid != "" && len(txs) == 1 {
		writeJSON(w, http.StatusCreated, toTransactionDTO(txs[0]))
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTOs(txs))
}
