package api

import (
	"net/http"

	"github.com/warp/loyalty-ledger/loyalty"
)

// =============================================================================
// PROMOTION ENDPOINTS
// =============================================================================

// CreatePromotion handles POST /api/promotions
func (h *Handler) CreatePromotion(w http.ResponseWriter, r *http.Request) {
	var req CreatePromotionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.Service.CreatePromotion(r.Context(), loyalty.CreatePromotionInput{
		Actor:       actor(r),
		Name:        req.Name,
		Description: req.Description,
		Type:        loyalty.PromotionType(req.Type),
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		MinSpending: req.MinSpending,
		Rate:        req.Rate,
		Points:      req.Points,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPromotionDTO(p))
}

// ListPromotions handles GET /api/promotions?name=&type=
// Regular users only see promotions active right now.
func (h *Handler) ListPromotions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := loyalty.PromotionFilter{
		Name: q.Get("name"),
		Type: loyalty.PromotionType(q.Get("type")),
	}
	if f.Type != "" && !f.Type.Valid() {
		writeError(w, http.StatusBadRequest, "invalid type", nil)
		return
	}
	var err error
	if f.Limit, f.Offset, err = pagination(r); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pagination", err)
		return
	}

	promos, total, err := h.Service.ListPromotions(r.Context(), actor(r), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	results := make([]PromotionDTO, 0, len(promos))
	for i := range promos {
		results = append(results, toPromotionDTO(&promos[i]))
	}
	writeJSON(w, http.StatusOK, ListResponse[PromotionDTO]{Count: total, Results: results})
}

// GetPromotion handles GET /api/promotions/{id}
func (h *Handler) GetPromotion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Service.GetPromotion(r.Context(), actor(r), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPromotionDTO(p))
}

// UpdatePromotion handles PATCH /api/promotions/{id}
func (h *Handler) UpdatePromotion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req UpdatePromotionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := loyalty.UpdatePromotionInput{
		Actor:       actor(r),
		PromotionID: id,
		Name:        req.Name,
		Description: req.Description,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		MinSpending: req.MinSpending,
		Rate:        req.Rate,
		Points:      req.Points,
	}
	if req.Type != nil {
		t := loyalty.PromotionType(*req.Type)
		in.Type = &t
	}

	p, err := h.Service.UpdatePromotion(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPromotionDTO(p))
}

// DeletePromotion handles DELETE /api/promotions/{id}
func (h *Handler) DeletePromotion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Service.DeletePromotion(r.Context(), actor(r), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
