/*
handlers.go - HTTP API handlers for the loyalty ledger

PURPOSE:
  Exposes loyalty.Service via REST. Handles HTTP request/response, JSON
  serialization, and delegates every decision to the service.

ENDPOINTS:
  Users:
    POST   /api/users                       Register a user (cashier+)
    GET    /api/users/me                    Current user
    GET    /api/users/{utorid}              User details (self or cashier+)
    PATCH  /api/users/{utorid}              Role, verified, suspicious (manager+)
    POST   /api/users/{utorid}/transactions Transfer points to utorid
    POST   /api/users/me/transactions       Request a redemption
    GET    /api/users/me/transactions       Own transaction history

  Transactions:
    POST   /api/transactions                Purchase or adjustment
    GET    /api/transactions                Filtered list
    GET    /api/transactions/{id}           One row
    PATCH  /api/transactions/{id}/suspicious
    PATCH  /api/transactions/{id}/processed Process a redemption (cashier+)
    DELETE /api/transactions/{id}           Cancel a pending redemption

  Events and promotions: see events.go and promotions.go.

REQUEST FLOW:
  1. Resolve the Actor (auth.go middleware)
  2. Parse path, query and body
  3. Call one loyalty.Service method
  4. Serialize the DTO, or map the error (errors.go)

PAGINATION:
  ?page=N&limit=M (1-based page, default limit 10). Lists return
  {"count": total, "results": [...]}.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/warp/loyalty-ledger/loyalty"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *loyalty.Service
	Store   loyalty.TxStore
	log     *zap.Logger

	// Signing key for tokens handed out by the scenario loader
	secret []byte

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(svc *loyalty.Service, store loyalty.TxStore, secret []byte, log *zap.Logger) *Handler {
	return &Handler{
		Service: svc,
		Store:   store,
		log:     log,
		secret:  secret,
	}
}

// =============================================================================
// USER ENDPOINTS
// =============================================================================

// CreateUser handles POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.Service.CreateUser(r.Context(), loyalty.CreateUserInput{
		Actor:  actor(r),
		Utorid: req.Utorid,
		Name:   req.Name,
		Email:  req.Email,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// GetMe handles GET /api/users/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	u, err := h.Service.GetUser(r.Context(), a, a.Utorid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// GetUser handles GET /api/users/{utorid}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Service.GetUser(r.Context(), actor(r), chi.URLParam(r, "utorid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// UpdateUser handles PATCH /api/users/{utorid}
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := loyalty.UpdateUserInput{
		Actor:      actor(r),
		Utorid:     chi.URLParam(r, "utorid"),
		Verified:   req.Verified,
		Suspicious: req.Suspicious,
	}
	if req.Role != nil {
		role, ok := loyalty.ParseRole(*req.Role)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown role", fmt.Errorf("role %q", *req.Role))
			return
		}
		in.Role = &role
	}

	u, err := h.Service.UpdateUser(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// Transfer handles POST /api/users/{utorid}/transactions
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req PointsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type != string(loyalty.TxTransfer) {
		writeError(w, http.StatusBadRequest, "type must be transfer", nil)
		return
	}

	res, err := h.Service.Transfer(r.Context(), loyalty.TransferInput{
		Actor:     actor(r),
		Recipient: chi.URLParam(r, "utorid"),
		Amount:    req.Amount,
		Remark:    req.Remark,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, TransferResponse{
		Sent:     toTransactionDTO(res.Sent),
		Received: toTransactionDTO(res.Received),
	})
}

// RequestRedemption handles POST /api/users/me/transactions
func (h *Handler) RequestRedemption(w http.ResponseWriter, r *http.Request) {
	var req PointsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type != string(loyalty.TxRedemption) {
		writeError(w, http.StatusBadRequest, "type must be redemption", nil)
		return
	}

	tx, err := h.Service.RequestRedemption(r.Context(), loyalty.RedemptionInput{
		Actor:  actor(r),
		Amount: req.Amount,
		Remark: req.Remark,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// ListMyTransactions handles GET /api/users/me/transactions
func (h *Handler) ListMyTransactions(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	f, ok := transactionFilter(w, r)
	if !ok {
		return
	}
	f.Utorid = a.Utorid

	txs, total, err := h.Service.ListTransactions(r.Context(), a, f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[TransactionDTO]{Count: total, Results: toTransactionDTOs(txs)})
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

// CreateTransaction handles POST /api/transactions (purchase or adjustment)
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var (
		tx  *loyalty.Transaction
		err error
	)
	switch loyalty.TransactionType(req.Type) {
	case loyalty.TxPurchase:
		if req.Spent == nil {
			writeError(w, http.StatusBadRequest, "spent is required", nil)
			return
		}
		tx, err = h.Service.Purchase(r.Context(), loyalty.PurchaseInput{
			Actor:        actor(r),
			Utorid:       req.Utorid,
			Spent:        *req.Spent,
			PromotionIDs: req.PromotionIDs,
			Remark:       req.Remark,
		})
	case loyalty.TxAdjustment:
		if req.Amount == nil || req.RelatedID == nil {
			writeError(w, http.StatusBadRequest, "amount and relatedId are required", nil)
			return
		}
		tx, err = h.Service.Adjustment(r.Context(), loyalty.AdjustmentInput{
			Actor:        actor(r),
			Utorid:       req.Utorid,
			Amount:       *req.Amount,
			RelatedID:    *req.RelatedID,
			PromotionIDs: req.PromotionIDs,
			Remark:       req.Remark,
		})
	default:
		writeError(w, http.StatusBadRequest, "type must be purchase or adjustment", nil)
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// ListTransactions handles GET /api/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	f, ok := transactionFilter(w, r)
	if !ok {
		return
	}
	txs, total, err := h.Service.ListTransactions(r.Context(), actor(r), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[TransactionDTO]{Count: total, Results: toTransactionDTOs(txs)})
}

// GetTransaction handles GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	tx, err := h.Service.GetTransaction(r.Context(), actor(r), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// SetSuspicious handles PATCH /api/transactions/{id}/suspicious
func (h *Handler) SetSuspicious(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req SuspiciousRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Suspicious == nil {
		writeError(w, http.StatusBadRequest, "suspicious is required", nil)
		return
	}

	tx, err := h.Service.SetSuspicious(r.Context(), loyalty.SetSuspiciousInput{
		Actor:         actor(r),
		TransactionID: id,
		Suspicious:    *req.Suspicious,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// ProcessRedemption handles PATCH /api/transactions/{id}/processed
func (h *Handler) ProcessRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ProcessedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Processed {
		writeError(w, http.StatusBadRequest, "processed can only be set to true", nil)
		return
	}

	tx, err := h.Service.ProcessRedemption(r.Context(), loyalty.ProcessInput{Actor: actor(r), TransactionID: id})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// CancelRedemption handles DELETE /api/transactions/{id}
func (h *Handler) CancelRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	tx, err := h.Service.CancelRedemption(r.Context(), loyalty.ProcessInput{Actor: actor(r), TransactionID: id})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// transactionFilter reads the list query parameters.
func transactionFilter(w http.ResponseWriter, r *http.Request) (loyalty.TransactionFilter, bool) {
	q := r.URL.Query()
	f := loyalty.TransactionFilter{
		Utorid:    q.Get("utorid"),
		Type:      loyalty.TransactionType(q.Get("type")),
		CreatedBy: q.Get("createdBy"),
	}
	if f.Type != "" && !f.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown transaction type", nil)
		return f, false
	}

	var err error
	if f.RelatedID, err = queryInt64(q.Get("relatedId")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid relatedId", err)
		return f, false
	}
	if f.PromotionID, err = queryInt64(q.Get("promotionId")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid promotionId", err)
		return f, false
	}
	if f.Suspicious, err = queryBool(q.Get("suspicious")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid suspicious", err)
		return f, false
	}

	amount, err := queryInt64(q.Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount", err)
		return f, false
	}
	if amount != nil {
		switch q.Get("operator") {
		case "gte":
			f.MinAmount = amount
		case "lte":
			f.MaxAmount = amount
		default:
			writeError(w, http.StatusBadRequest, "operator must be gte or lte when amount is set", nil)
			return f, false
		}
	}

	if f.Limit, f.Offset, err = pagination(r); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pagination", err)
		return f, false
	}
	return f, true
}

// =============================================================================
// HELPERS
// =============================================================================

func actor(r *http.Request) loyalty.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name, err)
		return 0, false
	}
	return id, true
}

// pagination converts ?page and ?limit to limit/offset.
func pagination(r *http.Request) (int, int, error) {
	page, limit := 1, 10
	q := r.URL.Query()
	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return 0, 0, fmt.Errorf("page %q", s)
		}
		page = n
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return 0, 0, fmt.Errorf("limit %q", s)
		}
		limit = n
	}
	return limit, (page - 1) * limit, nil
}

func queryInt64(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func queryBool(s string) (*bool, error) {
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
