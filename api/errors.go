package api

import (
	"errors"
	"net/http"

	"github.com/warp/loyalty-ledger/loyalty"
)

// statusFor maps ledger errors to HTTP status codes.
//
//	404: unknown user, transaction, event, promotion
//	403: clearance below the required role
//	409: already processed, already used, already a member, full, busy
//	400: every other precondition failure
//	500: anything else
func statusFor(err error) int {
	switch {
	case loyalty.IsNotFound(err):
		return http.StatusNotFound
	case loyalty.IsForbidden(err):
		return http.StatusForbidden
	case loyalty.IsConflict(err):
		return http.StatusConflict
	case loyalty.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status and a stable code.
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: errorCode(err)})
}

func errorCode(err error) string {
	var invalid *loyalty.InvalidPromotionError
	if errors.As(err, &invalid) {
		return "invalid_promotion:" + invalid.Reason
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

var errorCodes = []struct {
	err  error
	code string
}{
	{loyalty.ErrInsufficientFunds, "insufficient_funds"},
	{loyalty.ErrInsufficientPoints, "insufficient_points"},
	{loyalty.ErrInsufficientEventPoints, "insufficient_event_points"},
	{loyalty.ErrNotGuest, "not_guest"},
	{loyalty.ErrEventFull, "event_full"},
	{loyalty.ErrEventEnded, "event_ended"},
	{loyalty.ErrEventStarted, "event_started"},
	{loyalty.ErrEventPublished, "event_published"},
	{loyalty.ErrCapacityBelowGuests, "capacity_below_guests"},
	{loyalty.ErrAlreadyOrganizer, "already_organizer"},
	{loyalty.ErrAlreadyGuest, "already_guest"},
	{loyalty.ErrNotOrganizer, "not_organizer"},
	{loyalty.ErrBelowAwarded, "below_awarded"},
	{loyalty.ErrPromotionAlreadyUsed, "promotion_already_used"},
	{loyalty.ErrPromotionStarted, "promotion_started"},
	{loyalty.ErrRelatedTransactionNotFound, "related_transaction_not_found"},
	{loyalty.ErrAlreadyProcessed, "already_processed"},
	{loyalty.ErrNotRedemption, "not_redemption"},
	{loyalty.ErrRedemptionCancelled, "redemption_cancelled"},
	{loyalty.ErrRoleForbidden, "forbidden"},
	{loyalty.ErrUnverified, "unverified"},
	{loyalty.ErrSelfTransfer, "self_transfer"},
	{loyalty.ErrUserNotFound, "user_not_found"},
	{loyalty.ErrUserExists, "user_exists"},
	{loyalty.ErrTransactionNotFound, "transaction_not_found"},
	{loyalty.ErrEventNotFound, "event_not_found"},
	{loyalty.ErrPromotionNotFound, "promotion_not_found"},
	{loyalty.ErrInvalidAmount, "invalid_amount"},
	{loyalty.ErrInvalidPeriod, "invalid_period"},
	{loyalty.ErrInvalidInput, "invalid_input"},
	{loyalty.ErrConcurrentModification, "concurrent_modification"},
}
