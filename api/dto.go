/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - ListResponse: {count, results} page wrapper

DECIMALS:
  spent, rate and minSpending travel as decimal.Decimal, which encodes to
  a JSON string ("12.50") and accepts either a string or a number.

VALIDATION:
  Validation is done in handlers and the loyalty package, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-ledger/loyalty"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type UserDTO struct {
	ID         int64     `json:"id"`
	Utorid     string    `json:"utorid"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	Role       string    `json:"role"`
	Verified   bool      `json:"verified"`
	Suspicious bool      `json:"suspicious"`
	Points     int64     `json:"points"`
	CreatedAt  time.Time `json:"createdAt"`
}

type TransactionDTO struct {
	ID           int64            `json:"id"`
	Type         string           `json:"type"`
	Utorid       string           `json:"utorid"`
	Amount       int64            `json:"amount"`
	Spent        *decimal.Decimal `json:"spent,omitempty"`
	RelatedID    *int64           `json:"relatedId,omitempty"`
	PromotionIDs []int64          `json:"promotionIds"`
	Remark       string           `json:"remark"`
	CreatedBy    string           `json:"createdBy"`
	Suspicious   bool             `json:"suspicious"`
	Status       string           `json:"status,omitempty"`
	Processed    *bool            `json:"processed"`
	ProcessedBy  string           `json:"processedBy,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

type EventDTO struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Location      string    `json:"location"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime"`
	Capacity      *int      `json:"capacity"`
	PointsRemain  int64     `json:"pointsRemain"`
	PointsAwarded int64     `json:"pointsAwarded"`
	Published     bool      `json:"published"`
	Organizers    []string  `json:"organizers"`
	Guests        []string  `json:"guests"`
	NumGuests     int       `json:"numGuests"`
}

type PromotionDTO struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Type        string           `json:"type"`
	StartTime   time.Time        `json:"startTime"`
	EndTime     time.Time        `json:"endTime"`
	MinSpending *decimal.Decimal `json:"minSpending"`
	Rate        *decimal.Decimal `json:"rate"`
	Points      *int64           `json:"points"`
}

// ListResponse is a page of results with the total match count.
type ListResponse[T any] struct {
	Count   int `json:"count"`
	Results []T `json:"results"`
}

// TransferResponse returns both rows of a transfer.
type TransferResponse struct {
	Sent     TransactionDTO `json:"sent"`
	Received TransactionDTO `json:"received"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

type CreateUserRequest struct {
	Utorid string `json:"utorid"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

type UpdateUserRequest struct {
	Role       *string `json:"role"`
	Verified   *bool   `json:"verified"`
	Suspicious *bool   `json:"suspicious"`
}

// CreateTransactionRequest covers purchases (spent) and adjustments
// (amount, relatedId).
type CreateTransactionRequest struct {
	Type         string           `json:"type"`
	Utorid       string           `json:"utorid"`
	Spent        *decimal.Decimal `json:"spent"`
	Amount       *int64           `json:"amount"`
	RelatedID    *int64           `json:"relatedId"`
	PromotionIDs []int64          `json:"promotionIds"`
	Remark       string           `json:"remark"`
}

// PointsRequest is the body for transfers, redemptions and event awards.
type PointsRequest struct {
	Type   string `json:"type"`
	Utorid string `json:"utorid"`
	Amount int64  `json:"amount"`
	Remark string `json:"remark"`
}

type SuspiciousRequest struct {
	Suspicious *bool `json:"suspicious"`
}

type ProcessedRequest struct {
	Processed bool `json:"processed"`
}

type CreateEventRequest struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	Capacity    *int      `json:"capacity"`
	Points      int64     `json:"points"`
}

type UpdateEventRequest struct {
	Name        *string    `json:"name"`
	Description *string    `json:"description"`
	Location    *string    `json:"location"`
	StartTime   *time.Time `json:"startTime"`
	EndTime     *time.Time `json:"endTime"`
	Capacity    *int       `json:"capacity"`
	Points      *int64     `json:"points"`
	Published   *bool      `json:"published"`
}

type MemberRequest struct {
	Utorid string `json:"utorid"`
}

type CreatePromotionRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Type        string           `json:"type"`
	StartTime   time.Time        `json:"startTime"`
	EndTime     time.Time        `json:"endTime"`
	MinSpending *decimal.Decimal `json:"minSpending"`
	Rate        *decimal.Decimal `json:"rate"`
	Points      *int64           `json:"points"`
}

type UpdatePromotionRequest struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Type        *string          `json:"type"`
	StartTime   *time.Time       `json:"startTime"`
	EndTime     *time.Time       `json:"endTime"`
	MinSpending *decimal.Decimal `json:"minSpending"`
	Rate        *decimal.Decimal `json:"rate"`
	Points      *int64           `json:"points"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toUserDTO(u *loyalty.User) UserDTO {
	return UserDTO{
		ID:         u.ID,
		Utorid:     u.Utorid,
		Name:       u.Name,
		Email:      u.Email,
		Role:       u.Role.String(),
		Verified:   u.Verified,
		Suspicious: u.Suspicious,
		Points:     u.Points,
		CreatedAt:  u.CreatedAt,
	}
}

func toTransactionDTO(tx loyalty.Transaction) TransactionDTO {
	promos := tx.PromotionIDs
	if promos == nil {
		promos = []int64{}
	}
	return TransactionDTO{
		ID:           tx.ID,
		Type:         string(tx.Type),
		Utorid:       tx.Utorid,
		Amount:       tx.Amount,
		Spent:        tx.Spent,
		RelatedID:    tx.RelatedID,
		PromotionIDs: promos,
		Remark:       tx.Remark,
		CreatedBy:    tx.CreatedBy,
		Suspicious:   tx.Suspicious,
		Status:       string(tx.Status),
		Processed:    tx.Processed(),
		ProcessedBy:  tx.ProcessedBy,
		CreatedAt:    tx.CreatedAt,
	}
}

func toTransactionDTOs(txs []loyalty.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionDTO(tx))
	}
	return out
}

func toEventDTO(e *loyalty.Event) EventDTO {
	organizers, guests := e.Organizers, e.Guests
	if organizers == nil {
		organizers = []string{}
	}
	if guests == nil {
		guests = []string{}
	}
	return EventDTO{
		ID:            e.ID,
		Name:          e.Name,
		Description:   e.Description,
		Location:      e.Location,
		StartTime:     e.StartTime,
		EndTime:       e.EndTime,
		Capacity:      e.Capacity,
		PointsRemain:  e.PointsRemain(),
		PointsAwarded: e.PointsAwarded,
		Published:     e.Published,
		Organizers:    organizers,
		Guests:        guests,
		NumGuests:     len(e.Guests),
	}
}

func toPromotionDTO(p *loyalty.Promotion) PromotionDTO {
	return PromotionDTO{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Type:        string(p.Type),
		StartTime:   p.StartTime,
		EndTime:     p.EndTime,
		MinSpending: p.MinSpending,
		Rate:        p.Rate,
		Points:      p.Points,
	}
}
