package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// BOOKING GROUP STATES
// ============================================================================

// GroupState is the state of a booking group. Member bookings mirror it.
type GroupState string

const (
	GroupStateCollecting            GroupState = "COLLECTING"
	GroupStatePendingPayment        GroupState = "PENDING_PAYMENT"
	GroupStateConfirming            GroupState = "CONFIRMING" // payment won, tickets being issued
	GroupStateConfirmed             GroupState = "CONFIRMED"
	GroupStateCancelled             GroupState = "CANCELLED"
	GroupStateExpired               GroupState = "EXPIRED"
	GroupStateConfirmedTicketFailed GroupState = "CONFIRMED_TICKET_FAILED"
)

// IsTerminal reports whether no further transition can leave this state.
// CONFIRMING counts as settled: cancel and expire can no longer win.
func (s GroupState) IsTerminal() bool {
	switch s {
	case GroupStateConfirmed, GroupStateCancelled, GroupStateExpired,
		GroupStateConfirmedTicketFailed, GroupStateConfirming:
		return true
	}
	return false
}

// OccupiesSeat reports whether a booking in this state blocks its seat
// regardless of any payment deadline
func (s GroupState) OccupiesSeat() bool {
	return s == GroupStateConfirming || s == GroupStateConfirmed || s == GroupStateConfirmedTicketFailed
}

// Cancel reasons recorded on the group
const (
	CancelReasonUser               = "user_cancelled"
	CancelReasonPaymentFailed      = "payment_failed"
	CancelReasonGatewayUnavailable = "gateway_unavailable"
	CancelReasonAmountMismatch     = "amount_mismatch"
	CancelReasonPaymentTimeout     = "payment_timeout"
)

// ============================================================================
// ENTITIES
// ============================================================================

// BookingGroup is the unit of atomicity for a multi-seat purchase
type BookingGroup struct {
	ID              uuid.UUID   `json:"id" db:"id"`
	State           GroupState  `json:"state" db:"state"`
	Version         int         `json:"version" db:"version"`
	HolderToken     string      `json:"-" db:"holder_token"`
	TotalAmount     float64     `json:"total_amount" db:"total_amount"`
	Currency        string      `json:"currency" db:"currency"`
	CancelReason    *string     `json:"cancel_reason,omitempty" db:"cancel_reason"`
	PaymentDeadline time.Time   `json:"payment_deadline" db:"payment_deadline"`
	ConfirmedAt     *time.Time  `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
	BookingIDs      []uuid.UUID `json:"booking_ids" db:"-"`
}

// IsOverdue reports whether a pending group has passed its payment deadline
func (g *BookingGroup) IsOverdue(now time.Time) bool {
	return g.State == GroupStatePendingPayment && !now.Before(g.PaymentDeadline)
}

// CustomerInfo is the passenger/contact data collected for the locked seats
type CustomerInfo struct {
	Name           string `json:"name" binding:"required"`
	Email          string `json:"email" binding:"required,email"`
	Phone          string `json:"phone" binding:"required"`
	Identification string `json:"identification,omitempty"`
}

// Booking is one seat's reservation record. Never deleted.
type Booking struct {
	ID                     uuid.UUID  `json:"id" db:"id"`
	GroupID                uuid.UUID  `json:"group_id" db:"group_id"`
	TripID                 string     `json:"trip_id" db:"trip_id"`
	RouteID                string     `json:"route_id" db:"route_id"`
	SeatID                 string     `json:"seat_id" db:"seat_id"`
	SeatNumber             string     `json:"seat_number" db:"seat_number"`
	LockID                 string     `json:"-" db:"lock_id"`
	CustomerName           string     `json:"customer_name" db:"customer_name"`
	CustomerEmail          string     `json:"customer_email" db:"customer_email"`
	CustomerPhone          string     `json:"customer_phone" db:"customer_phone"`
	CustomerIdentification *string    `json:"customer_identification,omitempty" db:"customer_identification"`
	Price                  float64    `json:"price" db:"price"`
	TicketCode             *string    `json:"ticket_code,omitempty" db:"ticket_code"`
	Status                 GroupState `json:"status" db:"status"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" db:"updated_at"`
}

// ============================================================================
// REQUEST / RESPONSE DTOs
// ============================================================================

// CreateBookingRequest is the body of POST /bookings
type CreateBookingRequest struct {
	TripID       string       `json:"tripId" binding:"required"`
	RouteID      string       `json:"routeId"`
	SeatIDs      []string     `json:"seatIds" binding:"required,min=1"`
	CustomerInfo CustomerInfo `json:"customerInfo" binding:"required"`
}

// CreateBookingResponse is returned once the group is pending payment
type CreateBookingResponse struct {
	BookingID       uuid.UUID   `json:"bookingId"`
	BookingIDs      []uuid.UUID `json:"bookingIds"`
	TotalPrice      float64     `json:"totalPrice"`
	Currency        string      `json:"currency"`
	PaymentDeadline time.Time   `json:"paymentDeadline"`
}

// BookingGroupResponse is returned by GET /bookings/:groupId
type BookingGroupResponse struct {
	Group    *BookingGroup `json:"group"`
	Bookings []*Booking    `json:"bookings"`
}

// CancelBookingRequest is the optional body of POST /bookings/:groupId/cancel
type CancelBookingRequest struct {
	Reason string `json:"reason"`
}

// RefundQuote is a read-only refund estimate for a confirmed group
type RefundQuote struct {
	GroupID          uuid.UUID `json:"groupId"`
	Eligible         bool      `json:"eligible"`
	RefundPercentage float64   `json:"refundPercentage"`
	RefundAmount     float64   `json:"refundAmount"`
	TotalAmount      float64   `json:"totalAmount"`
	Departure        time.Time `json:"departure"`
	CancelBefore     time.Time `json:"cancelBefore"`
	Reason           string    `json:"reason,omitempty"`
}
