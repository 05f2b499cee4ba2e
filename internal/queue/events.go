// Package queue publishes booking and payment events to RabbitMQ and
// consumes payment outcomes so every instance can push them to its own
// connected clients.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys on the booking events topic exchange
const (
	RoutingPaymentSuccess   = "payment.success"
	RoutingPaymentFailure   = "payment.failure"
	RoutingBookingConfirmed = "booking.confirmed"

	paymentBindingKey = "payment.*"
)

// BookingConfirmedEvent is published once a group leaves CONFIRMING.
// Downstream consumers (mailers, reporting) key on GroupID.
type BookingConfirmedEvent struct {
	GroupID      uuid.UUID `json:"group_id"`
	State        string    `json:"state"`
	TripID       string    `json:"trip_id"`
	SeatNumbers  []string  `json:"seat_numbers"`
	TicketCodes  []string  `json:"ticket_codes"`
	TotalAmount  float64   `json:"total_amount"`
	Currency     string    `json:"currency"`
	ContactEmail string    `json:"contact_email"`
	ConfirmedAt  time.Time `json:"confirmed_at"`
}
