package models

import (
	"time"

	"github.com/google/uuid"
)

// SeatStatus is the derived availability of a seat at query time
type SeatStatus string

const (
	SeatStatusAvailable SeatStatus = "AVAILABLE"
	SeatStatusLocked    SeatStatus = "LOCKED"
	SeatStatusBooked    SeatStatus = "BOOKED"
)

// TripSeat is a seat provisioned for a trip by the trip collaborator
type TripSeat struct {
	TripID     string  `json:"trip_id" db:"trip_id"`
	SeatID     string  `json:"seat_id" db:"seat_id"`
	SeatNumber string  `json:"seat_number" db:"seat_number"`
	BasePrice  float64 `json:"base_price" db:"base_price"`
}

// SeatLock is a time-bounded claim on a seat. Owned by the lock manager only.
type SeatLock struct {
	LockID      string    `json:"lock_id"`
	TripID      string    `json:"trip_id"`
	SeatID      string    `json:"seat_id"`
	HolderToken string    `json:"-"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IsLive reports whether the lock is still in force at now
func (l *SeatLock) IsLive(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// LockHandle is returned to the caller of acquire/renew
type LockHandle struct {
	LockID    string    `json:"lockId"`
	TripID    string    `json:"tripId"`
	SeatID    string    `json:"seatId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Handle converts a lock into the handle given to clients
func (l *SeatLock) Handle() *LockHandle {
	return &LockHandle{
		LockID:    l.LockID,
		TripID:    l.TripID,
		SeatID:    l.SeatID,
		ExpiresAt: l.ExpiresAt,
	}
}

// SeatClaim is one (trip, seat, holder) triple offered to createGroup
type SeatClaim struct {
	TripID      string
	SeatID      string
	HolderToken string
}

// SeatLockEvent classifies entries in the seat lock audit trail
type SeatLockEvent string

const (
	SeatLockEventAcquired SeatLockEvent = "ACQUIRED"
	SeatLockEventRenewed  SeatLockEvent = "RENEWED"
	SeatLockEventReleased SeatLockEvent = "RELEASED" // passenger unlocked or cancelled
	SeatLockEventExpired  SeatLockEvent = "EXPIRED"  // abandoned, reclaimed by the sweep
	SeatLockEventPromoted SeatLockEvent = "PROMOTED" // released after the booking settled
)

// SeatLockAudit is one row of the seat lock audit trail
type SeatLockAudit struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	TripID      string        `json:"trip_id" db:"trip_id"`
	SeatID      string        `json:"seat_id" db:"seat_id"`
	LockID      *string       `json:"lock_id,omitempty" db:"lock_id"`
	HolderToken *string       `json:"-" db:"holder_token"`
	Event       SeatLockEvent `json:"event" db:"event"`
	Reason      *string       `json:"reason,omitempty" db:"reason"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// SeatOccupancy is a seat currently held by a booking
type SeatOccupancy struct {
	SeatID string     `db:"seat_id"`
	Status SeatStatus `db:"status"`
}

// SeatStatusView is one entry of the seat status projection
type SeatStatusView struct {
	SeatID     string     `json:"seatId"`
	SeatNumber string     `json:"seatNumber"`
	Price      float64    `json:"price"`
	Status     SeatStatus `json:"status"`
}

// SeatListResponse is returned by the seat status query
type SeatListResponse struct {
	TripID         string           `json:"tripId"`
	RouteID        string           `json:"routeId,omitempty"`
	Seats          []SeatStatusView `json:"seats"`
	AvailableSeats int              `json:"availableSeats"`
}

// SeatLockRequest is the body of lock/unlock/renew
type SeatLockRequest struct {
	TripID  string `json:"tripId" binding:"required"`
	RouteID string `json:"routeId"`
	SeatID  string `json:"seatId" binding:"required"`
}
