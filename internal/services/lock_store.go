package services

import (
	"context"
	"time"

	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
)

// AcquireResult describes what a LockStore acquire did
type AcquireResult struct {
	Lock *models.SeatLock
	// Renewed is set when the holder already owned a live lock; the
	// existing lock id is kept and its expiry extended.
	Renewed bool
	// Displaced is an expired lock that was overwritten, nil otherwise
	Displaced *models.SeatLock
}

// LockStore keeps at most one live lock per (trip, seat). Every method is
// atomic per key; liveness is always judged against the supplied now so an
// expired lock never blocks, swept or not.
type LockStore interface {
	// Acquire installs candidate unless another holder has a live lock,
	// in which case models.ErrSeatUnavailable is returned.
	Acquire(ctx context.Context, candidate models.SeatLock, now time.Time) (*AcquireResult, error)

	// Release removes the lock if held by holder and returns it. A
	// non-empty lockID must also match, so a lock taken again after expiry
	// survives cleanup of the old one. Returns nil when there was nothing
	// to release.
	Release(ctx context.Context, tripID, seatID, holder, lockID string) (*models.SeatLock, error)

	// Renew moves the expiry of a live lock held by holder. Returns
	// models.ErrLockExpired when no such lock exists.
	Renew(ctx context.Context, tripID, seatID, holder string, expiresAt, now time.Time) (*models.SeatLock, error)

	// Get returns the live lock on a seat or nil
	Get(ctx context.Context, tripID, seatID string, now time.Time) (*models.SeatLock, error)

	// ListByTrip returns every live lock of a trip
	ListByTrip(ctx context.Context, tripID string, now time.Time) ([]models.SeatLock, error)

	// Sweep removes expired locks and returns them
	Sweep(ctx context.Context, now time.Time) ([]models.SeatLock, error)
}
