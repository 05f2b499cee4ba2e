package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/sirupsen/logrus"
)

// SeatCatalog reads the seats provisioned for a trip
type SeatCatalog interface {
	GetSeat(ctx context.Context, tripID, seatID string) (*models.TripSeat, error)
	GetSeats(ctx context.Context, tripID string, seatIDs []string) (map[string]models.TripSeat, error)
	ListByTrip(ctx context.Context, tripID string) ([]models.TripSeat, error)
}

// SeatOccupancyReader reports seats held by bookings
type SeatOccupancyReader interface {
	IsSeatTaken(ctx context.Context, tripID, seatID string, now time.Time) (bool, error)
	ListOccupiedSeats(ctx context.Context, tripID string, now time.Time) ([]models.SeatOccupancy, error)
}

// SeatLockAuditor records the seat lock trail
type SeatLockAuditor interface {
	Record(ctx context.Context, audit *models.SeatLockAudit) error
}

// BookingSettings are the dynamic settings the booking flow reads
type BookingSettings interface {
	HoldDuration(ctx context.Context) time.Duration
	PriceMultiplier(ctx context.Context) float64
}

// SeatLockManager owns every seat lock. Mutual exclusion per seat lives in
// the LockStore; the manager adds validation, occupancy checks and the
// audit trail.
type SeatLockManager struct {
	store     LockStore
	catalog   SeatCatalog
	occupancy SeatOccupancyReader
	audits    SeatLockAuditor
	settings  BookingSettings
	logger    *logrus.Logger
	now       func() time.Time
}

// NewSeatLockManager creates a new SeatLockManager
func NewSeatLockManager(
	store LockStore,
	catalog SeatCatalog,
	occupancy SeatOccupancyReader,
	audits SeatLockAuditor,
	settings BookingSettings,
	logger *logrus.Logger,
) *SeatLockManager {
	return &SeatLockManager{
		store:     store,
		catalog:   catalog,
		occupancy: occupancy,
		audits:    audits,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
	}
}

func validateSeatRef(tripID, seatID, holder string) error {
	if strings.TrimSpace(tripID) == "" {
		return models.NewValidationError("tripId", "is required")
	}
	if strings.TrimSpace(seatID) == "" {
		return models.NewValidationError("seatId", "is required")
	}
	if strings.TrimSpace(holder) == "" {
		return models.NewValidationError("holderToken", "is required")
	}
	return nil
}

// Acquire locks a seat for the holder. A holder that already owns the live
// lock gets it renewed; anyone else gets models.ErrSeatUnavailable.
func (m *SeatLockManager) Acquire(ctx context.Context, tripID, seatID, holder string) (*models.LockHandle, error) {
	if err := validateSeatRef(tripID, seatID, holder); err != nil {
		return nil, err
	}

	if _, err := m.catalog.GetSeat(ctx, tripID, seatID); err != nil {
		if errors.Is(err, models.ErrSeatNotFound) {
			return nil, models.NewValidationError("seatId", "seat does not exist on this trip")
		}
		return nil, fmt.Errorf("failed to load seat: %w", err)
	}

	now := m.now()
	taken, err := m.occupancy.IsSeatTaken(ctx, tripID, seatID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check seat occupancy: %w", err)
	}
	if taken {
		return nil, models.ErrSeatUnavailable
	}

	candidate := models.SeatLock{
		LockID:      uuid.NewString(),
		TripID:      tripID,
		SeatID:      seatID,
		HolderToken: holder,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.settings.HoldDuration(ctx)),
	}

	result, err := m.store.Acquire(ctx, candidate, now)
	if err != nil {
		return nil, err
	}

	if result.Displaced != nil {
		m.audit(ctx, result.Displaced, models.SeatLockEventExpired, "overwritten after expiry")
	}
	event := models.SeatLockEventAcquired
	if result.Renewed {
		event = models.SeatLockEventRenewed
	}
	m.audit(ctx, result.Lock, event, "")

	m.logger.WithFields(logrus.Fields{
		"trip_id":    tripID,
		"seat_id":    seatID,
		"lock_id":    result.Lock.LockID,
		"expires_at": result.Lock.ExpiresAt,
		"renewed":    result.Renewed,
	}).Debug("Seat lock acquired")

	return result.Lock.Handle(), nil
}

// Release drops the holder's lock. Idempotent: nothing to release is not an error.
func (m *SeatLockManager) Release(ctx context.Context, tripID, seatID, holder string) error {
	return m.release(ctx, tripID, seatID, holder, "", models.SeatLockEventReleased, "released by holder")
}

// Promote drops the lock a booking was created from once the booking settled.
// A newer lock on the seat, even by the same holder, is left alone.
func (m *SeatLockManager) Promote(ctx context.Context, tripID, seatID, holder, lockID string) error {
	return m.release(ctx, tripID, seatID, holder, lockID, models.SeatLockEventPromoted, "booking confirmed")
}

// ReleaseForBooking drops the lock a booking was created from after the
// booking was cancelled or expired
func (m *SeatLockManager) ReleaseForBooking(ctx context.Context, tripID, seatID, holder, lockID, reason string) error {
	return m.release(ctx, tripID, seatID, holder, lockID, models.SeatLockEventReleased, reason)
}

func (m *SeatLockManager) release(ctx context.Context, tripID, seatID, holder, lockID string, event models.SeatLockEvent, reason string) error {
	if err := validateSeatRef(tripID, seatID, holder); err != nil {
		return err
	}
	released, err := m.store.Release(ctx, tripID, seatID, holder, lockID)
	if err != nil {
		return err
	}
	if released != nil {
		if event == models.SeatLockEventReleased && !released.IsLive(m.now()) {
			event = models.SeatLockEventExpired
		}
		m.audit(ctx, released, event, reason)
	}
	return nil
}

// Renew extends the holder's live lock by the hold duration
func (m *SeatLockManager) Renew(ctx context.Context, tripID, seatID, holder string) (*models.LockHandle, error) {
	if err := validateSeatRef(tripID, seatID, holder); err != nil {
		return nil, err
	}
	now := m.now()
	lock, err := m.store.Renew(ctx, tripID, seatID, holder, now.Add(m.settings.HoldDuration(ctx)), now)
	if err != nil {
		return nil, err
	}
	m.audit(ctx, lock, models.SeatLockEventRenewed, "")
	return lock.Handle(), nil
}

// IsHeldBy reports whether holder owns a live lock on the seat
func (m *SeatLockManager) IsHeldBy(ctx context.Context, tripID, seatID, holder string) (bool, error) {
	lock, err := m.store.Get(ctx, tripID, seatID, m.now())
	if err != nil {
		return false, err
	}
	return lock != nil && lock.HolderToken == holder, nil
}

// Get returns the live lock on a seat, or nil
func (m *SeatLockManager) Get(ctx context.Context, tripID, seatID string) (*models.SeatLock, error) {
	return m.store.Get(ctx, tripID, seatID, m.now())
}

// Sweep reclaims expired locks. Expiry never depends on it running.
func (m *SeatLockManager) Sweep(ctx context.Context) (int, error) {
	expired, err := m.store.Sweep(ctx, m.now())
	if err != nil {
		return 0, err
	}
	for i := range expired {
		m.audit(ctx, &expired[i], models.SeatLockEventExpired, "abandoned")
	}
	if len(expired) > 0 {
		m.logger.WithField("count", len(expired)).Info("Expired seat locks reclaimed")
	}
	return len(expired), nil
}

// SeatStatuses derives the status of every seat of a trip at query time
func (m *SeatLockManager) SeatStatuses(ctx context.Context, tripID, routeID string) (*models.SeatListResponse, error) {
	if strings.TrimSpace(tripID) == "" {
		return nil, models.NewValidationError("tripId", "is required")
	}

	seats, err := m.catalog.ListByTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to list seats: %w", err)
	}

	now := m.now()
	occupied, err := m.occupancy.ListOccupiedSeats(ctx, tripID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list occupied seats: %w", err)
	}
	locks, err := m.store.ListByTrip(ctx, tripID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list seat locks: %w", err)
	}

	status := make(map[string]models.SeatStatus, len(occupied)+len(locks))
	for _, l := range locks {
		status[l.SeatID] = models.SeatStatusLocked
	}
	for _, o := range occupied {
		if status[o.SeatID] != models.SeatStatusBooked {
			status[o.SeatID] = o.Status
		}
	}

	multiplier := m.settings.PriceMultiplier(ctx)
	resp := &models.SeatListResponse{
		TripID:  tripID,
		RouteID: routeID,
		Seats:   make([]models.SeatStatusView, 0, len(seats)),
	}
	for _, s := range seats {
		st, ok := status[s.SeatID]
		if !ok {
			st = models.SeatStatusAvailable
			resp.AvailableSeats++
		}
		resp.Seats = append(resp.Seats, models.SeatStatusView{
			SeatID:     s.SeatID,
			SeatNumber: s.SeatNumber,
			Price:      seatPrice(s.BasePrice, multiplier),
			Status:     st,
		})
	}
	return resp, nil
}

func (m *SeatLockManager) audit(ctx context.Context, lock *models.SeatLock, event models.SeatLockEvent, reason string) {
	if m.audits == nil || lock == nil {
		return
	}
	entry := &models.SeatLockAudit{
		TripID:    lock.TripID,
		SeatID:    lock.SeatID,
		Event:     event,
		CreatedAt: m.now(),
	}
	if lock.LockID != "" {
		id := lock.LockID
		entry.LockID = &id
	}
	if lock.HolderToken != "" {
		holder := lock.HolderToken
		entry.HolderToken = &holder
	}
	if reason != "" {
		entry.Reason = &reason
	}
	if err := m.audits.Record(ctx, entry); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"trip_id": lock.TripID,
			"seat_id": lock.SeatID,
			"event":   event,
		}).Warn("Failed to record seat lock audit")
	}
}

// seatPrice applies the multiplier and rounds to the currency's minor unit
func seatPrice(base, multiplier float64) float64 {
	return math.Round(base*multiplier*100) / 100
}
