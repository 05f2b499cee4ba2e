package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/lib/pq"
)

// BookingGroupRepository handles booking group and booking persistence.
// Group state changes are compare-and-swap updates on (state, version);
// member bookings are updated in the same transaction.
type BookingGroupRepository struct {
	db *sqlx.DB
}

// NewBookingGroupRepository creates a new BookingGroupRepository
func NewBookingGroupRepository(db *sqlx.DB) *BookingGroupRepository {
	return &BookingGroupRepository{db: db}
}

// ============================================================================
// CREATE
// ============================================================================

// CreatePendingGroup inserts the group in COLLECTING with its bookings and
// moves it to PENDING_PAYMENT before committing. A seat already taken by
// another active booking surfaces as models.ErrSeatUnavailable.
func (r *BookingGroupRepository) CreatePendingGroup(ctx context.Context, group *models.BookingGroup, bookings []*models.Booking) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	group.State = models.GroupStateCollecting
	group.Version = 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO booking_groups (
			id, state, version, holder_token, total_amount, currency,
			payment_deadline, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		group.ID, group.State, group.Version, group.HolderToken, group.TotalAmount, group.Currency,
		group.PaymentDeadline, group.CreatedAt, group.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert booking group: %w", err)
	}

	for i, b := range bookings {
		b.Status = models.GroupStateCollecting
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bookings (
				id, group_id, position, trip_id, route_id, seat_id, seat_number, lock_id,
				customer_name, customer_email, customer_phone, customer_identification,
				price, status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			b.ID, group.ID, i, b.TripID, b.RouteID, b.SeatID, b.SeatNumber, b.LockID,
			b.CustomerName, b.CustomerEmail, b.CustomerPhone, b.CustomerIdentification,
			b.Price, b.Status, b.CreatedAt, b.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert booking for seat %s: %w", b.SeatID, err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE booking_groups
		SET state = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND state = $4 AND version = $5`,
		models.GroupStatePendingPayment, group.UpdatedAt, group.ID, models.GroupStateCollecting, group.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to move group to pending payment: %w", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		return models.ErrVersionConflict
	}

	_, err = tx.ExecContext(ctx, `UPDATE bookings SET status = $1 WHERE group_id = $2`,
		models.GroupStatePendingPayment, group.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrSeatUnavailable
		}
		return fmt.Errorf("failed to move bookings to pending payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit booking group: %w", err)
	}

	group.State = models.GroupStatePendingPayment
	group.Version++
	group.BookingIDs = make([]uuid.UUID, 0, len(bookings))
	for _, b := range bookings {
		b.Status = models.GroupStatePendingPayment
		group.BookingIDs = append(group.BookingIDs, b.ID)
	}
	return nil
}

// ============================================================================
// READ
// ============================================================================

const bookingGroupColumns = `id, state, version, holder_token, total_amount, currency, cancel_reason,
	payment_deadline, confirmed_at, created_at, updated_at`

const bookingColumns = `id, group_id, trip_id, route_id, seat_id, seat_number, lock_id,
	customer_name, customer_email, customer_phone, customer_identification,
	price, ticket_code, status, created_at, updated_at`

// GetGroup retrieves a group with its ordered booking ids
func (r *BookingGroupRepository) GetGroup(ctx context.Context, groupID uuid.UUID) (*models.BookingGroup, error) {
	var group models.BookingGroup
	err := r.db.GetContext(ctx, &group, `SELECT `+bookingGroupColumns+` FROM booking_groups WHERE id = $1`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking group: %w", err)
	}

	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, `SELECT id FROM bookings WHERE group_id = $1 ORDER BY position`, groupID); err != nil {
		return nil, fmt.Errorf("failed to get booking ids: %w", err)
	}
	group.BookingIDs = ids
	return &group, nil
}

// GetBookings retrieves the bookings of a group in claim order
func (r *BookingGroupRepository) GetBookings(ctx context.Context, groupID uuid.UUID) ([]*models.Booking, error) {
	bookings := []*models.Booking{}
	err := r.db.SelectContext(ctx, &bookings,
		`SELECT `+bookingColumns+` FROM bookings WHERE group_id = $1 ORDER BY position`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get bookings: %w", err)
	}
	return bookings, nil
}

// ============================================================================
// STATE TRANSITIONS
// ============================================================================

// TransitionGroup moves a group from one of the allowed states to the target
// state if its version still matches. Returns models.ErrVersionConflict when
// the compare-and-swap did not apply; the caller reloads to learn why.
func (r *BookingGroupRepository) TransitionGroup(ctx context.Context, groupID uuid.UUID, expectedVersion int, from []models.GroupState, to models.GroupState, reason *string, now time.Time) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	fromStates := make([]string, len(from))
	for i, s := range from {
		fromStates[i] = string(s)
	}

	var confirmedAt *time.Time
	if to == models.GroupStateConfirmed || to == models.GroupStateConfirmedTicketFailed {
		confirmedAt = &now
	}

	var newVersion int
	err = tx.GetContext(ctx, &newVersion, `
		UPDATE booking_groups
		SET state = $1,
			version = version + 1,
			cancel_reason = COALESCE($2, cancel_reason),
			confirmed_at = COALESCE($3, confirmed_at),
			updated_at = $4
		WHERE id = $5 AND version = $6 AND state = ANY($7)
		RETURNING version`,
		to, reason, confirmedAt, now, groupID, expectedVersion, pq.Array(fromStates),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("failed to transition booking group: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE bookings SET status = $1, updated_at = $2 WHERE group_id = $3`, to, now, groupID)
	if err != nil {
		return 0, fmt.Errorf("failed to update member bookings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transition: %w", err)
	}
	return newVersion, nil
}

// SetTicketCode stores the ticket code of a booking once
func (r *BookingGroupRepository) SetTicketCode(ctx context.Context, bookingID uuid.UUID, code string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET ticket_code = $1, updated_at = NOW() WHERE id = $2 AND ticket_code IS NULL`,
		code, bookingID)
	if err != nil {
		return fmt.Errorf("failed to store ticket code: %w", err)
	}
	return nil
}

// ============================================================================
// EXPIRY / RECOVERY QUERIES
// ============================================================================

// FindOverduePending returns pending groups whose payment deadline has passed
func (r *BookingGroupRepository) FindOverduePending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM booking_groups
		WHERE state = $1 AND payment_deadline <= $2
		ORDER BY payment_deadline
		LIMIT $3`,
		models.GroupStatePendingPayment, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find overdue groups: %w", err)
	}
	return ids, nil
}

// FindOverdueForSeats returns overdue pending groups still holding any of the seats
func (r *BookingGroupRepository) FindOverdueForSeats(ctx context.Context, tripID string, seatIDs []string, now time.Time) ([]uuid.UUID, error) {
	if len(seatIDs) == 0 {
		return []uuid.UUID{}, nil
	}
	query, args, err := sqlx.In(`
		SELECT DISTINCT g.id FROM booking_groups g
		JOIN bookings b ON b.group_id = g.id
		WHERE g.state = ? AND g.payment_deadline <= ?
		AND b.trip_id = ? AND b.seat_id IN (?)`,
		models.GroupStatePendingPayment, now, tripID, seatIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build overdue seat query: %w", err)
	}

	ids := []uuid.UUID{}
	if err := r.db.SelectContext(ctx, &ids, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to find overdue groups for seats: %w", err)
	}
	return ids, nil
}

// FindStaleConfirming returns groups stuck in CONFIRMING since before the cutoff
func (r *BookingGroupRepository) FindStaleConfirming(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM booking_groups
		WHERE state = $1 AND updated_at <= $2
		ORDER BY updated_at
		LIMIT $3`,
		models.GroupStateConfirming, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find confirming groups: %w", err)
	}
	return ids, nil
}

// ============================================================================
// SEAT OCCUPANCY
// ============================================================================

// IsSeatTaken reports whether an active booking holds the seat at now
func (r *BookingGroupRepository) IsSeatTaken(ctx context.Context, tripID, seatID string, now time.Time) (bool, error) {
	var taken bool
	err := r.db.GetContext(ctx, &taken, `
		SELECT EXISTS (
			SELECT 1 FROM bookings b
			JOIN booking_groups g ON g.id = b.group_id
			WHERE b.trip_id = $1 AND b.seat_id = $2
			AND (
				b.status IN ('CONFIRMING', 'CONFIRMED', 'CONFIRMED_TICKET_FAILED')
				OR (b.status = 'PENDING_PAYMENT' AND g.payment_deadline > $3)
			)
		)`, tripID, seatID, now)
	if err != nil {
		return false, fmt.Errorf("failed to check seat occupancy: %w", err)
	}
	return taken, nil
}

// ListOccupiedSeats returns the booking-derived status of occupied seats of a trip.
// Settled bookings report BOOKED, pending ones within their deadline report LOCKED.
func (r *BookingGroupRepository) ListOccupiedSeats(ctx context.Context, tripID string, now time.Time) ([]models.SeatOccupancy, error) {
	seats := []models.SeatOccupancy{}
	err := r.db.SelectContext(ctx, &seats, `
		SELECT b.seat_id,
			CASE WHEN b.status = 'PENDING_PAYMENT' THEN 'LOCKED' ELSE 'BOOKED' END AS status
		FROM bookings b
		JOIN booking_groups g ON g.id = b.group_id
		WHERE b.trip_id = $1
		AND (
			b.status IN ('CONFIRMING', 'CONFIRMED', 'CONFIRMED_TICKET_FAILED')
			OR (b.status = 'PENDING_PAYMENT' AND g.payment_deadline > $2)
		)`, tripID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list occupied seats: %w", err)
	}
	return seats, nil
}
