package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
)

// TripSeatRepository reads the seat catalog provisioned by the trip service.
// trip_seats and scheduled_trips are owned elsewhere; this repository never writes them.
type TripSeatRepository struct {
	db *sqlx.DB
}

// NewTripSeatRepository creates a new TripSeatRepository
func NewTripSeatRepository(db *sqlx.DB) *TripSeatRepository {
	return &TripSeatRepository{db: db}
}

const tripSeatColumns = `scheduled_trip_id AS trip_id, id AS seat_id, seat_number, seat_price AS base_price`

// GetSeat returns one seat of a trip
func (r *TripSeatRepository) GetSeat(ctx context.Context, tripID, seatID string) (*models.TripSeat, error) {
	var seat models.TripSeat
	err := r.db.GetContext(ctx, &seat,
		`SELECT `+tripSeatColumns+` FROM trip_seats WHERE scheduled_trip_id = $1 AND id = $2`,
		tripID, seatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSeatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get seat: %w", err)
	}
	return &seat, nil
}

// GetSeats returns the requested seats of a trip keyed by seat id
func (r *TripSeatRepository) GetSeats(ctx context.Context, tripID string, seatIDs []string) (map[string]models.TripSeat, error) {
	if len(seatIDs) == 0 {
		return map[string]models.TripSeat{}, nil
	}

	query, args, err := sqlx.In(
		`SELECT `+tripSeatColumns+` FROM trip_seats WHERE scheduled_trip_id = ? AND id IN (?)`,
		tripID, seatIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build seat query: %w", err)
	}
	query = r.db.Rebind(query)

	var seats []models.TripSeat
	if err := r.db.SelectContext(ctx, &seats, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get seats: %w", err)
	}

	result := make(map[string]models.TripSeat, len(seats))
	for _, s := range seats {
		result[s.SeatID] = s
	}
	return result, nil
}

// ListByTrip returns every seat of a trip in layout order
func (r *TripSeatRepository) ListByTrip(ctx context.Context, tripID string) ([]models.TripSeat, error) {
	seats := []models.TripSeat{}
	err := r.db.SelectContext(ctx, &seats,
		`SELECT `+tripSeatColumns+` FROM trip_seats WHERE scheduled_trip_id = $1 ORDER BY row_number, position`,
		tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trip seats: %w", err)
	}
	return seats, nil
}

// GetDeparture returns the departure instant of a trip
func (r *TripSeatRepository) GetDeparture(ctx context.Context, tripID string) (time.Time, error) {
	var departure time.Time
	err := r.db.GetContext(ctx, &departure,
		`SELECT (trip_date + departure_time::time) AS departure FROM scheduled_trips WHERE id = $1`,
		tripID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("trip %s: %w", tripID, models.ErrSeatNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get trip departure: %w", err)
	}
	return departure, nil
}
