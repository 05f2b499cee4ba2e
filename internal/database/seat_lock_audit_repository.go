package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
)

// SeatLockAuditRepository writes the append-only seat lock trail
type SeatLockAuditRepository struct {
	db *sqlx.DB
}

// NewSeatLockAuditRepository creates a new SeatLockAuditRepository
func NewSeatLockAuditRepository(db *sqlx.DB) *SeatLockAuditRepository {
	return &SeatLockAuditRepository{db: db}
}

// Record inserts one audit row
func (r *SeatLockAuditRepository) Record(ctx context.Context, a *models.SeatLockAudit) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO seat_lock_audits (id, trip_id, seat_id, lock_id, holder_token, event, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.TripID, a.SeatID, a.LockID, a.HolderToken, a.Event, a.Reason, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record seat lock audit: %w", err)
	}
	return nil
}

// ListBySeat returns the trail of one seat, newest first
func (r *SeatLockAuditRepository) ListBySeat(ctx context.Context, tripID, seatID string, limit int) ([]models.SeatLockAudit, error) {
	audits := []models.SeatLockAudit{}
	err := r.db.SelectContext(ctx, &audits, `
		SELECT id, trip_id, seat_id, lock_id, holder_token, event, reason, created_at
		FROM seat_lock_audits
		WHERE trip_id = $1 AND seat_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, tripID, seatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list seat lock audits: %w", err)
	}
	return audits, nil
}
