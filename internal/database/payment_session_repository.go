package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
)

// PaymentSessionRepository persists gateway checkout sessions
type PaymentSessionRepository struct {
	db *sqlx.DB
}

// NewPaymentSessionRepository creates a new PaymentSessionRepository
func NewPaymentSessionRepository(db *sqlx.DB) *PaymentSessionRepository {
	return &PaymentSessionRepository{db: db}
}

const paymentSessionColumns = `id, group_id, order_code, checkout_url, qr_code, amount, currency,
	status, gateway_reference, created_at, updated_at`

// Create inserts a new session
func (r *PaymentSessionRepository) Create(ctx context.Context, s *models.PaymentSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_sessions (`+paymentSessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.GroupID, s.OrderCode, s.CheckoutURL, s.QRCode, s.Amount, s.Currency,
		s.Status, s.GatewayReference, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment session: %w", err)
	}
	return nil
}

// GetByOrderCode finds a session by its gateway order code
func (r *PaymentSessionRepository) GetByOrderCode(ctx context.Context, orderCode int64) (*models.PaymentSession, error) {
	var s models.PaymentSession
	err := r.db.GetContext(ctx, &s, `SELECT `+paymentSessionColumns+` FROM payment_sessions WHERE order_code = $1`, orderCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment session: %w", err)
	}
	return &s, nil
}

// GetOpenByGroup returns the open session of a group, if any
func (r *PaymentSessionRepository) GetOpenByGroup(ctx context.Context, groupID uuid.UUID) (*models.PaymentSession, error) {
	var s models.PaymentSession
	err := r.db.GetContext(ctx, &s, `
		SELECT `+paymentSessionColumns+` FROM payment_sessions
		WHERE group_id = $1 AND status = $2
		ORDER BY created_at DESC LIMIT 1`,
		groupID, models.PaymentSessionOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open payment session: %w", err)
	}
	return &s, nil
}

// UpdateStatus moves a session out of OPEN. Returns false when the session
// was already closed by an earlier callback.
func (r *PaymentSessionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.PaymentSessionStatus, reference *string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_sessions
		SET status = $1, gateway_reference = COALESCE($2, gateway_reference), updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		status, reference, id, models.PaymentSessionOpen)
	if err != nil {
		return false, fmt.Errorf("failed to update payment session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// CloseOpenForGroup closes every open session of a group with the given status
func (r *PaymentSessionRepository) CloseOpenForGroup(ctx context.Context, groupID uuid.UUID, status models.PaymentSessionStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_sessions SET status = $1, updated_at = NOW()
		WHERE group_id = $2 AND status = $3`,
		status, groupID, models.PaymentSessionOpen)
	if err != nil {
		return fmt.Errorf("failed to close payment sessions: %w", err)
	}
	return nil
}
