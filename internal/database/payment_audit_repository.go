package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/sirupsen/logrus"
)

// PaymentAuditRepository handles payment audit operations
type PaymentAuditRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPaymentAuditRepository creates a new payment audit repository
func NewPaymentAuditRepository(db *sqlx.DB, logger *logrus.Logger) *PaymentAuditRepository {
	return &PaymentAuditRepository{
		db:     db,
		logger: logger,
	}
}

const paymentAuditColumns = `id, group_id, order_code, event_type, event_source,
	expected_amount, received_amount, amounts_match, payment_status, gateway_reference,
	payload, raw_body, error_message, is_duplicate, idempotency_key, created_at`

// Log creates a new payment audit entry.
// Payment events must never be dropped silently.
func (r *PaymentAuditRepository) Log(ctx context.Context, audit *models.PaymentAudit) error {
	if audit == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}

	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO payment_audits (` + paymentAuditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.db.ExecContext(ctx, query,
		audit.ID, audit.GroupID, audit.OrderCode, audit.EventType, audit.EventSource,
		audit.ExpectedAmount, audit.ReceivedAmount, audit.AmountsMatch, audit.PaymentStatus, audit.GatewayReference,
		audit.Payload, audit.RawBody, audit.ErrorMessage, audit.IsDuplicate, audit.IdempotencyKey, audit.CreatedAt,
	)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": audit.EventType,
			"order_code": audit.OrderCode,
		}).Error("CRITICAL: Failed to log payment audit")
		return fmt.Errorf("failed to log payment audit: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"audit_id":   audit.ID,
		"event_type": audit.EventType,
	}).Debug("Payment audit logged")

	return nil
}

// CheckDuplicate reports whether a callback with this idempotency key has
// already been processed for the order
func (r *PaymentAuditRepository) CheckDuplicate(ctx context.Context, orderCode int64, idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, nil
	}

	var count int
	query := `
		SELECT COUNT(*) FROM payment_audits
		WHERE order_code = $1
		AND idempotency_key = $2
		AND is_duplicate = FALSE`

	if err := r.db.GetContext(ctx, &count, query, orderCode, idempotencyKey); err != nil {
		return false, fmt.Errorf("failed to check duplicate: %w", err)
	}
	return count > 0, nil
}

// GetByGroupID retrieves all audit entries of a booking group
func (r *PaymentAuditRepository) GetByGroupID(ctx context.Context, groupID uuid.UUID) ([]*models.PaymentAudit, error) {
	audits := []*models.PaymentAudit{}
	query := `SELECT ` + paymentAuditColumns + ` FROM payment_audits WHERE group_id = $1 ORDER BY created_at ASC`

	if err := r.db.SelectContext(ctx, &audits, query, groupID); err != nil {
		return nil, fmt.Errorf("failed to get audits by group: %w", err)
	}
	return audits, nil
}

// GetRecentByEventType retrieves recent events of one type, newest first.
// Used by operators to find late successes and amount mismatches.
func (r *PaymentAuditRepository) GetRecentByEventType(ctx context.Context, eventType models.PaymentEventType, limit int) ([]*models.PaymentAudit, error) {
	audits := []*models.PaymentAudit{}
	query := `SELECT ` + paymentAuditColumns + ` FROM payment_audits WHERE event_type = $1 ORDER BY created_at DESC LIMIT $2`

	if err := r.db.SelectContext(ctx, &audits, query, eventType, limit); err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	return audits, nil
}
