package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// schemaStatements creates the tables owned by this service. trip_seats and
// trips belong to the trip collaborator and are only read here.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS system_settings (
		setting_key   TEXT PRIMARY KEY,
		setting_value TEXT NOT NULL,
		description   TEXT,
		version       INTEGER NOT NULL DEFAULT 1,
		updated_by    TEXT,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS setting_audits (
		id          UUID PRIMARY KEY,
		setting_key TEXT NOT NULL,
		old_value   TEXT,
		new_value   TEXT NOT NULL,
		actor       TEXT NOT NULL,
		ip_address  TEXT,
		device_info JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS booking_groups (
		id               UUID PRIMARY KEY,
		state            TEXT NOT NULL,
		version          INTEGER NOT NULL DEFAULT 1,
		holder_token     TEXT NOT NULL,
		total_amount     NUMERIC(14,2) NOT NULL,
		currency         TEXT NOT NULL,
		cancel_reason    TEXT,
		payment_deadline TIMESTAMPTZ NOT NULL,
		confirmed_at     TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_booking_groups_pending_deadline
		ON booking_groups (payment_deadline) WHERE state = 'PENDING_PAYMENT'`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id                      UUID PRIMARY KEY,
		group_id                UUID NOT NULL REFERENCES booking_groups(id),
		position                INTEGER NOT NULL,
		trip_id                 TEXT NOT NULL,
		route_id                TEXT NOT NULL DEFAULT '',
		seat_id                 TEXT NOT NULL,
		seat_number             TEXT NOT NULL,
		lock_id                 TEXT NOT NULL DEFAULT '',
		customer_name           TEXT NOT NULL,
		customer_email          TEXT NOT NULL,
		customer_phone          TEXT NOT NULL,
		customer_identification TEXT,
		price                   NUMERIC(14,2) NOT NULL,
		ticket_code             TEXT UNIQUE,
		status                  TEXT NOT NULL,
		created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE bookings ADD COLUMN IF NOT EXISTS lock_id TEXT NOT NULL DEFAULT ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_bookings_active_seat
		ON bookings (trip_id, seat_id)
		WHERE status IN ('PENDING_PAYMENT', 'CONFIRMING', 'CONFIRMED', 'CONFIRMED_TICKET_FAILED')`,
	`CREATE TABLE IF NOT EXISTS payment_sessions (
		id                UUID PRIMARY KEY,
		group_id          UUID NOT NULL REFERENCES booking_groups(id),
		order_code        BIGINT NOT NULL UNIQUE,
		checkout_url      TEXT NOT NULL,
		qr_code           TEXT NOT NULL DEFAULT '',
		amount            NUMERIC(14,2) NOT NULL,
		currency          TEXT NOT NULL,
		status            TEXT NOT NULL,
		gateway_reference TEXT,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS payment_audits (
		id                UUID PRIMARY KEY,
		group_id          UUID,
		order_code        BIGINT,
		event_type        TEXT NOT NULL,
		event_source      TEXT NOT NULL,
		expected_amount   NUMERIC(14,2),
		received_amount   NUMERIC(14,2),
		amounts_match     BOOLEAN,
		payment_status    TEXT,
		gateway_reference TEXT,
		payload           JSONB,
		raw_body          TEXT,
		error_message     TEXT,
		is_duplicate      BOOLEAN NOT NULL DEFAULT FALSE,
		idempotency_key   TEXT,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_audits_order_code ON payment_audits (order_code, event_type)`,
	`CREATE TABLE IF NOT EXISTS seat_lock_audits (
		id           UUID PRIMARY KEY,
		trip_id      TEXT NOT NULL,
		seat_id      TEXT NOT NULL,
		lock_id      TEXT,
		holder_token TEXT,
		event        TEXT NOT NULL,
		reason       TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate ensures all tables owned by the service exist
func Migrate(ctx context.Context, db *sqlx.DB, logger *logrus.Logger) error {
	logger.Info("Checking database schema...")

	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i+1, err)
		}
	}

	logger.WithField("statements", len(schemaStatements)).Info("Database schema is up to date")
	return nil
}
