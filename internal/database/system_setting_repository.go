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
)

// SystemSettingRepository handles database operations for system_settings table
type SystemSettingRepository struct {
	db *sqlx.DB
}

// NewSystemSettingRepository creates a new SystemSettingRepository
func NewSystemSettingRepository(db *sqlx.DB) *SystemSettingRepository {
	return &SystemSettingRepository{db: db}
}

// GetAll retrieves all system settings
func (r *SystemSettingRepository) GetAll(ctx context.Context) ([]models.SettingValue, error) {
	query := `
		SELECT setting_key, setting_value, description, version, updated_by, updated_at
		FROM system_settings
		ORDER BY setting_key`

	settings := []models.SettingValue{}
	if err := r.db.SelectContext(ctx, &settings, query); err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	return settings, nil
}

// GetByKey retrieves a setting by its key. Returns models.ErrNotConfigured
// when the key has never been written.
func (r *SystemSettingRepository) GetByKey(ctx context.Context, key string) (*models.SettingValue, error) {
	query := `
		SELECT setting_key, setting_value, description, version, updated_by, updated_at
		FROM system_settings
		WHERE setting_key = $1`

	var setting models.SettingValue
	err := r.db.GetContext(ctx, &setting, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return &setting, nil
}

// Upsert writes a new value and its audit row in one transaction. The old
// value is read under a row lock so the audit reflects the replaced value.
func (r *SystemSettingRepository) Upsert(ctx context.Context, key, value string, audit *models.SettingAudit) (*models.SettingValue, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var old sql.NullString
	err = tx.GetContext(ctx, &old, `SELECT setting_value FROM system_settings WHERE setting_key = $1 FOR UPDATE`, key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read current setting: %w", err)
	}

	var updated models.SettingValue
	err = tx.GetContext(ctx, &updated, `
		INSERT INTO system_settings (setting_key, setting_value, version, updated_by, updated_at)
		VALUES ($1, $2, 1, $3, NOW())
		ON CONFLICT (setting_key) DO UPDATE
		SET setting_value = EXCLUDED.setting_value,
			version = system_settings.version + 1,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()
		RETURNING setting_key, setting_value, description, version, updated_by, updated_at`,
		key, value, audit.Actor,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to write setting: %w", err)
	}

	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}
	audit.SettingKey = key
	audit.NewValue = value
	if old.Valid {
		audit.OldValue = &old.String
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO setting_audits (id, setting_key, old_value, new_value, actor, ip_address, device_info, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		audit.ID, audit.SettingKey, audit.OldValue, audit.NewValue, audit.Actor,
		audit.IPAddress, audit.DeviceInfo, audit.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to write setting audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit setting: %w", err)
	}
	return &updated, nil
}

// GetAudits returns the most recent changes of a setting
func (r *SystemSettingRepository) GetAudits(ctx context.Context, key string, limit int) ([]models.SettingAudit, error) {
	audits := []models.SettingAudit{}
	err := r.db.SelectContext(ctx, &audits, `
		SELECT id, setting_key, old_value, new_value, actor, ip_address, device_info, created_at
		FROM setting_audits
		WHERE setting_key = $1
		ORDER BY created_at DESC
		LIMIT $2`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list setting audits: %w", err)
	}
	return audits, nil
}
