package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var settingColumns = []string{"setting_key", "setting_value", "description", "version", "updated_by", "updated_at"}

func TestSystemSettingGetByKey(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("Found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewSystemSettingRepository(db)

		mock.ExpectQuery(`SELECT .+ FROM system_settings\s+WHERE setting_key = \$1`).
			WithArgs(models.SettingPaymentHoldTimeMinutes).
			WillReturnRows(sqlmock.NewRows(settingColumns).
				AddRow(models.SettingPaymentHoldTimeMinutes, "15", nil, 3, "admin-1", now))

		v, err := repo.GetByKey(ctx, models.SettingPaymentHoldTimeMinutes)
		require.NoError(t, err)
		assert.Equal(t, "15", v.Value)
		assert.Equal(t, 3, v.Version)
		require.NotNil(t, v.UpdatedBy)
		assert.Equal(t, "admin-1", *v.UpdatedBy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Never Written", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewSystemSettingRepository(db)

		mock.ExpectQuery(`SELECT .+ FROM system_settings`).WillReturnError(sql.ErrNoRows)

		_, err := repo.GetByKey(ctx, models.SettingRefundPercentage)
		assert.ErrorIs(t, err, models.ErrNotConfigured)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSystemSettingUpsert(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("Records Old And New Value", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewSystemSettingRepository(db)
		ip := "203.0.113.9"
		audit := &models.SettingAudit{Actor: "admin-1", IPAddress: &ip}

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT setting_value FROM system_settings WHERE setting_key = \$1 FOR UPDATE`).
			WithArgs(models.SettingPriceMultiplier).
			WillReturnRows(sqlmock.NewRows([]string{"setting_value"}).AddRow("1"))
		mock.ExpectQuery(`INSERT INTO system_settings`).
			WithArgs(models.SettingPriceMultiplier, "1.5", "admin-1").
			WillReturnRows(sqlmock.NewRows(settingColumns).
				AddRow(models.SettingPriceMultiplier, "1.5", nil, 2, "admin-1", now))
		mock.ExpectExec(`INSERT INTO setting_audits`).
			WithArgs(sqlmock.AnyArg(), models.SettingPriceMultiplier, "1", "1.5", "admin-1", ip, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		updated, err := repo.Upsert(ctx, models.SettingPriceMultiplier, "1.5", audit)
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Version)
		require.NotNil(t, audit.OldValue)
		assert.Equal(t, "1", *audit.OldValue)
		assert.Equal(t, "1.5", audit.NewValue)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("First Write", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewSystemSettingRepository(db)
		audit := &models.SettingAudit{Actor: "admin-1"}

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT setting_value FROM system_settings`).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`INSERT INTO system_settings`).
			WillReturnRows(sqlmock.NewRows(settingColumns).
				AddRow(models.SettingRefundPercentage, "80", nil, 1, "admin-1", now))
		mock.ExpectExec(`INSERT INTO setting_audits`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		updated, err := repo.Upsert(ctx, models.SettingRefundPercentage, "80", audit)
		require.NoError(t, err)
		assert.Equal(t, 1, updated.Version)
		assert.Nil(t, audit.OldValue)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSystemSettingGetAll(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("Ordered By Key", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewSystemSettingRepository(db)

		mock.ExpectQuery(`SELECT .+ FROM system_settings\s+ORDER BY setting_key`).
			WillReturnRows(sqlmock.NewRows(settingColumns).
				AddRow(models.SettingPaymentHoldTimeMinutes, "15", nil, 3, "admin-1", now).
				AddRow(models.SettingRefundPercentage, "80", "share refunded", 1, nil, now))

		settings, err := repo.GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, settings, 2)
		assert.Equal(t, models.SettingPaymentHoldTimeMinutes, settings[0].Key)
		assert.Nil(t, settings[1].UpdatedBy)
		require.NotNil(t, settings[1].Description)
		assert.Equal(t, "share refunded", *settings[1].Description)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Query Fails", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewSystemSettingRepository(db)

		mock.ExpectQuery(`SELECT .+ FROM system_settings`).WillReturnError(errors.New("connection reset"))

		_, err := repo.GetAll(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to list settings")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSystemSettingGetAudits(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	auditColumns := []string{"id", "setting_key", "old_value", "new_value", "actor", "ip_address", "device_info", "created_at"}

	t.Run("Newest First", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewSystemSettingRepository(db)
		latest, first := uuid.New(), uuid.New()

		mock.ExpectQuery(`SELECT .+ FROM setting_audits\s+WHERE setting_key = \$1\s+ORDER BY created_at DESC\s+LIMIT \$2`).
			WithArgs(models.SettingPaymentHoldTimeMinutes, 20).
			WillReturnRows(sqlmock.NewRows(auditColumns).
				AddRow(latest.String(), models.SettingPaymentHoldTimeMinutes, "10", "15", "admin-1", "203.0.113.9",
					[]byte(`{"browser":"Chrome","os":"Linux"}`), now).
				AddRow(first.String(), models.SettingPaymentHoldTimeMinutes, nil, "10", "admin-2", nil, nil, now.Add(-time.Hour)))

		audits, err := repo.GetAudits(ctx, models.SettingPaymentHoldTimeMinutes, 20)
		require.NoError(t, err)
		require.Len(t, audits, 2)

		assert.Equal(t, latest, audits[0].ID)
		require.NotNil(t, audits[0].OldValue)
		assert.Equal(t, "10", *audits[0].OldValue)
		assert.Equal(t, "15", audits[0].NewValue)
		require.NotNil(t, audits[0].IPAddress)
		assert.Equal(t, "Chrome", audits[0].DeviceInfo["browser"])

		assert.Equal(t, first, audits[1].ID)
		assert.Nil(t, audits[1].OldValue)
		assert.Nil(t, audits[1].DeviceInfo)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("No Changes Yet", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewSystemSettingRepository(db)

		mock.ExpectQuery(`SELECT .+ FROM setting_audits`).
			WithArgs(models.SettingRefundPercentage, 50).
			WillReturnRows(sqlmock.NewRows(auditColumns))

		audits, err := repo.GetAudits(ctx, models.SettingRefundPercentage, 50)
		require.NoError(t, err)
		assert.NotNil(t, audits)
		assert.Empty(t, audits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
