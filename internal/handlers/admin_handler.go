package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/sirupsen/logrus"
)

// JobRunner exposes the background scheduler
type JobRunner interface {
	GetJobStatus() map[string]interface{}
	RunNow(name string) (int, error)
}

// SeatLockAuditReader reads the seat lock trail
type SeatLockAuditReader interface {
	ListBySeat(ctx context.Context, tripID, seatID string, limit int) ([]models.SeatLockAudit, error)
}

// PaymentAuditReader reads the payment trail
type PaymentAuditReader interface {
	GetByGroupID(ctx context.Context, groupID uuid.UUID) ([]*models.PaymentAudit, error)
	GetRecentByEventType(ctx context.Context, eventType models.PaymentEventType, limit int) ([]*models.PaymentAudit, error)
}

// SettingHistoryReader reads stored settings and their change trail
type SettingHistoryReader interface {
	GetAll(ctx context.Context) ([]models.SettingValue, error)
	GetAudits(ctx context.Context, key string, limit int) ([]models.SettingAudit, error)
}

// AdminHandler handles operator endpoints
type AdminHandler struct {
	jobs         JobRunner
	lockAudits   SeatLockAuditReader
	paymentAudit PaymentAuditReader
	settings     SettingHistoryReader
	logger       *logrus.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	jobs JobRunner,
	lockAudits SeatLockAuditReader,
	paymentAudit PaymentAuditReader,
	settings SettingHistoryReader,
	logger *logrus.Logger,
) *AdminHandler {
	return &AdminHandler{
		jobs:         jobs,
		lockAudits:   lockAudits,
		paymentAudit: paymentAudit,
		settings:     settings,
		logger:       logger,
	}
}

// ===================================================================
// BACKGROUND JOBS
// ===================================================================

// GetJobs handles GET /api/v1/admin/jobs
func (h *AdminHandler) GetJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.jobs.GetJobStatus())
}

// RunJob handles POST /api/v1/admin/jobs/:name/run
func (h *AdminHandler) RunJob(c *gin.Context) {
	name := c.Param("name")
	affected, err := h.jobs.RunNow(name)
	if err != nil {
		h.logger.WithError(err).WithField("job", name).Warn("Manual job run failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": name, "affected": affected})
}

// ===================================================================
// AUDIT TRAILS
// ===================================================================

// GetSeatLockAudit handles GET /api/v1/admin/trips/:tripId/seats/:seatId/audit
func (h *AdminHandler) GetSeatLockAudit(c *gin.Context) {
	entries, err := h.lockAudits.ListBySeat(c.Request.Context(), c.Param("tripId"), c.Param("seatId"), queryLimit(c, 50))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// GetGroupPaymentAudit handles GET /api/v1/admin/bookings/:groupId/payments
func (h *AdminHandler) GetGroupPaymentAudit(c *gin.Context) {
	groupID, ok := parseGroupID(c)
	if !ok {
		return
	}
	entries, err := h.paymentAudit.GetByGroupID(c.Request.Context(), groupID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// GetPaymentAuditByEvent handles GET /api/v1/admin/payments/audit?event=late_success.
// Late successes are the queue of refunds operators still owe.
func (h *AdminHandler) GetPaymentAuditByEvent(c *gin.Context) {
	event := c.DefaultQuery("event", string(models.PaymentEventLateSuccess))
	entries, err := h.paymentAudit.GetRecentByEventType(c.Request.Context(), models.PaymentEventType(event), queryLimit(c, 100))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": event, "entries": entries, "count": len(entries)})
}

// ===================================================================
// SETTINGS
// ===================================================================

// GetSettings handles GET /api/v1/admin/settings
func (h *AdminHandler) GetSettings(c *gin.Context) {
	settings, err := h.settings.GetAll(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings, "count": len(settings)})
}

// GetSettingAudit handles GET /api/v1/admin/settings/:key/audit
func (h *AdminHandler) GetSettingAudit(c *gin.Context) {
	key := c.Param("key")
	entries, err := h.settings.GetAudits(c.Request.Context(), key, queryLimit(c, 50))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "entries": entries, "count": len(entries)})
}

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		return def
	}
	return limit
}
