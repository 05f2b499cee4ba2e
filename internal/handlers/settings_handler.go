package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/middleware"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/utils"
	"github.com/sirupsen/logrus"
)

// BookingRulesStore reads and updates the booking rules
type BookingRulesStore interface {
	BookingRules(ctx context.Context) models.BookingRules
	SetRules(ctx context.Context, req models.UpdateBookingRulesRequest, actor models.Actor) (models.BookingRules, error)
}

// SettingsHandler exposes the dynamic booking settings
type SettingsHandler struct {
	rules  BookingRulesStore
	logger *logrus.Logger
}

// NewSettingsHandler creates a new SettingsHandler
func NewSettingsHandler(rules BookingRulesStore, logger *logrus.Logger) *SettingsHandler {
	return &SettingsHandler{rules: rules, logger: logger}
}

// GetBookingRules handles GET /api/v1/settings/booking-rules
func (h *SettingsHandler) GetBookingRules(c *gin.Context) {
	c.JSON(http.StatusOK, h.rules.BookingRules(c.Request.Context()))
}

// UpdateBookingRules handles PATCH /api/v1/settings/booking-rules (admin only)
func (h *SettingsHandler) UpdateBookingRules(c *gin.Context) {
	userCtx := middleware.MustGetUserContext(c)

	var req models.UpdateBookingRulesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	actor := models.Actor{
		UserID:    userCtx.UserID.String(),
		IPAddress: utils.GetRealIP(c),
		UserAgent: utils.GetUserAgent(c),
	}

	rules, err := h.rules.SetRules(c.Request.Context(), req, actor)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, rules)
}
