package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/sirupsen/logrus"
)

// SeatStatusReader derives per-seat availability for a trip
type SeatStatusReader interface {
	SeatStatuses(ctx context.Context, tripID, routeID string) (*models.SeatListResponse, error)
}

// TripSeatHandler serves the seat map of a trip
type TripSeatHandler struct {
	seats  SeatStatusReader
	logger *logrus.Logger
}

// NewTripSeatHandler creates a new TripSeatHandler
func NewTripSeatHandler(seats SeatStatusReader, logger *logrus.Logger) *TripSeatHandler {
	return &TripSeatHandler{seats: seats, logger: logger}
}

// ===========================================================================
// TRIP SEATS ENDPOINTS
// ===========================================================================

// GetTripSeats returns every seat of a trip with its current status
// GET /api/v1/trips/:tripId/seats?routeId=
func (h *TripSeatHandler) GetTripSeats(c *gin.Context) {
	tripID := c.Param("tripId")
	if tripID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Trip ID is required"})
		return
	}

	resp, err := h.seats.SeatStatuses(c.Request.Context(), tripID, c.Query("routeId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
