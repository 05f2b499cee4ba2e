package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/sirupsen/logrus"
)

// respondError maps domain errors onto HTTP responses. Anything unknown is
// logged and reported as a 500 without details.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	var lockErr *models.SeatLockInvalidError
	if errors.As(err, &lockErr) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "seat_lock_invalid",
			"message": err.Error(),
			"seatId":  lockErr.SeatID,
			"tripId":  lockErr.TripID,
		})
		return
	}

	var valErr *models.ValidationError
	if errors.As(err, &valErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": valErr.Message,
			"field":   valErr.Field,
		})
		return
	}

	switch {
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, models.ErrSeatUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "seat_unavailable", "message": "Seat is locked or already booked"})
	case errors.Is(err, models.ErrLockExpired):
		c.JSON(http.StatusGone, gin.H{"error": "lock_expired", "message": "Seat lock has expired"})
	case errors.Is(err, models.ErrGatewayUnavailable):
		logger.WithError(err).Error("Payment gateway unavailable")
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_unavailable", "message": "Payment gateway is unavailable, booking cancelled"})
	case errors.Is(err, models.ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "already_terminal", "message": "Booking is no longer pending payment"})
	case errors.Is(err, models.ErrGroupNotFound), errors.Is(err, models.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	default:
		logger.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong"})
	}
}

// bindError reports a malformed request body
func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
}
