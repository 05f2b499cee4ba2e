package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/cache"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/middleware"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/sirupsen/logrus"
)

// SeatLocking is the lock manager as seen by the HTTP layer
type SeatLocking interface {
	Acquire(ctx context.Context, tripID, seatID, holder string) (*models.LockHandle, error)
	Release(ctx context.Context, tripID, seatID, holder string) error
	Renew(ctx context.Context, tripID, seatID, holder string) (*models.LockHandle, error)
}

// BookingFlow is the orchestrator as seen by the HTTP layer
type BookingFlow interface {
	CreateGroup(ctx context.Context, claims []models.SeatClaim, routeID string, customer models.CustomerInfo) (*models.BookingGroup, []*models.Booking, error)
	GetGroup(ctx context.Context, groupID uuid.UUID) (*models.BookingGroup, []*models.Booking, error)
	Cancel(ctx context.Context, groupID uuid.UUID, reason string) error
}

// RefundQuoter quotes refunds for confirmed groups
type RefundQuoter interface {
	Quote(ctx context.Context, groupID uuid.UUID) (*models.RefundQuote, error)
}

// BookingOrchestratorHandler handles seat locks and booking group endpoints
type BookingOrchestratorHandler struct {
	locks    SeatLocking
	bookings BookingFlow
	refunds  RefundQuoter
	cache    cache.Store
	logger   *logrus.Logger
}

// NewBookingOrchestratorHandler creates a new BookingOrchestratorHandler
func NewBookingOrchestratorHandler(
	locks SeatLocking,
	bookings BookingFlow,
	refunds RefundQuoter,
	store cache.Store,
	logger *logrus.Logger,
) *BookingOrchestratorHandler {
	return &BookingOrchestratorHandler{
		locks:    locks,
		bookings: bookings,
		refunds:  refunds,
		cache:    store,
		logger:   logger,
	}
}

func (h *BookingOrchestratorHandler) holder(c *gin.Context) (string, bool) {
	holder := middleware.HolderToken(c)
	if holder == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_session",
			"message": "X-Session-ID header or a signed-in user is required",
		})
		return "", false
	}
	return holder, true
}

func (h *BookingOrchestratorHandler) invalidateSeats(ctx context.Context, tripIDs ...string) {
	seen := make(map[string]bool, len(tripIDs))
	for _, tripID := range tripIDs {
		if seen[tripID] {
			continue
		}
		seen[tripID] = true
		if err := middleware.InvalidateSeatList(ctx, h.cache, tripID); err != nil {
			h.logger.WithError(err).WithField("trip_id", tripID).Warn("Failed to invalidate seat list cache")
		}
	}
}

// ============================================================================
// SEAT LOCKS - POST /api/v1/bookings/{lock,unlock,renew}
// ============================================================================

// LockSeat locks a seat for the caller's session
func (h *BookingOrchestratorHandler) LockSeat(c *gin.Context) {
	holder, ok := h.holder(c)
	if !ok {
		return
	}

	var req models.SeatLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	handle, err := h.locks.Acquire(c.Request.Context(), req.TripID, req.SeatID, holder)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.invalidateSeats(c.Request.Context(), req.TripID)

	c.JSON(http.StatusOK, handle)
}

// UnlockSeat releases the caller's lock. Always succeeds.
func (h *BookingOrchestratorHandler) UnlockSeat(c *gin.Context) {
	holder, ok := h.holder(c)
	if !ok {
		return
	}

	var req models.SeatLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	if err := h.locks.Release(c.Request.Context(), req.TripID, req.SeatID, holder); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"trip_id": req.TripID,
			"seat_id": req.SeatID,
		}).Warn("Seat unlock failed")
	}
	h.invalidateSeats(c.Request.Context(), req.TripID)

	c.JSON(http.StatusOK, gin.H{"message": "seat unlocked"})
}

// RenewSeat extends the caller's live lock
func (h *BookingOrchestratorHandler) RenewSeat(c *gin.Context) {
	holder, ok := h.holder(c)
	if !ok {
		return
	}

	var req models.SeatLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	handle, err := h.locks.Renew(c.Request.Context(), req.TripID, req.SeatID, holder)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, handle)
}

// ============================================================================
// BOOKING GROUPS - /api/v1/bookings
// ============================================================================

// CreateBooking turns the caller's locked seats into a booking group
// POST /api/v1/bookings
func (h *BookingOrchestratorHandler) CreateBooking(c *gin.Context) {
	holder, ok := h.holder(c)
	if !ok {
		return
	}

	var req models.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	claims := make([]models.SeatClaim, 0, len(req.SeatIDs))
	for _, seatID := range req.SeatIDs {
		claims = append(claims, models.SeatClaim{TripID: req.TripID, SeatID: seatID, HolderToken: holder})
	}

	group, bookings, err := h.bookings.CreateGroup(c.Request.Context(), claims, req.RouteID, req.CustomerInfo)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.invalidateSeats(c.Request.Context(), req.TripID)

	resp := models.CreateBookingResponse{
		BookingID:       group.ID,
		BookingIDs:      make([]uuid.UUID, 0, len(bookings)),
		TotalPrice:      group.TotalAmount,
		Currency:        group.Currency,
		PaymentDeadline: group.PaymentDeadline,
	}
	for _, b := range bookings {
		resp.BookingIDs = append(resp.BookingIDs, b.ID)
	}

	c.JSON(http.StatusCreated, resp)
}

// GetBooking returns a group with its bookings to the session that owns it
// or to an admin
// GET /api/v1/bookings/:groupId
func (h *BookingOrchestratorHandler) GetBooking(c *gin.Context) {
	user, signedIn := middleware.GetUserContext(c)
	isAdmin := signedIn && user.HasRole("admin")

	holder := middleware.HolderToken(c)
	if !isAdmin {
		var ok bool
		if holder, ok = h.holder(c); !ok {
			return
		}
	}
	groupID, ok := parseGroupID(c)
	if !ok {
		return
	}

	group, bookings, err := h.bookings.GetGroup(c.Request.Context(), groupID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !isAdmin && group.HolderToken != holder {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Booking belongs to another session"})
		return
	}

	c.JSON(http.StatusOK, models.BookingGroupResponse{Group: group, Bookings: bookings})
}

// CancelBooking cancels an unpaid group owned by the caller
// POST /api/v1/bookings/:groupId/cancel
func (h *BookingOrchestratorHandler) CancelBooking(c *gin.Context) {
	holder, ok := h.holder(c)
	if !ok {
		return
	}
	groupID, ok := parseGroupID(c)
	if !ok {
		return
	}

	var req models.CancelBookingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	group, bookings, err := h.bookings.GetGroup(ctx, groupID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if group.HolderToken != holder {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Booking belongs to another session"})
		return
	}

	if err := h.bookings.Cancel(ctx, groupID, req.Reason); err != nil {
		respondError(c, h.logger, err)
		return
	}

	tripIDs := make([]string, 0, len(bookings))
	for _, b := range bookings {
		tripIDs = append(tripIDs, b.TripID)
	}
	h.invalidateSeats(ctx, tripIDs...)

	c.JSON(http.StatusOK, gin.H{"message": "booking cancelled", "bookingId": groupID})
}

// GetRefundQuote returns the refund the caller would get for a confirmed group
// GET /api/v1/bookings/:groupId/refund-quote
func (h *BookingOrchestratorHandler) GetRefundQuote(c *gin.Context) {
	groupID, ok := parseGroupID(c)
	if !ok {
		return
	}

	quote, err := h.refunds.Quote(c.Request.Context(), groupID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, quote)
}

func parseGroupID(c *gin.Context) (uuid.UUID, bool) {
	groupID, err := uuid.Parse(c.Param("groupId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid groupId"})
		return uuid.Nil, false
	}
	return groupID, true
}
