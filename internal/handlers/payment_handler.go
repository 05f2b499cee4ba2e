package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/sirupsen/logrus"
)

// heartbeatInterval keeps idle event streams open through proxies
const heartbeatInterval = 15 * time.Second

// PaymentFlow is the reconciler as seen by the HTTP layer
type PaymentFlow interface {
	OpenSession(ctx context.Context, groupID uuid.UUID, totalAmount float64, buyer models.BuyerInfo) (*models.PaymentSession, error)
	HandleWebhook(ctx context.Context, body []byte) error
}

// NotificationSource lets a client wait for the outcome of a group
type NotificationSource interface {
	Subscribe(groupID uuid.UUID) (<-chan models.PaymentNotification, func())
}

// GroupStatusReader reads the current state of a group
type GroupStatusReader interface {
	GetGroup(ctx context.Context, groupID uuid.UUID) (*models.BookingGroup, []*models.Booking, error)
}

// PaymentHandler handles checkout, gateway webhooks and the push channel
type PaymentHandler struct {
	payments PaymentFlow
	notes    NotificationSource
	groups   GroupStatusReader
	logger   *logrus.Logger
}

// NewPaymentHandler creates a new PaymentHandler
func NewPaymentHandler(payments PaymentFlow, notes NotificationSource, groups GroupStatusReader, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		notes:    notes,
		groups:   groups,
		logger:   logger,
	}
}

// ============================================================================
// CREATE PAYMENT - POST /api/v1/payments/create
// ============================================================================

// CreatePayment opens a gateway checkout for a pending group
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var req models.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	groupID, err := uuid.Parse(req.BookingID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid bookingId"})
		return
	}

	session, err := h.payments.OpenSession(c.Request.Context(), groupID, req.TotalAmount, models.BuyerInfo{
		Name:  req.BuyerName,
		Email: req.BuyerEmail,
		Phone: req.BuyerPhone,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, models.CreatePaymentResponse{
		CheckoutURL: session.CheckoutURL,
		QRCode:      session.QRCode,
		OrderCode:   session.OrderCode,
	})
}

// ============================================================================
// WEBHOOK - POST /api/v1/payments/webhook
// ============================================================================

// PaymentWebhook applies a gateway callback. Handled and rejected webhooks
// get a 200; a webhook that could not be applied gets a 500 so the gateway
// delivers it again. Redelivery is safe, outcomes are applied once.
func (h *PaymentHandler) PaymentWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.logger.WithError(err).Error("Failed to read webhook body")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to read request body"})
		return
	}

	if err := h.payments.HandleWebhook(c.Request.Context(), body); err != nil {
		if errors.Is(err, models.ErrWebhookRejected) {
			h.logger.WithError(err).Warn("Payment webhook rejected")
			c.JSON(http.StatusOK, gin.H{"message": "webhook acknowledged", "applied": false})
			return
		}
		h.logger.WithError(err).Error("Payment webhook not applied, asking gateway to retry")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "webhook not applied, retry later"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "webhook acknowledged", "applied": true})
}

// ============================================================================
// PUSH CHANNEL - GET /api/v1/payments/:groupId/events
// ============================================================================

// PaymentEvents streams the payment outcome of a group as server-sent events.
// A group that already settled gets its state and the stream ends.
func (h *PaymentHandler) PaymentEvents(c *gin.Context) {
	groupID, ok := parseGroupID(c)
	if !ok {
		return
	}

	// Subscribe before reading the state so no outcome slips between the two
	notes, unsubscribe := h.notes.Subscribe(groupID)
	defer unsubscribe()

	group, _, err := h.groups.GetGroup(c.Request.Context(), groupID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("status", gin.H{"groupId": group.ID, "state": group.State})
	if group.State.IsTerminal() && group.State != models.GroupStateConfirming {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case note, open := <-notes:
			if !open {
				return false
			}
			c.SSEvent(note.Event, note)
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}
