package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/queue"
	"github.com/sirupsen/logrus"
)

// PaymentSessionStore persists gateway checkout sessions
type PaymentSessionStore interface {
	Create(ctx context.Context, s *models.PaymentSession) error
	GetByOrderCode(ctx context.Context, orderCode int64) (*models.PaymentSession, error)
	GetOpenByGroup(ctx context.Context, groupID uuid.UUID) (*models.PaymentSession, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.PaymentSessionStatus, reference *string) (bool, error)
	CloseOpenForGroup(ctx context.Context, groupID uuid.UUID, status models.PaymentSessionStatus) error
}

// PaymentAuditStore writes the payment audit trail
type PaymentAuditStore interface {
	Log(ctx context.Context, audit *models.PaymentAudit) error
	CheckDuplicate(ctx context.Context, orderCode int64, idempotencyKey string) (bool, error)
}

// GroupReader reads booking groups without side effects
type GroupReader interface {
	GetGroup(ctx context.Context, groupID uuid.UUID) (*models.BookingGroup, error)
	GetBookings(ctx context.Context, groupID uuid.UUID) ([]*models.Booking, error)
	FindOverduePending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// GroupSettler drives terminal transitions of a booking group
type GroupSettler interface {
	Confirm(ctx context.Context, groupID uuid.UUID) (*models.BookingGroup, []*models.Booking, error)
	Cancel(ctx context.Context, groupID uuid.UUID, reason string) error
	Expire(ctx context.Context, groupID uuid.UUID) error
}

const expireBatchSize = 100

// PaymentReconcilerService links booking groups to gateway sessions and turns
// gateway outcomes into terminal transitions
type PaymentReconcilerService struct {
	groups    GroupReader
	settler   GroupSettler
	sessions  PaymentSessionStore
	audits    PaymentAuditStore
	gateway   PaymentGateway
	publisher EventPublisher
	notifier  *PaymentNotifier
	logger    *logrus.Logger
	now       func() time.Time
}

// NewPaymentReconcilerService creates a new reconciler.
// publisher may be nil, in which case outcomes go straight to the local notifier.
func NewPaymentReconcilerService(
	groups GroupReader,
	settler GroupSettler,
	sessions PaymentSessionStore,
	audits PaymentAuditStore,
	gateway PaymentGateway,
	publisher EventPublisher,
	notifier *PaymentNotifier,
	logger *logrus.Logger,
) *PaymentReconcilerService {
	return &PaymentReconcilerService{
		groups:    groups,
		settler:   settler,
		sessions:  sessions,
		audits:    audits,
		gateway:   gateway,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// ============================================================================
// OPEN SESSION
// ============================================================================

// OpenSession opens (or returns the already open) checkout session for a
// pending group. No seat lock is held while the gateway is called.
func (s *PaymentReconcilerService) OpenSession(ctx context.Context, groupID uuid.UUID, totalAmount float64, buyer models.BuyerInfo) (*models.PaymentSession, error) {
	// 1. The group must still be waiting for payment
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group.IsOverdue(s.now()) {
		if err := s.settler.Expire(ctx, groupID); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
			return nil, err
		}
		return nil, models.ErrAlreadyTerminal
	}
	if group.State != models.GroupStatePendingPayment {
		return nil, models.ErrAlreadyTerminal
	}

	// 2. The client must agree with the price fixed at group creation
	if math.Abs(group.TotalAmount-totalAmount) >= 0.01 {
		return nil, models.NewValidationError("totalAmount",
			fmt.Sprintf("does not match booking total %.2f", group.TotalAmount))
	}

	// 3. Reuse an open session
	existing, err := s.sessions.GetOpenByGroup(ctx, groupID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrSessionNotFound) {
		return nil, err
	}

	// 4. Fill buyer details from the booking contact
	if buyer.Name == "" || buyer.Email == "" || buyer.Phone == "" {
		if bookings, err := s.groups.GetBookings(ctx, groupID); err == nil && len(bookings) > 0 {
			if buyer.Name == "" {
				buyer.Name = bookings[0].CustomerName
			}
			if buyer.Email == "" {
				buyer.Email = bookings[0].CustomerEmail
			}
			if buyer.Phone == "" {
				buyer.Phone = bookings[0].CustomerPhone
			}
		}
	}

	// 5. Call the gateway
	orderCode := s.newOrderCode()
	checkout, err := s.gateway.CreatePaymentLink(ctx, CheckoutRequest{
		OrderCode:   orderCode,
		Amount:      group.TotalAmount,
		Description: "BT " + groupID.String()[:8],
		Buyer:       buyer,
		ExpiresAt:   group.PaymentDeadline,
	})
	if err != nil {
		s.logAudit(ctx, models.NewPaymentAudit(models.PaymentEventSessionFailed, models.PaymentSourceGateway).
			SetGroup(groupID).
			SetOrderCode(orderCode).
			SetError(err.Error()))

		s.logger.WithError(err).WithField("group_id", groupID).Error("Payment gateway unavailable, cancelling booking group")
		if cancelErr := s.settler.Cancel(ctx, groupID, models.CancelReasonGatewayUnavailable); cancelErr != nil && !errors.Is(cancelErr, models.ErrAlreadyTerminal) {
			s.logger.WithError(cancelErr).WithField("group_id", groupID).Warn("Failed to cancel group after gateway failure")
		}
		return nil, fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
	}

	// 6. Persist the session
	now := s.now()
	session := &models.PaymentSession{
		ID:          uuid.New(),
		GroupID:     groupID,
		OrderCode:   orderCode,
		CheckoutURL: checkout.CheckoutURL,
		QRCode:      checkout.QRCode,
		Amount:      group.TotalAmount,
		Currency:    group.Currency,
		Status:      models.PaymentSessionOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if checkout.PaymentLinkID != "" {
		ref := checkout.PaymentLinkID
		session.GatewayReference = &ref
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	audit := models.NewPaymentAudit(models.PaymentEventSessionOpened, models.PaymentSourceBackend).
		SetGroup(groupID).
		SetOrderCode(orderCode).
		SetGatewayReference(checkout.PaymentLinkID)
	audit.SetAmounts(group.TotalAmount, totalAmount)
	s.logAudit(ctx, audit)

	s.logger.WithFields(logrus.Fields{
		"group_id":   groupID,
		"order_code": orderCode,
		"amount":     group.TotalAmount,
	}).Info("Payment session opened")

	return session, nil
}

// newOrderCode returns a numeric order code unique enough for the gateway
func (s *PaymentReconcilerService) newOrderCode() int64 {
	return s.now().UnixMilli()*1000 + rand.Int64N(1000)
}

// ============================================================================
// WEBHOOK / CALLBACK
// ============================================================================

// HandleWebhook authenticates a raw gateway webhook and applies it. A
// webhook that fails verification returns models.ErrWebhookRejected; any
// other error means the outcome was not applied and redelivery may succeed.
func (s *PaymentReconcilerService) HandleWebhook(ctx context.Context, body []byte) error {
	cb, err := s.gateway.VerifyWebhook(body)
	if err != nil {
		s.logAudit(ctx, models.NewPaymentAudit(models.PaymentEventWebhookRejected, models.PaymentSourceWebhook).
			SetRawBody(string(body)).
			SetError(err.Error()))
		s.logger.WithError(err).Warn("Rejected payment webhook")
		return fmt.Errorf("%w: %v", models.ErrWebhookRejected, err)
	}

	s.logAudit(ctx, models.NewPaymentAudit(models.PaymentEventWebhookReceived, models.PaymentSourceWebhook).
		SetOrderCode(cb.OrderCode).
		SetPaymentStatus(string(cb.Outcome)).
		SetGatewayReference(cb.Reference).
		SetRawBody(string(body)))

	return s.OnGatewayCallback(ctx, cb)
}

// OnGatewayCallback applies a verified gateway outcome. Repeated deliveries
// of the same outcome have no further effect.
func (s *PaymentReconcilerService) OnGatewayCallback(ctx context.Context, cb *models.GatewayCallback) error {
	key := fmt.Sprintf("%d:%s:%s", cb.OrderCode, cb.Outcome, cb.Reference)
	log := s.logger.WithFields(logrus.Fields{
		"order_code": cb.OrderCode,
		"outcome":    cb.Outcome,
	})

	// 1. Resolve the session
	session, err := s.sessions.GetByOrderCode(ctx, cb.OrderCode)
	if errors.Is(err, models.ErrSessionNotFound) {
		log.Warn("Callback for unknown order code ignored")
		return nil
	}
	if err != nil {
		return err
	}

	// 2. Drop duplicate deliveries
	dup, err := s.audits.CheckDuplicate(ctx, cb.OrderCode, key)
	if err != nil {
		return err
	}
	if dup {
		s.logAudit(ctx, models.NewPaymentAudit(models.PaymentEventDuplicate, models.PaymentSourceWebhook).
			SetGroup(session.GroupID).
			SetOrderCode(cb.OrderCode).
			SetIdempotencyKey(key).
			MarkAsDuplicate())
		log.Info("Duplicate payment callback ignored")
		return nil
	}

	group, err := s.groups.GetGroup(ctx, session.GroupID)
	if err != nil {
		return err
	}
	log = log.WithField("group_id", group.ID)

	// 3. A group past its deadline expires first; its seats may already
	// belong to someone else
	if group.IsOverdue(s.now()) {
		if err := s.settler.Expire(ctx, group.ID); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
			return err
		}
		if group, err = s.groups.GetGroup(ctx, group.ID); err != nil {
			return err
		}
	}

	// 4. Groups that already settled keep their state
	if group.State != models.GroupStatePendingPayment {
		s.recordSettled(ctx, group, session, cb, key)
		return nil
	}

	if cb.Outcome == models.PaymentOutcomeSuccess {
		return s.applySuccess(ctx, group, session, cb, key, log)
	}
	return s.applyFailure(ctx, group, session, cb, key, log)
}

func (s *PaymentReconcilerService) applySuccess(
	ctx context.Context,
	group *models.BookingGroup,
	session *models.PaymentSession,
	cb *models.GatewayCallback,
	key string,
	log *logrus.Entry,
) error {
	audit := models.NewPaymentAudit(models.PaymentEventSuccess, models.PaymentSourceWebhook).
		SetGroup(group.ID).
		SetOrderCode(cb.OrderCode).
		SetPaymentStatus(string(cb.Outcome)).
		SetGatewayReference(cb.Reference).
		SetPayload(cb.Raw)

	// 1. The paid amount must match the amount fixed at group creation
	if !audit.SetAmounts(group.TotalAmount, cb.Amount) {
		audit.EventType = models.PaymentEventAmountMismatch
		audit.SetError(fmt.Sprintf("expected %.2f, received %.2f", group.TotalAmount, cb.Amount))
		audit.SetIdempotencyKey(key)
		s.logAudit(ctx, audit)
		log.WithFields(logrus.Fields{
			"expected": group.TotalAmount,
			"received": cb.Amount,
		}).Error("Payment amount mismatch, cancelling booking group")

		s.closeSession(ctx, session, models.PaymentSessionFailed, cb.Reference)
		if err := s.settler.Cancel(ctx, group.ID, models.CancelReasonAmountMismatch); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
			return err
		}
		return nil
	}

	// 2. Confirm. Losing the race to expire turns this into a late success.
	s.closeSession(ctx, session, models.PaymentSessionPaid, cb.Reference)
	confirmed, bookings, err := s.settler.Confirm(ctx, group.ID)
	switch {
	case errors.Is(err, models.ErrAlreadyTerminal):
		current, loadErr := s.groups.GetGroup(ctx, group.ID)
		if loadErr != nil {
			return loadErr
		}
		s.recordSettled(ctx, current, session, cb, key)
		return nil
	case errors.Is(err, models.ErrTicketIssuance):
		s.logAudit(ctx, models.NewPaymentAudit(models.PaymentEventTicketIssuanceFailed, models.PaymentSourceSystem).
			SetGroup(group.ID).
			SetOrderCode(cb.OrderCode).
			SetError(err.Error()))
	case err != nil:
		return err
	}

	audit.SetIdempotencyKey(key)
	s.logAudit(ctx, audit)
	s.logAudit(ctx, models.NewPaymentAudit(models.PaymentEventBookingConfirmed, models.PaymentSourceSystem).
		SetGroup(group.ID).
		SetOrderCode(cb.OrderCode).
		SetPaymentStatus(string(confirmed.State)))

	note := models.PaymentNotification{
		Event:      models.NotificationPaymentSuccess,
		GroupID:    group.ID,
		State:      string(confirmed.State),
		Amount:     cb.Amount,
		OccurredAt: s.now(),
	}
	for _, b := range bookings {
		if b.TicketCode != nil {
			note.TicketCodes = append(note.TicketCodes, *b.TicketCode)
		}
	}
	s.notify(ctx, note)

	log.WithField("state", confirmed.State).Info("Payment applied")
	return nil
}

func (s *PaymentReconcilerService) applyFailure(
	ctx context.Context,
	group *models.BookingGroup,
	session *models.PaymentSession,
	cb *models.GatewayCallback,
	key string,
	log *logrus.Entry,
) error {
	s.closeSession(ctx, session, models.PaymentSessionFailed, cb.Reference)
	if err := s.settler.Cancel(ctx, group.ID, models.CancelReasonPaymentFailed); err != nil {
		if !errors.Is(err, models.ErrAlreadyTerminal) {
			return err
		}
		log.Info("Payment failure arrived after the group settled")
	}

	s.logAudit(ctx, models.NewPaymentAudit(models.PaymentEventFailed, models.PaymentSourceWebhook).
		SetGroup(group.ID).
		SetOrderCode(cb.OrderCode).
		SetPaymentStatus(string(cb.Outcome)).
		SetGatewayReference(cb.Reference).
		SetPayload(cb.Raw).
		SetIdempotencyKey(key))
	log.Info("Payment failed, booking group cancelled")
	return nil
}

// recordSettled audits an outcome that arrived for a group that already
// left PENDING_PAYMENT. Money received for a closed group needs a refund.
func (s *PaymentReconcilerService) recordSettled(ctx context.Context, group *models.BookingGroup, session *models.PaymentSession, cb *models.GatewayCallback, key string) {
	event := models.PaymentEventDuplicate
	if cb.Outcome == models.PaymentOutcomeSuccess &&
		(group.State == models.GroupStateExpired || group.State == models.GroupStateCancelled) {
		event = models.PaymentEventLateSuccess
		s.closeSession(ctx, session, models.PaymentSessionPaid, cb.Reference)
	}

	audit := models.NewPaymentAudit(event, models.PaymentSourceWebhook).
		SetGroup(group.ID).
		SetOrderCode(cb.OrderCode).
		SetPaymentStatus(string(cb.Outcome)).
		SetGatewayReference(cb.Reference).
		SetError(fmt.Sprintf("group already %s", group.State)).
		SetIdempotencyKey(key)
	audit.SetAmounts(group.TotalAmount, cb.Amount)
	s.logAudit(ctx, audit)

	entry := s.logger.WithFields(logrus.Fields{
		"group_id":   group.ID,
		"order_code": cb.OrderCode,
		"state":      group.State,
	})
	if event == models.PaymentEventLateSuccess {
		entry.Warn("Payment succeeded after booking group closed, refund required")
		return
	}
	entry.Info("Callback for settled booking group ignored")
}

// ============================================================================
// DEADLINES
// ============================================================================

// ExpireOverdue expires every pending group past its payment deadline.
// Sessions and subscribers are settled by OnGroupClosed.
func (s *PaymentReconcilerService) ExpireOverdue(ctx context.Context) (int, error) {
	ids, err := s.groups.FindOverduePending(ctx, s.now(), expireBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find overdue groups: %w", err)
	}

	expired := 0
	for _, id := range ids {
		if err := s.settler.Expire(ctx, id); err != nil {
			if !errors.Is(err, models.ErrAlreadyTerminal) {
				s.logger.WithError(err).WithField("group_id", id).Warn("Failed to expire booking group")
			}
			continue
		}
		expired++
	}

	if expired > 0 {
		s.logger.WithField("count", expired).Info("Overdue booking groups expired")
	}
	return expired, nil
}

// OnGroupClosed closes the open session of a group that closed unpaid and
// tells its subscribers. Every expiry and cancellation goes through here.
func (s *PaymentReconcilerService) OnGroupClosed(ctx context.Context, group *models.BookingGroup) {
	status := models.PaymentSessionCancelled
	if group.State == models.GroupStateExpired {
		status = models.PaymentSessionExpired
	}
	if err := s.sessions.CloseOpenForGroup(ctx, group.ID, status); err != nil {
		s.logger.WithError(err).WithField("group_id", group.ID).Warn("Failed to close payment session")
	}
	if group.State == models.GroupStateExpired {
		s.logAudit(ctx, models.NewPaymentAudit(models.PaymentEventSessionExpired, models.PaymentSourceSystem).SetGroup(group.ID))
	}

	note := models.PaymentNotification{
		Event:      models.NotificationPaymentFailure,
		GroupID:    group.ID,
		State:      string(group.State),
		Amount:     group.TotalAmount,
		OccurredAt: s.now(),
	}
	if group.CancelReason != nil {
		note.Reason = *group.CancelReason
	}
	s.notify(ctx, note)
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *PaymentReconcilerService) closeSession(ctx context.Context, session *models.PaymentSession, status models.PaymentSessionStatus, reference string) {
	var ref *string
	if reference != "" {
		ref = &reference
	}
	if _, err := s.sessions.UpdateStatus(ctx, session.ID, status, ref); err != nil {
		s.logger.WithError(err).WithField("order_code", session.OrderCode).Warn("Failed to update payment session")
	}
}

// notify publishes the outcome to every instance, or delivers it locally
// when no broker is available
func (s *PaymentReconcilerService) notify(ctx context.Context, note models.PaymentNotification) {
	if s.publisher != nil {
		routingKey := queue.RoutingPaymentFailure
		if note.Event == models.NotificationPaymentSuccess {
			routingKey = queue.RoutingPaymentSuccess
		}
		err := s.publisher.Publish(ctx, routingKey, note)
		if err == nil {
			return
		}
		s.logger.WithError(err).WithField("group_id", note.GroupID).Warn("Failed to publish payment outcome, delivering locally")
	}
	if s.notifier != nil {
		s.notifier.Deliver(note)
	}
}

func (s *PaymentReconcilerService) logAudit(ctx context.Context, audit *models.PaymentAudit) {
	audit.CreatedAt = s.now()
	if err := s.audits.Log(ctx, audit); err != nil {
		s.logger.WithError(err).WithField("event_type", audit.EventType).Error("Failed to write payment audit")
	}
}
