package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/queue"
	pkgvalidator "github.com/khahhy/AdvWeb-BusTicketBooking-sub001/pkg/validator"
	"github.com/sirupsen/logrus"
)

// maxTransitionAttempts bounds compare-and-swap retries on version conflicts
const maxTransitionAttempts = 3

var errPaymentOverdue = errors.New("payment deadline has passed")

// BookingStore persists booking groups and their bookings
type BookingStore interface {
	CreatePendingGroup(ctx context.Context, group *models.BookingGroup, bookings []*models.Booking) error
	GetGroup(ctx context.Context, groupID uuid.UUID) (*models.BookingGroup, error)
	GetBookings(ctx context.Context, groupID uuid.UUID) ([]*models.Booking, error)
	TransitionGroup(ctx context.Context, groupID uuid.UUID, expectedVersion int, from []models.GroupState, to models.GroupState, reason *string, now time.Time) (int, error)
	SetTicketCode(ctx context.Context, bookingID uuid.UUID, code string) error
	FindOverdueForSeats(ctx context.Context, tripID string, seatIDs []string, now time.Time) ([]uuid.UUID, error)
	FindStaleConfirming(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

// SeatLocker is the part of the lock manager the orchestrator uses
type SeatLocker interface {
	Get(ctx context.Context, tripID, seatID string) (*models.SeatLock, error)
	Promote(ctx context.Context, tripID, seatID, holder, lockID string) error
	ReleaseForBooking(ctx context.Context, tripID, seatID, holder, lockID, reason string) error
}

// GroupClosedListener hears about every group that closed unpaid, whether a
// sweep, a lazy read or a caller closed it
type GroupClosedListener interface {
	OnGroupClosed(ctx context.Context, group *models.BookingGroup)
}

// EventPublisher publishes domain events to the broker
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
}

// BookingOrchestratorService drives a booking group from its seat claims
// to exactly one terminal state
type BookingOrchestratorService struct {
	store     BookingStore
	locks     SeatLocker
	catalog   SeatCatalog
	settings  BookingSettings
	tickets   TicketIssuer
	publisher EventPublisher
	closed    GroupClosedListener
	currency  string
	validate  *validator.Validate
	phones    *pkgvalidator.PhoneValidator
	logger    *logrus.Logger
	now       func() time.Time
}

// NewBookingOrchestratorService creates a new orchestrator service.
// publisher may be nil when no broker is configured.
func NewBookingOrchestratorService(
	store BookingStore,
	locks SeatLocker,
	catalog SeatCatalog,
	settings BookingSettings,
	tickets TicketIssuer,
	publisher EventPublisher,
	currency string,
	logger *logrus.Logger,
) *BookingOrchestratorService {
	return &BookingOrchestratorService{
		store:     store,
		locks:     locks,
		catalog:   catalog,
		settings:  settings,
		tickets:   tickets,
		publisher: publisher,
		currency:  currency,
		validate:  validator.New(),
		phones:    pkgvalidator.NewPhoneValidator(),
		logger:    logger,
		now:       time.Now,
	}
}

// SetClosedListener registers the listener told about unpaid closures.
// Must be called before the service handles requests.
func (s *BookingOrchestratorService) SetClosedListener(l GroupClosedListener) {
	s.closed = l
}

// ============================================================================
// CREATE GROUP
// ============================================================================

// CreateGroup turns live seat locks into a PENDING_PAYMENT booking group.
// Either every claimed seat gets a booking or none does.
func (s *BookingOrchestratorService) CreateGroup(
	ctx context.Context,
	claims []models.SeatClaim,
	routeID string,
	customer models.CustomerInfo,
) (*models.BookingGroup, []*models.Booking, error) {
	// 1. Validate input
	customer, err := s.validateCustomer(customer)
	if err != nil {
		return nil, nil, err
	}
	holder, seatsByTrip, err := validateClaims(claims)
	if err != nil {
		return nil, nil, err
	}

	// 2. Verify every claim against a live lock. Nothing is written on failure.
	now := s.now()
	var deadline time.Time
	lockIDs := make(map[[2]string]string, len(claims))
	for _, claim := range claims {
		lock, err := s.locks.Get(ctx, claim.TripID, claim.SeatID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to verify seat lock: %w", err)
		}
		if lock == nil || lock.HolderToken != claim.HolderToken {
			return nil, nil, &models.SeatLockInvalidError{TripID: claim.TripID, SeatID: claim.SeatID}
		}
		if deadline.IsZero() || lock.ExpiresAt.Before(deadline) {
			deadline = lock.ExpiresAt
		}
		lockIDs[[2]string{claim.TripID, claim.SeatID}] = lock.LockID
	}

	// 3. Price seats at claim time
	multiplier := s.settings.PriceMultiplier(ctx)
	seats := make(map[string]map[string]models.TripSeat, len(seatsByTrip))
	for tripID, seatIDs := range seatsByTrip {
		found, err := s.catalog.GetSeats(ctx, tripID, seatIDs)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load seats: %w", err)
		}
		for _, id := range seatIDs {
			if _, ok := found[id]; !ok {
				return nil, nil, models.NewValidationError("seatIds", fmt.Sprintf("seat %s does not exist on trip %s", id, tripID))
			}
		}
		seats[tripID] = found
	}

	// 4. Settle overdue groups still sitting on these seats
	for tripID, seatIDs := range seatsByTrip {
		overdue, err := s.store.FindOverdueForSeats(ctx, tripID, seatIDs, now)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to find overdue groups: %w", err)
		}
		for _, id := range overdue {
			if err := s.Expire(ctx, id); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
				return nil, nil, fmt.Errorf("failed to expire overdue group %s: %w", id, err)
			}
		}
	}

	// 5. Build the group
	group := &models.BookingGroup{
		ID:              uuid.New(),
		HolderToken:     holder,
		Currency:        s.currency,
		PaymentDeadline: deadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	var identification *string
	if customer.Identification != "" {
		identification = &customer.Identification
	}

	bookings := make([]*models.Booking, 0, len(claims))
	total := 0.0
	for _, claim := range claims {
		seat := seats[claim.TripID][claim.SeatID]
		price := seatPrice(seat.BasePrice, multiplier)
		total += price
		bookings = append(bookings, &models.Booking{
			ID:                     uuid.New(),
			GroupID:                group.ID,
			TripID:                 claim.TripID,
			RouteID:                routeID,
			SeatID:                 claim.SeatID,
			SeatNumber:             seat.SeatNumber,
			LockID:                 lockIDs[[2]string{claim.TripID, claim.SeatID}],
			CustomerName:           customer.Name,
			CustomerEmail:          customer.Email,
			CustomerPhone:          customer.Phone,
			CustomerIdentification: identification,
			Price:                  price,
			CreatedAt:              now,
			UpdatedAt:              now,
		})
	}
	group.TotalAmount = math.Round(total*100) / 100

	// 6. Persist atomically and move to PENDING_PAYMENT
	if err := s.store.CreatePendingGroup(ctx, group, bookings); err != nil {
		if errors.Is(err, models.ErrSeatUnavailable) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to create booking group: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"group_id":         group.ID,
		"seats":            len(bookings),
		"total_amount":     group.TotalAmount,
		"payment_deadline": group.PaymentDeadline,
	}).Info("Booking group created")

	return group, bookings, nil
}

func (s *BookingOrchestratorService) validateCustomer(c models.CustomerInfo) (models.CustomerInfo, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	c.Identification = strings.TrimSpace(c.Identification)

	if c.Name == "" {
		return c, models.NewValidationError("customerInfo.name", "is required")
	}
	if err := s.validate.Var(c.Email, "required,email"); err != nil {
		return c, models.NewValidationError("customerInfo.email", "must be a valid email address")
	}
	phone, err := s.phones.Validate(c.Phone)
	if err != nil {
		return c, models.NewValidationError("customerInfo.phone", err.Error())
	}
	c.Phone = phone
	return c, nil
}

func validateClaims(claims []models.SeatClaim) (string, map[string][]string, error) {
	if len(claims) == 0 {
		return "", nil, models.NewValidationError("seatIds", "at least one seat is required")
	}

	holder := claims[0].HolderToken
	if strings.TrimSpace(holder) == "" {
		return "", nil, models.NewValidationError("holderToken", "is required")
	}

	seen := make(map[[2]string]bool, len(claims))
	byTrip := make(map[string][]string)
	for _, c := range claims {
		if strings.TrimSpace(c.TripID) == "" || strings.TrimSpace(c.SeatID) == "" {
			return "", nil, models.NewValidationError("seatIds", "trip and seat are required for every claim")
		}
		if c.HolderToken != holder {
			return "", nil, models.NewValidationError("holderToken", "all seats must be claimed by the same holder")
		}
		key := [2]string{c.TripID, c.SeatID}
		if seen[key] {
			return "", nil, models.NewValidationError("seatIds", fmt.Sprintf("seat %s is listed twice", c.SeatID))
		}
		seen[key] = true
		byTrip[c.TripID] = append(byTrip[c.TripID], c.SeatID)
	}
	return holder, byTrip, nil
}

// ============================================================================
// CONFIRM
// ============================================================================

// Confirm settles a paid group. The PENDING_PAYMENT → CONFIRMING swap decides
// the race against cancel and expire; a loser gets models.ErrAlreadyTerminal
// and nothing else runs. A group past its payment deadline is expired
// instead, since its seats are already free for other holders.
func (s *BookingOrchestratorService) Confirm(ctx context.Context, groupID uuid.UUID) (*models.BookingGroup, []*models.Booking, error) {
	group, err := s.transition(ctx, groupID,
		[]models.GroupState{models.GroupStatePendingPayment}, models.GroupStateConfirming, nil)
	if errors.Is(err, errPaymentOverdue) {
		if err := s.Expire(ctx, groupID); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
			return nil, nil, err
		}
		return nil, nil, models.ErrAlreadyTerminal
	}
	if err != nil {
		return nil, nil, err
	}
	return s.finishConfirmation(ctx, group)
}

// finishConfirmation issues missing tickets and moves a CONFIRMING group to
// its final state. Payment is never reversed here.
func (s *BookingOrchestratorService) finishConfirmation(ctx context.Context, group *models.BookingGroup) (*models.BookingGroup, []*models.Booking, error) {
	bookings, err := s.store.GetBookings(ctx, group.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load bookings: %w", err)
	}

	// 1. Issue a ticket for every booking that has none yet
	var issueErr error
	for _, b := range bookings {
		if b.TicketCode != nil {
			continue
		}
		code, err := s.tickets.Issue(ctx, b)
		if err == nil {
			err = s.store.SetTicketCode(ctx, b.ID, code)
		}
		if err != nil {
			issueErr = err
			s.logger.WithError(err).WithFields(logrus.Fields{
				"group_id":   group.ID,
				"booking_id": b.ID,
			}).Error("Ticket issuance failed after payment")
			continue
		}
		b.TicketCode = &code
	}

	// 2. Final state
	final := models.GroupStateConfirmed
	if issueErr != nil {
		final = models.GroupStateConfirmedTicketFailed
	}
	now := s.now()
	version, err := s.store.TransitionGroup(ctx, group.ID, group.Version,
		[]models.GroupState{models.GroupStateConfirming}, final, nil, now)
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			// another worker finished the same group
			current, loadErr := s.store.GetGroup(ctx, group.ID)
			if loadErr != nil {
				return nil, nil, loadErr
			}
			return current, bookings, nil
		}
		return nil, nil, fmt.Errorf("failed to finalize booking group: %w", err)
	}
	group.State = final
	group.Version = version
	group.ConfirmedAt = &now
	for _, b := range bookings {
		b.Status = final
	}

	// 3. Locks are no longer needed once the bookings occupy the seats
	for _, b := range bookings {
		if err := s.locks.Promote(ctx, b.TripID, b.SeatID, group.HolderToken, b.LockID); err != nil {
			s.logger.WithError(err).WithField("seat_id", b.SeatID).Warn("Failed to release promoted seat lock")
		}
	}

	s.publishConfirmed(ctx, group, bookings)

	entry := s.logger.WithFields(logrus.Fields{
		"group_id": group.ID,
		"state":    final,
	})
	if issueErr != nil {
		entry.WithError(issueErr).Error("Booking confirmed but tickets need operator attention")
		return group, bookings, fmt.Errorf("%w: %v", models.ErrTicketIssuance, issueErr)
	}
	entry.Info("Booking confirmed")
	return group, bookings, nil
}

func (s *BookingOrchestratorService) publishConfirmed(ctx context.Context, group *models.BookingGroup, bookings []*models.Booking) {
	if s.publisher == nil || len(bookings) == 0 {
		return
	}
	event := queue.BookingConfirmedEvent{
		GroupID:      group.ID,
		State:        string(group.State),
		TripID:       bookings[0].TripID,
		TotalAmount:  group.TotalAmount,
		Currency:     group.Currency,
		ContactEmail: bookings[0].CustomerEmail,
		ConfirmedAt:  s.now(),
	}
	for _, b := range bookings {
		event.SeatNumbers = append(event.SeatNumbers, b.SeatNumber)
		if b.TicketCode != nil {
			event.TicketCodes = append(event.TicketCodes, *b.TicketCode)
		}
	}
	if err := s.publisher.Publish(ctx, queue.RoutingBookingConfirmed, event); err != nil {
		s.logger.WithError(err).WithField("group_id", group.ID).Warn("Failed to publish booking confirmed event")
	}
}

// ============================================================================
// CANCEL / EXPIRE
// ============================================================================

// Cancel moves an unpaid group to CANCELLED and releases its seats
func (s *BookingOrchestratorService) Cancel(ctx context.Context, groupID uuid.UUID, reason string) error {
	if reason == "" {
		reason = models.CancelReasonUser
	}
	return s.terminate(ctx, groupID, models.GroupStateCancelled, reason)
}

// Expire moves an unpaid group to EXPIRED and releases its seats
func (s *BookingOrchestratorService) Expire(ctx context.Context, groupID uuid.UUID) error {
	return s.terminate(ctx, groupID, models.GroupStateExpired, models.CancelReasonPaymentTimeout)
}

func (s *BookingOrchestratorService) terminate(ctx context.Context, groupID uuid.UUID, to models.GroupState, reason string) error {
	group, err := s.transition(ctx, groupID,
		[]models.GroupState{models.GroupStateCollecting, models.GroupStatePendingPayment}, to, &reason)
	if err != nil {
		return err
	}

	bookings, err := s.store.GetBookings(ctx, groupID)
	if err != nil {
		s.logger.WithError(err).WithField("group_id", groupID).Warn("Failed to load bookings for lock release")
	}
	for _, b := range bookings {
		if err := s.locks.ReleaseForBooking(ctx, b.TripID, b.SeatID, group.HolderToken, b.LockID, reason); err != nil {
			s.logger.WithError(err).WithField("seat_id", b.SeatID).Warn("Failed to release seat lock")
		}
	}

	if s.closed != nil {
		s.closed.OnGroupClosed(ctx, group)
	}

	s.logger.WithFields(logrus.Fields{
		"group_id": groupID,
		"state":    to,
		"reason":   reason,
	}).Info("Booking group closed")
	return nil
}

// transition applies a compare-and-swap from one of the allowed states,
// retrying on version conflicts while the group is still eligible
func (s *BookingOrchestratorService) transition(ctx context.Context, groupID uuid.UUID, from []models.GroupState, to models.GroupState, reason *string) (*models.BookingGroup, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		group, err := s.store.GetGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if !stateIn(group.State, from) {
			return group, models.ErrAlreadyTerminal
		}
		if to == models.GroupStateConfirming && group.IsOverdue(s.now()) {
			return group, errPaymentOverdue
		}

		version, err := s.store.TransitionGroup(ctx, groupID, group.Version, from, to, reason, s.now())
		if errors.Is(err, models.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to transition booking group: %w", err)
		}
		group.State = to
		group.Version = version
		if reason != nil {
			group.CancelReason = reason
		}
		return group, nil
	}
	return nil, models.ErrAlreadyTerminal
}

func stateIn(state models.GroupState, states []models.GroupState) bool {
	for _, s := range states {
		if state == s {
			return true
		}
	}
	return false
}

// ============================================================================
// READS / RECOVERY
// ============================================================================

// GetGroup returns a group with its bookings. An overdue pending group is
// expired before it is returned.
func (s *BookingOrchestratorService) GetGroup(ctx context.Context, groupID uuid.UUID) (*models.BookingGroup, []*models.Booking, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}

	if group.IsOverdue(s.now()) {
		if err := s.Expire(ctx, groupID); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
			return nil, nil, err
		}
		if group, err = s.store.GetGroup(ctx, groupID); err != nil {
			return nil, nil, err
		}
	}

	bookings, err := s.store.GetBookings(ctx, groupID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load bookings: %w", err)
	}
	return group, bookings, nil
}

// ResumeConfirming finishes groups left in CONFIRMING, for example after a
// crash between payment and ticket issuance
func (s *BookingOrchestratorService) ResumeConfirming(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := s.store.FindStaleConfirming(ctx, s.now().Add(-olderThan), 50)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, id := range ids {
		group, err := s.store.GetGroup(ctx, id)
		if err != nil {
			s.logger.WithError(err).WithField("group_id", id).Warn("Failed to load confirming group")
			continue
		}
		if group.State != models.GroupStateConfirming {
			continue
		}
		if _, _, err := s.finishConfirmation(ctx, group); err != nil && !errors.Is(err, models.ErrTicketIssuance) {
			s.logger.WithError(err).WithField("group_id", id).Warn("Failed to resume confirmation")
			continue
		}
		resumed++
	}
	return resumed, nil
}
