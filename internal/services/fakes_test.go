package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// testClock is a settable clock shared by every service under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ============================================================================
// SEAT CATALOG
// ============================================================================

type fakeCatalog struct {
	seats      map[string][]models.TripSeat
	departures map[string]time.Time
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{seats: map[string][]models.TripSeat{}, departures: map[string]time.Time{}}
}

func (c *fakeCatalog) addSeats(tripID string, basePrice float64, seatIDs ...string) {
	for _, id := range seatIDs {
		c.seats[tripID] = append(c.seats[tripID], models.TripSeat{
			TripID: tripID, SeatID: id, SeatNumber: "N" + id, BasePrice: basePrice,
		})
	}
}

func (c *fakeCatalog) GetSeat(_ context.Context, tripID, seatID string) (*models.TripSeat, error) {
	for _, s := range c.seats[tripID] {
		if s.SeatID == seatID {
			seat := s
			return &seat, nil
		}
	}
	return nil, models.ErrSeatNotFound
}

func (c *fakeCatalog) GetSeats(_ context.Context, tripID string, seatIDs []string) (map[string]models.TripSeat, error) {
	out := make(map[string]models.TripSeat)
	for _, id := range seatIDs {
		for _, s := range c.seats[tripID] {
			if s.SeatID == id {
				out[id] = s
			}
		}
	}
	return out, nil
}

func (c *fakeCatalog) ListByTrip(_ context.Context, tripID string) ([]models.TripSeat, error) {
	return c.seats[tripID], nil
}

func (c *fakeCatalog) GetDeparture(_ context.Context, tripID string) (time.Time, error) {
	dep, ok := c.departures[tripID]
	if !ok {
		return time.Time{}, fmt.Errorf("trip %s not found", tripID)
	}
	return dep, nil
}

// ============================================================================
// SETTINGS
// ============================================================================

type fakeSettings struct {
	hold       time.Duration
	multiplier float64
	rules      models.BookingRules
}

func (s *fakeSettings) HoldDuration(context.Context) time.Duration { return s.hold }
func (s *fakeSettings) PriceMultiplier(context.Context) float64    { return s.multiplier }
func (s *fakeSettings) BookingRules(context.Context) models.BookingRules {
	return s.rules
}

// ============================================================================
// BOOKING STORE
// ============================================================================

// memBookingStore mirrors the repository: compare-and-swap on (state,
// version) and one active booking per seat
type memBookingStore struct {
	mu       sync.Mutex
	groups   map[uuid.UUID]*models.BookingGroup
	bookings map[uuid.UUID][]*models.Booking

	// hooks let tests interleave a competing transition
	beforeTransition func(groupID uuid.UUID, to models.GroupState)
	transitionErr    error
}

func newMemBookingStore() *memBookingStore {
	return &memBookingStore{
		groups:   map[uuid.UUID]*models.BookingGroup{},
		bookings: map[uuid.UUID][]*models.Booking{},
	}
}

func (s *memBookingStore) activeOn(tripID, seatID string) bool {
	for gid, bs := range s.bookings {
		state := s.groups[gid].State
		if state != models.GroupStatePendingPayment && !state.OccupiesSeat() {
			continue
		}
		for _, b := range bs {
			if b.TripID == tripID && b.SeatID == seatID {
				return true
			}
		}
	}
	return false
}

func (s *memBookingStore) CreatePendingGroup(_ context.Context, group *models.BookingGroup, bookings []*models.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range bookings {
		if s.activeOn(b.TripID, b.SeatID) {
			return models.ErrSeatUnavailable
		}
	}

	group.State = models.GroupStatePendingPayment
	group.Version = 2
	group.BookingIDs = nil
	stored := *group
	s.groups[group.ID] = &stored

	copies := make([]*models.Booking, 0, len(bookings))
	for _, b := range bookings {
		b.Status = models.GroupStatePendingPayment
		group.BookingIDs = append(group.BookingIDs, b.ID)
		cp := *b
		copies = append(copies, &cp)
	}
	stored.BookingIDs = group.BookingIDs
	s.bookings[group.ID] = copies
	return nil
}

func (s *memBookingStore) GetGroup(_ context.Context, groupID uuid.UUID) (*models.BookingGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, models.ErrGroupNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *memBookingStore) GetBookings(_ context.Context, groupID uuid.UUID) ([]*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Booking, 0, len(s.bookings[groupID]))
	for _, b := range s.bookings[groupID] {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memBookingStore) TransitionGroup(_ context.Context, groupID uuid.UUID, expectedVersion int, from []models.GroupState, to models.GroupState, reason *string, now time.Time) (int, error) {
	if hook := s.beforeTransition; hook != nil {
		s.beforeTransition = nil
		hook(groupID, to)
	}
	if s.transitionErr != nil {
		return 0, s.transitionErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return 0, models.ErrGroupNotFound
	}
	if g.Version != expectedVersion || !stateIn(g.State, from) {
		return 0, models.ErrVersionConflict
	}
	g.State = to
	g.Version++
	g.UpdatedAt = now
	if reason != nil {
		r := *reason
		g.CancelReason = &r
	}
	if to == models.GroupStateConfirmed || to == models.GroupStateConfirmedTicketFailed {
		at := now
		g.ConfirmedAt = &at
	}
	for _, b := range s.bookings[groupID] {
		b.Status = to
	}
	return g.Version, nil
}

func (s *memBookingStore) SetTicketCode(_ context.Context, bookingID uuid.UUID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bs := range s.bookings {
		for _, b := range bs {
			if b.ID == bookingID && b.TicketCode == nil {
				c := code
				b.TicketCode = &c
			}
		}
	}
	return nil
}

func (s *memBookingStore) FindOverduePending(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []uuid.UUID{}
	for id, g := range s.groups {
		if g.IsOverdue(now) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memBookingStore) FindOverdueForSeats(_ context.Context, tripID string, seatIDs []string, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range seatIDs {
		wanted[id] = true
	}
	ids := []uuid.UUID{}
	for gid, g := range s.groups {
		if !g.IsOverdue(now) {
			continue
		}
		for _, b := range s.bookings[gid] {
			if b.TripID == tripID && wanted[b.SeatID] {
				ids = append(ids, gid)
				break
			}
		}
	}
	return ids, nil
}

func (s *memBookingStore) FindStaleConfirming(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []uuid.UUID{}
	for id, g := range s.groups {
		if g.State == models.GroupStateConfirming && !g.UpdatedAt.After(before) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memBookingStore) IsSeatTaken(_ context.Context, tripID, seatID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for gid, bs := range s.bookings {
		g := s.groups[gid]
		live := g.State.OccupiesSeat() || (g.State == models.GroupStatePendingPayment && now.Before(g.PaymentDeadline))
		if !live {
			continue
		}
		for _, b := range bs {
			if b.TripID == tripID && b.SeatID == seatID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *memBookingStore) ListOccupiedSeats(_ context.Context, tripID string, now time.Time) ([]models.SeatOccupancy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.SeatOccupancy{}
	for gid, bs := range s.bookings {
		g := s.groups[gid]
		status := models.SeatStatusBooked
		switch {
		case g.State.OccupiesSeat():
		case g.State == models.GroupStatePendingPayment && now.Before(g.PaymentDeadline):
			status = models.SeatStatusLocked
		default:
			continue
		}
		for _, b := range bs {
			if b.TripID == tripID {
				out = append(out, models.SeatOccupancy{SeatID: b.SeatID, Status: status})
			}
		}
	}
	return out, nil
}

// forceState overwrites a group's state, as another process would
func (s *memBookingStore) forceState(groupID uuid.UUID, state models.GroupState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[groupID]
	g.State = state
	g.Version++
	for _, b := range s.bookings[groupID] {
		b.Status = state
	}
}

// ============================================================================
// SEAT LOCK AUDIT
// ============================================================================

type memLockAudits struct {
	mu      sync.Mutex
	entries []models.SeatLockAudit
}

func (a *memLockAudits) Record(_ context.Context, audit *models.SeatLockAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *audit)
	return nil
}

func (a *memLockAudits) events(seatID string) []models.SeatLockEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.SeatLockEvent
	for _, e := range a.entries {
		if e.SeatID == seatID {
			out = append(out, e.Event)
		}
	}
	return out
}

func (a *memLockAudits) eventsForLock(lockID string) []models.SeatLockEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.SeatLockEvent
	for _, e := range a.entries {
		if e.LockID != nil && *e.LockID == lockID {
			out = append(out, e.Event)
		}
	}
	return out
}

// ============================================================================
// TICKETS / EVENTS
// ============================================================================

type fakeTickets struct {
	mu     sync.Mutex
	issued int
	fail   error
}

func (t *fakeTickets) Issue(_ context.Context, b *models.Booking) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return "", t.fail
	}
	t.issued++
	return fmt.Sprintf("BT-%s", b.SeatID), nil
}

type publishedEvent struct {
	routingKey string
	payload    interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{routingKey: routingKey, payload: payload})
	return nil
}

func (p *fakePublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.routingKey)
	}
	return out
}

// ============================================================================
// PAYMENT SESSIONS / AUDIT / GATEWAY
// ============================================================================

type memSessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.PaymentSession
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: map[uuid.UUID]*models.PaymentSession{}}
}

func (m *memSessions) Create(_ context.Context, s *models.PaymentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) GetByOrderCode(_ context.Context, orderCode int64) (*models.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.OrderCode == orderCode {
			cp := *s
			return &cp, nil
		}
	}
	return nil, models.ErrSessionNotFound
}

func (m *memSessions) GetOpenByGroup(_ context.Context, groupID uuid.UUID) (*models.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.GroupID == groupID && s.Status == models.PaymentSessionOpen {
			cp := *s
			return &cp, nil
		}
	}
	return nil, models.ErrSessionNotFound
}

func (m *memSessions) UpdateStatus(_ context.Context, id uuid.UUID, status models.PaymentSessionStatus, reference *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != models.PaymentSessionOpen {
		return false, nil
	}
	s.Status = status
	if reference != nil {
		s.GatewayReference = reference
	}
	return true, nil
}

func (m *memSessions) CloseOpenForGroup(_ context.Context, groupID uuid.UUID, status models.PaymentSessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.GroupID == groupID && s.Status == models.PaymentSessionOpen {
			s.Status = status
		}
	}
	return nil
}

func (m *memSessions) status(orderCode int64) models.PaymentSessionStatus {
	s, err := m.GetByOrderCode(context.Background(), orderCode)
	if err != nil {
		return ""
	}
	return s.Status
}

type memPaymentAudits struct {
	mu      sync.Mutex
	entries []*models.PaymentAudit
}

func (a *memPaymentAudits) Log(_ context.Context, audit *models.PaymentAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, audit)
	return nil
}

func (a *memPaymentAudits) CheckDuplicate(_ context.Context, orderCode int64, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.OrderCode != nil && *e.OrderCode == orderCode &&
			e.IdempotencyKey != nil && *e.IdempotencyKey == key && !e.IsDuplicate {
			return true, nil
		}
	}
	return false, nil
}

func (a *memPaymentAudits) count(event models.PaymentEventType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if e.EventType == event {
			n++
		}
	}
	return n
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []CheckoutRequest
	err      error
	// callback is what a verified webhook decodes to; nil rejects every webhook
	callback *models.GatewayCallback
}

func (g *fakeGateway) CreatePaymentLink(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &CheckoutSession{
		CheckoutURL:   fmt.Sprintf("https://pay.test/%d", req.OrderCode),
		QRCode:        "qr",
		PaymentLinkID: fmt.Sprintf("link-%d", req.OrderCode),
	}, nil
}

func (g *fakeGateway) VerifyWebhook(body []byte) (*models.GatewayCallback, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.callback == nil {
		return nil, errors.New("signature mismatch")
	}
	cb := *g.callback
	cb.Raw = map[string]interface{}{"body": string(body)}
	return &cb, nil
}

// ============================================================================
// WIRING
// ============================================================================

// bookingHarness wires the lock manager, orchestrator and reconciler on
// in-memory collaborators with one shared clock
type bookingHarness struct {
	clock        *testClock
	catalog      *fakeCatalog
	store        *memBookingStore
	lockStore    *MemoryLockStore
	lockAudits   *memLockAudits
	settings     *fakeSettings
	tickets      *fakeTickets
	publisher    *fakePublisher
	locks        *SeatLockManager
	orchestrator *BookingOrchestratorService
	sessions     *memSessions
	payAudits    *memPaymentAudits
	gateway      *fakeGateway
	notifier     *PaymentNotifier
	reconciler   *PaymentReconcilerService
}

func newBookingHarness() *bookingHarness {
	h := &bookingHarness{
		clock:      newTestClock(),
		catalog:    newFakeCatalog(),
		store:      newMemBookingStore(),
		lockStore:  NewMemoryLockStore(),
		lockAudits: &memLockAudits{},
		settings:   &fakeSettings{hold: 10 * time.Minute, multiplier: 1},
		tickets:    &fakeTickets{},
		publisher:  &fakePublisher{},
		sessions:   newMemSessions(),
		payAudits:  &memPaymentAudits{},
		gateway:    &fakeGateway{},
	}
	logger := quietLogger()

	h.catalog.addSeats("trip-1", 150000, "A1", "A2", "A3", "B3")

	h.locks = NewSeatLockManager(h.lockStore, h.catalog, h.store, h.lockAudits, h.settings, logger)
	h.locks.now = h.clock.Now

	h.orchestrator = NewBookingOrchestratorService(h.store, h.locks, h.catalog, h.settings, h.tickets, h.publisher, "VND", logger)
	h.orchestrator.now = h.clock.Now

	h.notifier = NewPaymentNotifier(logger)
	h.reconciler = NewPaymentReconcilerService(h.store, h.orchestrator, h.sessions, h.payAudits, h.gateway, nil, h.notifier, logger)
	h.reconciler.now = h.clock.Now
	h.orchestrator.SetClosedListener(h.reconciler)
	return h
}

var testCustomer = models.CustomerInfo{
	Name:  "Nguyen Van A",
	Email: "a@example.com",
	Phone: "0912345678",
}

// lockAndCreate locks the seats for holder and creates a pending group
func (h *bookingHarness) lockAndCreate(holder string, seatIDs ...string) (*models.BookingGroup, []*models.Booking, error) {
	ctx := context.Background()
	claims := make([]models.SeatClaim, 0, len(seatIDs))
	for _, id := range seatIDs {
		if _, err := h.locks.Acquire(ctx, "trip-1", id, holder); err != nil {
			return nil, nil, err
		}
		claims = append(claims, models.SeatClaim{TripID: "trip-1", SeatID: id, HolderToken: holder})
	}
	return h.orchestrator.CreateGroup(ctx, claims, "route-1", testCustomer)
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
