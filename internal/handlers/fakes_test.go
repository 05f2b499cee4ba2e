package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func performRequest(r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		encoded, _ := json.Marshal(b)
		reader = bytes.NewBuffer(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// ============================================================================
// FAKES
// ============================================================================

type fakeLocks struct {
	acquire func(tripID, seatID, holder string) (*models.LockHandle, error)
	renew   func(tripID, seatID, holder string) (*models.LockHandle, error)
	release func(tripID, seatID, holder string) error
}

func (f *fakeLocks) Acquire(_ context.Context, tripID, seatID, holder string) (*models.LockHandle, error) {
	return f.acquire(tripID, seatID, holder)
}

func (f *fakeLocks) Renew(_ context.Context, tripID, seatID, holder string) (*models.LockHandle, error) {
	return f.renew(tripID, seatID, holder)
}

func (f *fakeLocks) Release(_ context.Context, tripID, seatID, holder string) error {
	if f.release == nil {
		return nil
	}
	return f.release(tripID, seatID, holder)
}

type fakeBookings struct {
	create    func(claims []models.SeatClaim, routeID string, customer models.CustomerInfo) (*models.BookingGroup, []*models.Booking, error)
	get       func(groupID uuid.UUID) (*models.BookingGroup, []*models.Booking, error)
	cancel    func(groupID uuid.UUID, reason string) error
	cancelled []string
}

func (f *fakeBookings) CreateGroup(_ context.Context, claims []models.SeatClaim, routeID string, customer models.CustomerInfo) (*models.BookingGroup, []*models.Booking, error) {
	return f.create(claims, routeID, customer)
}

func (f *fakeBookings) GetGroup(_ context.Context, groupID uuid.UUID) (*models.BookingGroup, []*models.Booking, error) {
	return f.get(groupID)
}

func (f *fakeBookings) Cancel(_ context.Context, groupID uuid.UUID, reason string) error {
	f.cancelled = append(f.cancelled, reason)
	if f.cancel == nil {
		return nil
	}
	return f.cancel(groupID, reason)
}

type fakeRefunds struct {
	quote func(groupID uuid.UUID) (*models.RefundQuote, error)
}

func (f *fakeRefunds) Quote(_ context.Context, groupID uuid.UUID) (*models.RefundQuote, error) {
	return f.quote(groupID)
}

type fakePayments struct {
	open    func(groupID uuid.UUID, amount float64, buyer models.BuyerInfo) (*models.PaymentSession, error)
	webhook func(body []byte) error
}

func (f *fakePayments) OpenSession(_ context.Context, groupID uuid.UUID, amount float64, buyer models.BuyerInfo) (*models.PaymentSession, error) {
	return f.open(groupID, amount, buyer)
}

func (f *fakePayments) HandleWebhook(_ context.Context, body []byte) error {
	return f.webhook(body)
}

// fakeNotes hands out one buffered channel per subscription and signals
// when a subscriber is attached
type fakeNotes struct {
	mu         sync.Mutex
	ch         chan models.PaymentNotification
	subscribed chan struct{}
	closed     bool
}

func newFakeNotes() *fakeNotes {
	return &fakeNotes{
		ch:         make(chan models.PaymentNotification, 1),
		subscribed: make(chan struct{}, 1),
	}
}

func (f *fakeNotes) Subscribe(uuid.UUID) (<-chan models.PaymentNotification, func()) {
	f.subscribed <- struct{}{}
	return f.ch, func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
	}
}

func (f *fakeNotes) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeRules struct {
	rules  models.BookingRules
	err    error
	actors []models.Actor
}

func (f *fakeRules) BookingRules(context.Context) models.BookingRules { return f.rules }

func (f *fakeRules) SetRules(_ context.Context, req models.UpdateBookingRulesRequest, actor models.Actor) (models.BookingRules, error) {
	f.actors = append(f.actors, actor)
	if f.err != nil {
		return models.BookingRules{}, f.err
	}
	if req.PaymentHoldTimeMinutes != nil {
		f.rules.PaymentHoldTimeMinutes = *req.PaymentHoldTimeMinutes
	}
	if req.PriceMultiplier != nil {
		f.rules.PriceMultiplier = *req.PriceMultiplier
	}
	return f.rules, nil
}
