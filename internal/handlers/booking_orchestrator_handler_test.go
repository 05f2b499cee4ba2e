package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/cache"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/middleware"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionHeader = map[string]string{middleware.SessionHeader: "session-1"}

func setupBookingRouter(locks *fakeLocks, bookings *fakeBookings, refunds *fakeRefunds, store cache.Store) *gin.Engine {
	h := NewBookingOrchestratorHandler(locks, bookings, refunds, store, quietLogger())
	r := gin.New()
	g := r.Group("/api/v1/bookings")
	g.POST("/lock", h.LockSeat)
	g.POST("/unlock", h.UnlockSeat)
	g.POST("/renew", h.RenewSeat)
	g.POST("", h.CreateBooking)
	g.GET("/:groupId", h.GetBooking)
	g.POST("/:groupId/cancel", h.CancelBooking)
	g.GET("/:groupId/refund-quote", h.GetRefundQuote)
	return r
}

func TestLockSeat(t *testing.T) {
	expires := time.Date(2026, 3, 1, 9, 10, 0, 0, time.UTC)
	locks := &fakeLocks{
		acquire: func(tripID, seatID, holder string) (*models.LockHandle, error) {
			if seatID == "A2" {
				return nil, models.ErrSeatUnavailable
			}
			return &models.LockHandle{LockID: "lock-1", TripID: tripID, SeatID: seatID, ExpiresAt: expires}, nil
		},
	}

	t.Run("Success Invalidates Seat List", func(t *testing.T) {
		store := cache.NewMemoryStore()
		ctx := context.Background()
		require.NoError(t, store.Set(ctx, middleware.SeatListCacheKey("trip-1", ""), "[]", time.Minute))

		r := setupBookingRouter(locks, &fakeBookings{}, &fakeRefunds{}, store)
		w := performRequest(r, http.MethodPost, "/api/v1/bookings/lock",
			map[string]string{"tripId": "trip-1", "seatId": "A1"}, sessionHeader)

		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "lock-1", body["lockId"])

		_, err := store.Get(ctx, middleware.SeatListCacheKey("trip-1", ""))
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("Seat Taken", func(t *testing.T) {
		r := setupBookingRouter(locks, &fakeBookings{}, &fakeRefunds{}, nil)
		w := performRequest(r, http.MethodPost, "/api/v1/bookings/lock",
			map[string]string{"tripId": "trip-1", "seatId": "A2"}, sessionHeader)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "seat_unavailable", decodeBody(t, w)["error"])
	})

	t.Run("No Session", func(t *testing.T) {
		r := setupBookingRouter(locks, &fakeBookings{}, &fakeRefunds{}, nil)
		w := performRequest(r, http.MethodPost, "/api/v1/bookings/lock",
			map[string]string{"tripId": "trip-1", "seatId": "A1"}, nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "missing_session", decodeBody(t, w)["error"])
	})

	t.Run("Missing Seat", func(t *testing.T) {
		r := setupBookingRouter(locks, &fakeBookings{}, &fakeRefunds{}, nil)
		w := performRequest(r, http.MethodPost, "/api/v1/bookings/lock",
			map[string]string{"tripId": "trip-1"}, sessionHeader)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_request", decodeBody(t, w)["error"])
	})
}

func TestUnlockAndRenewSeat(t *testing.T) {
	locks := &fakeLocks{
		release: func(string, string, string) error { return errors.New("redis down") },
		renew: func(string, string, string) (*models.LockHandle, error) {
			return nil, models.ErrLockExpired
		},
	}
	r := setupBookingRouter(locks, &fakeBookings{}, &fakeRefunds{}, nil)

	w := performRequest(r, http.MethodPost, "/api/v1/bookings/unlock",
		map[string]string{"tripId": "trip-1", "seatId": "A1"}, sessionHeader)
	assert.Equal(t, http.StatusOK, w.Code)

	w = performRequest(r, http.MethodPost, "/api/v1/bookings/renew",
		map[string]string{"tripId": "trip-1", "seatId": "A1"}, sessionHeader)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "lock_expired", decodeBody(t, w)["error"])
}

func TestCreateBooking(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 9, 10, 0, 0, time.UTC)
	body := map[string]interface{}{
		"tripId":  "trip-1",
		"routeId": "route-1",
		"seatIds": []string{"A1", "A2"},
		"customerInfo": map[string]string{
			"name":  "Nguyen Van A",
			"email": "a@example.com",
			"phone": "0912345678",
		},
	}

	t.Run("Success", func(t *testing.T) {
		groupID := uuid.New()
		first, second := uuid.New(), uuid.New()
		var gotClaims []models.SeatClaim
		bookings := &fakeBookings{
			create: func(claims []models.SeatClaim, routeID string, customer models.CustomerInfo) (*models.BookingGroup, []*models.Booking, error) {
				gotClaims = claims
				assert.Equal(t, "route-1", routeID)
				assert.Equal(t, "Nguyen Van A", customer.Name)
				return &models.BookingGroup{ID: groupID, TotalAmount: 300000, Currency: "VND", PaymentDeadline: deadline},
					[]*models.Booking{{ID: first}, {ID: second}}, nil
			},
		}
		r := setupBookingRouter(&fakeLocks{}, bookings, &fakeRefunds{}, nil)

		w := performRequest(r, http.MethodPost, "/api/v1/bookings", body, sessionHeader)
		require.Equal(t, http.StatusCreated, w.Code)

		resp := decodeBody(t, w)
		assert.Equal(t, groupID.String(), resp["bookingId"])
		assert.Equal(t, []interface{}{first.String(), second.String()}, resp["bookingIds"])
		assert.Equal(t, 300000.0, resp["totalPrice"])
		assert.Equal(t, "2026-03-01T09:10:00Z", resp["paymentDeadline"])

		require.Len(t, gotClaims, 2)
		for _, c := range gotClaims {
			assert.Equal(t, "session-1", c.HolderToken)
			assert.Equal(t, "trip-1", c.TripID)
		}
	})

	t.Run("Lock Lost", func(t *testing.T) {
		bookings := &fakeBookings{
			create: func([]models.SeatClaim, string, models.CustomerInfo) (*models.BookingGroup, []*models.Booking, error) {
				return nil, nil, &models.SeatLockInvalidError{TripID: "trip-1", SeatID: "A2"}
			},
		}
		r := setupBookingRouter(&fakeLocks{}, bookings, &fakeRefunds{}, nil)

		w := performRequest(r, http.MethodPost, "/api/v1/bookings", body, sessionHeader)
		assert.Equal(t, http.StatusConflict, w.Code)
		resp := decodeBody(t, w)
		assert.Equal(t, "seat_lock_invalid", resp["error"])
		assert.Equal(t, "A2", resp["seatId"])
	})

	t.Run("Invalid Customer", func(t *testing.T) {
		bookings := &fakeBookings{
			create: func([]models.SeatClaim, string, models.CustomerInfo) (*models.BookingGroup, []*models.Booking, error) {
				return nil, nil, models.NewValidationError("customerInfo.email", "must be a valid email address")
			},
		}
		r := setupBookingRouter(&fakeLocks{}, bookings, &fakeRefunds{}, nil)

		w := performRequest(r, http.MethodPost, "/api/v1/bookings", body, sessionHeader)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "customerInfo.email", decodeBody(t, w)["field"])
	})
}

func TestGetAndCancelBooking(t *testing.T) {
	groupID := uuid.New()
	pending := func(holder string) *fakeBookings {
		return &fakeBookings{
			get: func(id uuid.UUID) (*models.BookingGroup, []*models.Booking, error) {
				if id != groupID {
					return nil, nil, models.ErrGroupNotFound
				}
				return &models.BookingGroup{ID: id, HolderToken: holder, State: models.GroupStatePendingPayment},
					[]*models.Booking{{TripID: "trip-1", SeatID: "A1"}}, nil
			},
		}
	}

	t.Run("Get", func(t *testing.T) {
		r := setupBookingRouter(&fakeLocks{}, pending("session-1"), &fakeRefunds{}, nil)

		w := performRequest(r, http.MethodGet, "/api/v1/bookings/"+groupID.String(), nil, sessionHeader)
		require.Equal(t, http.StatusOK, w.Code)
		group := decodeBody(t, w)["group"].(map[string]interface{})
		assert.Equal(t, "PENDING_PAYMENT", group["state"])

		w = performRequest(r, http.MethodGet, "/api/v1/bookings/"+uuid.NewString(), nil, sessionHeader)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = performRequest(r, http.MethodGet, "/api/v1/bookings/not-a-uuid", nil, sessionHeader)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Get Someone Else's Booking", func(t *testing.T) {
		r := setupBookingRouter(&fakeLocks{}, pending("session-2"), &fakeRefunds{}, nil)

		w := performRequest(r, http.MethodGet, "/api/v1/bookings/"+groupID.String(), nil, sessionHeader)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "forbidden", decodeBody(t, w)["error"])
		assert.NotContains(t, w.Body.String(), "customer")
	})

	t.Run("Get Without Session", func(t *testing.T) {
		r := setupBookingRouter(&fakeLocks{}, pending("session-1"), &fakeRefunds{}, nil)

		w := performRequest(r, http.MethodGet, "/api/v1/bookings/"+groupID.String(), nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "missing_session", decodeBody(t, w)["error"])
	})

	t.Run("Admin Reads Any Booking", func(t *testing.T) {
		withRoles := func(roles ...string) *gin.Engine {
			h := NewBookingOrchestratorHandler(&fakeLocks{}, pending("session-2"), &fakeRefunds{}, nil, quietLogger())
			r := gin.New()
			r.GET("/api/v1/bookings/:groupId", func(c *gin.Context) {
				c.Set(middleware.UserContextKey, middleware.UserContext{UserID: uuid.New(), Roles: roles})
				c.Next()
			}, h.GetBooking)
			return r
		}

		w := performRequest(withRoles("admin"), http.MethodGet, "/api/v1/bookings/"+groupID.String(), nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)

		// a signed-in passenger is still only a holder
		w = performRequest(withRoles("passenger"), http.MethodGet, "/api/v1/bookings/"+groupID.String(), nil, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Cancel Own Booking", func(t *testing.T) {
		bookings := pending("session-1")
		r := setupBookingRouter(&fakeLocks{}, bookings, &fakeRefunds{}, nil)

		w := performRequest(r, http.MethodPost, "/api/v1/bookings/"+groupID.String()+"/cancel",
			map[string]string{"reason": "changed plans"}, sessionHeader)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"changed plans"}, bookings.cancelled)
	})

	t.Run("Cancel Without Body", func(t *testing.T) {
		bookings := pending("session-1")
		r := setupBookingRouter(&fakeLocks{}, bookings, &fakeRefunds{}, nil)

		w := performRequest(r, http.MethodPost, "/api/v1/bookings/"+groupID.String()+"/cancel", nil, sessionHeader)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{""}, bookings.cancelled)
	})

	t.Run("Cancel Someone Else's Booking", func(t *testing.T) {
		bookings := pending("session-2")
		r := setupBookingRouter(&fakeLocks{}, bookings, &fakeRefunds{}, nil)

		w := performRequest(r, http.MethodPost, "/api/v1/bookings/"+groupID.String()+"/cancel", nil, sessionHeader)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, bookings.cancelled)
	})

	t.Run("Cancel Settled Booking", func(t *testing.T) {
		bookings := pending("session-1")
		bookings.cancel = func(uuid.UUID, string) error { return models.ErrAlreadyTerminal }
		r := setupBookingRouter(&fakeLocks{}, bookings, &fakeRefunds{}, nil)

		w := performRequest(r, http.MethodPost, "/api/v1/bookings/"+groupID.String()+"/cancel", nil, sessionHeader)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "already_terminal", decodeBody(t, w)["error"])
	})
}

func TestGetRefundQuote(t *testing.T) {
	groupID := uuid.New()
	refunds := &fakeRefunds{
		quote: func(id uuid.UUID) (*models.RefundQuote, error) {
			return &models.RefundQuote{GroupID: id, Eligible: true, RefundPercentage: 80, RefundAmount: 240000, TotalAmount: 300000}, nil
		},
	}
	r := setupBookingRouter(&fakeLocks{}, &fakeBookings{}, refunds, nil)

	w := performRequest(r, http.MethodGet, "/api/v1/bookings/"+groupID.String()+"/refund-quote", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["eligible"])
	assert.Equal(t, 240000.0, body["refundAmount"])
}
