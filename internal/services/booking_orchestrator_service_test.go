package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		h := newBookingHarness()

		group, bookings, err := h.lockAndCreate("session-1", "A1", "A2")
		require.NoError(t, err)
		assert.Equal(t, models.GroupStatePendingPayment, group.State)
		assert.Equal(t, 300000.0, group.TotalAmount)
		assert.Equal(t, "VND", group.Currency)
		assert.True(t, group.PaymentDeadline.Equal(h.clock.Now().Add(10*time.Minute)))
		require.Len(t, bookings, 2)
		assert.Equal(t, group.BookingIDs, []uuid.UUID{bookings[0].ID, bookings[1].ID})
		for _, b := range bookings {
			assert.Equal(t, group.ID, b.GroupID)
			assert.Equal(t, models.GroupStatePendingPayment, b.Status)
			assert.Equal(t, "route-1", b.RouteID)
			assert.Equal(t, "0912345678", b.CustomerPhone)
		}
	})

	t.Run("Deadline Is Earliest Lock Expiry", func(t *testing.T) {
		h := newBookingHarness()

		_, err := h.locks.Acquire(ctx, "trip-1", "A1", "session-1")
		require.NoError(t, err)
		h.clock.Advance(3 * time.Minute)
		_, err = h.locks.Acquire(ctx, "trip-1", "A2", "session-1")
		require.NoError(t, err)

		group, _, err := h.orchestrator.CreateGroup(ctx, []models.SeatClaim{
			{TripID: "trip-1", SeatID: "A1", HolderToken: "session-1"},
			{TripID: "trip-1", SeatID: "A2", HolderToken: "session-1"},
		}, "", testCustomer)
		require.NoError(t, err)
		assert.True(t, group.PaymentDeadline.Equal(h.clock.Now().Add(7*time.Minute)))
	})

	t.Run("One Invalid Claim Creates Nothing", func(t *testing.T) {
		h := newBookingHarness()

		_, err := h.locks.Acquire(ctx, "trip-1", "A1", "session-1")
		require.NoError(t, err)
		_, err = h.locks.Acquire(ctx, "trip-1", "A2", "session-2")
		require.NoError(t, err)

		_, _, err = h.orchestrator.CreateGroup(ctx, []models.SeatClaim{
			{TripID: "trip-1", SeatID: "A1", HolderToken: "session-1"},
			{TripID: "trip-1", SeatID: "A2", HolderToken: "session-1"},
		}, "", testCustomer)

		var invalid *models.SeatLockInvalidError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "A2", invalid.SeatID)
		assert.ErrorIs(t, err, models.ErrLockInvalid)
		assert.Empty(t, h.store.groups)

		// The caller keeps the lock it had
		held, err := h.locks.IsHeldBy(ctx, "trip-1", "A1", "session-1")
		require.NoError(t, err)
		assert.True(t, held)
	})

	t.Run("Expired Lock Is Invalid", func(t *testing.T) {
		h := newBookingHarness()

		_, err := h.locks.Acquire(ctx, "trip-1", "A1", "session-1")
		require.NoError(t, err)
		h.clock.Advance(10 * time.Minute)

		_, _, err = h.orchestrator.CreateGroup(ctx, []models.SeatClaim{
			{TripID: "trip-1", SeatID: "A1", HolderToken: "session-1"},
		}, "", testCustomer)
		assert.ErrorIs(t, err, models.ErrLockInvalid)
	})

	t.Run("Validation", func(t *testing.T) {
		h := newBookingHarness()
		_, err := h.locks.Acquire(ctx, "trip-1", "A1", "session-1")
		require.NoError(t, err)
		claim := models.SeatClaim{TripID: "trip-1", SeatID: "A1", HolderToken: "session-1"}

		cases := []struct {
			name     string
			claims   []models.SeatClaim
			customer models.CustomerInfo
			field    string
		}{
			{"No Seats", nil, testCustomer, "seatIds"},
			{"Duplicate Seat", []models.SeatClaim{claim, claim}, testCustomer, "seatIds"},
			{"Mixed Holders", []models.SeatClaim{claim, {TripID: "trip-1", SeatID: "A2", HolderToken: "other"}}, testCustomer, "holderToken"},
			{"Missing Name", []models.SeatClaim{claim}, models.CustomerInfo{Email: "a@example.com", Phone: "0912345678"}, "customerInfo.name"},
			{"Bad Email", []models.SeatClaim{claim}, models.CustomerInfo{Name: "A", Email: "nope", Phone: "0912345678"}, "customerInfo.email"},
			{"Bad Phone", []models.SeatClaim{claim}, models.CustomerInfo{Name: "A", Email: "a@example.com", Phone: "12345"}, "customerInfo.phone"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, _, err := h.orchestrator.CreateGroup(ctx, tc.claims, "", tc.customer)
				var vErr *models.ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.Equal(t, tc.field, vErr.Field)
			})
		}
		assert.Empty(t, h.store.groups)
	})

	t.Run("Overdue Group On The Seat Is Expired First", func(t *testing.T) {
		h := newBookingHarness()

		stale, _, err := h.lockAndCreate("session-1", "A3")
		require.NoError(t, err)
		h.clock.Advance(11 * time.Minute)

		fresh, _, err := h.lockAndCreate("session-2", "A3")
		require.NoError(t, err)
		assert.Equal(t, models.GroupStatePendingPayment, fresh.State)

		old, err := h.store.GetGroup(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, models.GroupStateExpired, old.State)
	})
}

func TestCreateGroup_RelockSurvivesStaleGroupCleanup(t *testing.T) {
	h := newBookingHarness()
	ctx := context.Background()

	stale, bookings, err := h.lockAndCreate("session-1", "A1")
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	oldLockID := bookings[0].LockID
	require.NotEmpty(t, oldLockID)

	h.clock.Advance(11 * time.Minute)

	handle, err := h.locks.Acquire(ctx, "trip-1", "A1", "session-1")
	require.NoError(t, err)
	require.NotEqual(t, oldLockID, handle.LockID)

	fresh, _, err := h.orchestrator.CreateGroup(ctx, []models.SeatClaim{
		{TripID: "trip-1", SeatID: "A1", HolderToken: "session-1"},
	}, "route-1", testCustomer)
	require.NoError(t, err)
	assert.Equal(t, models.GroupStatePendingPayment, fresh.State)

	old, err := h.store.GetGroup(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GroupStateExpired, old.State)

	current, err := h.locks.Get(ctx, "trip-1", "A1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, handle.LockID, current.LockID)
	assert.Equal(t, []models.SeatLockEvent{models.SeatLockEventAcquired}, h.lockAudits.eventsForLock(handle.LockID))
}

func TestCreateGroup_PriceIsFixedAtClaimTime(t *testing.T) {
	h := newBookingHarness()
	ctx := context.Background()

	group, _, err := h.lockAndCreate("session-1", "A1")
	require.NoError(t, err)
	assert.Equal(t, 150000.0, group.TotalAmount)

	h.settings.multiplier = 2

	_, bookings, err := h.orchestrator.Confirm(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	assert.Equal(t, 150000.0, bookings[0].Price)

	stored, err := h.store.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 150000.0, stored.TotalAmount)
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		h := newBookingHarness()

		group, _, err := h.lockAndCreate("session-1", "A1", "A2")
		require.NoError(t, err)

		confirmed, bookings, err := h.orchestrator.Confirm(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, models.GroupStateConfirmed, confirmed.State)
		assert.NotNil(t, confirmed.ConfirmedAt)
		for _, b := range bookings {
			require.NotNil(t, b.TicketCode)
			assert.Equal(t, "BT-"+b.SeatID, *b.TicketCode)
			assert.Equal(t, models.GroupStateConfirmed, b.Status)
		}

		// Locks are promoted away once the seats are booked
		lock, err := h.locks.Get(ctx, "trip-1", "A1")
		require.NoError(t, err)
		assert.Nil(t, lock)
		assert.Contains(t, h.lockAudits.events("A1"), models.SeatLockEventPromoted)

		assert.Equal(t, []string{queue.RoutingBookingConfirmed}, h.publisher.keys())
	})

	t.Run("Twice", func(t *testing.T) {
		h := newBookingHarness()

		group, _, err := h.lockAndCreate("session-1", "A1")
		require.NoError(t, err)

		_, _, err = h.orchestrator.Confirm(ctx, group.ID)
		require.NoError(t, err)
		_, _, err = h.orchestrator.Confirm(ctx, group.ID)
		assert.ErrorIs(t, err, models.ErrAlreadyTerminal)
		assert.Equal(t, 1, h.tickets.issued)
	})

	t.Run("Ticket Failure Keeps Payment", func(t *testing.T) {
		h := newBookingHarness()
		h.tickets.fail = errors.New("disk full")

		group, _, err := h.lockAndCreate("session-1", "A1")
		require.NoError(t, err)

		confirmed, _, err := h.orchestrator.Confirm(ctx, group.ID)
		assert.ErrorIs(t, err, models.ErrTicketIssuance)
		require.NotNil(t, confirmed)
		assert.Equal(t, models.GroupStateConfirmedTicketFailed, confirmed.State)

		taken, err := h.store.IsSeatTaken(ctx, "trip-1", "A1", h.clock.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, taken)
	})

	t.Run("Expire Wins The Race", func(t *testing.T) {
		h := newBookingHarness()

		group, _, err := h.lockAndCreate("session-1", "A1")
		require.NoError(t, err)

		h.store.beforeTransition = func(id uuid.UUID, to models.GroupState) {
			require.NoError(t, h.orchestrator.Expire(ctx, id))
		}

		_, _, err = h.orchestrator.Confirm(ctx, group.ID)
		assert.ErrorIs(t, err, models.ErrAlreadyTerminal)

		stored, err := h.store.GetGroup(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, models.GroupStateExpired, stored.State)
		assert.Equal(t, 0, h.tickets.issued)
	})

	t.Run("Overdue Group Is Expired Instead", func(t *testing.T) {
		h := newBookingHarness()

		group, _, err := h.lockAndCreate("session-1", "A1")
		require.NoError(t, err)
		h.clock.Advance(10 * time.Minute)

		_, _, err = h.orchestrator.Confirm(ctx, group.ID)
		assert.ErrorIs(t, err, models.ErrAlreadyTerminal)

		stored, err := h.store.GetGroup(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, models.GroupStateExpired, stored.State)
		assert.Nil(t, stored.ConfirmedAt)
		assert.Equal(t, 0, h.tickets.issued)
		assert.Empty(t, h.publisher.keys())
	})
}

func TestConfirmAndExpire_ExactlyOneWins(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 25; round++ {
		h := newBookingHarness()
		group, _, err := h.lockAndCreate("session-1", "A1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var confirmErr, expireErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, confirmErr = h.orchestrator.Confirm(ctx, group.ID)
		}()
		go func() {
			defer wg.Done()
			expireErr = h.orchestrator.Expire(ctx, group.ID)
		}()
		wg.Wait()

		stored, err := h.store.GetGroup(ctx, group.ID)
		require.NoError(t, err)

		if confirmErr == nil {
			assert.ErrorIs(t, expireErr, models.ErrAlreadyTerminal)
			assert.Equal(t, models.GroupStateConfirmed, stored.State)
		} else {
			assert.ErrorIs(t, confirmErr, models.ErrAlreadyTerminal)
			assert.NoError(t, expireErr)
			assert.Equal(t, models.GroupStateExpired, stored.State)
		}
	}
}

func TestCancelAndExpire(t *testing.T) {
	ctx := context.Background()

	t.Run("Cancel Releases Seats", func(t *testing.T) {
		h := newBookingHarness()

		group, _, err := h.lockAndCreate("session-1", "A1", "A2")
		require.NoError(t, err)

		require.NoError(t, h.orchestrator.Cancel(ctx, group.ID, ""))

		stored, err := h.store.GetGroup(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, models.GroupStateCancelled, stored.State)
		require.NotNil(t, stored.CancelReason)
		assert.Equal(t, models.CancelReasonUser, *stored.CancelReason)

		_, err = h.locks.Acquire(ctx, "trip-1", "A1", "session-2")
		assert.NoError(t, err)
	})

	t.Run("Cancel After Confirm", func(t *testing.T) {
		h := newBookingHarness()

		group, _, err := h.lockAndCreate("session-1", "A1")
		require.NoError(t, err)
		_, _, err = h.orchestrator.Confirm(ctx, group.ID)
		require.NoError(t, err)

		err = h.orchestrator.Cancel(ctx, group.ID, "changed my mind")
		assert.ErrorIs(t, err, models.ErrAlreadyTerminal)
	})

	t.Run("Expire Is Terminal", func(t *testing.T) {
		h := newBookingHarness()

		group, _, err := h.lockAndCreate("session-1", "A1")
		require.NoError(t, err)

		require.NoError(t, h.orchestrator.Expire(ctx, group.ID))
		assert.ErrorIs(t, h.orchestrator.Expire(ctx, group.ID), models.ErrAlreadyTerminal)
		assert.ErrorIs(t, h.orchestrator.Cancel(ctx, group.ID, ""), models.ErrAlreadyTerminal)
	})

	t.Run("Unknown Group", func(t *testing.T) {
		h := newBookingHarness()
		assert.ErrorIs(t, h.orchestrator.Cancel(ctx, uuid.New(), ""), models.ErrGroupNotFound)
	})
}

func TestGetGroup_ExpiresOverdueGroup(t *testing.T) {
	h := newBookingHarness()
	ctx := context.Background()

	group, _, err := h.lockAndCreate("session-1", "A1")
	require.NoError(t, err)

	current, _, err := h.orchestrator.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GroupStatePendingPayment, current.State)

	h.clock.Advance(10 * time.Minute)

	current, bookings, err := h.orchestrator.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GroupStateExpired, current.State)
	require.Len(t, bookings, 1)
	assert.Equal(t, models.GroupStateExpired, bookings[0].Status)
}

func TestResumeConfirming(t *testing.T) {
	h := newBookingHarness()
	ctx := context.Background()

	group, _, err := h.lockAndCreate("session-1", "A1")
	require.NoError(t, err)
	h.store.forceState(group.ID, models.GroupStateConfirming)

	resumed, err := h.orchestrator.ResumeConfirming(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)

	h.clock.Advance(2 * time.Minute)
	resumed, err = h.orchestrator.ResumeConfirming(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	stored, err := h.store.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GroupStateConfirmed, stored.State)
}

func TestSeatScenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("Paid Seat Becomes Booked", func(t *testing.T) {
		h := newBookingHarness()
		h.settings.hold = 15 * time.Minute

		group, _, err := h.lockAndCreate("session-1", "A1")
		require.NoError(t, err)

		session, err := h.reconciler.OpenSession(ctx, group.ID, group.TotalAmount, models.BuyerInfo{})
		require.NoError(t, err)

		require.NoError(t, h.reconciler.OnGatewayCallback(ctx, &models.GatewayCallback{
			OrderCode: session.OrderCode,
			Outcome:   models.PaymentOutcomeSuccess,
			Amount:    group.TotalAmount,
			Reference: "FT001",
		}))

		stored, err := h.store.GetGroup(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, models.GroupStateConfirmed, stored.State)

		resp, err := h.locks.SeatStatuses(ctx, "trip-1", "")
		require.NoError(t, err)
		for _, s := range resp.Seats {
			if s.SeatID == "A1" {
				assert.Equal(t, models.SeatStatusBooked, s.Status)
			}
		}
		lock, err := h.locks.Get(ctx, "trip-1", "A1")
		require.NoError(t, err)
		assert.Nil(t, lock)
	})

	t.Run("Abandoned Lock Frees Seat", func(t *testing.T) {
		h := newBookingHarness()
		h.settings.hold = 15 * time.Minute

		_, err := h.locks.Acquire(ctx, "trip-1", "B3", "session-1")
		require.NoError(t, err)

		h.clock.Advance(15 * time.Minute)

		resp, err := h.locks.SeatStatuses(ctx, "trip-1", "")
		require.NoError(t, err)
		for _, s := range resp.Seats {
			if s.SeatID == "B3" {
				assert.Equal(t, models.SeatStatusAvailable, s.Status)
			}
		}
	})
}
