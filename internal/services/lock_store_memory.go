package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
)

type seatKey struct {
	tripID string
	seatID string
}

// lockSlot holds the lock of one seat. Writers serialize on mu and replace
// the pointer, never the struct behind it, so readers load it without
// taking mu. A removed slot is marked dead and writers go back to the map.
type lockSlot struct {
	mu   sync.Mutex
	dead bool
	lock atomic.Pointer[models.SeatLock]
}

// MemoryLockStore is a LockStore for a single instance
type MemoryLockStore struct {
	slots sync.Map // seatKey -> *lockSlot
}

// NewMemoryLockStore creates an empty in-process lock store
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{}
}

// holdSlot returns the seat's slot with mu held. With create unset a
// missing slot yields nil.
func (s *MemoryLockStore) holdSlot(tripID, seatID string, create bool) *lockSlot {
	key := seatKey{tripID: tripID, seatID: seatID}
	for {
		var v interface{}
		if create {
			v, _ = s.slots.LoadOrStore(key, &lockSlot{})
		} else {
			var ok bool
			if v, ok = s.slots.Load(key); !ok {
				return nil
			}
		}
		slot := v.(*lockSlot)
		slot.mu.Lock()
		if !slot.dead {
			return slot
		}
		slot.mu.Unlock()
	}
}

func (s *MemoryLockStore) load(tripID, seatID string) *models.SeatLock {
	v, ok := s.slots.Load(seatKey{tripID: tripID, seatID: seatID})
	if !ok {
		return nil
	}
	return v.(*lockSlot).lock.Load()
}

func (s *MemoryLockStore) Acquire(_ context.Context, candidate models.SeatLock, now time.Time) (*AcquireResult, error) {
	slot := s.holdSlot(candidate.TripID, candidate.SeatID, true)
	defer slot.mu.Unlock()

	current := slot.lock.Load()
	if current.IsLive(now) {
		if current.HolderToken != candidate.HolderToken {
			return nil, models.ErrSeatUnavailable
		}
		renewed := *current
		renewed.ExpiresAt = candidate.ExpiresAt
		slot.lock.Store(&renewed)
		result := renewed
		return &AcquireResult{Lock: &result, Renewed: true}, nil
	}

	result := &AcquireResult{}
	if current != nil {
		displaced := *current
		result.Displaced = &displaced
	}
	installed := candidate
	slot.lock.Store(&installed)
	acquired := installed
	result.Lock = &acquired
	return result, nil
}

func (s *MemoryLockStore) Release(_ context.Context, tripID, seatID, holder, lockID string) (*models.SeatLock, error) {
	slot := s.holdSlot(tripID, seatID, false)
	if slot == nil {
		return nil, nil
	}
	defer slot.mu.Unlock()

	current := slot.lock.Load()
	if current == nil || current.HolderToken != holder {
		return nil, nil
	}
	if lockID != "" && current.LockID != lockID {
		return nil, nil
	}
	slot.lock.Store(nil)
	released := *current
	return &released, nil
}

func (s *MemoryLockStore) Renew(_ context.Context, tripID, seatID, holder string, expiresAt, now time.Time) (*models.SeatLock, error) {
	slot := s.holdSlot(tripID, seatID, false)
	if slot == nil {
		return nil, models.ErrLockExpired
	}
	defer slot.mu.Unlock()

	current := slot.lock.Load()
	if !current.IsLive(now) || current.HolderToken != holder {
		return nil, models.ErrLockExpired
	}
	renewed := *current
	renewed.ExpiresAt = expiresAt
	slot.lock.Store(&renewed)
	result := renewed
	return &result, nil
}

func (s *MemoryLockStore) Get(_ context.Context, tripID, seatID string, now time.Time) (*models.SeatLock, error) {
	current := s.load(tripID, seatID)
	if !current.IsLive(now) {
		return nil, nil
	}
	cp := *current
	return &cp, nil
}

func (s *MemoryLockStore) ListByTrip(_ context.Context, tripID string, now time.Time) ([]models.SeatLock, error) {
	var locks []models.SeatLock
	s.slots.Range(func(k, v interface{}) bool {
		if k.(seatKey).tripID != tripID {
			return true
		}
		if current := v.(*lockSlot).lock.Load(); current.IsLive(now) {
			locks = append(locks, *current)
		}
		return true
	})
	return locks, nil
}

// Sweep clears expired locks and drops slots left empty
func (s *MemoryLockStore) Sweep(_ context.Context, now time.Time) ([]models.SeatLock, error) {
	var expired []models.SeatLock
	s.slots.Range(func(k, v interface{}) bool {
		slot := v.(*lockSlot)
		if current := slot.lock.Load(); current.IsLive(now) {
			return true
		}

		slot.mu.Lock()
		defer slot.mu.Unlock()
		if slot.dead {
			return true
		}
		current := slot.lock.Load()
		if current.IsLive(now) {
			return true
		}
		if current != nil {
			expired = append(expired, *current)
			slot.lock.Store(nil)
		}
		slot.dead = true
		s.slots.CompareAndDelete(k, slot)
		return true
	})
	return expired, nil
}
