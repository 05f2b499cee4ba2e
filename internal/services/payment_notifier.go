package services

import (
	"sync"

	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/sirupsen/logrus"
)

// subscriberBuffer is how many notifications a slow client may lag behind
const subscriberBuffer = 4

// PaymentNotifier fans payment outcomes out to clients waiting on a group.
// It is local to one instance; the RabbitMQ consumer feeds it outcomes that
// were settled by other instances.
type PaymentNotifier struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[chan models.PaymentNotification]struct{}
	logger *logrus.Logger
}

// NewPaymentNotifier creates an empty hub
func NewPaymentNotifier(logger *logrus.Logger) *PaymentNotifier {
	return &PaymentNotifier{
		subs:   make(map[uuid.UUID]map[chan models.PaymentNotification]struct{}),
		logger: logger,
	}
}

// Subscribe registers interest in a group. The returned func must be called
// when the client goes away.
func (n *PaymentNotifier) Subscribe(groupID uuid.UUID) (<-chan models.PaymentNotification, func()) {
	ch := make(chan models.PaymentNotification, subscriberBuffer)

	n.mu.Lock()
	if n.subs[groupID] == nil {
		n.subs[groupID] = make(map[chan models.PaymentNotification]struct{})
	}
	n.subs[groupID][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if set, ok := n.subs[groupID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(n.subs, groupID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Deliver pushes a notification to every local subscriber of its group.
// A full subscriber buffer drops the notification for that subscriber only.
func (n *PaymentNotifier) Deliver(note models.PaymentNotification) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.subs[note.GroupID] {
		select {
		case ch <- note:
		default:
			n.logger.WithFields(logrus.Fields{
				"group_id": note.GroupID,
				"event":    note.Event,
			}).Warn("Dropping payment notification for slow subscriber")
		}
	}
}
