package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
)

// TripDepartures resolves when a trip leaves
type TripDepartures interface {
	GetDeparture(ctx context.Context, tripID string) (time.Time, error)
}

// RulesReader exposes the current booking rules
type RulesReader interface {
	BookingRules(ctx context.Context) models.BookingRules
}

// RefundPolicy quotes refunds for confirmed groups. It never moves money.
type RefundPolicy struct {
	groups     GroupReader
	departures TripDepartures
	rules      RulesReader
	now        func() time.Time
}

// NewRefundPolicy creates a new RefundPolicy
func NewRefundPolicy(groups GroupReader, departures TripDepartures, rules RulesReader) *RefundPolicy {
	return &RefundPolicy{
		groups:     groups,
		departures: departures,
		rules:      rules,
		now:        time.Now,
	}
}

// Quote returns the refund a confirmed group would get if cancelled now.
// The earliest departure among the group's trips sets the cutoff.
func (p *RefundPolicy) Quote(ctx context.Context, groupID uuid.UUID) (*models.RefundQuote, error) {
	group, err := p.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	quote := &models.RefundQuote{
		GroupID:     groupID,
		TotalAmount: group.TotalAmount,
	}
	if group.State != models.GroupStateConfirmed {
		quote.Reason = fmt.Sprintf("booking is %s", group.State)
		return quote, nil
	}

	bookings, err := p.groups.GetBookings(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bookings: %w", err)
	}

	seen := make(map[string]bool, len(bookings))
	for _, b := range bookings {
		if seen[b.TripID] {
			continue
		}
		seen[b.TripID] = true
		dep, err := p.departures.GetDeparture(ctx, b.TripID)
		if err != nil {
			return nil, err
		}
		if quote.Departure.IsZero() || dep.Before(quote.Departure) {
			quote.Departure = dep
		}
	}

	rules := p.rules.BookingRules(ctx)
	quote.CancelBefore = quote.Departure.Add(-time.Duration(rules.MinCancellationHours) * time.Hour)
	quote.RefundPercentage = rules.RefundPercentage

	if p.now().After(quote.CancelBefore) {
		quote.Reason = fmt.Sprintf("cancellation closes %d hours before departure", rules.MinCancellationHours)
		return quote, nil
	}
	quote.Eligible = true
	quote.RefundAmount = math.Round(group.TotalAmount*rules.RefundPercentage) / 100
	return quote, nil
}
