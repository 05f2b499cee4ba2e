package models

import (
	"database/sql/driver"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// PaymentEventType represents the type of payment event
type PaymentEventType string

const (
	PaymentEventSessionOpened        PaymentEventType = "session_opened"
	PaymentEventSessionFailed        PaymentEventType = "session_failed"
	PaymentEventWebhookReceived      PaymentEventType = "webhook_received"
	PaymentEventWebhookRejected      PaymentEventType = "webhook_rejected"
	PaymentEventSuccess              PaymentEventType = "payment_success"
	PaymentEventFailed               PaymentEventType = "payment_failed"
	PaymentEventDuplicate            PaymentEventType = "duplicate_callback"
	PaymentEventLateSuccess          PaymentEventType = "late_success" // paid after the group settled, refund needed
	PaymentEventAmountMismatch       PaymentEventType = "amount_mismatch"
	PaymentEventBookingConfirmed     PaymentEventType = "booking_confirmed"
	PaymentEventTicketIssuanceFailed PaymentEventType = "ticket_issuance_failed"
	PaymentEventSessionExpired       PaymentEventType = "session_expired"
)

// PaymentEventSource identifies where the event originated
type PaymentEventSource string

const (
	PaymentSourceBackend PaymentEventSource = "backend"
	PaymentSourceWebhook PaymentEventSource = "gateway_webhook"
	PaymentSourceGateway PaymentEventSource = "gateway_api"
	PaymentSourceSystem  PaymentEventSource = "system"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	bytes, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	}
	return nil
}

// PaymentAudit is an immutable audit log entry for payment events
type PaymentAudit struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	GroupID   *uuid.UUID `json:"group_id,omitempty" db:"group_id"`
	OrderCode *int64     `json:"order_code,omitempty" db:"order_code"`

	EventType   PaymentEventType   `json:"event_type" db:"event_type"`
	EventSource PaymentEventSource `json:"event_source" db:"event_source"`

	// Amount tracking
	ExpectedAmount *float64 `json:"expected_amount,omitempty" db:"expected_amount"`
	ReceivedAmount *float64 `json:"received_amount,omitempty" db:"received_amount"`
	AmountsMatch   *bool    `json:"amounts_match,omitempty" db:"amounts_match"`

	PaymentStatus    *string `json:"payment_status,omitempty" db:"payment_status"`
	GatewayReference *string `json:"gateway_reference,omitempty" db:"gateway_reference"`

	Payload JSONB   `json:"payload,omitempty" db:"payload"`
	RawBody *string `json:"raw_body,omitempty" db:"raw_body"`

	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	IsDuplicate    bool    `json:"is_duplicate" db:"is_duplicate"`
	IdempotencyKey *string `json:"idempotency_key,omitempty" db:"idempotency_key"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewPaymentAudit creates a new payment audit entry with required fields
func NewPaymentAudit(eventType PaymentEventType, source PaymentEventSource) *PaymentAudit {
	return &PaymentAudit{
		ID:          uuid.New(),
		EventType:   eventType,
		EventSource: source,
		CreatedAt:   time.Now(),
	}
}

// SetGroup sets the booking group for the audit
func (pa *PaymentAudit) SetGroup(groupID uuid.UUID) *PaymentAudit {
	pa.GroupID = &groupID
	return pa
}

// SetOrderCode sets the gateway order code
func (pa *PaymentAudit) SetOrderCode(code int64) *PaymentAudit {
	pa.OrderCode = &code
	return pa
}

// SetAmounts records expected vs received and returns whether they match
func (pa *PaymentAudit) SetAmounts(expected, received float64) bool {
	pa.ExpectedAmount = &expected
	pa.ReceivedAmount = &received

	const tolerance = 0.01
	match := math.Abs(expected-received) < tolerance
	pa.AmountsMatch = &match
	return match
}

// SetPaymentStatus sets the payment status reported by the gateway
func (pa *PaymentAudit) SetPaymentStatus(status string) *PaymentAudit {
	pa.PaymentStatus = &status
	return pa
}

// SetGatewayReference sets the gateway transaction reference
func (pa *PaymentAudit) SetGatewayReference(ref string) *PaymentAudit {
	if ref != "" {
		pa.GatewayReference = &ref
	}
	return pa
}

// SetError sets error information
func (pa *PaymentAudit) SetError(message string) *PaymentAudit {
	pa.ErrorMessage = &message
	return pa
}

// SetRawBody stores the raw body before parsing
func (pa *PaymentAudit) SetRawBody(body string) *PaymentAudit {
	pa.RawBody = &body
	return pa
}

// SetPayload stores a structured payload
func (pa *PaymentAudit) SetPayload(payload map[string]interface{}) *PaymentAudit {
	pa.Payload = JSONB(payload)
	return pa
}

// MarkAsDuplicate marks this event as a duplicate delivery
func (pa *PaymentAudit) MarkAsDuplicate() *PaymentAudit {
	pa.IsDuplicate = true
	return pa
}

// SetIdempotencyKey sets the idempotency key
func (pa *PaymentAudit) SetIdempotencyKey(key string) *PaymentAudit {
	pa.IdempotencyKey = &key
	return pa
}
