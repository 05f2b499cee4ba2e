package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentSessionStatus tracks a gateway checkout session
type PaymentSessionStatus string

const (
	PaymentSessionOpen      PaymentSessionStatus = "OPEN"
	PaymentSessionPaid      PaymentSessionStatus = "PAID"
	PaymentSessionFailed    PaymentSessionStatus = "FAILED"
	PaymentSessionCancelled PaymentSessionStatus = "CANCELLED"
	PaymentSessionExpired   PaymentSessionStatus = "EXPIRED"
)

// PaymentOutcome is the abstract result delivered by the gateway
type PaymentOutcome string

const (
	PaymentOutcomeSuccess PaymentOutcome = "SUCCESS"
	PaymentOutcomeFailure PaymentOutcome = "FAILURE"
)

// PaymentSession links a pending booking group to a gateway checkout
type PaymentSession struct {
	ID               uuid.UUID            `json:"id" db:"id"`
	GroupID          uuid.UUID            `json:"group_id" db:"group_id"`
	OrderCode        int64                `json:"order_code" db:"order_code"`
	CheckoutURL      string               `json:"checkout_url" db:"checkout_url"`
	QRCode           string               `json:"qr_code" db:"qr_code"`
	Amount           float64              `json:"amount" db:"amount"`
	Currency         string               `json:"currency" db:"currency"`
	Status           PaymentSessionStatus `json:"status" db:"status"`
	GatewayReference *string              `json:"gateway_reference,omitempty" db:"gateway_reference"`
	CreatedAt        time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at" db:"updated_at"`
}

// BuyerInfo is the payer data forwarded to the gateway
type BuyerInfo struct {
	Name  string `json:"buyerName"`
	Email string `json:"buyerEmail"`
	Phone string `json:"buyerPhone"`
}

// CreatePaymentRequest is the body of POST /payments/create
type CreatePaymentRequest struct {
	BookingID   string   `json:"bookingId" binding:"required"`
	BookingIDs  []string `json:"bookingIds"`
	TotalAmount float64  `json:"totalAmount" binding:"required,gt=0"`
	BuyerName   string   `json:"buyerName"`
	BuyerEmail  string   `json:"buyerEmail"`
	BuyerPhone  string   `json:"buyerPhone"`
}

// CreatePaymentResponse is returned once a checkout session is open
type CreatePaymentResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
	QRCode      string `json:"qrCode"`
	OrderCode   int64  `json:"orderCode"`
}

// GatewayCallback is a verified, gateway-agnostic callback
type GatewayCallback struct {
	OrderCode     int64
	Outcome       PaymentOutcome
	Amount        float64
	Reference     string
	TransactionAt string
	Raw           map[string]interface{}
}

// PaymentNotification is pushed to an open client session
type PaymentNotification struct {
	Event       string    `json:"event"` // payment-success | payment-failure
	GroupID     uuid.UUID `json:"groupId"`
	State       string    `json:"state"`
	Amount      float64   `json:"amount"`
	TicketCodes []string  `json:"ticketCodes,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

const (
	NotificationPaymentSuccess = "payment-success"
	NotificationPaymentFailure = "payment-failure"
)
