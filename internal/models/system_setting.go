package models

import (
	"time"

	"github.com/google/uuid"
)

// Booking rule keys stored in system_settings
const (
	SettingPaymentHoldTimeMinutes = "paymentHoldTimeMinutes"
	SettingMinCancellationHours   = "minCancellationHours"
	SettingRefundPercentage       = "refundPercentage"
	SettingPriceMultiplier        = "priceMultiplier"
)

// SettingValue is a versioned value of one business setting
type SettingValue struct {
	Key         string    `json:"key" db:"setting_key"`
	Value       string    `json:"value" db:"setting_value"`
	Description *string   `json:"description,omitempty" db:"description"`
	Version     int       `json:"version" db:"version"`
	UpdatedBy   *string   `json:"updated_by,omitempty" db:"updated_by"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// SettingAudit records one administrative change to a setting
type SettingAudit struct {
	ID         uuid.UUID `json:"id" db:"id"`
	SettingKey string    `json:"setting_key" db:"setting_key"`
	OldValue   *string   `json:"old_value,omitempty" db:"old_value"`
	NewValue   string    `json:"new_value" db:"new_value"`
	Actor      string    `json:"actor" db:"actor"`
	IPAddress  *string   `json:"ip_address,omitempty" db:"ip_address"`
	DeviceInfo JSONB     `json:"device_info,omitempty" db:"device_info"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Actor identifies who changed a setting
type Actor struct {
	UserID    string
	IPAddress string
	UserAgent string
}

// BookingRules is the public view of the booking settings
type BookingRules struct {
	PaymentHoldTimeMinutes int     `json:"paymentHoldTimeMinutes"`
	MinCancellationHours   int     `json:"minCancellationHours"`
	RefundPercentage       float64 `json:"refundPercentage"`
	PriceMultiplier        float64 `json:"priceMultiplier"`
}

// UpdateBookingRulesRequest is the body of PATCH /settings/booking-rules.
// Absent fields are left unchanged.
type UpdateBookingRulesRequest struct {
	PaymentHoldTimeMinutes *int     `json:"paymentHoldTimeMinutes"`
	MinCancellationHours   *int     `json:"minCancellationHours"`
	RefundPercentage       *float64 `json:"refundPercentage"`
	PriceMultiplier        *float64 `json:"priceMultiplier"`
}
