package db

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryRecord is the audit projection of one dispatch request.
// It is created pending when the request passes validation and moved to
// delivered or failed as the last worker action before acknowledgment.
type DeliveryRecord struct {
	ID           uuid.UUID  `json:"id"`
	RequestID    string     `json:"request_id"`
	UserID       string     `json:"user_id"`
	TemplateCode string     `json:"template_code"`
	Status       string     `json:"status"`
	Recipient    string     `json:"recipient_email,omitempty"`
	Subject      string     `json:"subject,omitempty"`
	Body         string     `json:"body,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Status constants
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// DeliveryStats aggregates record counts for the ops surface.
type DeliveryStats struct {
	Total       int64   `json:"total_emails"`
	Delivered   int64   `json:"delivered_emails"`
	Failed      int64   `json:"failed_emails"`
	Pending     int64   `json:"pending_emails"`
	SuccessRate float64 `json:"success_rate"`
}
