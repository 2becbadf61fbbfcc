package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Settled reports whether the status represents money received.
func (s Status) Settled() bool {
	return s == StatusCompleted || s == StatusApproved
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusCompleted, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// Source records which channel produced a payment row.
type Source string

const (
	SourceWebhook        Source = "webhook"
	SourceGatewayWebhook Source = "gateway_webhook"
	SourceBackfill       Source = "backfill"
)

type Payment struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	TransactionID     string       `json:"transaction_id" gorm:"type:text;not null;uniqueIndex"`
	Amount            float64      `json:"amount" gorm:"type:numeric(14,2);not null"`
	Status            Status       `json:"status" gorm:"type:text;not null"`
	CustomerID        int64        `json:"customer_id" gorm:"not null;index"`
	ServiceID         int64        `json:"service_id" gorm:"not null"`
	Source            Source       `json:"source" gorm:"type:text;not null"`
	ExternalReference *string      `json:"external_reference,omitempty" gorm:"type:text"`
	ProcessedAt       *time.Time   `json:"processed_at"`
	CreatedAt         time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time    `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// WebhookPayload is an inbound payment notification. It is validated and
// then consumed without mutation.
type WebhookPayload struct {
	TransactionID string  `json:"transactionId" validate:"required,max=128"`
	Status        Status  `json:"status" validate:"required,oneof=pending approved completed rejected failed"`
	Amount        float64 `json:"amount" validate:"gt=0"`
	CustomerID    int64   `json:"customerId" validate:"gt=0"`
	ServiceID     int64   `json:"serviceId" validate:"gt=0"`
	Timestamp     string  `json:"timestamp" validate:"required"`
	Signature     string  `json:"signature"`
}

// Fields returns the payload as the key/value set covered by the signature.
func (p WebhookPayload) Fields() map[string]any {
	return map[string]any{
		"transactionId": p.TransactionID,
		"status":        string(p.Status),
		"amount":        p.Amount,
		"customerId":    p.CustomerID,
		"serviceId":     p.ServiceID,
		"timestamp":     p.Timestamp,
		"signature":     p.Signature,
	}
}

// RecordRequest is a validated payload plus its provenance.
type RecordRequest struct {
	Payload           WebhookPayload
	Source            Source
	ExternalReference string
}

type NotificationKind int

const (
	UnsupportedNotification NotificationKind = iota
	PaymentNotification
)

// Notification is a gateway webhook reduced to what reconciliation needs.
type Notification struct {
	Kind   NotificationKind
	Type   string
	DataID string
}

func NewNotification(notificationType, dataID string) Notification {
	n := Notification{Type: notificationType, DataID: dataID}
	if notificationType == "payment" && dataID != "" {
		n.Kind = PaymentNotification
	}
	return n
}

// GatewayPayment is the gateway's view of a payment.
type GatewayPayment struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
	Amount            float64
	CustomerID        int64
	ServiceID         int64
	DateCreated       *time.Time
}

type PreferenceRequest struct {
	CustomerID  int64
	ServiceID   int64
	Amount      float64
	Description string
	PayerEmail  string
	PayerName   string
}

type Preference struct {
	PreferenceID  string `json:"preferenceId"`
	CheckoutURL   string `json:"initPoint"`
	SandboxURL    string `json:"sandboxInitPoint"`
	TransactionID string `json:"transactionId"`
}

// GatewayStatus is returned by the public reference lookup.
type GatewayStatus struct {
	Status         string  `json:"status"`
	InternalStatus Status  `json:"internalStatus"`
	PaymentID      string  `json:"paymentId"`
	Reference      string  `json:"reference"`
	Amount         float64 `json:"amount"`
}

// PaymentRecorded is published after a new payment commits.
type PaymentRecorded struct {
	EventType     string    `json:"event_type"`
	PaymentID     string    `json:"payment_id"`
	TransactionID string    `json:"transaction_id"`
	Status        Status    `json:"status"`
	Amount        float64   `json:"amount"`
	CustomerID    int64     `json:"customer_id"`
	ServiceID     int64     `json:"service_id"`
	Source        Source    `json:"source"`
	RecordedAt    time.Time `json:"recorded_at"`
}

const EventTypePaymentRecorded = "payment.recorded"
