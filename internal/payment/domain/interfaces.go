package domain

import (
	"context"

	"gorm.io/gorm"
)

//go:generate mockgen -source=interfaces.go -destination=mock/interfaces_mock.go -package=mock

type Repository interface {
	FindByTransactionID(ctx context.Context, db *gorm.DB, transactionID string) (*Payment, error)
	FindByExternalReference(ctx context.Context, db *gorm.DB, ref string) (*Payment, error)
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
}

// Gateway is the remote payment provider.
type Gateway interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error)
	FetchPayment(ctx context.Context, paymentID string) (*GatewayPayment, error)
	SearchByExternalReference(ctx context.Context, reference string) (*GatewayPayment, error)
}

type EventPublisher interface {
	PublishPaymentRecorded(ctx context.Context, payment *Payment) error
}

// Recorder persists payments idempotently.
type Recorder interface {
	RecordPayment(ctx context.Context, req RecordRequest) (*Payment, bool, error)
}
