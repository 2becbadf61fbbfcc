package repository

import (
	"context"

	"github.com/smallbiznis/netbill/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByTransactionID(ctx context.Context, db *gorm.DB, transactionID string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, transaction_id, amount, status, customer_id, service_id,
			source, external_reference, processed_at, created_at, updated_at
		 FROM payments
		 WHERE transaction_id = ?
		 LIMIT 1`,
		transactionID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// FindByExternalReference returns the row to report for a checkout reference.
// Several gateway attempts may share one reference, so a settled attempt wins
// over the newest unsettled one.
func (r *repo) FindByExternalReference(ctx context.Context, db *gorm.DB, ref string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, transaction_id, amount, status, customer_id, service_id,
			source, external_reference, processed_at, created_at, updated_at
		 FROM payments
		 WHERE external_reference = ? OR transaction_id = ?
		 ORDER BY CASE WHEN status IN (?, ?) THEN 0 ELSE 1 END, created_at DESC, id DESC
		 LIMIT 1`,
		ref, ref, domain.StatusCompleted, domain.StatusApproved,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, transaction_id, amount, status, customer_id, service_id,
			source, external_reference, processed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.TransactionID,
		payment.Amount,
		payment.Status,
		payment.CustomerID,
		payment.ServiceID,
		payment.Source,
		payment.ExternalReference,
		payment.ProcessedAt,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Error
}
