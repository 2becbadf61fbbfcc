package domain

import (
	"context"

	"gorm.io/gorm"
)

// Repository reads customers through the caller's handle so lookups can join
// an open transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, customer *Customer) error
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*Customer, error)
}
