package repository

import (
	"context"

	"github.com/smallbiznis/netbill/internal/serviceplan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, service *domain.Service) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO services (id, customer_id, plan_name, monthly_price, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		service.ID,
		service.CustomerID,
		service.PlanName,
		service.MonthlyPrice,
		service.Status,
		service.CreatedAt,
		service.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Service, error) {
	var service domain.Service
	err := db.WithContext(ctx).Raw(
		`SELECT id, customer_id, plan_name, monthly_price, status, created_at, updated_at
		 FROM services WHERE id = ?`,
		id,
	).Scan(&service).Error
	if err != nil {
		return nil, err
	}
	if service.ID == 0 {
		return nil, nil
	}
	return &service, nil
}
