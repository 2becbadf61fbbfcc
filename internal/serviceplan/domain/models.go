package domain

import "time"

// Service is an internet plan contracted by a customer.
type Service struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	CustomerID   int64     `gorm:"column:customer_id;not null" json:"customer_id"`
	PlanName     string    `gorm:"column:plan_name;not null" json:"plan_name"`
	MonthlyPrice float64   `gorm:"column:monthly_price;not null" json:"monthly_price"`
	Status       string    `gorm:"column:status;not null" json:"status"`
	CreatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}
