package domain

import "time"

type Customer struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	FullName       string    `gorm:"column:full_name;not null" json:"full_name"`
	DocumentNumber string    `gorm:"column:document_number" json:"document_number,omitempty"`
	Email          string    `gorm:"column:email" json:"email,omitempty"`
	Phone          string    `gorm:"column:phone" json:"phone,omitempty"`
	Status         string    `gorm:"column:status;not null" json:"status"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}
