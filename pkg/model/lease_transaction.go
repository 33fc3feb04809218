package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// LeaseTransaction is the audit row written by a successful lease. Rows are
// insert-only.
type LeaseTransaction struct {
	ID              uuid.UUID      `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID          string         `gorm:"type:varchar(255);not null;index"`
	ModelID         string         `gorm:"type:varchar(255);not null;index"`
	AmountDebited   int64          `gorm:"not null"`
	EvictedModelIDs pq.StringArray `gorm:"type:text[]"`
	CreatedAt       time.Time      `gorm:"not null;index"`
}

func (LeaseTransaction) TableName() string {
	return "lease_transactions"
}
