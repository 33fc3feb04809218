package model

import "time"

// User is the account debited by leases. CreditBalance is in fixed-point
// credits and never goes negative; top-ups happen outside this service.
type User struct {
	ID            string `gorm:"type:varchar(255);primaryKey"`
	CreditBalance int64  `gorm:"not null;default:0;check:credit_balance >= 0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (User) TableName() string {
	return "users"
}
