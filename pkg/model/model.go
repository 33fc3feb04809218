package model

import (
	"fmt"
	"strings"
	"time"
)

// Model is a leasable model deployment. While Active it holds
// RequiredCapacity units of the shared GPU pool; ActivatedAt is set exactly
// when Active is true.
type Model struct {
	ID               string `gorm:"type:varchar(255);primaryKey"`
	Organization     string `gorm:"type:varchar(128);not null;index"`
	Name             string `gorm:"type:varchar(128);not null"`
	RequiredCapacity int    `gorm:"not null;default:1"`
	Active           bool   `gorm:"not null;default:false;index"`
	ActivatedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Model) TableName() string {
	return "models"
}

// ModelID joins an organization and a model name into the model identifier.
func ModelID(organization, name string) string {
	return organization + "/" + name
}

// ParseModelID splits an "organization/name" identifier.
func ParseModelID(id string) (organization, name string, err error) {
	organization, name, ok := strings.Cut(id, "/")
	if !ok || organization == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid model id %q: expected organization/name", id)
	}
	return organization, name, nil
}

// NewModel returns a disabled model.
func NewModel(organization, name string, requiredCapacity int) Model {
	return Model{
		ID:               ModelID(organization, name),
		Organization:     organization,
		Name:             name,
		RequiredCapacity: requiredCapacity,
	}
}

// ActiveFor reports how long the model has been active at now, or zero when
// it is inactive.
func (m *Model) ActiveFor(now time.Time) time.Duration {
	if !m.Active || m.ActivatedAt == nil {
		return 0
	}
	return now.Sub(*m.ActivatedAt)
}
