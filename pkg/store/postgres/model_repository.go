package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/gpulease/gpulease/pkg/model"
)

type ModelRepository struct {
	db *gorm.DB
}

func NewModelRepository(db *gorm.DB) *ModelRepository {
	return &ModelRepository{db: db}
}

func (r *ModelRepository) List(ctx context.Context) ([]model.Model, error) {
	var models []model.Model
	err := r.db.WithContext(ctx).Order("id ASC").Find(&models).Error
	return models, err
}

func (r *ModelRepository) ListActive(ctx context.Context) ([]model.Model, error) {
	var models []model.Model
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("id ASC").
		Find(&models).Error
	return models, err
}
