package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gpulease/gpulease/pkg/model"
	"github.com/gpulease/gpulease/pkg/store"
)

// leaseTx implements store.LeaseTx on top of an open gorm transaction.
type leaseTx struct {
	db *gorm.DB
}

func (t *leaseTx) GetModel(ctx context.Context, id string) (*model.Model, error) {
	var m model.Model
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&m, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (t *leaseTx) ListActiveModels(ctx context.Context) ([]model.Model, error) {
	var models []model.Model
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("active = ?", true).
		Order("id ASC").
		Find(&models).Error
	return models, err
}

func (t *leaseTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (t *leaseTx) DeactivateModels(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	result := t.db.WithContext(ctx).Model(&model.Model{}).
		Where("id IN ? AND active = ?", ids, true).
		Updates(map[string]interface{}{
			"active":       false,
			"activated_at": nil,
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != int64(len(ids)) {
		return fmt.Errorf("%w: deactivated %d of %d models", store.ErrConflict, result.RowsAffected, len(ids))
	}
	return nil
}

func (t *leaseTx) ActivateModel(ctx context.Context, id string, at time.Time) error {
	result := t.db.WithContext(ctx).Model(&model.Model{}).
		Where("id = ? AND active = ?", id, false).
		Updates(map[string]interface{}{
			"active":       true,
			"activated_at": at,
			"updated_at":   at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("%w: model %s is no longer inactive", store.ErrConflict, id)
	}
	return nil
}

func (t *leaseTx) DebitUser(ctx context.Context, id string, amount int64) (int64, error) {
	result := t.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ? AND credit_balance >= ?", id, amount).
		Updates(map[string]interface{}{
			"credit_balance": gorm.Expr("credit_balance - ?", amount),
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, store.ErrInsufficientBalance
	}

	var user model.User
	if err := t.db.WithContext(ctx).Select("credit_balance").First(&user, "id = ?", id).Error; err != nil {
		return 0, err
	}
	return user.CreditBalance, nil
}

func (t *leaseTx) AppendLeaseTransaction(ctx context.Context, record *model.LeaseTransaction) error {
	return t.db.WithContext(ctx).Create(record).Error
}

func (t *leaseTx) AppendEvent(ctx context.Context, event *model.LeaseEvent) error {
	return t.db.WithContext(ctx).Create(event).Error
}
