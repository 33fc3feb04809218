package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gpulease/gpulease/pkg/config"
	"github.com/gpulease/gpulease/pkg/model"
	"github.com/gpulease/gpulease/pkg/store"
)

// capacityPoolLockKey is the advisory lock id held by every lease
// transaction for its whole duration.
const capacityPoolLockKey int64 = 0x6770756c65617365

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateQueryCanceled        = "57014"
)

type Store struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

func NewStore(cfg *config.DatabaseConfig, lockTimeout time.Duration) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	return NewStoreFromDB(db, lockTimeout), nil
}

func NewStoreFromDB(db *gorm.DB, lockTimeout time.Duration) *Store {
	return &Store{db: db, lockTimeout: lockTimeout}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&model.Model{},
		&model.User{},
		&model.LeaseTransaction{},
		&model.LeaseEvent{},
	)
}

// WithinTx runs fn in a READ COMMITTED transaction whose first statement
// takes the capacity pool advisory lock. Every statement after the lock sees
// the state committed by the previous holder.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.LeaseTx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.lockTimeout > 0 {
			timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
			if err := tx.Exec("SELECT set_config('lock_timeout', ?, true)", timeout).Error; err != nil {
				return fmt.Errorf("set lock timeout: %w", err)
			}
		}
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", capacityPoolLockKey).Error; err != nil {
			return fmt.Errorf("lock capacity pool: %w", err)
		}
		return fn(&leaseTx{db: tx})
	}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	return translateError(err)
}

func (s *Store) ActiveModels(ctx context.Context) ([]model.Model, error) {
	return NewModelRepository(s.db).ListActive(ctx)
}

func (s *Store) ListModels(ctx context.Context) ([]model.Model, error) {
	return NewModelRepository(s.db).List(ctx)
}

// translateError maps Postgres failures onto the store sentinels and leaves
// every other error, including the ones returned by the transaction body,
// untouched.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected:
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		case sqlStateLockNotAvailable, sqlStateQueryCanceled:
			return fmt.Errorf("%w: %s", store.ErrLockTimeout, pgErr.Message)
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}
