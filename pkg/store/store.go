package store

import (
	"context"
	"errors"
	"time"

	"github.com/gpulease/gpulease/pkg/model"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrInsufficientBalance is returned by a conditional debit that matched no row.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConflict marks a transaction aborted by a serialization failure or
	// deadlock. The transaction was rolled back and may be retried.
	ErrConflict = errors.New("transaction conflict")

	// ErrLockTimeout marks a transaction that gave up waiting for the capacity pool lock.
	ErrLockTimeout = errors.New("lock wait timeout")
)

// LeaseStore runs lease transactions against the capacity pool. WithinTx
// serializes callers on the pool: fn observes the state left by every
// previously committed transaction, and its writes become visible all at
// once when it returns nil. Any error rolls every write back.
type LeaseStore interface {
	WithinTx(ctx context.Context, fn func(tx LeaseTx) error) error

	// ActiveModels reads the active set outside of a lease transaction.
	ActiveModels(ctx context.Context) ([]model.Model, error)

	// ListModels returns every model, active or not.
	ListModels(ctx context.Context) ([]model.Model, error)

	Close() error
}

// LeaseTx is the view of storage inside one lease transaction.
type LeaseTx interface {
	// GetModel returns ErrNotFound when no model has the id.
	GetModel(ctx context.Context, id string) (*model.Model, error)

	ListActiveModels(ctx context.Context) ([]model.Model, error)

	// GetUser returns ErrNotFound when no user has the id.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// DeactivateModels clears active and activated_at on every id. All ids
	// must be active.
	DeactivateModels(ctx context.Context, ids []string) error

	// ActivateModel sets active and activated_at. The model must be inactive.
	ActivateModel(ctx context.Context, id string, at time.Time) error

	// DebitUser subtracts amount when the balance covers it and returns the
	// new balance, or ErrInsufficientBalance without writing.
	DebitUser(ctx context.Context, id string, amount int64) (int64, error)

	AppendLeaseTransaction(ctx context.Context, record *model.LeaseTransaction) error

	AppendEvent(ctx context.Context, event *model.LeaseEvent) error
}
