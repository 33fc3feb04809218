package lease

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gpulease/gpulease/pkg/model"
	"github.com/gpulease/gpulease/pkg/store"
)

// TransactionLog appends lease audit rows. There is no update or delete path.
type TransactionLog struct{}

func (TransactionLog) Append(ctx context.Context, tx store.LeaseTx, record *model.LeaseTransaction) error {
	if record.UserID == "" || record.ModelID == "" {
		return errors.New("lease transaction requires user and model")
	}
	if record.AmountDebited < 0 {
		return fmt.Errorf("lease transaction with negative amount %d", record.AmountDebited)
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if err := tx.AppendLeaseTransaction(ctx, record); err != nil {
		return fmt.Errorf("append lease transaction: %w", err)
	}
	return nil
}
