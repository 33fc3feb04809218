package lease

import (
	"context"
	"errors"
	"fmt"

	"github.com/gpulease/gpulease/pkg/model"
	"github.com/gpulease/gpulease/pkg/store"
)

// CreditAccount prices leases and debits user balances.
type CreditAccount struct {
	CostPerUnit int64
}

func (c CreditAccount) Cost(requiredCapacity int) int64 {
	return int64(requiredCapacity) * c.CostPerUnit
}

// Check rejects a lease the user's balance cannot cover.
func (c CreditAccount) Check(user *model.User, cost int64) error {
	if user.CreditBalance < cost {
		return errInsufficientFunds(user.CreditBalance, cost)
	}
	return nil
}

// Debit subtracts amount inside tx. The balance test and the decrement are a
// single conditional write, so two leases racing on one balance cannot both
// pass on a stale read.
func (c CreditAccount) Debit(ctx context.Context, tx store.LeaseTx, userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative debit %d", amount)
	}
	balance, err := tx.DebitUser(ctx, userID, amount)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			current := int64(0)
			if user, getErr := tx.GetUser(ctx, userID); getErr == nil {
				current = user.CreditBalance
			}
			return 0, errInsufficientFunds(current, amount)
		}
		return 0, fmt.Errorf("debit %s: %w", userID, err)
	}
	return balance, nil
}
