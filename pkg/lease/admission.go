package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/gpulease/gpulease/pkg/config"
	"github.com/gpulease/gpulease/pkg/eventbus"
	"github.com/gpulease/gpulease/pkg/metrics"
	"github.com/gpulease/gpulease/pkg/model"
	"github.com/gpulease/gpulease/pkg/store"
)

const publishTimeout = 2 * time.Second

// EventPublisher receives live notifications after a lease commits.
// *eventbus.Bus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, event eventbus.Event) error
}

// Receipt describes a committed lease.
type Receipt struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	ModelID       string    `json:"model_id"`
	AmountDebited int64     `json:"amount_debited"`
	BalanceAfter  int64     `json:"balance_after"`
	Evicted       []string  `json:"evicted"`
	ActivatedAt   time.Time `json:"activated_at"`
	CapacityInUse int       `json:"capacity_in_use"`
}

type Option func(*AdmissionController)

// WithClock replaces time.Now as the source of activation timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *AdmissionController) {
		c.now = now
	}
}

func WithPublisher(p EventPublisher) Option {
	return func(c *AdmissionController) {
		c.publisher = p
	}
}

// AdmissionController decides and applies lease requests against the
// shared capacity pool.
type AdmissionController struct {
	store     store.LeaseStore
	cfg       config.LeaseConfig
	ledger    CapacityLedger
	selector  *Selector
	credits   CreditAccount
	txlog     TransactionLog
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewAdmissionController(s store.LeaseStore, cfg config.LeaseConfig, logger *zap.Logger, opts ...Option) (*AdmissionController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := PolicyByName(cfg.EvictionPolicy)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &AdmissionController{
		store:    s,
		cfg:      cfg,
		ledger:   CapacityLedger{Max: cfg.MaxCapacity},
		selector: NewSelector(cfg.ImmunityPeriod, policy),
		credits:  CreditAccount{CostPerUnit: cfg.CostPerUnit},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Lease activates modelID for accountID, evicting eligible models if the
// pool is full, and debits the account. Every failure is an *Error; all of
// them except KindInternal leave storage untouched.
func (c *AdmissionController) Lease(ctx context.Context, accountID, modelID string) (*Receipt, error) {
	start := time.Now()
	receipt, err := c.lease(ctx, accountID, modelID)

	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
	}
	metrics.LeaseAttemptsTotal.WithLabelValues(outcome).Inc()
	metrics.LeaseDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		fields := []zap.Field{
			zap.String("account_id", accountID),
			zap.String("model_id", modelID),
			zap.String("kind", outcome),
			zap.Error(err),
		}
		if IsKind(err, KindInternal) {
			c.logger.Error("lease failed", fields...)
		} else {
			c.logger.Info("lease rejected", fields...)
		}
		return nil, err
	}

	c.afterCommit(ctx, receipt)
	return receipt, nil
}

func (c *AdmissionController) lease(ctx context.Context, accountID, modelID string) (*Receipt, error) {
	if c.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TxTimeout)
		defer cancel()
	}

	attempts := c.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		receipt, err := c.attempt(ctx, accountID, modelID)
		if err == nil {
			return receipt, nil
		}

		var leaseErr *Error
		if errors.As(err, &leaseErr) {
			return nil, leaseErr
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= attempts {
			return nil, errInternal(err)
		}

		metrics.LeaseRetriesTotal.Inc()
		c.logger.Debug("lease transaction conflicted, retrying",
			zap.String("model_id", modelID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		timer := time.NewTimer(c.cfg.RetryBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errInternal(ctx.Err())
		case <-timer.C:
		}
	}
}

// attempt runs one read-decide-commit pass. Nothing is written until every
// check has passed.
func (c *AdmissionController) attempt(ctx context.Context, accountID, modelID string) (*Receipt, error) {
	var receipt *Receipt

	err := c.store.WithinTx(ctx, func(tx store.LeaseTx) error {
		now := c.now().UTC()

		target, err := tx.GetModel(ctx, modelID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errWorkloadNotFound(modelID)
			}
			return fmt.Errorf("load model: %w", err)
		}
		if target.Active {
			return errAlreadyActive(modelID)
		}
		required := target.RequiredCapacity
		if required < c.cfg.MinModelCapacity || required > c.cfg.MaxModelCapacity {
			return errInvalidCapacity(modelID, required, c.cfg.MinModelCapacity, c.cfg.MaxModelCapacity)
		}

		cost := c.credits.Cost(required)
		user, err := tx.GetUser(ctx, accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errAccountNotFound(accountID)
			}
			return fmt.Errorf("load account: %w", err)
		}
		if err := c.credits.Check(user, cost); err != nil {
			return err
		}

		active, err := tx.ListActiveModels(ctx)
		if err != nil {
			return fmt.Errorf("list active models: %w", err)
		}
		deficit := c.ledger.Deficit(active, required)
		victims, err := c.selector.SelectVictims(deficit, active, now)
		if err != nil {
			if errors.Is(err, ErrUnsatisfiable) {
				return errCapacityUnavailable(deficit, c.selector.Freeable(active, now))
			}
			return err
		}

		evicted := make([]string, 0, len(victims))
		freed := 0
		for _, v := range victims {
			evicted = append(evicted, v.ID)
			freed += v.RequiredCapacity
		}

		if len(evicted) > 0 {
			if err := tx.DeactivateModels(ctx, evicted); err != nil {
				return fmt.Errorf("deactivate victims: %w", err)
			}
		}
		if err := tx.ActivateModel(ctx, target.ID, now); err != nil {
			return fmt.Errorf("activate model: %w", err)
		}
		balance, err := c.credits.Debit(ctx, tx, user.ID, cost)
		if err != nil {
			return err
		}

		record := &model.LeaseTransaction{
			UserID:          user.ID,
			ModelID:         target.ID,
			AmountDebited:   cost,
			EvictedModelIDs: pq.StringArray(evicted),
			CreatedAt:       now,
		}
		if err := c.txlog.Append(ctx, tx, record); err != nil {
			return err
		}

		r := &Receipt{
			TransactionID: record.ID.String(),
			AccountID:     user.ID,
			ModelID:       target.ID,
			AmountDebited: cost,
			BalanceAfter:  balance,
			Evicted:       evicted,
			ActivatedAt:   now,
			CapacityInUse: c.ledger.Usage(active) - freed + required,
		}
		for _, event := range outboxEvents(r) {
			if err := tx.AppendEvent(ctx, event); err != nil {
				return fmt.Errorf("append outbox event: %w", err)
			}
		}

		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (c *AdmissionController) afterCommit(ctx context.Context, r *Receipt) {
	metrics.CreditsDebitedTotal.Add(float64(r.AmountDebited))
	metrics.CapacityInUse.Set(float64(r.CapacityInUse))
	if len(r.Evicted) > 0 {
		metrics.EvictionsTotal.WithLabelValues(c.selector.Policy.Name).Add(float64(len(r.Evicted)))
	}

	c.logger.Info("lease committed",
		zap.String("transaction_id", r.TransactionID),
		zap.String("account_id", r.AccountID),
		zap.String("model_id", r.ModelID),
		zap.Int64("amount_debited", r.AmountDebited),
		zap.Strings("evicted", r.Evicted),
		zap.Int("capacity_in_use", r.CapacityInUse),
	)

	if c.publisher == nil {
		return
	}

	// The lease is committed; the caller's cancellation must not drop the notification.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	leaseEvent, err := busLeaseEvent(r)
	if err == nil {
		err = c.publisher.Publish(pubCtx, eventbus.ChannelLease, leaseEvent)
	}
	if err != nil {
		c.logger.Warn("failed to publish lease event", zap.String("model_id", r.ModelID), zap.Error(err))
	}

	modelEvents, err := busModelEvents(r)
	if err != nil {
		c.logger.Warn("failed to build model events", zap.String("model_id", r.ModelID), zap.Error(err))
		return
	}
	for _, event := range modelEvents {
		if err := c.publisher.Publish(pubCtx, eventbus.ChannelModel, event); err != nil {
			c.logger.Warn("failed to publish model event", zap.String("model_id", r.ModelID), zap.Error(err))
		}
	}
}

// ActiveModel is one entry of a CapacitySnapshot.
type ActiveModel struct {
	ID               string    `json:"id"`
	RequiredCapacity int       `json:"required_capacity"`
	ActivatedAt      time.Time `json:"activated_at"`
	ImmuneUntil      time.Time `json:"immune_until"`
	Evictable        bool      `json:"evictable"`
}

type CapacitySnapshot struct {
	MaxCapacity int           `json:"max_capacity"`
	InUse       int           `json:"in_use"`
	Headroom    int           `json:"headroom"`
	Freeable    int           `json:"freeable"`
	Policy      string        `json:"eviction_policy"`
	Active      []ActiveModel `json:"active"`
}

// Capacity reads the pool outside of a lease transaction. The result may be
// stale by the time the caller acts on it.
func (c *AdmissionController) Capacity(ctx context.Context) (*CapacitySnapshot, error) {
	active, err := c.store.ActiveModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active models: %w", err)
	}
	now := c.now().UTC()

	snapshot := &CapacitySnapshot{
		MaxCapacity: c.ledger.Max,
		InUse:       c.ledger.Usage(active),
		Headroom:    c.ledger.Headroom(active),
		Freeable:    c.selector.Freeable(active, now),
		Policy:      c.selector.Policy.Name,
		Active:      make([]ActiveModel, 0, len(active)),
	}
	for i := range active {
		m := &active[i]
		entry := ActiveModel{
			ID:               m.ID,
			RequiredCapacity: m.RequiredCapacity,
			Evictable:        c.selector.Eligible(m, now),
		}
		if m.ActivatedAt != nil {
			entry.ActivatedAt = *m.ActivatedAt
			entry.ImmuneUntil = m.ActivatedAt.Add(c.selector.Immunity)
		}
		snapshot.Active = append(snapshot.Active, entry)
	}
	return snapshot, nil
}
