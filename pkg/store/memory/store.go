package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gpulease/gpulease/pkg/model"
	"github.com/gpulease/gpulease/pkg/store"
)

// Store is an in-process store.LeaseStore. Transactions hold a single
// pool slot for their whole duration and stage their writes until fn
// returns nil.
type Store struct {
	slot chan struct{}

	mu           sync.RWMutex
	models       map[string]model.Model
	users        map[string]model.User
	transactions []model.LeaseTransaction
	events       []model.LeaseEvent
}

func NewStore() *Store {
	return &Store{
		slot:   make(chan struct{}, 1),
		models: make(map[string]model.Model),
		users:  make(map[string]model.User),
	}
}

// PutModel inserts or replaces a model outside of any lease transaction.
func (s *Store) PutModel(m model.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.ID] = cloneModel(m)
}

// PutUser inserts or replaces a user outside of any lease transaction.
func (s *Store) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) Model(id string) (model.Model, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	return cloneModel(m), ok
}

func (s *Store) User(id string) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *Store) Transactions() []model.LeaseTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.LeaseTransaction(nil), s.transactions...)
}

func (s *Store) Events() []model.LeaseEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.LeaseEvent(nil), s.events...)
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.LeaseTx) error) error {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", store.ErrLockTimeout, ctx.Err())
	}
	defer func() { <-s.slot }()

	tx := &leaseTx{
		store:  s,
		models: make(map[string]model.Model),
		users:  make(map[string]model.User),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range tx.models {
		s.models[id] = m
	}
	for id, u := range tx.users {
		s.users[id] = u
	}
	s.transactions = append(s.transactions, tx.transactions...)
	s.events = append(s.events, tx.events...)
	return nil
}

func (s *Store) ActiveModels(ctx context.Context) ([]model.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []model.Model
	for _, m := range s.models {
		if m.Active {
			active = append(active, cloneModel(m))
		}
	}
	sortModels(active)
	return active, nil
}

func (s *Store) ListModels(ctx context.Context) ([]model.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	models := make([]model.Model, 0, len(s.models))
	for _, m := range s.models {
		models = append(models, cloneModel(m))
	}
	sortModels(models)
	return models, nil
}

func (s *Store) Close() error {
	return nil
}

// leaseTx reads through its staged writes to the committed state.
type leaseTx struct {
	store        *Store
	models       map[string]model.Model
	users        map[string]model.User
	transactions []model.LeaseTransaction
	events       []model.LeaseEvent
}

func (t *leaseTx) model(id string) (model.Model, bool) {
	if m, ok := t.models[id]; ok {
		return m, true
	}
	return t.store.Model(id)
}

func (t *leaseTx) GetModel(ctx context.Context, id string) (*model.Model, error) {
	m, ok := t.model(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (t *leaseTx) ListActiveModels(ctx context.Context) ([]model.Model, error) {
	t.store.mu.RLock()
	ids := make([]string, 0, len(t.store.models))
	for id := range t.store.models {
		ids = append(ids, id)
	}
	t.store.mu.RUnlock()
	for id := range t.models {
		ids = append(ids, id)
	}

	seen := make(map[string]struct{}, len(ids))
	var active []model.Model
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if m, ok := t.model(id); ok && m.Active {
			active = append(active, m)
		}
	}
	sortModels(active)
	return active, nil
}

func (t *leaseTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	if u, ok := t.users[id]; ok {
		return &u, nil
	}
	u, ok := t.store.User(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (t *leaseTx) DeactivateModels(ctx context.Context, ids []string) error {
	now := time.Now().UTC()
	staged := make(map[string]model.Model, len(ids))
	for _, id := range ids {
		m, ok := t.model(id)
		if !ok || !m.Active {
			return fmt.Errorf("%w: model %s is not active", store.ErrConflict, id)
		}
		m.Active = false
		m.ActivatedAt = nil
		m.UpdatedAt = now
		staged[id] = m
	}
	for id, m := range staged {
		t.models[id] = m
	}
	return nil
}

func (t *leaseTx) ActivateModel(ctx context.Context, id string, at time.Time) error {
	m, ok := t.model(id)
	if !ok {
		return store.ErrNotFound
	}
	if m.Active {
		return fmt.Errorf("%w: model %s is no longer inactive", store.ErrConflict, id)
	}
	activatedAt := at
	m.Active = true
	m.ActivatedAt = &activatedAt
	m.UpdatedAt = at
	t.models[id] = m
	return nil
}

func (t *leaseTx) DebitUser(ctx context.Context, id string, amount int64) (int64, error) {
	u, err := t.GetUser(ctx, id)
	if err != nil {
		return 0, err
	}
	if u.CreditBalance < amount {
		return 0, store.ErrInsufficientBalance
	}
	u.CreditBalance -= amount
	u.UpdatedAt = time.Now().UTC()
	t.users[id] = *u
	return u.CreditBalance, nil
}

func (t *leaseTx) AppendLeaseTransaction(ctx context.Context, record *model.LeaseTransaction) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	t.transactions = append(t.transactions, *record)
	return nil
}

func (t *leaseTx) AppendEvent(ctx context.Context, event *model.LeaseEvent) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Status == "" {
		event.Status = model.OutboxStatusPending
	}
	t.events = append(t.events, *event)
	return nil
}

func cloneModel(m model.Model) model.Model {
	if m.ActivatedAt != nil {
		at := *m.ActivatedAt
		m.ActivatedAt = &at
	}
	return m
}

func sortModels(models []model.Model) {
	sort.Slice(models, func(i, j int) bool {
		return models[i].ID < models[j].ID
	})
}
