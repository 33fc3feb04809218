package lease

import (
	"time"

	"github.com/gpulease/gpulease/pkg/eventbus"
	"github.com/gpulease/gpulease/pkg/model"
)

const (
	reasonLeased  = "leased"
	reasonEvicted = "evicted"
)

// outboxEvents returns the rows written next to a committed lease: one
// lease_committed and one model_evicted per victim.
func outboxEvents(r *Receipt) []*model.LeaseEvent {
	events := make([]*model.LeaseEvent, 0, len(r.Evicted)+1)
	events = append(events, &model.LeaseEvent{
		EventType: model.EventLeaseCommitted,
		Status:    model.OutboxStatusPending,
		CreatedAt: r.ActivatedAt,
		Payload: model.JSONB{
			"transaction_id": r.TransactionID,
			"account_id":     r.AccountID,
			"model_id":       r.ModelID,
			"amount_debited": r.AmountDebited,
			"evicted":        r.Evicted,
			"activated_at":   r.ActivatedAt.Format(time.RFC3339Nano),
		},
	})
	for _, id := range r.Evicted {
		events = append(events, &model.LeaseEvent{
			EventType: model.EventModelEvicted,
			Status:    model.OutboxStatusPending,
			CreatedAt: r.ActivatedAt,
			Payload: model.JSONB{
				"transaction_id": r.TransactionID,
				"model_id":       id,
				"evicted_for":    r.ModelID,
				"evicted_at":     r.ActivatedAt.Format(time.RFC3339Nano),
			},
		})
	}
	return events
}

func busLeaseEvent(r *Receipt) (eventbus.Event, error) {
	return eventbus.NewEvent(model.EventLeaseCommitted, eventbus.LeaseEvent{
		TransactionID: r.TransactionID,
		AccountID:     r.AccountID,
		ModelID:       r.ModelID,
		AmountDebited: r.AmountDebited,
		Evicted:       r.Evicted,
		ActivatedAt:   r.ActivatedAt,
	})
}

// busModelEvents announces every model whose active state the lease changed.
func busModelEvents(r *Receipt) ([]eventbus.Event, error) {
	changes := make([]eventbus.ModelEvent, 0, len(r.Evicted)+1)
	for _, id := range r.Evicted {
		changes = append(changes, eventbus.ModelEvent{ModelID: id, Active: false, Reason: reasonEvicted})
	}
	changes = append(changes, eventbus.ModelEvent{ModelID: r.ModelID, Active: true, Reason: reasonLeased})

	events := make([]eventbus.Event, 0, len(changes))
	for _, change := range changes {
		event, err := eventbus.NewEvent(eventbus.TypeModelStateChanged, change)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}
