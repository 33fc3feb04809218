package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// LeaseEvent announces a committed lease and the models it evicted.
type LeaseEvent struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	ModelID       string    `json:"model_id"`
	AmountDebited int64     `json:"amount_debited"`
	Evicted       []string  `json:"evicted,omitempty"`
	ActivatedAt   time.Time `json:"activated_at"`
}

// ModelEvent reports a change in a model's active state.
type ModelEvent struct {
	ModelID string `json:"model_id"`
	Active  bool   `json:"active"`
	Reason  string `json:"reason,omitempty"`
}

const (
	ChannelLease = "gl:events:lease"
	ChannelModel = "gl:events:model"
)

const TypeModelStateChanged = "model_state_changed"

type Bus struct {
	client redis.UniversalClient
}

func NewBus(client redis.UniversalClient) *Bus {
	return &Bus{client: client}
}

func NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe delivers events from channels until ctx is done. The returned
// channel is closed once the subscription ends.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) <-chan *Event {
	sub := b.client.Subscribe(ctx, channels...)
	ch := make(chan *Event, 100)

	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case ch <- &event:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return ch
}
