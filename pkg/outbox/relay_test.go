package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gpulease/gpulease/pkg/eventbus"
	"github.com/gpulease/gpulease/pkg/model"
)

type fakeRepo struct {
	mu        sync.Mutex
	pending   []model.LeaseEvent
	published []uuid.UUID
	failed    []uuid.UUID
}

func (f *fakeRepo) ListPending(ctx context.Context, limit int) ([]model.LeaseEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.LeaseEvent
	for _, e := range f.pending {
		if e.Status == model.OutboxStatusPending && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeRepo) mark(id uuid.UUID, status string) {
	for i := range f.pending {
		if f.pending[i].EventID == id {
			f.pending[i].Status = status
		}
	}
}

func (f *fakeRepo) MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, eventID)
	f.mark(eventID, model.OutboxStatusPublished)
	return nil
}

func (f *fakeRepo) MarkFailed(ctx context.Context, eventID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, eventID)
	f.mark(eventID, model.OutboxStatusFailed)
	return nil
}

type sent struct {
	key     string
	value   []byte
	headers map[string]string
}

type fakeProducer struct {
	eventErr error
	dlqErr   error
	events   []sent
	dlq      []sent
}

func record(key, value []byte, headers []kafka.Header) sent {
	h := make(map[string]string, len(headers))
	for _, header := range headers {
		h[header.Key] = string(header.Value)
	}
	return sent{key: string(key), value: value, headers: h}
}

func (f *fakeProducer) PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	if f.eventErr != nil {
		return f.eventErr
	}
	f.events = append(f.events, record(key, value, headers))
	return nil
}

func (f *fakeProducer) PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	if f.dlqErr != nil {
		return f.dlqErr
	}
	f.dlq = append(f.dlq, record(key, value, headers))
	return nil
}

func pendingEvent(eventType, modelID string) model.LeaseEvent {
	return model.LeaseEvent{
		EventID:   uuid.New(),
		EventType: eventType,
		Status:    model.OutboxStatusPending,
		CreatedAt: time.Now().UTC(),
		Payload:   model.JSONB{"model_id": modelID},
	}
}

func TestRelayPublishesPending(t *testing.T) {
	committed := pendingEvent(model.EventLeaseCommitted, "acme/llama")
	evicted := pendingEvent(model.EventModelEvicted, "acme/old")
	repo := &fakeRepo{pending: []model.LeaseEvent{committed, evicted}}
	producer := &fakeProducer{}

	NewRelay(repo, producer, zap.NewNop(), time.Second, 10).ProcessPending(context.Background())

	require.Len(t, producer.events, 2)
	assert.Equal(t, "acme/llama", producer.events[0].key)
	assert.Equal(t, committed.EventID.String(), producer.events[0].headers[eventbus.HeaderEventID])
	assert.Equal(t, model.EventModelEvicted, producer.events[1].headers[eventbus.HeaderEventType])

	var msg Message
	require.NoError(t, json.Unmarshal(producer.events[0].value, &msg))
	assert.Equal(t, model.EventLeaseCommitted, msg.EventType)
	assert.Equal(t, "acme/llama", msg.Payload["model_id"])

	assert.Equal(t, []uuid.UUID{committed.EventID, evicted.EventID}, repo.published)
	assert.Empty(t, repo.failed)
}

func TestRelaySendsFailuresToDLQ(t *testing.T) {
	event := pendingEvent(model.EventLeaseCommitted, "acme/llama")
	repo := &fakeRepo{pending: []model.LeaseEvent{event}}
	producer := &fakeProducer{eventErr: errors.New("broker unavailable")}

	NewRelay(repo, producer, zap.NewNop(), time.Second, 10).ProcessPending(context.Background())

	require.Len(t, producer.dlq, 1)
	assert.Equal(t, "broker unavailable", producer.dlq[0].headers[eventbus.HeaderDLQError])

	var dlq DLQMessage
	require.NoError(t, json.Unmarshal(producer.dlq[0].value, &dlq))
	assert.Equal(t, event.EventID.String(), dlq.Event.EventID)
	assert.Equal(t, []uuid.UUID{event.EventID}, repo.failed)
	assert.Empty(t, repo.published)
}

func TestRelayKeepsEventPendingWhenDLQFails(t *testing.T) {
	event := pendingEvent(model.EventLeaseCommitted, "acme/llama")
	repo := &fakeRepo{pending: []model.LeaseEvent{event}}
	producer := &fakeProducer{eventErr: errors.New("broker unavailable"), dlqErr: errors.New("dlq unavailable")}
	relay := NewRelay(repo, producer, zap.NewNop(), time.Second, 10)

	relay.ProcessPending(context.Background())
	assert.Empty(t, repo.failed)
	assert.Empty(t, repo.published)

	producer.eventErr = nil
	producer.dlqErr = nil
	relay.ProcessPending(context.Background())
	assert.Equal(t, []uuid.UUID{event.EventID}, repo.published)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	repo := &fakeRepo{pending: []model.LeaseEvent{pendingEvent(model.EventLeaseCommitted, "acme/llama")}}
	producer := &fakeProducer{}
	relay := NewRelay(repo, producer, zap.NewNop(), 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.published) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
