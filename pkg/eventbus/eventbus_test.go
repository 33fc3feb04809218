package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	event, err := NewEvent("lease_committed", LeaseEvent{ModelID: "acme/llama", Evicted: []string{"acme/old"}})
	require.NoError(t, err)
	assert.Equal(t, "lease_committed", event.Type)
	assert.NotZero(t, event.Timestamp)

	var payload LeaseEvent
	require.NoError(t, json.Unmarshal(event.Data, &payload))
	assert.Equal(t, "acme/llama", payload.ModelID)
	assert.Equal(t, []string{"acme/old"}, payload.Evicted)
}

func TestPublishSubscribe(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := NewBus(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := bus.Subscribe(ctx, ChannelModel)

	event, err := NewEvent("model_evicted", ModelEvent{ModelID: "acme/old", Active: false, Reason: "evicted"})
	require.NoError(t, err)

	// The subscription is established asynchronously; publish until it is seen.
	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case got := <-events:
			require.NotNil(t, got)
			assert.Equal(t, "model_evicted", got.Type)
			var payload ModelEvent
			require.NoError(t, json.Unmarshal(got.Data, &payload))
			assert.Equal(t, "acme/old", payload.ModelID)
			assert.False(t, payload.Active)
			return
		case <-ticker.C:
			require.NoError(t, bus.Publish(ctx, ChannelModel, event))
		case <-deadline:
			t.Fatal("event not delivered")
		}
	}
}
