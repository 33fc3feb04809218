package eventbus

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	messages []kafka.Message
	closed   bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaProducerRoutesTopics(t *testing.T) {
	writer := &recordingWriter{}
	producer := NewKafkaProducerWithWriter(writer, "lease.events", "lease.events.dlq")
	ctx := context.Background()

	header := kafka.Header{Key: HeaderEventID, Value: []byte("evt-1")}
	require.NoError(t, producer.PublishEvent(ctx, []byte("k"), []byte("v"), header))
	require.NoError(t, producer.PublishDLQ(ctx, []byte("k"), []byte("v")))

	require.Len(t, writer.messages, 2)
	assert.Equal(t, "lease.events", writer.messages[0].Topic)
	assert.Equal(t, []kafka.Header{header}, writer.messages[0].Headers)
	assert.Equal(t, "lease.events.dlq", writer.messages[1].Topic)

	require.NoError(t, producer.Close())
	assert.True(t, writer.closed)
}

func TestKafkaProducerRequiresTopics(t *testing.T) {
	producer := NewKafkaProducerWithWriter(&recordingWriter{}, "", "")
	ctx := context.Background()

	assert.Error(t, producer.PublishEvent(ctx, nil, nil))
	assert.Error(t, producer.PublishDLQ(ctx, nil, nil))
}
