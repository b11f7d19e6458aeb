package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"challenge-ingest/config/ingest"
	"challenge-ingest/internal/broker"
	"challenge-ingest/pkg/models"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIngestConfig() ingest.Config {
	cfg := ingest.Default()
	cfg.ConsumerConcurrency = 1
	cfg.PrefetchCount = 2
	return cfg
}

func record(partition int, offset int64) kafka.Message {
	return kafka.Message{
		Topic:     "challenges",
		Partition: partition,
		Offset:    offset,
		Key:       []byte("challenge.upsert"),
		Value:     []byte(`{"external_id":"c1","name":"n"}`),
		Headers: []kafka.Header{
			{Key: models.HeaderMessageID, Value: []byte("m-1")},
			{Key: models.HeaderRetryCount, Value: []byte("2")},
		},
	}
}

func newTestSubscriber(t *testing.T, cfg ingest.Config, reader *MockReader, writer *MockWriter) *Subscriber {
	t.Helper()
	var requeuer *Producer
	if writer != nil {
		requeuer = NewProducer(ProducerConfig{Writer: writer, MaxRetries: 1, BaseBackoff: time.Millisecond})
	}
	return NewSubscriber(cfg, ConsumerConfig{
		NewReader: func(kafka.ReaderConfig) MessageReader { return reader },
	}, requeuer)
}

func receive(t *testing.T, ch <-chan *broker.Delivery) *broker.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		require.NotNil(t, d)
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func TestSubscriber_MapsRecordToDelivery(t *testing.T) {
	reader := NewMockReader(record(0, 7))
	sub := newTestSubscriber(t, testIngestConfig(), reader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sub.Subscribe(ctx)
	require.NoError(t, err)

	d := receive(t, ch)
	assert.Equal(t, "m-1", d.ID)
	assert.Equal(t, "challenges", d.Exchange)
	assert.Equal(t, "challenge.upsert", d.RoutingKey)
	assert.Equal(t, 2, d.RetryAttempt())

	require.NoError(t, d.Ack(ctx))
	commits := reader.Commits()
	require.Len(t, commits, 1)
	assert.Equal(t, int64(7), commits[0].Offset)
}

func TestSubscriber_CommitsOnlyContiguousOffsets(t *testing.T) {
	reader := NewMockReader(record(0, 1), record(0, 2))
	sub := newTestSubscriber(t, testIngestConfig(), reader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sub.Subscribe(ctx)
	require.NoError(t, err)

	first := receive(t, ch)
	second := receive(t, ch)

	require.NoError(t, second.Ack(ctx))
	assert.Empty(t, reader.Commits())

	require.NoError(t, first.Ack(ctx))
	commits := reader.Commits()
	require.Len(t, commits, 1)
	assert.Equal(t, int64(2), commits[0].Offset)
}

func TestSubscriber_PrefetchLimitsUnsettled(t *testing.T) {
	cfg := testIngestConfig()
	cfg.PrefetchCount = 1
	reader := NewMockReader(record(0, 1), record(0, 2))
	sub := newTestSubscriber(t, cfg, reader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sub.Subscribe(ctx)
	require.NoError(t, err)

	first := receive(t, ch)
	select {
	case <-ch:
		t.Fatal("second record delivered before the first was settled")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Ack(ctx))
	second := receive(t, ch)
	assert.Equal(t, "m-1", second.ID)
}

func TestSubscriber_RequeueReproducesRecord(t *testing.T) {
	reader := NewMockReader(record(0, 3))
	writer := &MockWriter{}
	sub := newTestSubscriber(t, testIngestConfig(), reader, writer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sub.Subscribe(ctx)
	require.NoError(t, err)

	d := receive(t, ch)
	require.NoError(t, d.Requeue(ctx))

	written := writer.Messages()
	require.Len(t, written, 1)
	assert.Equal(t, "challenges", written[0].Topic)
	assert.Equal(t, []byte("challenge.upsert"), written[0].Key)
	assert.Len(t, written[0].Headers, 2)
	require.Len(t, reader.Commits(), 1)
}

func TestSubscriber_FailedRequeueLeavesOffsetUncommitted(t *testing.T) {
	reader := NewMockReader(record(0, 3))
	writer := &MockWriter{FailCount: 10}
	sub := newTestSubscriber(t, testIngestConfig(), reader, writer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sub.Subscribe(ctx)
	require.NoError(t, err)

	d := receive(t, ch)
	assert.Error(t, d.Requeue(ctx))
	assert.Empty(t, reader.Commits())
	assert.Equal(t, 1, sub.uncommitted())
}

func TestSubscriber_UncommittedTracksSettlement(t *testing.T) {
	reader := NewMockReader(record(0, 1), record(0, 2))
	sub := newTestSubscriber(t, testIngestConfig(), reader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sub.Subscribe(ctx)
	require.NoError(t, err)

	first := receive(t, ch)
	second := receive(t, ch)
	assert.Equal(t, 2, sub.uncommitted())

	require.NoError(t, second.Ack(ctx))
	assert.Equal(t, 2, sub.uncommitted())
	require.NoError(t, first.Ack(ctx))
	assert.Equal(t, 0, sub.uncommitted())

	cancel()
	for range ch {
	}
	assert.NoError(t, sub.Close())
}

func TestSubscriber_CancelClosesChannel(t *testing.T) {
	reader := NewMockReader()
	sub := newTestSubscriber(t, testIngestConfig(), reader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := sub.Subscribe(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription did not close")
	}
	assert.NoError(t, sub.Err())
	assert.NoError(t, sub.Close())
}

func TestSubscriber_FetchErrorSurfaces(t *testing.T) {
	reader := NewMockReader()
	reader.FetchErr = errors.New("group coordinator not available")
	sub := newTestSubscriber(t, testIngestConfig(), reader, nil)

	ch, err := sub.Subscribe(context.Background())
	require.NoError(t, err)

	for range ch {
	}
	require.Error(t, sub.Err())
	assert.Contains(t, sub.Err().Error(), "group coordinator not available")
}

func TestSubscriber_ReaderConfig(t *testing.T) {
	cfg := testIngestConfig()
	sub := NewSubscriber(cfg, ConsumerConfig{Brokers: []string{"localhost:9092"}}, nil)

	assert.Equal(t, cfg.Exchange, sub.readerCfg.Topic)
	assert.Equal(t, cfg.Queue, sub.readerCfg.GroupID)
	assert.Equal(t, time.Duration(0), sub.readerCfg.CommitInterval)
	assert.Nil(t, sub.requeuer)
}
