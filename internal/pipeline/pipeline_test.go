package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"challenge-ingest/config/ingest"
	"challenge-ingest/internal/broker"
	"challenge-ingest/internal/challenge"
	"challenge-ingest/internal/observability"
	"challenge-ingest/internal/store"
	"challenge-ingest/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback feeds republished messages on the inbound exchange back into the
// subscription and closes it once every delivery has been settled.
type loopback struct {
	cfg       ingest.Config
	sub       *broker.ChannelSubscriber
	pub       *broker.MockPublisher
	pending   sync.WaitGroup
	mu        sync.Mutex
	settlers  []*broker.MockSettler
	seq       atomic.Int64
	redeliver bool
}

func newLoopback(cfg ingest.Config) *loopback {
	l := &loopback{
		cfg:       cfg,
		sub:       broker.NewChannelSubscriber(1024),
		pub:       broker.NewMockPublisher(),
		redeliver: true,
	}
	l.pub.PublishFunc = func(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error {
		if l.redeliver && exchange == cfg.Exchange {
			copied := make(map[string]string, len(headers))
			for k, v := range headers {
				copied[k] = v
			}
			l.deliver(models.Message{Exchange: exchange, RoutingKey: routingKey, Body: body, Headers: copied})
		}
		return nil
	}
	return l
}

func (l *loopback) deliver(msg models.Message) {
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%d", l.seq.Add(1))
	}
	if msg.Exchange == "" {
		msg.Exchange = l.cfg.Exchange
		msg.RoutingKey = l.cfg.RoutingKey
	}
	l.pending.Add(1)
	settler := &broker.MockSettler{OnSettle: l.pending.Done}
	l.mu.Lock()
	l.settlers = append(l.settlers, settler)
	l.mu.Unlock()
	l.sub.Deliveries <- broker.NewDelivery(msg, settler)
}

func (l *loopback) closeWhenSettled() {
	go func() {
		l.pending.Wait()
		_ = l.sub.Close()
	}()
}

func (l *loopback) settleCounts() (acks, requeues int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.settlers {
		a, r := s.Counts()
		acks += a
		requeues += r
	}
	return acks, requeues
}

func (l *loopback) publishedTo(exchange string) []broker.PublishedMessage {
	var out []broker.PublishedMessage
	for _, m := range l.pub.GetPublishedMessages() {
		if m.Exchange == exchange {
			out = append(out, m)
		}
	}
	return out
}

func runPipeline(t *testing.T, cfg ingest.Config, l *loopback, s challenge.Store, metrics observability.MetricsCollector) {
	t.Helper()

	p, err := New(cfg, Dependencies{Subscriber: l.sub, Publisher: l.pub, Store: s, Metrics: metrics})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain")
	}
}

// flakyStore fails the first n upserts of every external id transiently.
type flakyStore struct {
	next     challenge.Store
	failures int
	mu       sync.Mutex
	attempts map[string]int
}

func (s *flakyStore) Upsert(ctx context.Context, cmd challenge.UpsertCommand) (challenge.Challenge, error) {
	s.mu.Lock()
	s.attempts[cmd.ExternalID]++
	n := s.attempts[cmd.ExternalID]
	s.mu.Unlock()
	if n <= s.failures {
		return challenge.Challenge{}, fmt.Errorf("attempt %d: %w", n, errStoreDown)
	}
	return s.next.Upsert(ctx, cmd)
}

func (s *flakyStore) attemptsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

func TestPipeline_ResubmissionConverges(t *testing.T) {
	cfg := testConfig()
	mem := store.NewMemory()

	for _, body := range []string{
		`{"external_id":"c1","name":"Checker"}`,
		`{"external_id":"c1","name":"Checker v2"}`,
	} {
		l := newLoopback(cfg)
		l.deliver(models.Message{Body: []byte(body)})
		l.closeWhenSettled()
		runPipeline(t, cfg, l, mem, nil)
	}

	got, ok := mem.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, "Checker v2", got.Name)
}

func TestPipeline_InvalidPayloadDeadLettered(t *testing.T) {
	cfg := testConfig()
	l := newLoopback(cfg)
	metrics := observability.NewInMemoryMetrics()

	l.deliver(models.Message{Body: []byte(`"not-json"`)})
	l.closeWhenSettled()
	runPipeline(t, cfg, l, store.NewMemory(), metrics)

	dead := l.publishedTo(cfg.DeadLetterExchange)
	require.Len(t, dead, 1)
	assert.Equal(t, "0", dead[0].Headers[models.HeaderRetryCount])
	assert.Equal(t, "invalid_payload", dead[0].Headers[models.HeaderFailureClass])
	assert.Equal(t, []byte(`"not-json"`), dead[0].Body)
	assert.Empty(t, l.publishedTo(cfg.Exchange))

	acks, requeues := l.settleCounts()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, requeues)
}

func TestPipeline_ValidationErrorDeadLetteredOnFirstAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 5
	l := newLoopback(cfg)

	l.deliver(models.Message{Body: []byte(`{"external_id":"c3","description":"no name"}`)})
	l.closeWhenSettled()
	runPipeline(t, cfg, l, store.NewMemory(), nil)

	dead := l.publishedTo(cfg.DeadLetterExchange)
	require.Len(t, dead, 1)
	assert.Equal(t, "0", dead[0].Headers[models.HeaderRetryCount])
	assert.Equal(t, "validation_error", dead[0].Headers[models.HeaderFailureClass])
	assert.Empty(t, l.publishedTo(cfg.Exchange))
}

func TestPipeline_TransientFailuresRetryUntilSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 5
	l := newLoopback(cfg)
	mem := store.NewMemory()
	s := &flakyStore{next: mem, failures: 3, attempts: map[string]int{}}
	metrics := observability.NewInMemoryMetrics()

	l.deliver(models.Message{Body: []byte(`{"external_id":"c4","name":"Eventually"}`)})
	l.closeWhenSettled()
	runPipeline(t, cfg, l, s, metrics)

	retries := l.publishedTo(cfg.Exchange)
	require.Len(t, retries, 3)
	for i, m := range retries {
		assert.Equal(t, fmt.Sprint(i+1), m.Headers[models.HeaderRetryCount])
		assert.Equal(t, cfg.RoutingKey, m.RoutingKey)
	}
	assert.Empty(t, l.publishedTo(cfg.DeadLetterExchange))

	got, ok := mem.Get("c4")
	require.True(t, ok)
	assert.Equal(t, "Eventually", got.Name)
	assert.Equal(t, int64(1), metrics.GetProcessed())
	assert.Equal(t, int64(3), metrics.GetRetried())

	acks, requeues := l.settleCounts()
	assert.Equal(t, 4, acks)
	assert.Equal(t, 0, requeues)
}

func TestPipeline_RetryExhaustionDeadLetters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	l := newLoopback(cfg)
	s := &flakyStore{next: store.NewMemory(), failures: 100, attempts: map[string]int{}}

	l.deliver(models.Message{Body: []byte(`{"external_id":"c5","name":"Never"}`)})
	l.closeWhenSettled()
	runPipeline(t, cfg, l, s, nil)

	assert.Len(t, l.publishedTo(cfg.Exchange), 2)
	dead := l.publishedTo(cfg.DeadLetterExchange)
	require.Len(t, dead, 1)
	assert.Equal(t, "2", dead[0].Headers[models.HeaderRetryCount])
}

func TestPipeline_NoMessageLoss(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.ProcessorConcurrency = 4
	cfg.BatcherConcurrency = 3
	l := newLoopback(cfg)
	s := &flakyStore{next: store.NewMemory(), failures: 1, attempts: map[string]int{}}
	metrics := observability.NewInMemoryMetrics()

	const n = 60
	for i := 0; i < n; i++ {
		var body string
		switch i % 3 {
		case 0:
			body = fmt.Sprintf(`{"external_id":"c%d","name":"ok"}`, i)
		case 1:
			body = `not-json`
		case 2:
			body = fmt.Sprintf(`{"external_id":"c%d"}`, i)
		}
		l.deliver(models.Message{Body: []byte(body)})
	}
	l.closeWhenSettled()
	runPipeline(t, cfg, l, s, metrics)

	// every logical message ends either persisted or dead-lettered
	assert.Equal(t, int64(n), metrics.GetProcessed()+metrics.GetSentToDLQ())
	assert.Equal(t, int64(n/3), metrics.GetProcessed())

	// every delivery, including republished copies, is settled exactly once
	acks, requeues := l.settleCounts()
	assert.Equal(t, int(metrics.GetReceived()), acks+requeues)
	assert.Equal(t, 0, requeues)
}

func TestPipeline_BatchIsolation(t *testing.T) {
	cfg := testConfig()
	cfg.ProcessorConcurrency = 1
	cfg.BatcherConcurrency = 1
	cfg.BatchSize = 2
	cfg.BatchTimeout = time.Second
	l := newLoopback(cfg)
	mem := store.NewMemory()

	var batches [][]challenge.UpsertCommand
	var mu sync.Mutex
	recording := &recordingBatchStore{Memory: mem, onBatch: func(cmds []challenge.UpsertCommand) {
		mu.Lock()
		batches = append(batches, cmds)
		mu.Unlock()
	}}

	l.deliver(models.Message{Body: []byte(`{"external_id":"good","name":"Fine"}`)})
	l.deliver(models.Message{Body: []byte(`{"external_id":"bad"}`)})
	l.closeWhenSettled()
	runPipeline(t, cfg, l, recording, nil)

	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)

	_, ok := mem.Get("good")
	assert.True(t, ok)
	dead := l.publishedTo(cfg.DeadLetterExchange)
	require.Len(t, dead, 1)
	assert.Contains(t, string(dead[0].Body), `"bad"`)

	acks, requeues := l.settleCounts()
	assert.Equal(t, 2, acks)
	assert.Equal(t, 0, requeues)
}

func TestPipeline_PublishFailureRequeues(t *testing.T) {
	cfg := testConfig()
	l := newLoopback(cfg)
	l.redeliver = false
	l.pub.FailCount = 100
	metrics := observability.NewInMemoryMetrics()
	s := &flakyStore{next: store.NewMemory(), failures: 100, attempts: map[string]int{}}

	l.deliver(models.Message{Body: []byte(`{"external_id":"c6","name":"x"}`)})
	l.closeWhenSettled()
	runPipeline(t, cfg, l, s, metrics)

	acks, requeues := l.settleCounts()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, requeues)
	assert.Equal(t, int64(1), metrics.GetRequeued())
}

type panickingStore struct{}

func (panickingStore) Upsert(context.Context, challenge.UpsertCommand) (challenge.Challenge, error) {
	panic("boom")
}

func TestPipeline_PanicRequeues(t *testing.T) {
	cfg := testConfig()
	l := newLoopback(cfg)

	l.deliver(models.Message{Body: []byte(`{"external_id":"c7","name":"x"}`)})
	l.deliver(models.Message{Body: []byte(`{"external_id":"c8","name":"y"}`)})
	l.closeWhenSettled()
	runPipeline(t, cfg, l, panickingStore{}, nil)

	acks, requeues := l.settleCounts()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 2, requeues)
}

func TestPipeline_SubscribeError(t *testing.T) {
	sub := broker.NewChannelSubscriber(0)
	sub.SubscribeErr = errors.New("channel closed")

	p, err := New(testConfig(), Dependencies{Subscriber: sub, Publisher: broker.NewMockPublisher(), Store: store.NewMemory()})
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to subscribe")
}

func TestPipeline_SubscriptionFailureSurfaces(t *testing.T) {
	sub := broker.NewChannelSubscriber(0)
	sub.Failure = errors.New("connection reset")
	_ = sub.Close()

	p, err := New(testConfig(), Dependencies{Subscriber: sub, Publisher: broker.NewMockPublisher(), Store: store.NewMemory()})
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(testConfig(), Dependencies{})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.BatchSize = 0
	_, err = New(cfg, Dependencies{Subscriber: broker.NewChannelSubscriber(0), Publisher: broker.NewMockPublisher(), Store: store.NewMemory()})
	assert.Error(t, err)
}

type recordingBatchStore struct {
	*store.Memory
	onBatch func(cmds []challenge.UpsertCommand)
}

func (s *recordingBatchStore) UpsertBatch(ctx context.Context, cmds []challenge.UpsertCommand) []challenge.BatchResult {
	s.onBatch(cmds)
	results := make([]challenge.BatchResult, len(cmds))
	for i, cmd := range cmds {
		results[i].Challenge, results[i].Err = s.Upsert(ctx, cmd)
	}
	return results
}

func TestPipeline_RetryDelaysRunConcurrently(t *testing.T) {
	cfg := testConfig()
	cfg.ProcessorConcurrency = 1
	cfg.BatcherConcurrency = 1
	cfg.BatchSize = 8
	cfg.BatchTimeout = time.Second
	l := newLoopback(cfg)
	l.redeliver = false
	s := &flakyStore{next: store.NewMemory(), failures: 100, attempts: map[string]int{}}

	for i := 0; i < 8; i++ {
		l.deliver(models.Message{Body: []byte(fmt.Sprintf(`{"external_id":"d%d","name":"x"}`, i))})
	}
	l.closeWhenSettled()

	p, err := New(cfg, Dependencies{
		Subscriber: l.sub,
		Publisher:  l.pub,
		Store:      s,
		RetryDelay: fixedDelay(200 * time.Millisecond),
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Run(context.Background()))
	elapsed := time.Since(start)

	// eight serial waits would take 1.6s
	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Len(t, l.publishedTo(cfg.Exchange), 8)

	acks, requeues := l.settleCounts()
	assert.Equal(t, 8, acks)
	assert.Equal(t, 0, requeues)
}

func TestPipeline_CancelRequeuesDelayedRetries(t *testing.T) {
	cfg := testConfig()
	l := newLoopback(cfg)
	l.redeliver = false
	s := &flakyStore{next: store.NewMemory(), failures: 100, attempts: map[string]int{}}

	p, err := New(cfg, Dependencies{
		Subscriber: l.sub,
		Publisher:  l.pub,
		Store:      s,
		RetryDelay: fixedDelay(2 * time.Second),
	})
	require.NoError(t, err)

	l.deliver(models.Message{Body: []byte(`{"external_id":"slow","name":"x"}`)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return s.attemptsFor("slow") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run waited out the retry delay after cancel")
	}

	acks, requeues := l.settleCounts()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, requeues)
	assert.Empty(t, l.publishedTo(cfg.Exchange))
}
