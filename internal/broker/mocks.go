package broker

import (
	"context"
	"fmt"
	"sync"

	"challenge-ingest/pkg/models"
)

// MockPublisher is a mock implementation of Publisher for testing
type MockPublisher struct {
	mu                sync.RWMutex
	PublishedMessages []PublishedMessage
	PublishFunc       func(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error
	CloseFunc         func() error
	FailCount         int
	failureCounter    int
}

type PublishedMessage struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		PublishedMessages: make([]PublishedMessage, 0),
	}
}

func (m *MockPublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, exchange, routingKey, body, headers); err != nil {
			return err
		}
	}

	// Simulate failures for testing requeue logic
	if m.FailCount > 0 {
		m.failureCounter++
		if m.failureCounter <= m.FailCount {
			return fmt.Errorf("simulated publish failure %d", m.failureCounter)
		}
	}

	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	m.PublishedMessages = append(m.PublishedMessages, PublishedMessage{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Body:       append([]byte(nil), body...),
		Headers:    copied,
	})

	return nil
}

func (m *MockPublisher) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockPublisher) GetPublishedMessages() []PublishedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]PublishedMessage, len(m.PublishedMessages))
	copy(messages, m.PublishedMessages)
	return messages
}

func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishedMessages = make([]PublishedMessage, 0)
	m.failureCounter = 0
}

// MockSettler records how a delivery was settled.
type MockSettler struct {
	mu       sync.Mutex
	Acks     int
	Requeues int
	AckErr   error
	OnSettle func()
}

func (s *MockSettler) Ack(ctx context.Context) error {
	s.mu.Lock()
	s.Acks++
	cb := s.OnSettle
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
	return s.AckErr
}

func (s *MockSettler) Requeue(ctx context.Context) error {
	s.mu.Lock()
	s.Requeues++
	cb := s.OnSettle
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (s *MockSettler) Counts() (acks, requeues int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Acks, s.Requeues
}

// NewMockDelivery builds a delivery settled by a fresh MockSettler.
func NewMockDelivery(msg models.Message) (*Delivery, *MockSettler) {
	settler := &MockSettler{}
	return NewDelivery(msg, settler), settler
}

// ChannelSubscriber is a Subscriber fed by a caller-owned channel. Close or
// cancelling the Subscribe context ends the subscription.
type ChannelSubscriber struct {
	Deliveries   chan *Delivery
	SubscribeErr error
	Failure      error
	closed       sync.Once
}

func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	return &ChannelSubscriber{Deliveries: make(chan *Delivery, buffer)}
}

func (s *ChannelSubscriber) Subscribe(ctx context.Context) (<-chan *Delivery, error) {
	if s.SubscribeErr != nil {
		return nil, s.SubscribeErr
	}
	context.AfterFunc(ctx, func() { _ = s.Close() })
	return s.Deliveries, nil
}

func (s *ChannelSubscriber) Err() error {
	return s.Failure
}

// Close ends the subscription.
func (s *ChannelSubscriber) Close() error {
	s.closed.Do(func() { close(s.Deliveries) })
	return nil
}
