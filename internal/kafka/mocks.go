package kafka

import (
	"context"
	"fmt"
	"io"
	"sync"

	kafka "github.com/segmentio/kafka-go"
)

// MockWriter is a mock implementation of MessageWriter for testing
type MockWriter struct {
	mu             sync.Mutex
	Written        []kafka.Message
	FailCount      int
	failureCounter int
	closed         bool
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCount > 0 {
		m.failureCounter++
		if m.failureCounter <= m.FailCount {
			return fmt.Errorf("simulated write failure %d", m.failureCounter)
		}
	}
	m.Written = append(m.Written, msgs...)
	return nil
}

func (m *MockWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockWriter) Messages() []kafka.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]kafka.Message(nil), m.Written...)
}

// MockReader serves queued records and records commits. FetchMessage blocks
// once the queue is empty until ctx is done or the reader is closed.
type MockReader struct {
	mu        sync.Mutex
	records   chan kafka.Message
	Committed []kafka.Message
	FetchErr  error
	done      chan struct{}
	closeOnce sync.Once
}

func NewMockReader(records ...kafka.Message) *MockReader {
	r := &MockReader{
		records: make(chan kafka.Message, len(records)+16),
		done:    make(chan struct{}),
	}
	for _, rec := range records {
		r.records <- rec
	}
	return r
}

func (r *MockReader) Push(msg kafka.Message) {
	r.records <- msg
}

func (r *MockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.FetchErr != nil {
		return kafka.Message{}, r.FetchErr
	}
	select {
	case msg := <-r.records:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case <-r.done:
		return kafka.Message{}, io.EOF
	}
}

func (r *MockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Committed = append(r.Committed, msgs...)
	return nil
}

func (r *MockReader) Commits() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.Committed...)
}

func (r *MockReader) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}
