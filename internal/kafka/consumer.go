package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"challenge-ingest/config/ingest"
	"challenge-ingest/internal/broker"
	"challenge-ingest/internal/observability"
	"challenge-ingest/pkg/models"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// MessageReader is the part of *kafka.Reader the subscriber uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers       []string
	FetchMinBytes int
	FetchMaxBytes int
	// NewReader overrides reader construction, mainly for tests.
	NewReader func(kafka.ReaderConfig) MessageReader
}

// Subscriber consumes the inbound topic with ConsumerConcurrency readers in
// one group. At most PrefetchCount records are unsettled at any time.
type Subscriber struct {
	cfg       ingest.Config
	requeuer  recordWriter
	logger    *logrus.Entry
	readers   []MessageReader
	newReader func(kafka.ReaderConfig) MessageReader
	readerCfg kafka.ReaderConfig
	inflight  chan struct{}

	mu       sync.Mutex
	err      error
	trackers []*offsetTracker
}

// recordWriter re-produces a fetched record unchanged.
type recordWriter interface {
	write(ctx context.Context, msg kafka.Message) error
}

func NewSubscriber(cfg ingest.Config, consumer ConsumerConfig, requeuer *Producer) *Subscriber {
	newReader := consumer.NewReader
	if newReader == nil {
		newReader = func(rc kafka.ReaderConfig) MessageReader { return kafka.NewReader(rc) }
	}
	if consumer.FetchMinBytes == 0 {
		consumer.FetchMinBytes = 1
	}
	if consumer.FetchMaxBytes == 0 {
		consumer.FetchMaxBytes = 10e6
	}

	s := &Subscriber{
		cfg:       cfg,
		logger:    observability.Component("kafka-subscriber").WithField("topic", cfg.Exchange),
		newReader: newReader,
		readerCfg: kafka.ReaderConfig{
			Brokers:        consumer.Brokers,
			Topic:          cfg.Exchange,
			GroupID:        cfg.Queue,
			MinBytes:       consumer.FetchMinBytes,
			MaxBytes:       consumer.FetchMaxBytes,
			CommitInterval: 0, // Manual commits
			StartOffset:    kafka.FirstOffset,
		},
		inflight: make(chan struct{}, cfg.PrefetchCount),
	}
	if requeuer != nil {
		s.requeuer = requeuer
	}
	return s
}

func (s *Subscriber) Subscribe(ctx context.Context) (<-chan *broker.Delivery, error) {
	if len(s.readers) > 0 {
		return nil, errors.New("already subscribed")
	}

	out := make(chan *broker.Delivery)
	var wg sync.WaitGroup

	for i := 0; i < s.cfg.ConsumerConcurrency; i++ {
		reader := s.newReader(s.readerCfg)
		s.readers = append(s.readers, reader)

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.fetch(ctx, id, reader, out)
		}(i)
	}

	go func() {
		wg.Wait()
		close(out)
		s.logger.Info("Subscription closed")
	}()

	s.logger.WithFields(logrus.Fields{
		"group":    s.cfg.Queue,
		"readers":  s.cfg.ConsumerConcurrency,
		"prefetch": s.cfg.PrefetchCount,
	}).Info("Starting consumer")
	return out, nil
}

// fetch reads records from one group member and hands them on, waiting for
// a free prefetch slot before each fetch.
func (s *Subscriber) fetch(ctx context.Context, id int, reader MessageReader, out chan<- *broker.Delivery) {
	logger := s.logger.WithField("reader_id", id)
	tracker := newOffsetTracker()
	s.mu.Lock()
	s.trackers = append(s.trackers, tracker)
	s.mu.Unlock()

	for {
		select {
		case s.inflight <- struct{}{}:
		case <-ctx.Done():
			logger.Info("Fetcher stopping due to context cancellation")
			return
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			<-s.inflight
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				logger.Info("Fetcher stopped")
				return
			}
			s.setErr(fmt.Errorf("fetch from %s: %w", s.cfg.Exchange, err))
			return
		}

		tracker.track(msg.Partition, msg.Offset)
		st := &settler{
			msg:      msg,
			reader:   reader,
			tracker:  tracker,
			requeuer: s.requeuer,
			release:  func() { <-s.inflight },
			logger:   logger,
		}
		out <- broker.NewDelivery(toMessage(msg), st)
	}
}

func (s *Subscriber) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
		s.logger.WithError(err).Error("Failed to fetch message")
	}
}

func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// uncommitted counts fetched records whose offsets are not yet committable.
func (s *Subscriber) uncommitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.trackers {
		n += t.outstanding()
	}
	return n
}

// Close closes the readers. Call it only after every delivery is settled so
// that final commits can still reach the group coordinator.
func (s *Subscriber) Close() error {
	if n := s.uncommitted(); n > 0 {
		s.logger.WithField("uncommitted", n).Warn("Closing with uncommitted offsets, they will be redelivered")
	}

	var errs []error
	for _, r := range s.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
		}
	}
	s.readers = nil
	return errors.Join(errs...)
}

type settler struct {
	msg      kafka.Message
	reader   MessageReader
	tracker  *offsetTracker
	requeuer recordWriter
	release  func()
	logger   *logrus.Entry
}

func (s *settler) Ack(ctx context.Context) error {
	defer s.release()
	return s.commit(ctx)
}

// Requeue appends the record to the end of its own topic. If that fails the
// offset is left uncommitted so the group redelivers it after a restart or
// rebalance.
func (s *settler) Requeue(ctx context.Context) error {
	defer s.release()
	if s.requeuer == nil {
		return errors.New("requeue not supported without a producer")
	}

	record := kafka.Message{
		Topic:   s.msg.Topic,
		Key:     s.msg.Key,
		Value:   s.msg.Value,
		Headers: s.msg.Headers,
	}
	if err := s.requeuer.write(ctx, record); err != nil {
		return fmt.Errorf("requeue offset %d: %w", s.msg.Offset, err)
	}
	return s.commit(ctx)
}

func (s *settler) commit(ctx context.Context) error {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()

	offset, ok := s.tracker.settleLocked(s.msg.Partition, s.msg.Offset)
	if !ok {
		return nil
	}
	commit := kafka.Message{Topic: s.msg.Topic, Partition: s.msg.Partition, Offset: offset}
	if err := s.reader.CommitMessages(ctx, commit); err != nil {
		s.logger.WithFields(logrus.Fields{
			"partition": s.msg.Partition,
			"offset":    offset,
		}).WithError(err).Error("Failed to commit message")
		return fmt.Errorf("commit offset %d: %w", offset, err)
	}
	return nil
}

func toMessage(msg kafka.Message) models.Message {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return models.Message{
		ID:         headers[models.HeaderMessageID],
		Exchange:   msg.Topic,
		RoutingKey: string(msg.Key),
		Body:       msg.Value,
		Headers:    headers,
		Timestamp:  msg.Time,
	}
}
