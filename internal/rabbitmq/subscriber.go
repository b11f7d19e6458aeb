package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"challenge-ingest/config/ingest"
	"challenge-ingest/internal/broker"
	"challenge-ingest/internal/observability"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Subscriber consumes the inbound queue on ConsumerConcurrency channels,
// each limited to PrefetchCount unacknowledged deliveries.
type Subscriber struct {
	client *Client
	cfg    ingest.Config
	logger *logrus.Entry

	mu       sync.Mutex
	channels []*amqp.Channel
	err      error
}

func NewSubscriber(client *Client, cfg ingest.Config) *Subscriber {
	return &Subscriber{
		client: client,
		cfg:    cfg,
		logger: observability.Component("rabbitmq-subscriber").WithField("queue", cfg.Queue),
	}
}

// consumerChannel is the part of *amqp.Channel a forwarder uses.
type consumerChannel interface {
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Cancel(consumer string, noWait bool) error
}

type consumer struct {
	ch         consumerChannel
	tag        string
	deliveries <-chan amqp.Delivery
}

func (s *Subscriber) Subscribe(ctx context.Context) (<-chan *broker.Delivery, error) {
	return s.start(ctx, s.consume)
}

// start opens every consumer before forwarding from any of them, so a
// failure part way leaves no forwarder behind.
func (s *Subscriber) start(ctx context.Context, open func(i int) (consumer, error)) (<-chan *broker.Delivery, error) {
	consumers := make([]consumer, 0, s.cfg.ConsumerConcurrency)
	for i := 0; i < s.cfg.ConsumerConcurrency; i++ {
		c, err := open(i)
		if err != nil {
			if closeErr := s.Close(); closeErr != nil {
				s.logger.WithError(closeErr).Warn("Failed to close consumer channels")
			}
			return nil, err
		}
		consumers = append(consumers, c)
	}

	out := make(chan *broker.Delivery)
	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c consumer) {
			defer wg.Done()
			s.forward(ctx, c.ch, c.tag, c.deliveries, out)
		}(c)
	}

	go func() {
		wg.Wait()
		close(out)
		s.logger.Info("Subscription closed")
	}()

	return out, nil
}

func (s *Subscriber) consume(i int) (consumer, error) {
	ch, err := s.client.Channel()
	if err != nil {
		return consumer{}, err
	}
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()

	if err := ch.Qos(s.cfg.PrefetchCount, 0, false); err != nil {
		return consumer{}, fmt.Errorf("failed to set prefetch: %w", err)
	}

	tag := fmt.Sprintf("%s-%d", s.cfg.Queue, i)
	deliveries, err := ch.Consume(s.cfg.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return consumer{}, fmt.Errorf("failed to consume %s: %w", s.cfg.Queue, err)
	}

	s.logger.WithFields(logrus.Fields{
		"consumer": tag,
		"prefetch": s.cfg.PrefetchCount,
	}).Info("Consumer started")
	return consumer{ch: ch, tag: tag, deliveries: deliveries}, nil
}

// forward relays deliveries until the server closes the consumer. Cancelling
// ctx cancels the consumer; deliveries already buffered are still relayed.
func (s *Subscriber) forward(ctx context.Context, ch consumerChannel, tag string, in <-chan amqp.Delivery, out chan<- *broker.Delivery) {
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil {
				s.logger.WithError(err).WithField("consumer", tag).Warn("Failed to cancel consumer")
			}
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				s.setErr(amqpErr)
			}
		case <-stop:
		}
	}()

	for d := range in {
		out <- broker.NewDelivery(toMessage(d), &settler{delivery: d})
	}

	select {
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			s.setErr(amqpErr)
		}
	default:
	}
}

func (s *Subscriber) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
		s.logger.WithError(err).Error("Channel closed by broker")
	}
}

func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	channels := s.channels
	s.channels = nil
	s.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// settler acknowledges on the channel the delivery arrived on.
type settler struct {
	delivery amqp.Delivery
}

func (s *settler) Ack(ctx context.Context) error {
	return s.delivery.Ack(false)
}

func (s *settler) Requeue(ctx context.Context) error {
	return s.delivery.Nack(false, true)
}
