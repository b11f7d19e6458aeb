package kafka

import (
	"context"
	"fmt"
	"math"
	"time"

	"challenge-ingest/internal/observability"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements broker.Publisher with delivery guarantees and retry logic
type Producer struct {
	writer      MessageWriter
	logger      *logrus.Entry
	metrics     observability.MetricsCollector
	maxRetries  int
	baseBackoff time.Duration
}

type ProducerConfig struct {
	Brokers     []string
	Acks        int // -1 for all, 0 for none, 1 for leader
	Retries     int
	Idempotent  bool
	MaxRetries  int
	BaseBackoff time.Duration
	Metrics     observability.MetricsCollector
	// Writer overrides the kafka.Writer built from the fields above.
	Writer MessageWriter
}

func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	writer := cfg.Writer
	if writer == nil {
		writer = newWriter(cfg)
	}

	return &Producer{
		writer:      writer,
		logger:      observability.Component("kafka-producer"),
		metrics:     cfg.Metrics,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
	}
}

func newWriter(cfg ProducerConfig) *kafka.Writer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		MaxAttempts:            cfg.Retries,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: false,
		Async:                  false, // Synchronous for reliable error handling
	}

	if cfg.Idempotent {
		writer.RequiredAcks = kafka.RequireAll
		writer.MaxAttempts = 10
	}
	return writer
}

// Publish writes body to the topic named by exchange, keyed by routingKey.
func (p *Producer) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: exchange,
		Key:   []byte(routingKey),
		Value: body,
		Time:  time.Now(),
	}

	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}

	return p.write(ctx, msg)
}

// write sends msg with exponential backoff between failed attempts.
func (p *Producer) write(ctx context.Context, msg kafka.Message) error {
	logger := p.logger.WithFields(logrus.Fields{
		"topic": msg.Topic,
		"key":   string(msg.Key),
	})

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Min(
				float64(p.baseBackoff)*math.Pow(2, float64(attempt-1)),
				float64(5*time.Second),
			))

			logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"backoff": backoff,
			}).Info("Retrying message publish")

			select {
			case <-ctx.Done():
				p.metrics.IncPublishFailed()
				return fmt.Errorf("publish to %s: %w", msg.Topic, ctx.Err())
			case <-time.After(backoff):
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.metrics.IncPublished()
			logger.WithField("attempt", attempt+1).Debug("Message published successfully")
			return nil
		}

		lastErr = err
		logger.WithField("attempt", attempt+1).WithError(err).Warn("Failed to publish message")
	}

	p.metrics.IncPublishFailed()
	return fmt.Errorf("failed to publish message after %d attempts: %w", p.maxRetries+1, lastErr)
}

// Close gracefully shuts down the producer
func (p *Producer) Close() error {
	p.logger.Info("Closing producer")
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}
