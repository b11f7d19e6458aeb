// Package kafka implements the broker ports over Kafka. Exchanges map to
// topics, routing keys to record keys and the queue name to the consumer
// group.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"challenge-ingest/config/ingest"
	"challenge-ingest/internal/observability"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaClient checks broker connectivity and prepares topics.
type KafkaClient struct {
	brokers     []string
	logger      *logrus.Entry
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func NewKafkaClient(brokers []string, maxRetries int) *KafkaClient {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &KafkaClient{
		brokers:     brokers,
		logger:      observability.Component("kafka"),
		maxRetries:  maxRetries,
		baseBackoff: 1 * time.Second,
		maxBackoff:  30 * time.Second,
	}
}

// HealthCheck verifies connectivity to Kafka brokers
func (c *KafkaClient) HealthCheck(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("failed to read cluster metadata: %w", err)
	}
	return nil
}

// WaitReady blocks until a health check passes, backing off exponentially
// between attempts.
func (c *KafkaClient) WaitReady(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt - 1)
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"backoff": backoff,
			}).Info("Attempting reconnection")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if lastErr = c.HealthCheck(ctx); lastErr == nil {
			c.logger.Info("Kafka cluster reachable")
			return nil
		}
		c.logger.WithError(lastErr).Warn("Health check failed")
	}

	return fmt.Errorf("failed to reach kafka after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *KafkaClient) backoff(attempt int) time.Duration {
	return time.Duration(math.Min(
		float64(c.baseBackoff)*math.Pow(2, float64(attempt)),
		float64(c.maxBackoff),
	))
}

// EnsureTopics creates the inbound and dead-letter topics on the controller.
// Topics that already exist are left untouched.
func (c *KafkaClient) EnsureTopics(ctx context.Context, cfg ingest.Config, partitions int) error {
	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find controller: %w", err)
	}
	admin, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer admin.Close()

	topics := topicConfigs(cfg, partitions)
	if err := admin.CreateTopics(topics...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"topic":     cfg.Exchange,
		"dlq_topic": cfg.DeadLetterExchange,
	}).Info("Topics ready")
	return nil
}

func topicConfigs(cfg ingest.Config, partitions int) []kafka.TopicConfig {
	if partitions <= 0 {
		partitions = 1
	}
	return []kafka.TopicConfig{
		{Topic: cfg.Exchange, NumPartitions: partitions, ReplicationFactor: 1},
		{Topic: cfg.DeadLetterExchange, NumPartitions: 1, ReplicationFactor: 1},
	}
}

// GetBrokers returns the list of brokers
func (c *KafkaClient) GetBrokers() []string {
	return c.brokers
}
