// Package rabbitmq implements the broker ports over AMQP 0-9-1.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"challenge-ingest/config/ingest"
	"challenge-ingest/internal/observability"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Client owns the AMQP connection shared by the subscriber and publisher.
type Client struct {
	conn   *amqp.Connection
	url    string
	logger *logrus.Entry
}

var (
	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

// Dial connects to url, backing off exponentially between failed attempts.
func Dial(ctx context.Context, url string, retries int) (*Client, error) {
	logger := observability.Component("rabbitmq")
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			backoff := backoffFor(attempt - 1)
			logger.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"backoff": backoff,
			}).Info("Attempting reconnection")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		conn, err := amqp.Dial(url)
		if err == nil {
			logger.Info("Connected to RabbitMQ")
			return &Client{conn: conn, url: url, logger: logger}, nil
		}
		lastErr = err
		logger.WithError(err).Warn("Connection attempt failed")
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", retries, lastErr)
}

func backoffFor(attempt int) time.Duration {
	return time.Duration(math.Min(
		float64(baseBackoff)*math.Pow(2, float64(attempt)),
		float64(maxBackoff),
	))
}

// HealthCheck reports whether the connection is still open.
func (c *Client) HealthCheck() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// Channel opens a new AMQP channel on the shared connection.
func (c *Client) Channel() (*amqp.Channel, error) {
	if err := c.HealthCheck(); err != nil {
		return nil, err
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

// DeclareTopology declares the inbound and dead-letter exchanges and queues
// and binds them with the configured routing keys. It is idempotent.
func (c *Client) DeclareTopology(cfg ingest.Config) error {
	ch, err := c.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, b := range bindings(cfg) {
		if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", b.exchange, err)
		}
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.routingKey, b.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"exchange":     cfg.Exchange,
		"queue":        cfg.Queue,
		"dead_letters": cfg.DeadLetterQueue,
	}).Info("Topology declared")
	return nil
}

type binding struct {
	exchange   string
	queue      string
	routingKey string
}

func bindings(cfg ingest.Config) []binding {
	return []binding{
		{exchange: cfg.Exchange, queue: cfg.Queue, routingKey: cfg.RoutingKey},
		{exchange: cfg.DeadLetterExchange, queue: cfg.DeadLetterQueue, routingKey: cfg.DeadLetterRoutingKey},
	}
}

func (c *Client) Close() error {
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}
