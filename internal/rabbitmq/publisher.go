package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"challenge-ingest/config/ingest"
	"challenge-ingest/internal/observability"
	"challenge-ingest/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// confirmChannel is the part of *amqp.Channel the publisher uses.
type confirmChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

var errConfirmsClosed = errors.New("publisher channel closed before confirm")

// Publisher publishes persistent messages on a confirm-mode channel and
// returns only once the broker has confirmed them. A channel closed by the
// broker is replaced on the next Publish, after the topology is declared
// again.
type Publisher struct {
	mu        sync.Mutex
	open      func() (confirmChannel, error)
	redeclare func() error
	ch        confirmChannel
	confirms  chan amqp.Confirmation
	closed    chan *amqp.Error
	nextTag   uint64
	metrics   observability.MetricsCollector
	logger    *logrus.Entry
}

func NewPublisher(client *Client, cfg ingest.Config, metrics observability.MetricsCollector) (*Publisher, error) {
	open := func() (confirmChannel, error) {
		ch, err := client.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	redeclare := func() error { return client.DeclareTopology(cfg) }
	return newPublisher(open, redeclare, metrics)
}

func newPublisher(open func() (confirmChannel, error), redeclare func() error, metrics observability.MetricsCollector) (*Publisher, error) {
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	p := &Publisher{
		open:      open,
		redeclare: redeclare,
		metrics:   metrics,
		logger:    observability.Component("rabbitmq-publisher"),
	}
	if err := p.openChannel(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) openChannel() error {
	ch, err := p.open()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 64))
	p.closed = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.nextTag = 0
	return nil
}

// ensureChannel reopens the channel if the broker closed it or a previous
// publish discarded it.
func (p *Publisher) ensureChannel() error {
	if p.ch != nil {
		select {
		case amqpErr := <-p.closed:
			entry := p.logger
			if amqpErr != nil {
				entry = entry.WithField("reason", amqpErr.Error())
			}
			entry.Warn("Publisher channel closed, reopening")
			p.ch = nil
		default:
			return nil
		}
	}

	if p.redeclare != nil {
		if err := p.redeclare(); err != nil {
			return fmt.Errorf("failed to redeclare topology: %w", err)
		}
	}
	if err := p.openChannel(); err != nil {
		return err
	}
	p.logger.Info("Publisher channel reopened")
	return nil
}

func (p *Publisher) discard() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger := p.logger.WithFields(logrus.Fields{
		"exchange":    exchange,
		"routing_key": routingKey,
	})

	if err := p.ensureChannel(); err != nil {
		p.metrics.IncPublishFailed()
		return fmt.Errorf("publisher channel unavailable: %w", err)
	}

	msg := amqp.Publishing{
		Headers:      toTable(headers),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    headers[models.HeaderMessageID],
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := p.ch.Publish(exchange, routingKey, false, false, msg); err != nil {
		p.discard()
		p.metrics.IncPublishFailed()
		return fmt.Errorf("failed to publish to %s: %w", exchange, err)
	}
	p.nextTag++

	if err := p.awaitConfirm(ctx, p.nextTag); err != nil {
		if errors.Is(err, errConfirmsClosed) {
			p.discard()
		}
		p.metrics.IncPublishFailed()
		logger.WithError(err).Error("Publish not confirmed")
		return err
	}

	p.metrics.IncPublished()
	return nil
}

// awaitConfirm waits for the confirmation of tag. Confirmations for earlier
// tags whose publishers gave up waiting are discarded.
func (p *Publisher) awaitConfirm(ctx context.Context, tag uint64) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for publish confirm: %w", ctx.Err())
		case c, ok := <-p.confirms:
			if !ok {
				return errConfirmsClosed
			}
			if c.DeliveryTag < tag {
				continue
			}
			if !c.Ack {
				return fmt.Errorf("broker nacked message %d", c.DeliveryTag)
			}
			return nil
		}
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close publisher channel: %w", err)
	}
	return nil
}
