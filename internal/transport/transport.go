// Package transport opens the broker selected by configuration and exposes
// it through the transport-neutral broker ports.
package transport

import (
	"context"
	"errors"
	"fmt"

	"challenge-ingest/internal/broker"
	"challenge-ingest/internal/config"
	"challenge-ingest/internal/kafka"
	"challenge-ingest/internal/observability"
	"challenge-ingest/internal/rabbitmq"
)

type Transport struct {
	Subscriber broker.Subscriber
	Publisher  broker.Publisher
	closers    []func() error
}

// Open connects to the configured broker and declares the topology the
// pipeline relies on.
func Open(ctx context.Context, cfg *config.Config, metrics observability.MetricsCollector) (*Transport, error) {
	switch cfg.Broker.Transport {
	case config.TransportRabbitMQ:
		return openRabbitMQ(ctx, cfg, metrics)
	case config.TransportKafka:
		return openKafka(ctx, cfg, metrics)
	default:
		return nil, fmt.Errorf("unknown broker transport %q", cfg.Broker.Transport)
	}
}

func openRabbitMQ(ctx context.Context, cfg *config.Config, metrics observability.MetricsCollector) (*Transport, error) {
	client, err := rabbitmq.Dial(ctx, cfg.Ingest.BrokerURL, cfg.Broker.ConnectRetries)
	if err != nil {
		return nil, err
	}
	t := &Transport{}
	t.push(client.Close)

	if err := client.DeclareTopology(cfg.Ingest); err != nil {
		return nil, t.abort(err)
	}

	publisher, err := rabbitmq.NewPublisher(client, cfg.Ingest, metrics)
	if err != nil {
		return nil, t.abort(err)
	}
	t.Publisher = publisher
	t.push(publisher.Close)

	subscriber := rabbitmq.NewSubscriber(client, cfg.Ingest)
	t.Subscriber = subscriber
	t.push(subscriber.Close)
	return t, nil
}

func openKafka(ctx context.Context, cfg *config.Config, metrics observability.MetricsCollector) (*Transport, error) {
	client := kafka.NewKafkaClient(cfg.Broker.KafkaBrokers, cfg.Broker.ConnectRetries)
	if err := client.WaitReady(ctx); err != nil {
		return nil, err
	}
	if err := client.EnsureTopics(ctx, cfg.Ingest, cfg.Ingest.ConsumerConcurrency); err != nil {
		return nil, err
	}

	t := &Transport{}
	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:    cfg.Broker.KafkaBrokers,
		Acks:       -1,
		Retries:    3,
		Idempotent: cfg.Producer.Idempotent,
		Metrics:    metrics,
	})
	t.Publisher = producer
	t.push(producer.Close)

	subscriber := kafka.NewSubscriber(cfg.Ingest, kafka.ConsumerConfig{Brokers: cfg.Broker.KafkaBrokers}, producer)
	t.Subscriber = subscriber
	t.push(subscriber.Close)
	return t, nil
}

func (t *Transport) push(closer func() error) {
	t.closers = append(t.closers, closer)
}

func (t *Transport) abort(err error) error {
	return errors.Join(err, t.Close())
}

// Close releases the subscriber, then the publisher, then the connection.
func (t *Transport) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}
