// Package broker defines the transport-neutral view of the message broker
// used by the ingestion pipeline.
package broker

import (
	"context"
	"errors"
	"sync/atomic"

	"challenge-ingest/pkg/models"
)

// ErrAlreadySettled is returned when a delivery is acked or requeued twice.
var ErrAlreadySettled = errors.New("delivery already settled")

// Settler releases one delivery back to the transport that produced it.
type Settler interface {
	Ack(ctx context.Context) error
	Requeue(ctx context.Context) error
}

// Delivery is a received message together with the handle that settles it.
// Whoever holds the pointer owns the delivery; it is settled at most once.
type Delivery struct {
	models.Message

	settler Settler
	settled atomic.Bool
}

func NewDelivery(msg models.Message, settler Settler) *Delivery {
	return &Delivery{Message: msg, settler: settler}
}

// Ack settles the delivery as done.
func (d *Delivery) Ack(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.settler.Ack(ctx)
}

// Requeue hands the delivery back to the broker for redelivery.
func (d *Delivery) Requeue(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.settler.Requeue(ctx)
}

func (d *Delivery) Settled() bool {
	return d.settled.Load()
}

// Subscriber streams deliveries from the inbound queue. The returned channel
// is closed once ctx is cancelled or the transport fails; Err reports the
// failure, if any, after the channel has closed.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan *Delivery, error)
	Err() error
	Close() error
}

// Publisher sends a payload to an exchange with the given routing key.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error
	Close() error
}
