package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"challenge-ingest/config/ingest"
	"challenge-ingest/internal/broker"
	"challenge-ingest/internal/challenge"
	"challenge-ingest/internal/observability"
	"challenge-ingest/pkg/models"

	"github.com/sirupsen/logrus"
)

// Disposition is the terminal state a delivery reached.
type Disposition int

const (
	DispositionAcked Disposition = iota
	DispositionRetried
	DispositionDeadLettered
	DispositionRequeued
	// DispositionDelayed means a retry is scheduled; the delivery is settled
	// by the router once the delay elapses or the router stops.
	DispositionDelayed
)

func (d Disposition) String() string {
	switch d {
	case DispositionAcked:
		return "acked"
	case DispositionRetried:
		return "retried"
	case DispositionDeadLettered:
		return "dead_lettered"
	case DispositionRequeued:
		return "requeued"
	case DispositionDelayed:
		return "retry_scheduled"
	default:
		return "unknown"
	}
}

// Router settles a delivery according to its processing outcome: success is
// acked, permanent failures and exhausted retries go to the dead-letter
// exchange, transient failures are republished with the attempt counter
// incremented. If republishing fails the original delivery is requeued.
type Router struct {
	cfg       ingest.Config
	publisher broker.Publisher
	metrics   observability.MetricsCollector
	delay     RetryDelay
	logger    *logrus.Entry
	now       func() time.Time

	delayed  sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewRouter(cfg ingest.Config, publisher broker.Publisher, metrics observability.MetricsCollector) *Router {
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	return &Router{
		cfg:       cfg,
		publisher: publisher,
		metrics:   metrics,
		delay:     retryDelayFor(cfg.RetryDelay, cfg.RetryMaxDelay),
		logger:    observability.Component("router"),
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// WithRetryDelay replaces the delay policy applied before retries.
func (r *Router) WithRetryDelay(d RetryDelay) *Router {
	r.delay = d
	return r
}

// Route takes ownership of d and settles it exactly once. A delayed retry
// settles d after Route returns; see Wait.
func (r *Router) Route(ctx context.Context, d *broker.Delivery, outcome challenge.Outcome) Disposition {
	attempt := d.RetryAttempt()
	logger := r.logger.WithFields(logrus.Fields{
		"message_id":    d.ID,
		"routing_key":   d.RoutingKey,
		"retry_attempt": attempt,
	})

	if outcome.Success() {
		r.metrics.IncProcessed()
		return r.settle(ctx, d, DispositionAcked, logger)
	}

	r.metrics.IncFailed()
	logger = logger.WithFields(logrus.Fields{
		"reason": outcome.Reason.String(),
		"error":  outcome.Err.Error(),
	})

	if !outcome.Reason.Permanent() && attempt < r.cfg.MaxRetries {
		return r.retry(ctx, d, attempt, outcome, logger)
	}
	return r.deadLetter(ctx, d, attempt, outcome, logger)
}

// retry republishes d at once, or hands it to a timer goroutine when the
// delay policy asks for a wait so the calling worker is never held.
func (r *Router) retry(ctx context.Context, d *broker.Delivery, attempt int, outcome challenge.Outcome, logger *logrus.Entry) Disposition {
	wait := r.delay.Delay(attempt)
	if wait <= 0 {
		return r.republish(ctx, d, attempt, outcome, logger)
	}

	r.delayed.Add(1)
	timer := time.NewTimer(wait)
	go func() {
		defer r.delayed.Done()
		select {
		case <-timer.C:
			r.republish(ctx, d, attempt, outcome, logger)
		case <-r.stop:
			timer.Stop()
			r.requeue(ctx, d, errRetryInterrupted, logger)
		}
	}()

	logger.WithField("delay", wait).Debug("Retry scheduled")
	return DispositionDelayed
}

var errRetryInterrupted = errors.New("retry delay interrupted by shutdown")

func (r *Router) republish(ctx context.Context, d *broker.Delivery, attempt int, outcome challenge.Outcome, logger *logrus.Entry) Disposition {
	headers := d.CloneHeaders()
	headers[models.HeaderRetryCount] = strconv.Itoa(attempt + 1)
	headers[models.HeaderFailureReason] = outcome.Err.Error()
	headers[models.HeaderFailureClass] = outcome.Reason.String()

	exchange, routingKey := r.origin(d)
	if err := r.publish(ctx, exchange, routingKey, d.Body, headers); err != nil {
		return r.requeue(ctx, d, err, logger)
	}

	r.metrics.IncRetried()
	logger.WithField("next_attempt", attempt+1).Warn("Message republished for retry")
	return r.settle(ctx, d, DispositionRetried, logger)
}

// Stop requeues every scheduled retry instead of waiting out its delay.
// Retries scheduled afterwards are requeued at once.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Wait blocks until every scheduled retry has been settled.
func (r *Router) Wait() {
	r.delayed.Wait()
}

func (r *Router) deadLetter(ctx context.Context, d *broker.Delivery, attempt int, outcome challenge.Outcome, logger *logrus.Entry) Disposition {
	exchange, routingKey := r.origin(d)

	headers := d.CloneHeaders()
	headers[models.HeaderRetryCount] = strconv.Itoa(attempt)
	headers[models.HeaderFailureReason] = outcome.Err.Error()
	headers[models.HeaderFailureClass] = outcome.Reason.String()
	headers[models.HeaderOriginalExchange] = exchange
	headers[models.HeaderOriginalRoutingKey] = routingKey
	headers[models.HeaderDeadLetteredAt] = r.now().UTC().Format(time.RFC3339)

	if err := r.publish(ctx, r.cfg.DeadLetterExchange, r.cfg.DeadLetterRoutingKey, d.Body, headers); err != nil {
		return r.requeue(ctx, d, err, logger)
	}

	r.metrics.IncSentToDLQ()
	logger.Error("Message sent to dead-letter exchange")
	return r.settle(ctx, d, DispositionDeadLettered, logger)
}

// Requeue rejects d back to the broker. It is the fallback for any failure
// the router cannot resolve itself.
func (r *Router) Requeue(ctx context.Context, d *broker.Delivery, cause error) Disposition {
	return r.requeue(ctx, d, cause, r.logger.WithField("message_id", d.ID))
}

func (r *Router) requeue(ctx context.Context, d *broker.Delivery, cause error, logger *logrus.Entry) Disposition {
	r.metrics.IncRequeued()
	if cause != nil {
		logger = logger.WithField("cause", cause.Error())
	}
	if err := d.Requeue(ctx); err != nil && !errors.Is(err, broker.ErrAlreadySettled) {
		logger.WithError(err).Error("Failed to requeue message")
	}
	logger.Warn("Message requeued")
	return DispositionRequeued
}

func (r *Router) settle(ctx context.Context, d *broker.Delivery, disposition Disposition, logger *logrus.Entry) Disposition {
	if err := d.Ack(ctx); err != nil {
		// the broker redelivers anything it did not see acked
		logger.WithError(err).Error("Failed to acknowledge message")
	}
	logger.WithField("disposition", disposition.String()).Debug("Message settled")
	return disposition
}

func (r *Router) publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error {
	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	return r.publisher.Publish(pubCtx, exchange, routingKey, body, headers)
}

func (r *Router) origin(d *broker.Delivery) (exchange, routingKey string) {
	exchange, routingKey = d.Exchange, d.RoutingKey
	if exchange == "" {
		exchange = r.cfg.Exchange
	}
	if routingKey == "" {
		routingKey = r.cfg.RoutingKey
	}
	return exchange, routingKey
}
