// Package pipeline consumes challenge definitions from the broker, persists
// them in batches and settles every delivery exactly once.
//
// Deliveries flow subscriber -> decode workers -> batch workers. Each stage
// has its own concurrency and the stages are joined by bounded channels; the
// subscriber's prefetch limit is what ultimately holds back the broker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"challenge-ingest/config/ingest"
	"challenge-ingest/internal/broker"
	"challenge-ingest/internal/challenge"
	"challenge-ingest/internal/observability"
	"challenge-ingest/internal/service"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Dependencies struct {
	Subscriber broker.Subscriber
	Publisher  broker.Publisher
	Store      challenge.Store
	Metrics    observability.MetricsCollector
	RetryDelay RetryDelay
}

type Pipeline struct {
	cfg        ingest.Config
	subscriber broker.Subscriber
	applier    *service.ChallengeApplier
	router     *Router
	metrics    observability.MetricsCollector
	logger     *logrus.Entry
}

func New(cfg ingest.Config, deps Dependencies) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if deps.Subscriber == nil || deps.Publisher == nil || deps.Store == nil {
		return nil, errors.New("pipeline requires a subscriber, a publisher and a store")
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewInMemoryMetrics()
	}

	router := NewRouter(cfg, deps.Publisher, deps.Metrics)
	if deps.RetryDelay != nil {
		router.WithRetryDelay(deps.RetryDelay)
	}

	return &Pipeline{
		cfg:        cfg,
		subscriber: deps.Subscriber,
		applier:    service.NewChallengeApplier(deps.Store),
		router:     router,
		metrics:    deps.Metrics,
		logger:     observability.Component("pipeline"),
	}, nil
}

// Run consumes until ctx is cancelled or the subscription ends. Work that
// was already received when ctx is cancelled is still driven to its
// terminal disposition before Run returns; retries still waiting out a delay
// are requeued.
func (p *Pipeline) Run(ctx context.Context) error {
	deliveries, err := p.subscriber.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.cfg.Queue, err)
	}

	p.logger.WithFields(logrus.Fields{
		"queue":      p.cfg.Queue,
		"processors": p.cfg.ProcessorConcurrency,
		"batchers":   p.cfg.BatcherConcurrency,
		"batch_size": p.cfg.BatchSize,
		"prefetch":   p.cfg.PrefetchCount,
	}).Info("Starting ingestion pipeline")

	stopRetries := context.AfterFunc(ctx, p.router.Stop)
	defer stopRetries()

	work := context.WithoutCancel(ctx)
	decoded := make(chan *envelope, p.cfg.BatchSize*p.cfg.BatcherConcurrency)

	var g errgroup.Group
	var decoders sync.WaitGroup
	for i := 0; i < p.cfg.ProcessorConcurrency; i++ {
		decoders.Add(1)
		id := i
		g.Go(func() error {
			defer decoders.Done()
			p.decodeLoop(work, id, deliveries, decoded)
			return nil
		})
	}
	g.Go(func() error {
		decoders.Wait()
		close(decoded)
		return nil
	})
	for i := 0; i < p.cfg.BatcherConcurrency; i++ {
		b := newBatcher(p.cfg, i, p.applier, p.router)
		g.Go(func() error {
			b.run(work, decoded)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	subErr := p.subscriber.Err()
	if subErr != nil {
		p.router.Stop()
	}
	p.router.Wait()
	p.logger.Info("Ingestion pipeline drained")

	if subErr != nil {
		return fmt.Errorf("subscription ended: %w", subErr)
	}
	return nil
}

func (p *Pipeline) decodeLoop(ctx context.Context, id int, in <-chan *broker.Delivery, out chan<- *envelope) {
	logger := p.logger.WithField("processor_id", id)
	logger.Debug("Processor started")

	for d := range in {
		p.metrics.IncReceived()
		p.decode(ctx, d, out)
	}

	logger.Debug("Processor stopped - subscription closed")
}

// decode hands a well-formed command to the batchers and routes anything
// else straight to its disposition.
func (p *Pipeline) decode(ctx context.Context, d *broker.Delivery, out chan<- *envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.WithFields(logrus.Fields{
				"message_id": d.ID,
				"panic":      rec,
				"stack":      string(debug.Stack()),
			}).Error("Panic while decoding message")
			p.router.Requeue(ctx, d, fmt.Errorf("decode panicked: %v", rec))
		}
	}()

	cmd, err := challenge.Decode(d.Body)
	if err != nil {
		p.router.Route(ctx, d, challenge.Failed(err))
		return
	}
	out <- &envelope{delivery: d, command: cmd}
}
