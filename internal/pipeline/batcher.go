package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"challenge-ingest/config/ingest"
	"challenge-ingest/internal/broker"
	"challenge-ingest/internal/challenge"
	"challenge-ingest/internal/observability"

	"github.com/sirupsen/logrus"
)

// envelope carries a decoded command with the delivery it came from. The
// delivery keeps the original bytes for retries and dead-letters.
type envelope struct {
	delivery *broker.Delivery
	command  challenge.UpsertCommand
}

type batchApplier interface {
	ApplyBatch(ctx context.Context, cmds []challenge.UpsertCommand) []challenge.Outcome
}

// batcher drains decoded commands into batches bounded by size and age and
// settles every item of a batch before it takes more work.
type batcher struct {
	id      int
	size    int
	timeout time.Duration
	applier batchApplier
	router  *Router
	logger  *logrus.Entry
}

func newBatcher(cfg ingest.Config, id int, applier batchApplier, router *Router) *batcher {
	return &batcher{
		id:      id,
		size:    cfg.BatchSize,
		timeout: cfg.BatchTimeout,
		applier: applier,
		router:  router,
		logger:  observability.Component("batcher").WithField("batcher_id", id),
	}
}

func (b *batcher) run(ctx context.Context, in <-chan *envelope) {
	b.logger.Info("Batcher started")
	defer b.logger.Info("Batcher stopped")

	batch := make([]*envelope, 0, b.size)
	timer := time.NewTimer(b.timeout)
	stopTimer(timer)

	for {
		select {
		case env, ok := <-in:
			if !ok {
				stopTimer(timer)
				b.flush(ctx, batch)
				return
			}
			if len(batch) == 0 {
				timer.Reset(b.timeout)
			}
			batch = append(batch, env)
			if len(batch) >= b.size {
				stopTimer(timer)
				b.flush(ctx, batch)
				batch = make([]*envelope, 0, b.size)
			}
		case <-timer.C:
			b.flush(ctx, batch)
			batch = make([]*envelope, 0, b.size)
		}
	}
}

func (b *batcher) flush(ctx context.Context, batch []*envelope) {
	if len(batch) == 0 {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			b.logger.WithFields(logrus.Fields{
				"panic": rec,
				"stack": string(debug.Stack()),
			}).Error("Panic while processing batch")
			cause := fmt.Errorf("batch panicked: %v", rec)
			for _, env := range batch {
				if !env.delivery.Settled() {
					b.router.Requeue(ctx, env.delivery, cause)
				}
			}
		}
	}()

	start := time.Now()
	cmds := make([]challenge.UpsertCommand, len(batch))
	for i, env := range batch {
		cmds[i] = env.command
	}

	outcomes := b.applier.ApplyBatch(ctx, cmds)
	if len(outcomes) != len(batch) {
		panic(fmt.Sprintf("applier returned %d outcomes for %d commands", len(outcomes), len(batch)))
	}
	for i, env := range batch {
		b.router.Route(ctx, env.delivery, outcomes[i])
	}

	b.logger.WithFields(logrus.Fields{
		"batch_size": len(batch),
		"duration":   time.Since(start),
	}).Debug("Batch processed")
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
