package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"challenge-ingest/internal/challenge"
	"challenge-ingest/internal/observability"

	"github.com/sony/gobreaker"
)

type BreakerConfig struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Breaker guards a store with a circuit breaker. Validation rejections are
// successful calls as far as the circuit is concerned; an open circuit
// surfaces as a transient error so the message is retried later.
type Breaker struct {
	next challenge.Store
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next challenge.Store, cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "challenge-store"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	logger := observability.Component("store-breaker")

	settings := gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithField("from", from.String()).WithField("to", to.String()).Warn("Store circuit changed state")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || challenge.IsValidation(err)
		},
	}

	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Upsert(ctx context.Context, cmd challenge.UpsertCommand) (challenge.Challenge, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Upsert(ctx, cmd)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return challenge.Challenge{}, fmt.Errorf("challenge store unavailable: %w", err)
		}
		return challenge.Challenge{}, err
	}
	return res.(challenge.Challenge), nil
}

// UpsertBatch forwards to the wrapped store's batch path when it has one.
// The whole batch counts as a single call; it fails only when every item
// failed transiently.
func (b *Breaker) UpsertBatch(ctx context.Context, cmds []challenge.UpsertCommand) []challenge.BatchResult {
	bs, ok := b.next.(challenge.BatchStore)
	if !ok {
		results := make([]challenge.BatchResult, len(cmds))
		for i, cmd := range cmds {
			results[i].Challenge, results[i].Err = b.Upsert(ctx, cmd)
		}
		return results
	}

	var results []challenge.BatchResult
	_, err := b.cb.Execute(func() (interface{}, error) {
		results = bs.UpsertBatch(ctx, cmds)
		return nil, allTransient(results)
	})
	if results == nil && err != nil {
		unavailable := fmt.Errorf("challenge store unavailable: %w", err)
		results = make([]challenge.BatchResult, len(cmds))
		for i := range results {
			results[i].Err = unavailable
		}
	}
	return results
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func allTransient(results []challenge.BatchResult) error {
	if len(results) == 0 {
		return nil
	}
	for _, r := range results {
		if r.Err == nil || challenge.IsValidation(r.Err) {
			return nil
		}
	}
	return results[0].Err
}
