package pipeline

import (
	"math"
	"math/rand"
	"time"
)

// RetryDelay decides how long to wait before republishing a message for the
// given attempt. Republishing to the inbound exchange stands in for brokers
// without delayed redelivery; a TTL queue with a dead-letter exchange or a
// delayed-message exchange can replace it.
type RetryDelay interface {
	Delay(attempt int) time.Duration
}

// ImmediateRetry republishes without waiting.
type ImmediateRetry struct{}

func (ImmediateRetry) Delay(int) time.Duration { return 0 }

// ExponentialRetry waits Initial * Factor^attempt, capped at Max, plus up to
// 25% jitter.
type ExponentialRetry struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  bool
}

func (p ExponentialRetry) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 2
	}
	backoff := time.Duration(float64(p.Initial) * math.Pow(factor, float64(attempt)))
	if p.Max > 0 && (backoff > p.Max || backoff <= 0) {
		backoff = p.Max
	}

	if p.Jitter && backoff > 0 {
		if maxJitter := backoff / 4; maxJitter > 0 {
			backoff += time.Duration(rand.Int63n(int64(maxJitter)))
			if p.Max > 0 && backoff > p.Max {
				backoff = p.Max
			}
		}
	}
	return backoff
}

func retryDelayFor(initial, max time.Duration) RetryDelay {
	if initial <= 0 {
		return ImmediateRetry{}
	}
	return ExponentialRetry{Initial: initial, Max: max, Factor: 2, Jitter: true}
}
