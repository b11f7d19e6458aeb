package service

import (
	"context"

	"challenge-ingest/internal/challenge"
	"challenge-ingest/internal/observability"

	"github.com/sirupsen/logrus"
)

// ChallengeApplier persists decoded commands through the store collaborator
// and turns each result into an Outcome.
type ChallengeApplier struct {
	store  challenge.Store
	logger *logrus.Entry
}

func NewChallengeApplier(store challenge.Store) *ChallengeApplier {
	return &ChallengeApplier{
		store:  store,
		logger: observability.Component("applier"),
	}
}

// Apply upserts a single command.
func (a *ChallengeApplier) Apply(ctx context.Context, cmd challenge.UpsertCommand) challenge.Outcome {
	_, err := a.store.Upsert(ctx, cmd)
	return a.outcome(cmd, err)
}

// ApplyBatch upserts cmds and returns one outcome per command, in order.
// A failing command never changes the outcome of its siblings.
func (a *ChallengeApplier) ApplyBatch(ctx context.Context, cmds []challenge.UpsertCommand) []challenge.Outcome {
	outcomes := make([]challenge.Outcome, len(cmds))
	if len(cmds) == 0 {
		return outcomes
	}

	if bs, ok := a.store.(challenge.BatchStore); ok && len(cmds) > 1 {
		results := bs.UpsertBatch(ctx, cmds)
		for i, cmd := range cmds {
			if i >= len(results) {
				// short result set: settle the remainder individually
				outcomes[i] = a.Apply(ctx, cmd)
				continue
			}
			outcomes[i] = a.outcome(cmd, results[i].Err)
		}
		return outcomes
	}

	for i, cmd := range cmds {
		outcomes[i] = a.Apply(ctx, cmd)
	}
	return outcomes
}

func (a *ChallengeApplier) outcome(cmd challenge.UpsertCommand, err error) challenge.Outcome {
	out := challenge.Failed(err)
	if out.Success() {
		a.logger.WithField("external_id", cmd.ExternalID).Debug("Challenge upserted")
		return out
	}

	a.logger.WithFields(logrus.Fields{
		"external_id": cmd.ExternalID,
		"reason":      out.Reason.String(),
		"error":       err.Error(),
	}).Warn("Challenge upsert failed")
	return out
}
