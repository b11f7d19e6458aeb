// Package challenge holds the challenge-definition domain: the upsert command
// decoded from inbound events, the persisted entity, and the failure taxonomy
// the pipeline routes on.
package challenge

import (
	"context"
	"time"
)

// UpsertCommand is a decoded challenge definition. ExternalID is the
// idempotency key; applying the same command twice yields the same state.
type UpsertCommand struct {
	ExternalID  string         `json:"external_id" validate:"required,max=255"`
	Name        string         `json:"name" validate:"required,max=255"`
	Description string         `json:"description" validate:"max=10000"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Challenge is the persisted record keyed by ExternalID.
type Challenge struct {
	ExternalID  string
	Name        string
	Description string
	Metadata    map[string]any
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store is the persistence collaborator. Upsert creates the challenge if it
// is absent and updates it otherwise. Implementations must be safe for
// concurrent use and return *ValidationError for content they reject.
type Store interface {
	Upsert(ctx context.Context, cmd UpsertCommand) (Challenge, error)
}

// BatchResult is the outcome of one command inside UpsertBatch.
type BatchResult struct {
	Challenge Challenge
	Err       error
}

// BatchStore is implemented by stores that can persist several commands in
// one round trip. Results are positional and independent of each other.
type BatchStore interface {
	Store
	UpsertBatch(ctx context.Context, cmds []UpsertCommand) []BatchResult
}
