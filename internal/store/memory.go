package store

import (
	"context"
	"sync"
	"time"

	"challenge-ingest/internal/challenge"
)

// Memory is an in-process challenge store. Concurrent upserts of the same
// external id are serialized by the lock; the last one applied wins.
type Memory struct {
	mu         sync.RWMutex
	challenges map[string]challenge.Challenge
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		challenges: make(map[string]challenge.Challenge),
		now:        time.Now,
	}
}

func (m *Memory) Upsert(ctx context.Context, cmd challenge.UpsertCommand) (challenge.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return challenge.Challenge{}, err
	}
	if err := challenge.Validate(cmd); err != nil {
		return challenge.Challenge{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.challenges[cmd.ExternalID]
	record := challenge.Challenge{
		ExternalID:  cmd.ExternalID,
		Name:        cmd.Name,
		Description: cmd.Description,
		Metadata:    copyMetadata(cmd.Metadata),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ok {
		record.Version = existing.Version + 1
		record.CreatedAt = existing.CreatedAt
	}
	m.challenges[cmd.ExternalID] = record
	return record, nil
}

func (m *Memory) Get(externalID string) (challenge.Challenge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.challenges[externalID]
	return c, ok
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.challenges)
}

func copyMetadata(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
