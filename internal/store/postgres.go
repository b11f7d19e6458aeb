package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"challenge-ingest/internal/challenge"
	"challenge-ingest/internal/observability"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS challenges (
	external_id TEXT PRIMARY KEY,
	name        TEXT NOT NULL CHECK (name <> ''),
	description TEXT NOT NULL DEFAULT '',
	metadata    JSONB,
	version     BIGINT NOT NULL DEFAULT 1,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Concurrent upserts of one external_id are last-write-wins.
const upsertSQL = `
INSERT INTO challenges (external_id, name, description, metadata)
VALUES ($1, $2, $3, $4)
ON CONFLICT (external_id) DO UPDATE SET
	name        = EXCLUDED.name,
	description = EXCLUDED.description,
	metadata    = EXCLUDED.metadata,
	version     = challenges.version + 1,
	updated_at  = now()
RETURNING external_id, name, description, metadata, version, created_at, updated_at`

// Postgres persists challenges in a PostgreSQL table keyed by external_id.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *logrus.Entry
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return &Postgres{
		pool:   pool,
		logger: observability.Component("postgres-store"),
	}, nil
}

// EnsureSchema creates the challenges table when it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *Postgres) Upsert(ctx context.Context, cmd challenge.UpsertCommand) (challenge.Challenge, error) {
	if err := challenge.Validate(cmd); err != nil {
		return challenge.Challenge{}, err
	}
	metadata, err := encodeMetadata(cmd.Metadata)
	if err != nil {
		return challenge.Challenge{}, err
	}

	row := p.pool.QueryRow(ctx, upsertSQL, cmd.ExternalID, cmd.Name, cmd.Description, metadata)
	record, err := scanChallenge(row)
	if err != nil {
		return challenge.Challenge{}, classifyError(cmd.ExternalID, err)
	}
	return record, nil
}

// UpsertBatch sends every valid command in one pipelined batch. PostgreSQL
// aborts an implicit batch transaction on the first error, so when the batch
// fails the remaining commands are applied one by one to keep their outcomes
// independent.
func (p *Postgres) UpsertBatch(ctx context.Context, cmds []challenge.UpsertCommand) []challenge.BatchResult {
	results := make([]challenge.BatchResult, len(cmds))
	batch := &pgx.Batch{}
	queued := make([]int, 0, len(cmds))

	for i, cmd := range cmds {
		if err := challenge.Validate(cmd); err != nil {
			results[i].Err = err
			continue
		}
		metadata, err := encodeMetadata(cmd.Metadata)
		if err != nil {
			results[i].Err = err
			continue
		}
		batch.Queue(upsertSQL, cmd.ExternalID, cmd.Name, cmd.Description, metadata)
		queued = append(queued, i)
	}
	if len(queued) == 0 {
		return results
	}

	br := p.pool.SendBatch(ctx, batch)
	var batchErr error
	for _, idx := range queued {
		record, err := scanChallenge(br.QueryRow())
		if err != nil {
			batchErr = err
			break
		}
		results[idx].Challenge = record
	}
	if err := br.Close(); err != nil && batchErr == nil {
		batchErr = err
	}
	if batchErr == nil {
		return results
	}

	p.logger.WithFields(logrus.Fields{
		"batch_size": len(queued),
		"error":      batchErr.Error(),
	}).Warn("Batch upsert failed, applying commands individually")

	for _, idx := range queued {
		results[idx].Challenge, results[idx].Err = p.Upsert(ctx, cmds[idx])
	}
	return results
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func scanChallenge(row pgx.Row) (challenge.Challenge, error) {
	var (
		c        challenge.Challenge
		metadata []byte
	)
	if err := row.Scan(&c.ExternalID, &c.Name, &c.Description, &metadata, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return challenge.Challenge{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return challenge.Challenge{}, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return c, nil
}

func encodeMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, &challenge.ValidationError{Details: fmt.Sprintf("metadata is not serializable: %v", err)}
	}
	return b, nil
}

// classifyError turns data-exception (22) and integrity-constraint (23)
// failures into validation errors; everything else stays transient.
func classifyError(externalID string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return &challenge.ValidationError{
				Details: fmt.Sprintf("%s rejected by database: %s", externalID, pgErr.Message),
			}
		}
	}
	return fmt.Errorf("failed to upsert challenge %s: %w", externalID, err)
}
