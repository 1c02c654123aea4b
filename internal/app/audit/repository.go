package audit

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS audit_entries (
  correlation_id text PRIMARY KEY,
  event_type text NOT NULL,
  entity_id text NOT NULL,
  user_id text NOT NULL,
  payload jsonb NOT NULL DEFAULT '{}'::jsonb,
  occurred_at timestamptz NOT NULL,
  ingested_at timestamptz NOT NULL
)`

const createAuditEntityIndexSQL = `
CREATE INDEX IF NOT EXISTS audit_entries_entity_idx
ON audit_entries (entity_id, occurred_at)`

const appendEntrySQL = `
INSERT INTO audit_entries (correlation_id, event_type, entity_id, user_id, payload, occurred_at, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (correlation_id) DO NOTHING
`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createAuditTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createAuditEntityIndexSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) Append(ctx context.Context, entry Entry) (bool, error) {
	payload := entry.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	tag, err := r.Pool.Exec(ctx, appendEntrySQL,
		entry.CorrelationID, entry.EventType, entry.EntityID, entry.UserID,
		payload, entry.OccurredAt, entry.IngestedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
