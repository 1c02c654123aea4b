package recurrence

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createCyclesTableSQL = `
CREATE TABLE IF NOT EXISTS recurrence_cycles (
  correlation_id text PRIMARY KEY,
  spawned_task_id text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const cycleExistsSQL = `
SELECT EXISTS (SELECT 1 FROM recurrence_cycles WHERE correlation_id = $1)
`

const recordCycleSQL = `
INSERT INTO recurrence_cycles (correlation_id, spawned_task_id)
VALUES ($1, $2)
ON CONFLICT (correlation_id) DO NOTHING
`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createCyclesTableSQL)
	return err
}

func (r *PostgresRepository) Exists(ctx context.Context, correlationID string) (bool, error) {
	var exists bool
	if err := r.Pool.QueryRow(ctx, cycleExistsSQL, correlationID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PostgresRepository) Record(ctx context.Context, correlationID, spawnedTaskID string) error {
	_, err := r.Pool.Exec(ctx, recordCycleSQL, correlationID, spawnedTaskID)
	return err
}
