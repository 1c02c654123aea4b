package notification

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createNotificationsTableSQL = `
CREATE TABLE IF NOT EXISTS notifications (
  notification_id text PRIMARY KEY,
  correlation_id text NOT NULL UNIQUE,
  task_id text NOT NULL,
  user_id text NOT NULL,
  message text NOT NULL,
  delivered_at timestamptz NOT NULL,
  inserted_at timestamptz NOT NULL DEFAULT now()
)`

const createNotificationsUserIndexSQL = `
CREATE INDEX IF NOT EXISTS notifications_user_idx
ON notifications (user_id, delivered_at DESC)`

const insertNotificationSQL = `
INSERT INTO notifications (notification_id, correlation_id, task_id, user_id, message, delivered_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (correlation_id) DO NOTHING
`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createNotificationsTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createNotificationsUserIndexSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) Insert(ctx context.Context, n Notification) (bool, error) {
	tag, err := r.Pool.Exec(ctx, insertNotificationSQL,
		n.ID, n.CorrelationID, n.TaskID, n.UserID, n.Message, n.DeliveredAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
