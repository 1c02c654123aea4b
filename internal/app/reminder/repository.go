package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createRemindersTableSQL = `
CREATE TABLE IF NOT EXISTS reminders (
  reminder_id text PRIMARY KEY,
  task_id text NOT NULL,
  user_id text NOT NULL,
  title text NOT NULL DEFAULT '',
  task_due_at timestamptz,
  remind_at timestamptz NOT NULL,
  status text NOT NULL DEFAULT 'PENDING',
  sent_at timestamptz,
  job_ref text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const createUnscheduledIndexSQL = `
CREATE INDEX IF NOT EXISTS reminders_unscheduled_idx
ON reminders (remind_at)
WHERE status = 'PENDING' AND job_ref = ''`

const insertReminderSQL = `
INSERT INTO reminders (reminder_id, task_id, user_id, title, task_due_at, remind_at, status, job_ref, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const getReminderSQL = `
SELECT reminder_id, task_id, user_id, title, COALESCE(task_due_at, 'epoch'::timestamptz), remind_at, status, sent_at, job_ref, created_at
FROM reminders
WHERE reminder_id = $1
`

const updateRemindAtSQL = `
UPDATE reminders
SET remind_at = $2, job_ref = $3, updated_at = now()
WHERE reminder_id = $1 AND status = 'PENDING'
`

const setJobRefSQL = `
UPDATE reminders
SET job_ref = $2, updated_at = now()
WHERE reminder_id = $1 AND status = 'PENDING'
`

const markSentSQL = `
UPDATE reminders
SET status = 'SENT', sent_at = $2, updated_at = now()
WHERE reminder_id = $1 AND status = 'PENDING'
`

const markFailedSQL = `
UPDATE reminders
SET status = 'FAILED', updated_at = now()
WHERE reminder_id = $1 AND status = 'PENDING'
`

const markCancelledSQL = `
UPDATE reminders
SET status = 'CANCELLED', updated_at = now()
WHERE reminder_id = $1 AND status = 'PENDING'
`

const listUnscheduledSQL = `
SELECT reminder_id, task_id, user_id, title, COALESCE(task_due_at, 'epoch'::timestamptz), remind_at, status, sent_at, job_ref, created_at
FROM reminders
WHERE status = 'PENDING' AND job_ref = ''
ORDER BY remind_at
LIMIT $1
`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createRemindersTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createUnscheduledIndexSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) Insert(ctx context.Context, rem Reminder) error {
	_, err := r.Pool.Exec(ctx, insertReminderSQL,
		rem.ID, rem.TaskID, rem.UserID, rem.Title, nullableTime(rem.TaskDueAt),
		rem.RemindAt, rem.Status, rem.JobRef, rem.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Reminder, error) {
	var rem Reminder
	err := r.Pool.QueryRow(ctx, getReminderSQL, id).Scan(
		&rem.ID, &rem.TaskID, &rem.UserID, &rem.Title, &rem.TaskDueAt,
		&rem.RemindAt, &rem.Status, &rem.SentAt, &rem.JobRef, &rem.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, err
	}
	return rem, nil
}

func (r *PostgresRepository) UpdateRemindAt(ctx context.Context, id string, remindAt time.Time, jobRef string) (bool, error) {
	tag, err := r.Pool.Exec(ctx, updateRemindAtSQL, id, remindAt, jobRef)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) SetJobRef(ctx context.Context, id, jobRef string) (bool, error) {
	tag, err := r.Pool.Exec(ctx, setJobRefSQL, id, jobRef)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error) {
	tag, err := r.Pool.Exec(ctx, markSentSQL, id, sentAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id string) (bool, error) {
	tag, err := r.Pool.Exec(ctx, markFailedSQL, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) MarkCancelled(ctx context.Context, id string) (bool, error) {
	tag, err := r.Pool.Exec(ctx, markCancelledSQL, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) ListUnscheduled(ctx context.Context, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, listUnscheduledSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rems []Reminder
	for rows.Next() {
		var rem Reminder
		if err := rows.Scan(
			&rem.ID, &rem.TaskID, &rem.UserID, &rem.Title, &rem.TaskDueAt,
			&rem.RemindAt, &rem.Status, &rem.SentAt, &rem.JobRef, &rem.CreatedAt,
		); err != nil {
			return nil, err
		}
		rems = append(rems, rem)
	}
	return rems, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
