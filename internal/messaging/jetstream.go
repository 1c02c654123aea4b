package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	taskEventsStream  = "TASK_EVENTS"
	remindersStream   = "REMINDERS"
	taskUpdatesStream = "TASK_UPDATES"
)

// Sync envelopes are ephemeral: a client that was not connected reconciles
// through the read API, so the update stream only needs a short tail.
const taskUpdatesMaxAge = 10 * time.Minute

// EnsureStreams creates (or validates) the three streams:
// - task.event.>    task lifecycle envelopes
// - task.reminder.> reminder.due envelopes
// - task.update.>   sync envelopes for the realtime streamers
func EnsureStreams(js nats.JetStreamContext) error {
	streams := []*nats.StreamConfig{
		{
			Name:      taskEventsStream,
			Subjects:  []string{"task.event.>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			// Suppress duplicate publishes of the same logical event
			// (keyed by Nats-Msg-Id) inside this window.
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
		{
			Name:       remindersStream,
			Subjects:   []string{"task.reminder.>"},
			Retention:  nats.LimitsPolicy,
			Storage:    nats.FileStorage,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
		{
			Name:      taskUpdatesStream,
			Subjects:  []string{"task.update.>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    taskUpdatesMaxAge,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.StreamInfo(cfg.Name); err != nil {
			if errors.Is(err, nats.ErrStreamNotFound) {
				if _, addErr := js.AddStream(cfg); addErr != nil {
					return addErr
				}
				continue
			}
			return err
		}
	}
	return nil
}
