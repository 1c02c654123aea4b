package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions per stream. Delivery order
// is preserved per entity because an entity always hashes to the same
// shard token; nothing is guaranteed across entities.
const ShardCount = 256

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// TaskEventSubject returns the subject a task lifecycle envelope is
// published on. Format: task.event.{shard_id}.task.{task_id}
func TaskEventSubject(taskID string) string {
	return fmt.Sprintf("task.event.%d.task.%s", GetShardID(taskID), taskID)
}

// ReminderSubject returns the subject a reminder.due envelope is published
// on, keyed by the reminder id.
func ReminderSubject(reminderID string) string {
	return fmt.Sprintf("task.reminder.%d.reminder.%s", GetShardID(reminderID), reminderID)
}

// UpdateSubject returns the subject a sync envelope is published on, keyed
// by the owning user so per-user ordering is preserved.
func UpdateSubject(userID string) string {
	return fmt.Sprintf("task.update.%d.user.%s", GetShardID(userID), userID)
}
