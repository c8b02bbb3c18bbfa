package redis

import (
	"strconv"
	"strings"
)

// DefaultKeyPrefix namespaces every courier key.
const DefaultKeyPrefix = "courier"

// Keys builds the store key layout for one deployment.
//
//	{prefix}:queue:{user_id}                 list of queue items (FIFO)
//	{prefix}:dlq:{user_id}                   list of dead-letter records
//	{prefix}:active_users                    set of users with pending work
//	{prefix}:lock:user:{user_id}             dispatcher lock
//	{prefix}:engagement:{user_id}            proactive engagement state
//	{prefix}:pending:{user_id}               hash message_type -> task id
//	{prefix}:revoked:{user_id}:{type}        set of revoked task ids
//	{prefix}:tasks:scheduled                 sorted set of task ids by eta
//	{prefix}:task:{task_id}                  task envelope
//	{prefix}:history:{user_id}               list of conversation entries
type Keys struct {
	prefix string
}

// NewKeys returns a key builder. An empty prefix falls back to DefaultKeyPrefix.
func NewKeys(prefix string) Keys {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return Keys{prefix: prefix}
}

// Prefix returns the configured namespace.
func (k Keys) Prefix() string { return k.orDefault() }

func (k Keys) orDefault() string {
	if k.prefix == "" {
		return DefaultKeyPrefix
	}

	return k.prefix
}

func (k Keys) join(parts ...string) string {
	return k.orDefault() + ":" + strings.Join(parts, ":")
}

func id(userID int64) string { return strconv.FormatInt(userID, 10) }

// Queue is the per-user FIFO list.
func (k Keys) Queue(userID int64) string { return k.join("queue", id(userID)) }

// QueuePattern matches every per-user queue for SCAN.
func (k Keys) QueuePattern() string { return k.join("queue", "*") }

// UserFromQueueKey parses the user id out of a Queue key.
func (k Keys) UserFromQueueKey(key string) (int64, bool) {
	raw, ok := strings.CutPrefix(key, k.join("queue", ""))
	if !ok {
		return 0, false
	}

	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, false
	}

	return userID, true
}

// DeadLetter is the per-user dead-letter list.
func (k Keys) DeadLetter(userID int64) string { return k.join("dlq", id(userID)) }

// ActiveUsers is the set of users with pending queue work.
func (k Keys) ActiveUsers() string { return k.join("active_users") }

// UserLock is the dispatcher lock for one user.
func (k Keys) UserLock(userID int64) string { return k.join("lock", "user", id(userID)) }

// Engagement is the proactive state blob for one user.
func (k Keys) Engagement(userID int64) string { return k.join("engagement", id(userID)) }

// EngagementPattern matches every engagement blob for SCAN.
func (k Keys) EngagementPattern() string { return k.join("engagement", "*") }

// Pending is the hash of message type to pending task id for one user.
func (k Keys) Pending(userID int64) string { return k.join("pending", id(userID)) }

// Revoked is the set of revoked task ids for one user and message type.
func (k Keys) Revoked(userID int64, messageType string) string {
	return k.join("revoked", id(userID), messageType)
}

// ScheduledTasks is the sorted set of delayed task ids scored by eta.
func (k Keys) ScheduledTasks() string { return k.join("tasks", "scheduled") }

// Task is the envelope of one delayed task.
func (k Keys) Task(taskID string) string { return k.join("task", taskID) }

// History is the per-user conversation list.
func (k Keys) History(userID int64) string { return k.join("history", id(userID)) }
