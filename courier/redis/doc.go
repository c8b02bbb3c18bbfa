// Package redis provides the shared key/value store client, the per-user
// distributed lock and the key layout used by every courier component.
//
// The store is the single source of truth for queues, dead letters, locks,
// delayed tasks and proactive engagement state. Each mutation is a single
// atomic command; nothing relies on MULTI/EXEC.
package redis
