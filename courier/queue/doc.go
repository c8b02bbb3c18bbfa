// Package queue implements the per-user ordered outbound queue.
//
// Outbound text is split into size-bounded parts at enqueue time and pushed
// with a single RPUSH, so parts of one message are contiguous and numbered
// 0..N-1 before any worker sees them. Users with pending work are tracked in
// an active-users set that the dispatcher scans.
//
// A retried item is pushed back to the tail of its queue. Anything enqueued
// for the same user after the original attempt is therefore delivered before
// the retry. Per-user ordering is strict only on the non-retry path.
package queue
