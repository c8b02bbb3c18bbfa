// Package dispatcher delivers queued items to the transport, one user at a
// time, under a per-user distributed lock.
//
// Each scan cycle reads the active-users set, tries the lock for every user
// and drains up to BatchSize items from the head of that user's queue. An
// item is removed only after the transport accepted it, so a crash between
// send and removal can cause a duplicate but never a loss. Transient failures
// are pushed back to the tail with retry_count+1; when retry_count reaches
// MaxRetries, or the error is classified as permanent, the item moves to the
// user's dead-letter list and is never redelivered automatically.
//
// On start, Recover scans every queue key in the store and re-adds users with
// pending items to the active set, which is empty after a cold restart.
package dispatcher
