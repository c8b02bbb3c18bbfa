// Package tasks is a delayed task framework on a Redis sorted set.
//
// Submit stores a task envelope under task:{id} and adds the id to
// tasks:scheduled scored by its eta in Unix milliseconds. Workers poll for due
// ids and claim each one with ZREM; only the worker whose ZREM removed the
// member runs the handler. Revoke is best-effort: it removes the id and the
// envelope, but a task a worker already claimed keeps running, so handlers that
// must not act after cancellation check their own state.
//
// A claimed task that crashes its worker before completion is not redelivered.
package tasks
