// Package courier wires the buffering, ordered delivery and proactive
// scheduling pipeline into a single Runtime and runs its long-lived
// components through a Launcher.
//
// Inbound text flows through buffer.Manager into a Responder, the reply is
// split and enqueued by queue.Queue, and dispatcher.Dispatcher delivers it
// under a per-user distributed lock. proactive.Scheduler shares the same
// queue and store and is reset by every inbound message.
package courier
