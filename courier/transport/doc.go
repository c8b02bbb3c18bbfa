// Package transport defines the chat transport consumed by the dispatcher and
// the typing indicator, plus its Telegram implementation, a circuit-breaker
// wrapper and an in-memory recorder for tests.
package transport
