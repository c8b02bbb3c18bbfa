// Package runtime launches goroutines that survive panics and records each
// recovered panic in logs, the active span and an OpenTelemetry counter.
package runtime
