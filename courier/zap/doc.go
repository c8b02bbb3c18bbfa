// Package zap provides the zap-backed implementation of courier's log.Logger.
//
// Log lines carry trace_id and span_id when the context holds an active span,
// and are mirrored to the OpenTelemetry logs bridge.
package zap
