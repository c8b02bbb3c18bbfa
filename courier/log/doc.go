// Package log defines the logging interface used across courier and its typed fields.
//
// Backends (such as the zap package) implement Logger so every component logs
// through the same structured surface.
package log
