// Package backoff provides exponential backoff and bounded random offsets used
// for delivery retries, task retries and proactive schedule jitter.
package backoff
