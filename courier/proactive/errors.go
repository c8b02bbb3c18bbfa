package proactive

import "errors"

var (
	// ErrNilScheduler is returned when a scheduler receiver is nil.
	ErrNilScheduler = errors.New("proactive: scheduler is nil")
	// ErrSubmitterRequired is returned when no task submitter is configured.
	ErrSubmitterRequired = errors.New("proactive: task submitter is required")
	// ErrEnqueuerRequired is returned when no delivery queue is configured.
	ErrEnqueuerRequired = errors.New("proactive: delivery queue is required")
	// ErrResponderRequired is returned when no responder is configured.
	ErrResponderRequired = errors.New("proactive: responder is required")
	// ErrUnknownChat is returned when scheduling for a user whose chat is not known yet.
	ErrUnknownChat = errors.New("proactive: chat id unknown for user")
	// ErrInvalidUserID is returned for non-positive user ids.
	ErrInvalidUserID = errors.New("proactive: user id must be positive")
	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("proactive: invalid config")
	// ErrEmptyOutreach is returned when the responder produced no text.
	ErrEmptyOutreach = errors.New("proactive: responder returned empty text")
)
