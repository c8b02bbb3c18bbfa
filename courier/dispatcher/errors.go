package dispatcher

import "errors"

var (
	// ErrQueueRequired is returned when no queue is supplied.
	ErrQueueRequired = errors.New("dispatcher: queue is required")
	// ErrLockManagerRequired is returned when no lock manager is supplied.
	ErrLockManagerRequired = errors.New("dispatcher: lock manager is required")
	// ErrTransportRequired is returned when no transport is supplied.
	ErrTransportRequired = errors.New("dispatcher: transport is required")
	// ErrDispatcherRequired is returned for nil receivers.
	ErrDispatcherRequired = errors.New("dispatcher is required")
	// ErrDispatcherRunning is returned when Run is called twice.
	ErrDispatcherRunning = errors.New("dispatcher is already running")
)
