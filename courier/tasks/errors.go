package tasks

import (
	"errors"
	"fmt"
)

var (
	// ErrNilClient is returned when a client receiver is nil.
	ErrNilClient = errors.New("tasks: client is nil")
	// ErrNilWorker is returned when a worker receiver is nil.
	ErrNilWorker = errors.New("tasks: worker is nil")
	// ErrEmptyTaskName is returned when a task or handler name is blank.
	ErrEmptyTaskName = errors.New("tasks: task name is required")
	// ErrEmptyTaskID is returned when a task id is blank.
	ErrEmptyTaskID = errors.New("tasks: task id is required")
	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("tasks: handler is nil")
	// ErrHandlerExists is returned when a name is registered twice.
	ErrHandlerExists = errors.New("tasks: handler already registered")
	// ErrTaskNotFound is returned when the envelope is missing.
	ErrTaskNotFound = errors.New("tasks: task not found")
	// ErrWorkerRunning is returned when Run is called twice.
	ErrWorkerRunning = errors.New("tasks: worker already running")
	// ErrNoRetry marks a handler error that must not be retried.
	ErrNoRetry = errors.New("tasks: do not retry")
)

// NoRetry wraps err so the worker drops the task instead of retrying it.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrNoRetry, err)
}
