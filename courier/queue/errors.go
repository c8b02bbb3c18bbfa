package queue

import (
	"errors"
	"fmt"
)

// ErrValidation is the root of every enqueue argument error. Nothing is
// written to the store when it is returned.
var ErrValidation = errors.New("queue: validation error")

var (
	// ErrInvalidUserID is returned for non-positive user ids.
	ErrInvalidUserID = fmt.Errorf("%w: user_id must be positive", ErrValidation)
	// ErrInvalidChatID is returned for non-positive chat ids.
	ErrInvalidChatID = fmt.Errorf("%w: chat_id must be positive", ErrValidation)
	// ErrEmptyText is returned for blank text.
	ErrEmptyText = fmt.Errorf("%w: text must not be empty", ErrValidation)
	// ErrInvalidMessageType is returned for message types outside the allow-list.
	ErrInvalidMessageType = fmt.Errorf("%w: message_type not allowed", ErrValidation)
)

var (
	// ErrNilQueue is returned when a queue receiver is nil.
	ErrNilQueue = errors.New("queue is nil")
	// ErrNilItem is returned when an operation receives a nil item.
	ErrNilItem = errors.New("queue item is nil")
	// ErrItemNotFound is returned when an item is no longer at its recorded position.
	ErrItemNotFound = errors.New("queue item not found")
)
