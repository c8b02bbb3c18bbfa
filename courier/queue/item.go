package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType classifies an outbound message.
type MessageType string

// Allowed message types.
const (
	TypeResponse     MessageType = "response"
	TypeProactive    MessageType = "proactive"
	TypeNotification MessageType = "notification"
)

// Valid reports whether t is in the allow-list.
func (t MessageType) Valid() bool {
	switch t {
	case TypeResponse, TypeProactive, TypeNotification:
		return true
	default:
		return false
	}
}

// Item is one size-bounded part of an outbound message.
//
// Everything except RetryCount and LastError is fixed at enqueue time.
type Item struct {
	ID          string      `json:"id"`
	UserID      int64       `json:"user_id"`
	ChatID      int64       `json:"chat_id"`
	Text        string      `json:"text_part"`
	MessageType MessageType `json:"message_type"`
	PartIndex   int         `json:"part_index"`
	TotalParts  int         `json:"total_parts"`
	RetryCount  int         `json:"retry_count"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
	LastError   string      `json:"last_error,omitempty"`

	raw string
}

// Raw returns the stored encoding the item was read from, if any.
func (i *Item) Raw() string { return i.raw }

func (i *Item) encode() (string, error) {
	b, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("encode queue item: %w", err)
	}

	return string(b), nil
}

func decodeItem(raw string) (*Item, error) {
	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("decode queue item: %w", err)
	}

	item.raw = raw

	return &item, nil
}

// DeadLetterReason explains why an item left the live queue.
type DeadLetterReason string

// Dead-letter reasons.
const (
	ReasonMaxRetries DeadLetterReason = "max_retries_exceeded"
	ReasonPermanent  DeadLetterReason = "permanent_error"
	ReasonCorrupt    DeadLetterReason = "corrupt_payload"
)

// DeadLetter wraps an item that will never be redelivered automatically.
type DeadLetter struct {
	Item           Item             `json:"item"`
	Reason         DeadLetterReason `json:"reason"`
	LastError      string           `json:"last_error,omitempty"`
	Attempts       int              `json:"attempts"`
	DeadLetteredAt time.Time        `json:"dead_lettered_at"`
	RawPayload     string           `json:"raw_payload,omitempty"`
}
