package transport

import (
	"context"
	"errors"
	"fmt"
)

// Chat actions understood by every transport.
const (
	ActionTyping = "typing"
)

// ErrPermanent marks a delivery failure that will not succeed on retry, such
// as a chat that no longer exists or a user who blocked the bot.
var ErrPermanent = errors.New("transport: permanent delivery failure")

// ErrUnavailable is returned while the transport circuit is open.
var ErrUnavailable = errors.New("transport: unavailable")

// Transport sends messages and chat actions to a chat.
type Transport interface {
	SendChatAction(ctx context.Context, chatID int64, action string) error
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Permanent wraps err so errors.Is(err, ErrPermanent) reports true.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
