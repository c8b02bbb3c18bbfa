// Package ingest turns Telegram updates into inbound user messages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"github.com/mymmrac/telego"
)

var (
	// ErrNilSource is returned when no update source is configured.
	ErrNilSource = errors.New("ingest: update source is required")
	// ErrNilHandler is returned when no inbound handler is configured.
	ErrNilHandler = errors.New("ingest: handler is required")
	// ErrUpdatesClosed is returned when the update stream ends before ctx.
	ErrUpdatesClosed = errors.New("ingest: update stream closed")
)

// Handler receives one inbound text message.
type Handler interface {
	HandleInbound(ctx context.Context, userID, chatID int64, text string) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, userID, chatID int64, text string) error

// HandleInbound calls f.
func (f HandlerFunc) HandleInbound(ctx context.Context, userID, chatID int64, text string) error {
	return f(ctx, userID, chatID, text)
}

// Source opens an update stream that closes when ctx is done.
type Source func(ctx context.Context) (<-chan telego.Update, error)

// LongPolling polls getUpdates with the given server-side timeout in seconds.
func LongPolling(bot *telego.Bot, timeoutSeconds int) Source {
	return func(ctx context.Context) (<-chan telego.Update, error) {
		return bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
			Timeout:        timeoutSeconds,
			AllowedUpdates: []string{"message"},
		})
	}
}

// Listener feeds text messages from a Source into a Handler.
type Listener struct {
	source  Source
	handler Handler
	logger  log.Logger
}

// New builds a Listener.
func New(source Source, handler Handler, logger log.Logger) (*Listener, error) {
	if source == nil {
		return nil, ErrNilSource
	}

	if handler == nil {
		return nil, ErrNilHandler
	}

	return &Listener{source: source, handler: handler, logger: log.OrNop(logger)}, nil
}

// Run consumes updates until ctx is cancelled. Handler errors and panics are
// logged and never stop the loop.
func (l *Listener) Run(ctx context.Context) error {
	updates, err := l.source(ctx)
	if err != nil {
		return fmt.Errorf("ingest: open update stream: %w", err)
	}

	l.logger.Log(ctx, log.LevelInfo, "listening for telegram updates")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				return ErrUpdatesClosed
			}

			l.handle(ctx, update)
		}
	}
}

func (l *Listener) handle(ctx context.Context, update telego.Update) {
	defer runtime.RecoverAndLogWithContext(ctx, l.logger, "ingest", "handle_update")

	msg := update.Message
	if msg == nil || msg.From == nil {
		l.logger.Log(ctx, log.LevelDebug, "skipping update without message", log.Int("update_id", update.UpdateID))

		return
	}

	if msg.From.IsBot {
		return
	}

	if strings.TrimSpace(msg.Text) == "" {
		l.logger.Log(ctx, log.LevelDebug, "skipping non-text message", log.UserID(msg.From.ID))

		return
	}

	if err := l.handler.HandleInbound(ctx, msg.From.ID, msg.Chat.ID, msg.Text); err != nil {
		l.logger.Log(ctx, log.LevelWarn, "inbound message rejected",
			log.UserID(msg.From.ID), log.Int64("chat_id", msg.Chat.ID), log.Err(err))
	}
}
