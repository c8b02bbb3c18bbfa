package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"
)

// ErrEmptyToken is returned when no bot token is configured.
var ErrEmptyToken = errors.New("transport: telegram bot token is required")

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	Token string
	// APIServer overrides https://api.telegram.org.
	APIServer string
	// RatePerSecond caps outbound calls across every chat.
	RatePerSecond float64
	Burst         int
	HTTPTimeout   time.Duration
}

// DefaultTelegramConfig stays under the Bot API global limit of 30 messages per second.
func DefaultTelegramConfig() TelegramConfig {
	return TelegramConfig{
		RatePerSecond: 25,
		Burst:         5,
		HTTPTimeout:   30 * time.Second,
	}
}

// Telegram is a Transport on the Telegram Bot API.
type Telegram struct {
	bot     *telego.Bot
	limiter *rate.Limiter
	logger  log.Logger
}

var _ Transport = (*Telegram)(nil)

// NewTelegram creates a bot client from cfg.
func NewTelegram(cfg TelegramConfig, logger log.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrEmptyToken
	}

	defaults := DefaultTelegramConfig()

	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaults.RatePerSecond
	}

	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}

	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaults.HTTPTimeout
	}

	opts := []telego.BotOption{
		telego.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		telego.WithDiscardLogger(),
	}

	if cfg.APIServer != "" {
		opts = append(opts, telego.WithAPIServer(cfg.APIServer))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Telegram{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  log.OrNop(logger),
	}, nil
}

// Bot exposes the underlying client for update polling.
func (t *Telegram) Bot() *telego.Bot { return t.bot }

// SendChatAction sends a chat action such as ActionTyping.
func (t *Telegram) SendChatAction(ctx context.Context, chatID int64, action string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := t.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), action)); err != nil {
		return classify(err)
	}

	return nil
}

// SendMessage sends text to chatID.
func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return classify(err)
	}

	return nil
}

var permanentDescriptions = []string{
	"chat not found",
	"user is deactivated",
	"bot was blocked",
	"bot was kicked",
	"peer_id_invalid",
}

// classify marks Bot API errors that no retry can fix as permanent.
func classify(err error) error {
	var apiErr *telegoapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	if apiErr.ErrorCode == http.StatusForbidden {
		return Permanent(err)
	}

	if apiErr.ErrorCode == http.StatusBadRequest {
		description := strings.ToLower(apiErr.Description)

		for _, marker := range permanentDescriptions {
			if strings.Contains(description, marker) {
				return Permanent(err)
			}
		}
	}

	return err
}
