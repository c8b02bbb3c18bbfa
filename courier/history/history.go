// Package history stores the recent conversation per user so outreach prompts
// can be built from it.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/LerianStudio/lib-courier/courier/log"
	courierredis "github.com/LerianStudio/lib-courier/courier/redis"
	"github.com/redis/go-redis/v9"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const defaultMaxEntries = 200

var (
	// ErrNilRepository is returned when a repository receiver is nil.
	ErrNilRepository = errors.New("history: repository is nil")
	// ErrInvalidRole is returned for roles other than user and assistant.
	ErrInvalidRole = errors.New("history: invalid role")
)

// Entry is one conversation turn.
type Entry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Repository is the conversation history surface consumed by the scheduler.
type Repository interface {
	Append(ctx context.Context, userID int64, role, text string) error
	FetchRecent(ctx context.Context, userID int64, budget int) ([]Entry, error)
}

// RedisRepository keeps a capped list of entries per user.
type RedisRepository struct {
	rdb        redis.UniversalClient
	keys       courierredis.Keys
	maxEntries int
	logger     log.Logger
	now        func() time.Time
}

var _ Repository = (*RedisRepository)(nil)

// Option configures a RedisRepository.
type Option func(*RedisRepository)

// WithKeys sets the key layout.
func WithKeys(keys courierredis.Keys) Option {
	return func(r *RedisRepository) { r.keys = keys }
}

// WithMaxEntries caps the stored entries per user.
func WithMaxEntries(n int) Option {
	return func(r *RedisRepository) {
		if n > 0 {
			r.maxEntries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(r *RedisRepository) { r.logger = log.OrNop(logger) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *RedisRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRedisRepository builds a repository on rdb.
func NewRedisRepository(rdb redis.UniversalClient, opts ...Option) (*RedisRepository, error) {
	if rdb == nil {
		return nil, courierredis.ErrNilClient
	}

	r := &RedisRepository{
		rdb:        rdb,
		keys:       courierredis.NewKeys(""),
		maxEntries: defaultMaxEntries,
		logger:     log.NewNop(),
		now:        time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r, nil
}

// Append records one turn and trims the list to the newest entries.
func (r *RedisRepository) Append(ctx context.Context, userID int64, role, text string) error {
	if r == nil {
		return ErrNilRepository
	}

	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	if strings.TrimSpace(text) == "" {
		return nil
	}

	b, err := json.Marshal(Entry{Role: role, Text: text, At: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}

	key := r.keys.History(userID)

	if err := r.rdb.RPush(ctx, key, b).Err(); err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	if err := r.rdb.LTrim(ctx, key, int64(-r.maxEntries), -1).Err(); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}

	return nil
}

// FetchRecent returns the newest entries whose combined text fits in budget
// characters, oldest first. A budget <= 0 returns every stored entry.
func (r *RedisRepository) FetchRecent(ctx context.Context, userID int64, budget int) ([]Entry, error) {
	if r == nil {
		return nil, ErrNilRepository
	}

	raws, err := r.rdb.LRange(ctx, r.keys.History(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	var (
		picked []Entry
		used   int
	)

	for i := len(raws) - 1; i >= 0; i-- {
		var entry Entry
		if err := json.Unmarshal([]byte(raws[i]), &entry); err != nil {
			r.logger.Log(ctx, log.LevelWarn, "skipping unreadable history entry", log.UserID(userID), log.Err(err))

			continue
		}

		size := utf8.RuneCountInString(entry.Text)
		if budget > 0 && used+size > budget {
			break
		}

		used += size
		picked = append(picked, entry)
	}

	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}

	return picked, nil
}
