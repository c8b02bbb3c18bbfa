package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	courierredis "github.com/LerianStudio/lib-courier/courier/redis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName    = "github.com/LerianStudio/lib-courier/courier/queue"
	scanBatchSize = 200
)

// Queue is the shared per-user ordered queue.
type Queue struct {
	rdb           redis.UniversalClient
	keys          courierredis.Keys
	maxPartLength int
	logger        log.Logger
	tracer        trace.Tracer
	now           func() time.Time
	newID         func() string
}

// Option configures a Queue.
type Option func(*Queue)

// WithKeys sets the key layout.
func WithKeys(keys courierredis.Keys) Option {
	return func(q *Queue) { q.keys = keys }
}

// WithMaxPartLength overrides the transport size limit.
func WithMaxPartLength(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxPartLength = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(q *Queue) { q.logger = log.OrNop(logger) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New builds a queue on rdb.
func New(rdb redis.UniversalClient, opts ...Option) (*Queue, error) {
	if rdb == nil {
		return nil, courierredis.ErrNilClient
	}

	q := &Queue{
		rdb:           rdb,
		keys:          courierredis.NewKeys(""),
		maxPartLength: MaxPartLength,
		logger:        log.NewNop(),
		tracer:        otel.Tracer(tracerName),
		now:           time.Now,
		newID:         uuid.NewString,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}

	return q, nil
}

// Keys returns the key layout in use.
func (q *Queue) Keys() courierredis.Keys { return q.keys }

// Enqueue validates, splits and pushes text for userID as one contiguous run
// of parts, then marks the user active.
func (q *Queue) Enqueue(ctx context.Context, userID, chatID int64, text string, messageType MessageType) ([]Item, error) {
	if q == nil {
		return nil, ErrNilQueue
	}

	if err := validate(userID, chatID, text, messageType); err != nil {
		return nil, err
	}

	ctx, span := q.tracer.Start(ctx, "queue.enqueue")
	defer span.End()

	parts := Split(text, q.maxPartLength)
	if len(parts) == 0 {
		return nil, ErrEmptyText
	}

	now := q.now().UTC()
	items := make([]Item, len(parts))
	values := make([]any, len(parts))

	for i, part := range parts {
		items[i] = Item{
			ID:          q.newID(),
			UserID:      userID,
			ChatID:      chatID,
			Text:        part,
			MessageType: messageType,
			PartIndex:   i,
			TotalParts:  len(parts),
			EnqueuedAt:  now,
		}

		raw, err := items[i].encode()
		if err != nil {
			return nil, err
		}

		items[i].raw = raw
		values[i] = raw
	}

	span.SetAttributes(
		attribute.Int64("courier.user_id", userID),
		attribute.Int("courier.total_parts", len(parts)),
		attribute.String("courier.message_type", string(messageType)),
	)

	if err := q.rdb.RPush(ctx, q.keys.Queue(userID), values...).Err(); err != nil {
		opentelemetry.HandleSpanError(span, "Failed to push queue items", err)

		return nil, fmt.Errorf("enqueue: push: %w", err)
	}

	if err := q.MarkActive(ctx, userID); err != nil {
		opentelemetry.HandleSpanError(span, "Failed to mark user active", err)

		return items, err
	}

	q.logger.Log(ctx, log.LevelDebug, "message enqueued",
		log.UserID(userID),
		log.Int("total_parts", len(parts)),
		log.String("message_type", string(messageType)),
	)

	return items, nil
}

func validate(userID, chatID int64, text string, messageType MessageType) error {
	switch {
	case userID <= 0:
		return ErrInvalidUserID
	case chatID <= 0:
		return ErrInvalidChatID
	case strings.TrimSpace(text) == "":
		return ErrEmptyText
	case !messageType.Valid():
		return fmt.Errorf("%w: %q", ErrInvalidMessageType, messageType)
	}

	return nil
}

// Peek returns the head of the user's queue without removing it, or nil when
// the queue is empty. Undecodable heads are moved to the dead-letter list.
func (q *Queue) Peek(ctx context.Context, userID int64) (*Item, error) {
	if q == nil {
		return nil, ErrNilQueue
	}

	key := q.keys.Queue(userID)

	for {
		raw, err := q.rdb.LIndex(ctx, key, 0).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		if err != nil {
			return nil, fmt.Errorf("peek: %w", err)
		}

		item, decodeErr := decodeItem(raw)
		if decodeErr == nil {
			return item, nil
		}

		q.logger.Log(ctx, log.LevelWarn, "corrupt queue item moved to dead letters", log.UserID(userID), log.Err(decodeErr))

		if err := q.quarantine(ctx, userID, raw, decodeErr); err != nil {
			return nil, err
		}
	}
}

func (q *Queue) quarantine(ctx context.Context, userID int64, raw string, cause error) error {
	record := DeadLetter{
		Item:           Item{UserID: userID},
		Reason:         ReasonCorrupt,
		LastError:      cause.Error(),
		DeadLetteredAt: q.now().UTC(),
		RawPayload:     raw,
	}

	if err := q.pushDeadLetter(ctx, userID, record); err != nil {
		return err
	}

	return q.remove(ctx, userID, raw)
}

// Ack permanently removes a delivered item.
func (q *Queue) Ack(ctx context.Context, item *Item) error {
	if q == nil {
		return ErrNilQueue
	}

	if item == nil {
		return ErrNilItem
	}

	return q.remove(ctx, item.UserID, item.raw)
}

// Retry pushes a copy of item with an incremented retry count to the tail of
// its queue and removes the original. The updated item is returned.
func (q *Queue) Retry(ctx context.Context, item *Item, cause error) (*Item, error) {
	if q == nil {
		return nil, ErrNilQueue
	}

	if item == nil {
		return nil, ErrNilItem
	}

	next := *item
	next.RetryCount++
	next.raw = ""

	if cause != nil {
		next.LastError = cause.Error()
	}

	raw, err := next.encode()
	if err != nil {
		return nil, err
	}

	next.raw = raw

	if err := q.rdb.RPush(ctx, q.keys.Queue(item.UserID), raw).Err(); err != nil {
		return nil, fmt.Errorf("retry: push: %w", err)
	}

	if err := q.remove(ctx, item.UserID, item.raw); err != nil {
		return &next, err
	}

	return &next, nil
}

// DeadLetter moves item to the user's dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, item *Item, reason DeadLetterReason, cause error) (*DeadLetter, error) {
	if q == nil {
		return nil, ErrNilQueue
	}

	if item == nil {
		return nil, ErrNilItem
	}

	record := DeadLetter{
		Item:           *item,
		Reason:         reason,
		Attempts:       item.RetryCount,
		DeadLetteredAt: q.now().UTC(),
	}

	if cause != nil {
		record.LastError = cause.Error()
		record.Item.LastError = cause.Error()
	}

	if err := q.pushDeadLetter(ctx, item.UserID, record); err != nil {
		return nil, err
	}

	if err := q.remove(ctx, item.UserID, item.raw); err != nil {
		return &record, err
	}

	return &record, nil
}

func (q *Queue) pushDeadLetter(ctx context.Context, userID int64, record DeadLetter) error {
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	if err := q.rdb.RPush(ctx, q.keys.DeadLetter(userID), string(b)).Err(); err != nil {
		return fmt.Errorf("dead letter: push: %w", err)
	}

	return nil
}

func (q *Queue) remove(ctx context.Context, userID int64, raw string) error {
	if raw == "" {
		return ErrItemNotFound
	}

	removed, err := q.rdb.LRem(ctx, q.keys.Queue(userID), 1, raw).Result()
	if err != nil {
		return fmt.Errorf("remove queue item: %w", err)
	}

	if removed == 0 {
		return ErrItemNotFound
	}

	return nil
}

// Len returns the number of live items for userID.
func (q *Queue) Len(ctx context.Context, userID int64) (int64, error) {
	if q == nil {
		return 0, ErrNilQueue
	}

	n, err := q.rdb.LLen(ctx, q.keys.Queue(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}

	return n, nil
}

// Items returns the live items for userID in delivery order.
func (q *Queue) Items(ctx context.Context, userID int64) ([]Item, error) {
	if q == nil {
		return nil, ErrNilQueue
	}

	raws, err := q.rdb.LRange(ctx, q.keys.Queue(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}

	items := make([]Item, 0, len(raws))

	for _, raw := range raws {
		item, err := decodeItem(raw)
		if err != nil {
			q.logger.Log(ctx, log.LevelWarn, "skipping corrupt queue item", log.UserID(userID), log.Err(err))
			continue
		}

		items = append(items, *item)
	}

	return items, nil
}

// MarkActive adds userID to the active-users set.
func (q *Queue) MarkActive(ctx context.Context, userID int64) error {
	if q == nil {
		return ErrNilQueue
	}

	if err := q.rdb.SAdd(ctx, q.keys.ActiveUsers(), strconv.FormatInt(userID, 10)).Err(); err != nil {
		return fmt.Errorf("mark active: %w", err)
	}

	return nil
}

// DeactivateIfEmpty removes userID from the active set when its queue is empty.
// A push that lands between the length check and the removal re-adds the user.
func (q *Queue) DeactivateIfEmpty(ctx context.Context, userID int64) (bool, error) {
	n, err := q.Len(ctx, userID)
	if err != nil {
		return false, err
	}

	if n > 0 {
		return false, nil
	}

	member := strconv.FormatInt(userID, 10)

	if err := q.rdb.SRem(ctx, q.keys.ActiveUsers(), member).Err(); err != nil {
		return false, fmt.Errorf("deactivate: %w", err)
	}

	n, err = q.Len(ctx, userID)
	if err != nil {
		return true, err
	}

	if n > 0 {
		return false, q.MarkActive(ctx, userID)
	}

	return true, nil
}

// ActiveUsers returns the users with pending work, sorted ascending.
func (q *Queue) ActiveUsers(ctx context.Context) ([]int64, error) {
	if q == nil {
		return nil, ErrNilQueue
	}

	members, err := q.rdb.SMembers(ctx, q.keys.ActiveUsers()).Result()
	if err != nil {
		return nil, fmt.Errorf("active users: %w", err)
	}

	users := make([]int64, 0, len(members))

	for _, m := range members {
		userID, err := strconv.ParseInt(m, 10, 64)
		if err != nil || userID <= 0 {
			q.logger.Log(ctx, log.LevelWarn, "ignoring malformed active user entry", log.String("member", m))
			continue
		}

		users = append(users, userID)
	}

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	return users, nil
}

// ScanQueuedUsers walks every per-user queue key in the store and returns the
// users whose queue is non-empty. It does not consult the active set.
func (q *Queue) ScanQueuedUsers(ctx context.Context) ([]int64, error) {
	if q == nil {
		return nil, ErrNilQueue
	}

	var (
		cursor uint64
		users  []int64
	)

	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, q.keys.QueuePattern(), scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("scan queues: %w", err)
		}

		for _, key := range keys {
			userID, ok := q.keys.UserFromQueueKey(key)
			if !ok {
				continue
			}

			n, err := q.rdb.LLen(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("scan queues: length of %s: %w", key, err)
			}

			if n > 0 {
				users = append(users, userID)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	return users, nil
}

// DeadLetters returns the dead-letter records for userID, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, userID int64) ([]DeadLetter, error) {
	if q == nil {
		return nil, ErrNilQueue
	}

	raws, err := q.rdb.LRange(ctx, q.keys.DeadLetter(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	records := make([]DeadLetter, 0, len(raws))

	for _, raw := range raws {
		var record DeadLetter
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			q.logger.Log(ctx, log.LevelWarn, "skipping corrupt dead letter", log.UserID(userID), log.Err(err))
			continue
		}

		records = append(records, record)
	}

	return records, nil
}

// RequeueDeadLetters moves every recoverable dead letter of userID back to the
// tail of the live queue with a fresh retry budget. It only runs on operator
// request; the dispatcher never calls it.
func (q *Queue) RequeueDeadLetters(ctx context.Context, userID int64) (int, error) {
	if q == nil {
		return 0, ErrNilQueue
	}

	dlqKey := q.keys.DeadLetter(userID)
	moved := 0

	var kept []any

	for {
		raw, err := q.rdb.LPop(ctx, dlqKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}

		if err != nil {
			return moved, fmt.Errorf("requeue dead letters: pop: %w", err)
		}

		var record DeadLetter
		if err := json.Unmarshal([]byte(raw), &record); err != nil || record.Reason == ReasonCorrupt {
			kept = append(kept, raw)
			continue
		}

		item := record.Item
		item.RetryCount = 0
		item.LastError = ""
		item.raw = ""

		encoded, err := item.encode()
		if err != nil {
			return moved, err
		}

		if err := q.rdb.RPush(ctx, q.keys.Queue(userID), encoded).Err(); err != nil {
			_ = q.rdb.LPush(ctx, dlqKey, raw).Err()

			return moved, fmt.Errorf("requeue dead letters: push: %w", err)
		}

		moved++
	}

	if len(kept) > 0 {
		q.logger.Log(ctx, log.LevelWarn, "unrecoverable dead letters left in place", log.UserID(userID), log.Int("count", len(kept)))

		if err := q.rdb.RPush(ctx, dlqKey, kept...).Err(); err != nil {
			return moved, fmt.Errorf("requeue dead letters: restore: %w", err)
		}
	}

	if moved > 0 {
		if err := q.MarkActive(ctx, userID); err != nil {
			return moved, err
		}
	}

	return moved, nil
}
