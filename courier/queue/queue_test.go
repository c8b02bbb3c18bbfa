//go:build unit

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	courierredis "github.com/LerianStudio/lib-courier/courier/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)

	q, err := New(rdb, opts...)
	require.NoError(t, err)

	return q, mr
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, courierredis.ErrNilClient)
}

func TestEnqueueValidationLeavesStoreUntouched(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		userID int64
		chatID int64
		text   string
		mtype  MessageType
		want   error
	}{
		{name: "negative user", userID: -1, chatID: 10, text: "hi", mtype: TypeResponse, want: ErrInvalidUserID},
		{name: "zero chat", userID: 1, chatID: 0, text: "hi", mtype: TypeResponse, want: ErrInvalidChatID},
		{name: "blank text", userID: 1, chatID: 10, text: " \n ", mtype: TypeResponse, want: ErrEmptyText},
		{name: "unknown type", userID: 1, chatID: 10, text: "hi", mtype: "broadcast", want: ErrInvalidMessageType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := q.Enqueue(ctx, tt.userID, tt.chatID, tt.text, tt.mtype)
			require.ErrorIs(t, err, tt.want)
			require.ErrorIs(t, err, ErrValidation)
			assert.Nil(t, items)
			assert.Empty(t, mr.Keys(), "validation failure must not touch the store")
		})
	}
}

func TestEnqueueSplitsAndNumbersParts(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	long := strings.TrimSpace(strings.Repeat("word ", 1700))
	text := "intro\n\n" + long

	items, err := q.Enqueue(ctx, 7, 70, text, TypeResponse)
	require.NoError(t, err)
	require.Len(t, items, 4)

	stored, err := mr.List("courier:queue:7")
	require.NoError(t, err)
	require.Len(t, stored, len(items))

	for i, raw := range stored {
		var item Item
		require.NoError(t, json.Unmarshal([]byte(raw), &item))

		assert.Equal(t, i, item.PartIndex)
		assert.Equal(t, len(items), item.TotalParts)
		assert.Equal(t, 0, item.RetryCount)
		assert.Equal(t, int64(70), item.ChatID)
		assert.Equal(t, TypeResponse, item.MessageType)
		assert.True(t, fixedNow.Equal(item.EnqueuedAt))
		assert.NotEmpty(t, item.ID)
		assert.LessOrEqual(t, len([]rune(item.Text)), MaxPartLength)
	}

	assert.Equal(t, "intro", items[0].Text)

	isMember, err := mr.SIsMember("courier:active_users", "7")
	require.NoError(t, err)
	assert.True(t, isMember)
}

func TestEnqueueAppendsAfterExistingItems(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 3, 30, "one", TypeResponse)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, 3, 30, "two\n\nthree", TypeProactive)
	require.NoError(t, err)

	items, err := q.Items(ctx, 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{items[0].Text, items[1].Text, items[2].Text})
	assert.Equal(t, []int{0, 0, 1}, []int{items[0].PartIndex, items[1].PartIndex, items[2].PartIndex})
}

func TestPeekAckLifecycle(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	empty, err := q.Peek(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = q.Enqueue(ctx, 5, 50, "a\n\nb", TypeResponse)
	require.NoError(t, err)

	head, err := q.Peek(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "a", head.Text)

	require.NoError(t, q.Ack(ctx, head))
	assert.ErrorIs(t, q.Ack(ctx, head), ErrItemNotFound)

	head, err = q.Peek(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "b", head.Text)

	n, err := q.Len(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRetryMovesItemToTailWithIncrementedCount(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 8, 80, "first\n\nsecond", TypeResponse)
	require.NoError(t, err)

	head, err := q.Peek(ctx, 8)
	require.NoError(t, err)

	retried, err := q.Retry(ctx, head, errors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, "timeout", retried.LastError)
	assert.Equal(t, head.ID, retried.ID)

	items, err := q.Items(ctx, 8)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "second", items[0].Text)
	assert.Equal(t, "first", items[1].Text)
	assert.Equal(t, 1, items[1].RetryCount)
}

func TestDeadLetterRecordsReason(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 9, 90, "doomed", TypeNotification)
	require.NoError(t, err)

	head, err := q.Peek(ctx, 9)
	require.NoError(t, err)

	record, err := q.DeadLetter(ctx, head, ReasonMaxRetries, errors.New("gateway down"))
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxRetries, record.Reason)

	n, err := q.Len(ctx, 9)
	require.NoError(t, err)
	assert.Zero(t, n)

	records, err := q.DeadLetters(ctx, 9)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "doomed", records[0].Item.Text)
	assert.Equal(t, "gateway down", records[0].LastError)
	assert.True(t, fixedNow.Equal(records[0].DeadLetteredAt))
}

func TestPeekQuarantinesCorruptHead(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := mr.RPush("courier:queue:4", "{not json")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, 4, 40, "valid", TypeResponse)
	require.NoError(t, err)

	head, err := q.Peek(ctx, 4)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "valid", head.Text)

	records, err := q.DeadLetters(ctx, 4)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ReasonCorrupt, records[0].Reason)
	assert.Equal(t, "{not json", records[0].RawPayload)
}

func TestDeactivateIfEmpty(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 11, 110, "x", TypeResponse)
	require.NoError(t, err)

	removed, err := q.DeactivateIfEmpty(ctx, 11)
	require.NoError(t, err)
	assert.False(t, removed)

	head, err := q.Peek(ctx, 11)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, head))

	removed, err = q.DeactivateIfEmpty(ctx, 11)
	require.NoError(t, err)
	assert.True(t, removed)

	// Removing the last member drops the set itself.
	assert.False(t, mr.Exists("courier:active_users"))

	users, err := q.ActiveUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestActiveUsersSkipsMalformedMembers(t *testing.T) {
	q, mr := newTestQueue(t)

	_, err := mr.SAdd("courier:active_users", "3", "garbage", "1", "-2")
	require.NoError(t, err)

	users, err := q.ActiveUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, users)
}

func TestScanQueuedUsersFindsNonEmptyQueues(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	for i := int64(1); i <= 250; i++ {
		_, err := mr.RPush(fmt.Sprintf("courier:queue:%d", i), "{}")
		require.NoError(t, err)
	}

	_, err := mr.RPush("courier:dlq:999", "{}")
	require.NoError(t, err)

	users, err := q.ScanQueuedUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 250)
	assert.Equal(t, int64(1), users[0])
	assert.Equal(t, int64(250), users[249])
}

func TestRequeueDeadLettersResetsRetryBudget(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 12, 120, "again", TypeResponse)
	require.NoError(t, err)

	head, err := q.Peek(ctx, 12)
	require.NoError(t, err)
	head.RetryCount = 3
	_, err = q.DeadLetter(ctx, head, ReasonMaxRetries, errors.New("x"))
	require.NoError(t, err)

	_, err = mr.RPush("courier:dlq:12", "{broken")
	require.NoError(t, err)

	moved, err := q.RequeueDeadLetters(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	items, err := q.Items(ctx, 12)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].RetryCount)
	assert.Empty(t, items[0].LastError)

	left, err := mr.List("courier:dlq:12")
	require.NoError(t, err)
	assert.Equal(t, []string{"{broken"}, left)
}

func TestMessageTypeValid(t *testing.T) {
	assert.True(t, TypeResponse.Valid())
	assert.True(t, TypeProactive.Valid())
	assert.True(t, TypeNotification.Valid())
	assert.False(t, MessageType("").Valid())
}

func TestNilQueueReceivers(t *testing.T) {
	var q *Queue

	_, err := q.Enqueue(context.Background(), 1, 1, "x", TypeResponse)
	assert.ErrorIs(t, err, ErrNilQueue)
	_, err = q.Peek(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNilQueue)
}
