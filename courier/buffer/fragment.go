package buffer

import (
	"strings"
	"sync"
	"time"
)

// Fragment is one inbound text piece.
type Fragment struct {
	UserID     int64
	Text       string
	ReceivedAt time.Time
	WordCount  int
}

// NewFragment builds a fragment and counts its whitespace-separated words.
func NewFragment(userID int64, text string, receivedAt time.Time) Fragment {
	return Fragment{
		UserID:     userID,
		Text:       text,
		ReceivedAt: receivedAt,
		WordCount:  len(strings.Fields(text)),
	}
}

// Buffer holds one user's fragments in arrival order.
type Buffer struct {
	mu           sync.Mutex
	userID       int64
	fragments    []Fragment
	lastActivity time.Time
}

func newBuffer(userID int64, now time.Time) *Buffer {
	return &Buffer{userID: userID, lastActivity: now}
}

// add appends f and reports whether the buffer was empty before.
func (b *Buffer) add(f Fragment) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasEmpty := len(b.fragments) == 0
	b.fragments = append(b.fragments, f)
	b.lastActivity = f.ReceivedAt

	return wasEmpty
}

// drain removes and returns every fragment.
func (b *Buffer) drain() []Fragment {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.fragments
	b.fragments = nil

	return out
}

// UserID returns the owner of the buffer.
func (b *Buffer) UserID() int64 { return b.userID }

// Len returns the number of buffered fragments.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.fragments)
}

// Fragments returns a copy of the buffered fragments.
func (b *Buffer) Fragments() []Fragment {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Fragment(nil), b.fragments...)
}

// LastActivity returns when the last fragment arrived.
func (b *Buffer) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lastActivity
}

func (b *Buffer) idleSince(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lastActivity.Before(cutoff)
}

// Join concatenates fragment texts with a single newline in order.
func Join(fragments []Fragment) string {
	texts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		texts = append(texts, f.Text)
	}

	return strings.Join(texts, "\n")
}
