package transport

import (
	"context"
	"sync"
)

// Sent is one message observed by a Recorder.
type Sent struct {
	ChatID int64
	Text   string
}

// Recorder is an in-memory Transport that records calls. Fail, when set, is
// consulted before each SendMessage and its error is returned instead.
type Recorder struct {
	mu      sync.Mutex
	sent    []Sent
	actions []Sent

	Fail func(chatID int64, text string) error
}

var _ Transport = (*Recorder)(nil)

// SendChatAction records the action.
func (r *Recorder) SendChatAction(_ context.Context, chatID int64, action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actions = append(r.actions, Sent{ChatID: chatID, Text: action})

	return nil
}

// SendMessage records the message unless Fail returns an error.
func (r *Recorder) SendMessage(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	fail := r.Fail
	r.mu.Unlock()

	if fail != nil {
		if err := fail(chatID, text); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sent = append(r.sent, Sent{ChatID: chatID, Text: text})

	return nil
}

// SetFail replaces the failure hook.
func (r *Recorder) SetFail(fn func(chatID int64, text string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Fail = fn
}

// Messages returns a copy of the delivered messages in order.
func (r *Recorder) Messages() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Sent(nil), r.sent...)
}

// MessagesTo returns the texts delivered to chatID in order.
func (r *Recorder) MessagesTo(chatID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var texts []string

	for _, s := range r.sent {
		if s.ChatID == chatID {
			texts = append(texts, s.Text)
		}
	}

	return texts
}

// Actions returns a copy of the chat actions in order.
func (r *Recorder) Actions() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Sent(nil), r.actions...)
}
