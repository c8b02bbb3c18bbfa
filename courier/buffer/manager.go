package buffer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/runtime"
)

const component = "buffer"

var (
	// ErrNilManager is returned when a manager receiver is nil.
	ErrNilManager = errors.New("buffer: manager is nil")
	// ErrEmptyText is returned for blank fragments.
	ErrEmptyText = errors.New("buffer: text is empty")
	// ErrInvalidUserID is returned for non-positive user ids.
	ErrInvalidUserID = errors.New("buffer: user id must be positive")
	// ErrNilDispatchFunc is returned when scheduling without a callback.
	ErrNilDispatchFunc = errors.New("buffer: dispatch func is nil")
)

// DispatchFunc is invoked when a user's debounce timer expires.
type DispatchFunc func(ctx context.Context, userID int64)

// TypingNotifier sends chat actions.
type TypingNotifier interface {
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

type session struct {
	mu         sync.Mutex
	buffer     *Buffer
	chatID     int64
	timer      *time.Timer
	generation uint64
	typing     context.CancelFunc
}

func (s *session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *session) stopTypingLocked() {
	if s.typing != nil {
		s.typing()
		s.typing = nil
	}
}

// Manager owns every user's session.
type Manager struct {
	cfg    Config
	typing TypingNotifier
	logger log.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[int64]*session
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig replaces the configuration.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithTyping sets the notifier used for the typing indicator.
func WithTyping(notifier TypingNotifier) Option {
	return func(m *Manager) { m.typing = notifier }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Manager) { m.logger = log.OrNop(logger) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		cfg:      DefaultConfig(),
		logger:   log.NewNop(),
		now:      time.Now,
		sessions: make(map[int64]*session),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.cfg.normalize()

	return m
}

func (m *Manager) session(userID int64, create bool) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok && create {
		s = &session{buffer: newBuffer(userID, m.now())}
		m.sessions[userID] = s
	}

	return s
}

// liveSession returns userID's session locked, retrying when a concurrent
// sweep detached it between the lookup and the lock.
func (m *Manager) liveSession(userID int64) *session {
	for {
		s := m.session(userID, true)
		s.mu.Lock()

		m.mu.Lock()
		registered := m.sessions[userID] == s
		m.mu.Unlock()

		if registered {
			return s
		}

		s.mu.Unlock()
	}
}

// AddMessage buffers text for userID and reports whether the buffer now meets
// the immediate-dispatch condition. The first fragment of an empty buffer
// starts the typing indicator.
func (m *Manager) AddMessage(ctx context.Context, userID, chatID int64, text string) (bool, error) {
	if m == nil {
		return false, ErrNilManager
	}

	if userID <= 0 {
		return false, ErrInvalidUserID
	}

	if strings.TrimSpace(text) == "" {
		return false, ErrEmptyText
	}

	s := m.liveSession(userID)
	defer s.mu.Unlock()

	if chatID > 0 {
		s.chatID = chatID
	}

	if s.buffer.add(NewFragment(userID, text, m.now())) {
		m.startTypingLocked(ctx, s)
	}

	return m.ShouldDispatchImmediately(s.buffer), nil
}

// ShouldDispatchImmediately reports whether b holds MaxMessages fragments or a
// fragment of at least WordCountThreshold words.
func (m *Manager) ShouldDispatchImmediately(b *Buffer) bool {
	if m == nil || b == nil {
		return false
	}

	fragments := b.Fragments()
	if len(fragments) >= m.cfg.MaxMessages {
		return true
	}

	for _, f := range fragments {
		if f.WordCount >= m.cfg.WordCountThreshold {
			return true
		}
	}

	return false
}

// AdaptiveTimeout returns the debounce delay for userID: LongTimeout while the
// immediate condition holds, ShortTimeout otherwise.
func (m *Manager) AdaptiveTimeout(userID int64) time.Duration {
	if m == nil {
		return DefaultConfig().ShortTimeout
	}

	s := m.session(userID, false)
	if s != nil && m.ShouldDispatchImmediately(s.buffer) {
		return m.cfg.LongTimeout
	}

	return m.cfg.ShortTimeout
}

// ScheduleDispatch replaces the user's pending timer with a new one that calls
// fn after AdaptiveTimeout. It also stops the typing indicator.
func (m *Manager) ScheduleDispatch(ctx context.Context, userID int64, fn DispatchFunc) error {
	if m == nil {
		return ErrNilManager
	}

	if fn == nil {
		return ErrNilDispatchFunc
	}

	timeout := m.AdaptiveTimeout(userID)
	callbackCtx := context.WithoutCancel(ctx)

	s := m.liveSession(userID)
	defer s.mu.Unlock()

	s.stopTimerLocked()
	s.stopTypingLocked()

	s.generation++
	generation := s.generation

	s.timer = time.AfterFunc(timeout, func() {
		defer runtime.RecoverAndLogWithContext(callbackCtx, m.logger, component, "dispatch_timer")

		s.mu.Lock()
		current := s.generation == generation
		if current {
			s.timer = nil
		}
		s.mu.Unlock()

		if !current {
			return
		}

		fn(callbackCtx, userID)
	})

	return nil
}

// DispatchBuffer takes every buffered fragment for userID and returns them
// joined by newlines. It returns false when there was nothing buffered.
func (m *Manager) DispatchBuffer(userID int64) (string, bool) {
	if m == nil {
		return "", false
	}

	s := m.session(userID, false)
	if s == nil {
		return "", false
	}

	s.mu.Lock()
	s.stopTypingLocked()
	s.mu.Unlock()

	fragments := s.buffer.drain()
	if len(fragments) == 0 {
		return "", false
	}

	return Join(fragments), true
}

// ChatID returns the chat the user's last fragment arrived on.
func (m *Manager) ChatID(userID int64) (int64, bool) {
	if m == nil {
		return 0, false
	}

	s := m.session(userID, false)
	if s == nil {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.chatID, s.chatID > 0
}

// Buffer returns the user's buffer, if a session exists.
func (m *Manager) Buffer(userID int64) (*Buffer, bool) {
	if m == nil {
		return nil, false
	}

	s := m.session(userID, false)
	if s == nil {
		return nil, false
	}

	return s.buffer, true
}

// Sessions returns the number of tracked users.
func (m *Manager) Sessions() int {
	if m == nil {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

// CleanupInactive removes sessions idle for longer than maxAge, cancelling
// their timers and typing indicators. It returns how many were removed.
// Writers lock sessions through liveSession, so a fragment never lands in a
// session this sweep has already detached.
func (m *Manager) CleanupInactive(maxAge time.Duration) int {
	if m == nil {
		return 0
	}

	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()

	var stale []*session

	for userID, s := range m.sessions {
		if s.buffer.idleSince(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, userID)
		}
	}

	m.mu.Unlock()

	for _, s := range stale {
		s.mu.Lock()
		s.generation++
		s.stopTimerLocked()
		s.stopTypingLocked()
		s.mu.Unlock()
	}

	return len(stale)
}

// RunCleanup reaps inactive sessions every CleanupInterval until ctx is
// cancelled.
func (m *Manager) RunCleanup(ctx context.Context) error {
	if m == nil {
		return ErrNilManager
	}

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.CleanupInactive(m.cfg.InactiveTTL); n > 0 {
				m.logger.Log(ctx, log.LevelDebug, "inactive buffers reaped", log.Int("count", n))
			}
		}
	}
}

// Close cancels every timer and typing indicator.
func (m *Manager) Close() {
	if m == nil {
		return
	}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[int64]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.generation++
		s.stopTimerLocked()
		s.stopTypingLocked()
		s.mu.Unlock()
	}
}
