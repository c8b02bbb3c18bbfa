package buffer

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"github.com/LerianStudio/lib-courier/courier/transport"
)

// startTypingLocked sends the typing action now and every TypingInterval
// until the session's typing cancel func runs. s.mu must be held.
func (m *Manager) startTypingLocked(ctx context.Context, s *session) {
	if m.typing == nil || s.chatID <= 0 {
		return
	}

	s.stopTypingLocked()

	typingCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.typing = cancel
	chatID := s.chatID
	userID := s.buffer.UserID()

	runtime.SafeGoWithContextAndComponent(typingCtx, m.logger, component, "typing_indicator", runtime.KeepRunning,
		func(ctx context.Context) {
			ticker := time.NewTicker(m.cfg.TypingInterval)
			defer ticker.Stop()

			for {
				if err := m.typing.SendChatAction(ctx, chatID, transport.ActionTyping); err != nil && ctx.Err() == nil {
					m.logger.Log(ctx, log.LevelDebug, "typing action failed", log.UserID(userID), log.Err(err))
				}

				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		})
}
