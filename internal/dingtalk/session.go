package dingtalk

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Session is the reply channel a callback carried for its conversation.
type Session struct {
	WebhookURL string
	ExpiresAt  time.Time
}

// Active reports whether the session can still be used at now. A zero
// expiry means the callback did not announce one.
func (s Session) Active(now time.Time) bool {
	return s.WebhookURL != "" && (s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt))
}

// SessionStore keeps the latest reply channel per conversation.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
	logger   *zap.Logger
}

// NewSessionStore creates an empty store.
func NewSessionStore(logger *zap.Logger) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]Session),
		now:      time.Now,
		logger:   logger,
	}
}

// Update replaces the channel of a conversation. Empty webhooks are ignored.
func (s *SessionStore) Update(conversationID, webhookURL string, expiresAt time.Time) {
	if webhookURL == "" {
		return
	}
	s.mu.Lock()
	s.sessions[conversationID] = Session{WebhookURL: webhookURL, ExpiresAt: expiresAt}
	s.mu.Unlock()
}

// Current returns the conversation's channel while it has not expired.
func (s *SessionStore) Current(conversationID string) (Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[conversationID]
	s.mu.RUnlock()
	if !ok || !sess.Active(s.now()) {
		return Session{}, false
	}
	return sess, true
}

// Sweep drops every session expired at now and returns how many were removed.
func (s *SessionStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if !sess.Active(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored sessions, expired or not.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Run sweeps expired sessions every interval until ctx is done.
func (s *SessionStore) Run(ctx context.Context, interval time.Duration) {
	s.logger.Info("Session sweeper started.", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Session sweeper stopped.")
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				s.logger.Debug("Dropped expired sessions", zap.Int("count", n))
			}
		}
	}
}
