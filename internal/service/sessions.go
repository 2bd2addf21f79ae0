// Package service keeps one messaging session per signed-in user.
package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/session"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// Factory builds an unstarted session for a user.
type Factory func(userID string) *session.Session

// SessionService owns the sessions of all signed-in users.
type SessionService struct {
	factory Factory
	logger  *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewSessionService creates a new session service.
func NewSessionService(factory Factory, log *logger.Logger) *SessionService {
	return &SessionService{
		factory:  factory,
		logger:   log,
		sessions: make(map[string]*session.Session),
	}
}

// Start returns the user's running session, starting one if needed.
func (s *SessionService) Start(ctx context.Context, userID string) (*session.Session, error) {
	if sess, ok := s.Get(userID); ok {
		return sess, nil
	}

	s.mu.Lock()
	if sess, ok := s.sessions[userID]; ok && !sess.Done() {
		s.mu.Unlock()
		return sess, nil
	}
	sess := s.factory(userID)
	s.sessions[userID] = sess
	s.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		s.mu.Lock()
		if s.sessions[userID] == sess {
			delete(s.sessions, userID)
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	s.logger.Info("session opened",
		zap.String("user_id", userID),
		zap.String("session_id", sess.ID),
	)
	return sess, nil
}

// Get returns the user's running session.
func (s *SessionService) Get(userID string) (*session.Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[userID]
	s.mu.RUnlock()

	if !ok || sess.Done() {
		return nil, false
	}
	return sess, true
}

// Stop closes the user's session. Returns false if there was none.
func (s *SessionService) Stop(userID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	delete(s.sessions, userID)
	s.mu.Unlock()

	if !ok {
		return false
	}
	sess.Close()
	s.logger.Info("session ended", zap.String("user_id", userID))
	return true
}

// Len returns the number of sessions held.
func (s *SessionService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown closes every session.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session.Session)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			sess.Close()
		}(sess)
	}
	wg.Wait()
	s.logger.Info("all sessions closed", zap.Int("count", len(sessions)))
}
