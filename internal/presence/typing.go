package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/clock"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

const (
	// DefaultTypingTTL bounds how long a typing indicator is shown
	// without a refresh, even if the stop event never arrives.
	DefaultTypingTTL = 5 * time.Second
	// DefaultTypingDebounce is the minimum spacing between typing writes
	// for one conversation.
	DefaultTypingDebounce = 2 * time.Second
)

// TypingWriter persists the user's own typing indicator.
type TypingWriter interface {
	UpsertTyping(ctx context.Context, t model.TypingIndicator) error
	DeleteTyping(ctx context.Context, conversationID string) error
}

// TypingConfig configures a TypingManager.
type TypingConfig struct {
	UserID   string
	Writer   TypingWriter
	TTL      time.Duration
	Debounce time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
	Logger   *logger.Logger
}

// TypingManager holds who is typing where and emits the user's own
// indicator at a bounded rate.
type TypingManager struct {
	cfg TypingConfig

	mu sync.Mutex
	// typing maps conversation id to user id to expiry.
	typing   map[string]map[string]time.Time
	lastSent map[string]time.Time
}

// NewTypingManager creates an empty manager.
func NewTypingManager(cfg TypingConfig) *TypingManager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTypingTTL
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultTypingDebounce
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}
	return &TypingManager{
		cfg:      cfg,
		typing:   make(map[string]map[string]time.Time),
		lastSent: make(map[string]time.Time),
	}
}

// Apply folds a typing event in. The stored expiry never exceeds the
// local TTL, so a lost stop event clears itself. The user's own
// indicator is ignored. Returns whether the visible set changed.
func (m *TypingManager) Apply(ev model.TypingEvent) bool {
	ind := ev.Indicator
	if ind.ConversationID == "" || ind.UserID == "" || ind.UserID == m.cfg.UserID {
		return false
	}

	now := m.cfg.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	users := m.typing[ind.ConversationID]
	if ev.Op == model.OpDelete {
		if _, ok := users[ind.UserID]; !ok {
			return false
		}
		delete(users, ind.UserID)
		if len(users) == 0 {
			delete(m.typing, ind.ConversationID)
		}
		return true
	}

	expiry := now.Add(m.cfg.TTL)
	if !ind.ExpiresAt.IsZero() && ind.ExpiresAt.Before(expiry) {
		expiry = ind.ExpiresAt
	}
	if !expiry.After(now) {
		return false
	}
	if users == nil {
		users = make(map[string]time.Time)
		m.typing[ind.ConversationID] = users
	}
	prev, existed := users[ind.UserID]
	users[ind.UserID] = expiry
	return !existed || !prev.After(now)
}

// Active returns the users typing in a conversation, sorted by user id.
// Expired indicators are never returned.
func (m *TypingManager) Active(conversationID string) []model.TypingIndicator {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.TypingIndicator
	for userID, expiry := range m.typing[conversationID] {
		if !expiry.After(now) {
			continue
		}
		out = append(out, model.TypingIndicator{
			ConversationID: conversationID,
			UserID:         userID,
			ExpiresAt:      expiry,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Sweep removes expired indicators and returns the conversations whose
// typing set changed.
func (m *TypingManager) Sweep() []string {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var changed []string
	for convID, users := range m.typing {
		removed := false
		for userID, expiry := range users {
			if !expiry.After(now) {
				delete(users, userID)
				removed = true
			}
		}
		if len(users) == 0 {
			delete(m.typing, convID)
		}
		if removed {
			changed = append(changed, convID)
		}
	}
	sort.Strings(changed)
	return changed
}

// Notify reports that the user is typing in a conversation. Calls within
// the debounce window of the last write are absorbed. Returns whether a
// write was made.
func (m *TypingManager) Notify(ctx context.Context, conversationID string) (bool, error) {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	if last, ok := m.lastSent[conversationID]; ok && now.Sub(last) < m.cfg.Debounce {
		m.mu.Unlock()
		metrics.TypingEventsTotal.WithLabelValues("debounced").Inc()
		return false, nil
	}
	m.lastSent[conversationID] = now
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	err := m.cfg.Writer.UpsertTyping(ctx, model.TypingIndicator{
		ConversationID: conversationID,
		UserID:         m.cfg.UserID,
		StartedAt:      now,
		ExpiresAt:      now.Add(m.cfg.TTL),
	})
	if err != nil {
		m.mu.Lock()
		if m.lastSent[conversationID].Equal(now) {
			delete(m.lastSent, conversationID)
		}
		m.mu.Unlock()
		metrics.TypingEventsTotal.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("failed to send typing indicator: %w", err)
	}
	metrics.TypingEventsTotal.WithLabelValues("sent").Inc()
	return true, nil
}

// Stop withdraws the user's indicator and resets the debounce, so the
// next keystroke is sent immediately.
func (m *TypingManager) Stop(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	_, sent := m.lastSent[conversationID]
	delete(m.lastSent, conversationID)
	m.mu.Unlock()

	if !sent {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if err := m.cfg.Writer.DeleteTyping(ctx, conversationID); err != nil {
		m.cfg.Logger.Debug("failed to clear typing indicator",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to clear typing indicator: %w", err)
	}
	return nil
}

// StopAll withdraws every indicator the user still has out.
func (m *TypingManager) StopAll(ctx context.Context) {
	m.mu.Lock()
	convs := make([]string, 0, len(m.lastSent))
	for id := range m.lastSent {
		convs = append(convs, id)
	}
	m.mu.Unlock()

	for _, id := range convs {
		_ = m.Stop(ctx, id)
	}
}

// Clear forgets every received indicator.
func (m *TypingManager) Clear() {
	m.mu.Lock()
	m.typing = make(map[string]map[string]time.Time)
	m.mu.Unlock()
}
