// Package directory keeps the list of conversations the current user
// participates in, with their denormalized summaries and unread counts.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// recentMessages bounds the set of message ids remembered for
// idempotent unread counting.
const recentMessages = 4096

// Source loads the authoritative conversation list.
type Source interface {
	GetUserConversations(ctx context.Context) ([]model.Conversation, error)
}

// Filter narrows a listing.
type Filter struct {
	// Kinds keeps only these kinds. Empty means all.
	Kinds []model.ConversationKind
	// Search matches display name or last-message content, case-insensitively.
	Search string
}

// Directory holds the user's conversations. It is safe for concurrent use.
type Directory struct {
	userID string
	source Source
	logger *logger.Logger

	mu    sync.RWMutex
	convs map[string]*model.Conversation

	// seen remembers applied message ids so duplicate deliveries do not
	// inflate unread counts.
	seen    *lru.Cache
	refresh singleflight.Group
}

// New creates an empty directory for userID.
func New(userID string, source Source, log *logger.Logger) *Directory {
	if log == nil {
		log = logger.Global()
	}
	seen, _ := lru.New(recentMessages)
	return &Directory{
		userID: userID,
		source: source,
		logger: log,
		convs:  make(map[string]*model.Conversation),
		seen:   seen,
	}
}

// Refresh replaces local state with the server's list. Concurrent calls
// share one backend round-trip.
func (d *Directory) Refresh(ctx context.Context) error {
	_, err, _ := d.refresh.Do("refresh", func() (interface{}, error) {
		convs, err := d.source.GetUserConversations(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load conversations: %w", err)
		}
		d.replace(convs)
		return nil, nil
	})
	return err
}

func (d *Directory) replace(convs []model.Conversation) {
	next := make(map[string]*model.Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		if c.ID == "" {
			continue
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		next[c.ID] = &c
	}

	d.mu.Lock()
	d.convs = next
	d.mu.Unlock()

	d.logger.Debug("conversation directory refreshed", zap.Int("conversations", len(next)))
}

// Upsert adds or replaces a single conversation.
func (d *Directory) Upsert(c model.Conversation) {
	if c.ID == "" {
		return
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	d.mu.Lock()
	d.convs[c.ID] = &c
	d.mu.Unlock()
}

// Get returns a conversation by id.
func (d *Directory) Get(id string) (model.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.convs[id]
	if !ok {
		return model.Conversation{}, false
	}
	return *c, true
}

// List returns the conversations matching f, most recent activity first.
// Conversations without any message come last, ordered by name.
func (d *Directory) List(f Filter) []model.Conversation {
	search := strings.ToLower(strings.TrimSpace(f.Search))

	d.mu.RLock()
	out := make([]model.Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		if !matchKind(c.Kind, f.Kinds) || !matchSearch(c, search) {
			continue
		}
		out = append(out, *c)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a != nil && b != nil && !a.At.Equal(b.At):
			return a.At.After(b.At)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func matchKind(kind model.ConversationKind, kinds []model.ConversationKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func matchSearch(c *model.Conversation, search string) bool {
	if search == "" {
		return true
	}
	if strings.Contains(strings.ToLower(c.Name), search) {
		return true
	}
	return c.LastMessage != nil && strings.Contains(strings.ToLower(c.LastMessage.Content), search)
}

// UnreadCount returns the current user's unread count. It may briefly
// lag the server until the next refresh.
func (d *Directory) UnreadCount(id string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.convs[id]; ok && c.UnreadCount > 0 {
		return c.UnreadCount
	}
	return 0
}

// TotalUnread sums unread counts over all conversations.
func (d *Directory) TotalUnread() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, c := range d.convs {
		if c.UnreadCount > 0 {
			total += c.UnreadCount
		}
	}
	return total
}

// MarkRead moves the current user's read receipt to at and clears the
// badge. Other participants are untouched. Returns false for an unknown
// conversation.
func (d *Directory) MarkRead(id string, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[id]
	if !ok {
		return false
	}
	if c.LastReadAt == nil || at.After(*c.LastReadAt) {
		c.LastReadAt = &at
	}
	c.UnreadCount = 0
	for i := range c.Participants {
		if c.Participants[i].UserID == d.userID {
			c.Participants[i].LastReadAt = c.LastReadAt
		}
	}
	return true
}

// ApplyMessage folds an authoritative message into the directory. It
// advances the last-message summary and, unless the conversation is open
// and being read, counts unread messages from others. Duplicate
// deliveries are ignored. Returns whether anything changed.
func (d *Directory) ApplyMessage(msg model.Message, active bool) bool {
	if msg.ID == "" || msg.ConversationID == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.convs[msg.ConversationID]
	if !ok {
		// Unknown conversation, typically one just created by someone
		// else. The next refresh brings it in.
		return false
	}
	if msg.Deleted {
		if c.LastMessage != nil && c.LastMessage.MessageID == msg.ID {
			c.LastMessage.Content = ""
			return true
		}
		return false
	}
	if seen, _ := d.seen.ContainsOrAdd(msg.ID, struct{}{}); seen {
		if msg.Edited && c.LastMessage != nil && c.LastMessage.MessageID == msg.ID && c.LastMessage.Content != msg.Content {
			c.LastMessage.Content = msg.Content
			return true
		}
		return false
	}

	changed := false
	// A summary without a message id is a local send awaiting its echo.
	if c.LastMessage == nil || c.LastMessage.MessageID == "" || !msg.CreatedAt.Before(c.LastMessage.At) {
		c.LastMessage = &model.MessageSummary{
			MessageID: msg.ID,
			Content:   msg.Content,
			SenderID:  msg.SenderID,
			At:        msg.CreatedAt,
		}
		c.UpdatedAt = msg.CreatedAt
		changed = true
	}
	if active || msg.SenderID == d.userID {
		return changed
	}
	if c.LastReadAt == nil || msg.CreatedAt.After(*c.LastReadAt) {
		c.UnreadCount++
		changed = true
	}
	return changed
}

// ApplyLocalSend records the user's own send in the summary before the
// server confirms it. The next refresh or echo corrects any divergence.
func (d *Directory) ApplyLocalSend(conversationID, content string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[conversationID]
	if !ok {
		return
	}
	if c.LastMessage != nil && at.Before(c.LastMessage.At) {
		return
	}
	c.LastMessage = &model.MessageSummary{
		Content:  content,
		SenderID: d.userID,
		At:       at,
	}
}

// Len returns the number of conversations.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.convs)
}
