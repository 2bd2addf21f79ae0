// Package presence tracks who is online and who is typing.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/messaging-core/internal/clock"
	"github.com/capitalize-ai/messaging-core/internal/model"
)

// DefaultStaleAfter is how long a presence record stays trustworthy
// without a refresh.
const DefaultStaleAfter = 2 * time.Minute

// Tracker keeps the newest presence record per user.
type Tracker struct {
	mu         sync.RWMutex
	records    map[string]model.Presence
	staleAfter time.Duration
	clock      clock.Clock
}

// NewTracker creates an empty tracker.
func NewTracker(staleAfter time.Duration, clk clock.Clock) *Tracker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{
		records:    make(map[string]model.Presence),
		staleAfter: staleAfter,
		clock:      clk,
	}
}

// Apply folds a presence event in. A record older than the one held is
// ignored. Returns whether the held record changed.
func (t *Tracker) Apply(ev model.PresenceEvent) bool {
	p := ev.Presence
	if p.UserID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.records[p.UserID]
	if ev.Op == model.OpDelete {
		if !ok {
			return false
		}
		delete(t.records, p.UserID)
		return true
	}
	if ok {
		if p.LastSeen.Before(cur.LastSeen) {
			return false
		}
		if p == cur {
			return false
		}
	}
	t.records[p.UserID] = p
	return true
}

// Seed loads records fetched from the backend.
func (t *Tracker) Seed(records []model.Presence) {
	for _, p := range records {
		t.Apply(model.PresenceEvent{Op: model.OpUpdate, Presence: p})
	}
}

// Get returns the effective status of userID. A record that has not been
// refreshed within the staleness threshold reads as offline and is
// flagged stale.
func (t *Tracker) Get(userID string) model.PresenceStatus {
	t.mu.RLock()
	p, ok := t.records[userID]
	t.mu.RUnlock()

	if !ok {
		return model.PresenceStatus{Presence: model.Presence{UserID: userID}}
	}
	return t.status(p)
}

func (t *Tracker) status(p model.Presence) model.PresenceStatus {
	stale := t.clock.Now().Sub(p.LastSeen) > t.staleAfter
	return model.PresenceStatus{
		Presence: p,
		Online:   p.IsOnline && !stale,
		Stale:    stale,
		Known:    true,
	}
}

// GetMany returns the effective status of each user, in input order.
func (t *Tracker) GetMany(userIDs []string) []model.PresenceStatus {
	out := make([]model.PresenceStatus, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, t.Get(id))
	}
	return out
}

// Online returns the ids of users currently considered online, sorted.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, p := range t.records {
		if t.status(p).Online {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Clear forgets every record.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.records = make(map[string]model.Presence)
	t.mu.Unlock()
}
