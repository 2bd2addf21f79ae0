package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/messaging-core/internal/clock"
	"github.com/capitalize-ai/messaging-core/internal/model"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeWriter struct {
	mu       sync.Mutex
	presence []model.Presence
	typing   []model.TypingIndicator
	deleted  []string
	err      error
}

func (f *fakeWriter) UpsertPresence(ctx context.Context, p model.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, p)
	return f.err
}

func (f *fakeWriter) UpsertTyping(ctx context.Context, t model.TypingIndicator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.typing = append(f.typing, t)
	return nil
}

func (f *fakeWriter) DeleteTyping(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, conversationID)
	return f.err
}

func (f *fakeWriter) presenceWrites() []model.Presence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Presence(nil), f.presence...)
}

func TestTrackerKeepsNewest(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := NewTracker(time.Minute, clk)

	assert.True(t, tr.Apply(model.PresenceEvent{Op: model.OpUpdate, Presence: model.Presence{UserID: "u2", IsOnline: true, LastSeen: t0}}))
	assert.False(t, tr.Apply(model.PresenceEvent{Op: model.OpUpdate, Presence: model.Presence{UserID: "u2", IsOnline: false, LastSeen: t0.Add(-time.Second)}}))
	assert.False(t, tr.Apply(model.PresenceEvent{Op: model.OpUpdate, Presence: model.Presence{UserID: "u2", IsOnline: true, LastSeen: t0}}))

	st := tr.Get("u2")
	assert.True(t, st.Known)
	assert.True(t, st.Online)
	assert.False(t, st.Stale)
	assert.Equal(t, []string{"u2"}, tr.Online())
}

func TestTrackerStaleReadsOffline(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := NewTracker(time.Minute, clk)
	tr.Seed([]model.Presence{{UserID: "u2", IsOnline: true, LastSeen: t0}})

	clk.Advance(2 * time.Minute)
	st := tr.Get("u2")
	assert.True(t, st.IsOnline, "raw record is kept")
	assert.False(t, st.Online)
	assert.True(t, st.Stale)
	assert.Empty(t, tr.Online())
}

func TestTrackerUnknownUser(t *testing.T) {
	tr := NewTracker(0, clock.NewFake(t0))
	st := tr.Get("nobody")
	assert.False(t, st.Known)
	assert.False(t, st.Online)
	assert.Equal(t, "nobody", st.UserID)
}

func TestTrackerDelete(t *testing.T) {
	tr := NewTracker(time.Minute, clock.NewFake(t0))
	tr.Apply(model.PresenceEvent{Op: model.OpInsert, Presence: model.Presence{UserID: "u2", IsOnline: true, LastSeen: t0}})
	assert.True(t, tr.Apply(model.PresenceEvent{Op: model.OpDelete, Presence: model.Presence{UserID: "u2"}}))
	assert.False(t, tr.Get("u2").Known)
}

func TestHeartbeatLifecycle(t *testing.T) {
	w := &fakeWriter{}
	clk := clock.NewFake(t0)
	hb := NewHeartbeat(HeartbeatConfig{UserID: "u1", Writer: w, Interval: time.Minute, Clock: clk})

	require.NoError(t, hb.Start(context.Background()))
	require.NoError(t, hb.Start(context.Background()))
	require.Len(t, w.presenceWrites(), 1)

	clk.WaitForTickers(1)
	clk.Advance(time.Minute)
	assert.Eventually(t, func() bool { return len(w.presenceWrites()) == 2 }, time.Second, 5*time.Millisecond)
	clk.Advance(time.Minute)
	assert.Eventually(t, func() bool { return len(w.presenceWrites()) == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hb.Stop())
	require.NoError(t, hb.Stop())

	writes := w.presenceWrites()
	assert.True(t, writes[0].IsOnline)
	assert.Equal(t, t0.Add(time.Minute), writes[1].LastSeen)
	last := writes[len(writes)-1]
	assert.False(t, last.IsOnline)
	assert.Equal(t, "u1", last.UserID)

	n := len(writes)
	clk.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, w.presenceWrites(), n, "no writes after stop")
}

func TestHeartbeatStopWithoutStart(t *testing.T) {
	w := &fakeWriter{}
	hb := NewHeartbeat(HeartbeatConfig{UserID: "u1", Writer: w})
	require.NoError(t, hb.Stop())
	assert.Empty(t, w.presenceWrites())
}

func TestHeartbeatSetStatus(t *testing.T) {
	w := &fakeWriter{}
	hb := NewHeartbeat(HeartbeatConfig{UserID: "u1", Writer: w, Interval: time.Hour})
	require.NoError(t, hb.Start(context.Background()))
	defer hb.Stop()

	require.NoError(t, hb.SetStatus(context.Background(), model.UpdatePresenceRequest{StatusMessage: "on the road", CustomStatus: "driving"}))
	writes := w.presenceWrites()
	last := writes[len(writes)-1]
	assert.True(t, last.IsOnline)
	assert.Equal(t, "on the road", last.StatusMessage)
	assert.Equal(t, "driving", last.CustomStatus)
}

func TestHeartbeatStartError(t *testing.T) {
	w := &fakeWriter{err: errors.New("down")}
	hb := NewHeartbeat(HeartbeatConfig{UserID: "u1", Writer: w, Interval: time.Hour})
	assert.Error(t, hb.Start(context.Background()))
	assert.Error(t, hb.Stop(), "offline write still attempted")
}

func newTyping(clk *clock.Fake, w *fakeWriter) *TypingManager {
	return NewTypingManager(TypingConfig{UserID: "u1", Writer: w, TTL: 5 * time.Second, Debounce: 2 * time.Second, Clock: clk})
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	clk := clock.NewFake(t0)
	m := newTyping(clk, &fakeWriter{})

	// A server expiry far in the future is capped by the local TTL.
	assert.True(t, m.Apply(model.TypingEvent{Op: model.OpInsert, Indicator: model.TypingIndicator{ConversationID: "C1", UserID: "u2", ExpiresAt: t0.Add(time.Hour)}}))
	require.Len(t, m.Active("C1"), 1)

	clk.Advance(4 * time.Second)
	assert.Len(t, m.Active("C1"), 1)

	clk.Advance(time.Second)
	assert.Empty(t, m.Active("C1"))
	assert.Equal(t, []string{"C1"}, m.Sweep())
	assert.Empty(t, m.Sweep())
}

func TestTypingServerExpiryEarlierThanTTL(t *testing.T) {
	clk := clock.NewFake(t0)
	m := newTyping(clk, &fakeWriter{})
	m.Apply(model.TypingEvent{Op: model.OpUpdate, Indicator: model.TypingIndicator{ConversationID: "C1", UserID: "u2", ExpiresAt: t0.Add(time.Second)}})

	clk.Advance(time.Second)
	assert.Empty(t, m.Active("C1"))
}

func TestTypingIgnoresOwnAndExpired(t *testing.T) {
	clk := clock.NewFake(t0)
	m := newTyping(clk, &fakeWriter{})

	assert.False(t, m.Apply(model.TypingEvent{Op: model.OpInsert, Indicator: model.TypingIndicator{ConversationID: "C1", UserID: "u1"}}))
	assert.False(t, m.Apply(model.TypingEvent{Op: model.OpInsert, Indicator: model.TypingIndicator{ConversationID: "C1", UserID: "u2", ExpiresAt: t0.Add(-time.Second)}}))
	assert.Empty(t, m.Active("C1"))
}

func TestTypingDeleteEvent(t *testing.T) {
	clk := clock.NewFake(t0)
	m := newTyping(clk, &fakeWriter{})
	m.Apply(model.TypingEvent{Op: model.OpInsert, Indicator: model.TypingIndicator{ConversationID: "C1", UserID: "u2"}})
	m.Apply(model.TypingEvent{Op: model.OpInsert, Indicator: model.TypingIndicator{ConversationID: "C1", UserID: "u3"}})

	assert.True(t, m.Apply(model.TypingEvent{Op: model.OpDelete, Indicator: model.TypingIndicator{ConversationID: "C1", UserID: "u2"}}))
	assert.False(t, m.Apply(model.TypingEvent{Op: model.OpDelete, Indicator: model.TypingIndicator{ConversationID: "C1", UserID: "u2"}}))

	active := m.Active("C1")
	require.Len(t, active, 1)
	assert.Equal(t, "u3", active[0].UserID)
}

func TestTypingNotifyDebounce(t *testing.T) {
	clk := clock.NewFake(t0)
	w := &fakeWriter{}
	m := newTyping(clk, w)
	ctx := context.Background()

	sent, err := m.Notify(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, sent)

	clk.Advance(time.Second)
	sent, _ = m.Notify(ctx, "C1")
	assert.False(t, sent)

	// Another conversation has its own window.
	sent, _ = m.Notify(ctx, "C2")
	assert.True(t, sent)

	clk.Advance(time.Second)
	sent, _ = m.Notify(ctx, "C1")
	assert.True(t, sent)

	require.Len(t, w.typing, 3)
	assert.Equal(t, t0.Add(2*time.Second+5*time.Second), w.typing[2].ExpiresAt)
}

func TestTypingStopResetsDebounce(t *testing.T) {
	clk := clock.NewFake(t0)
	w := &fakeWriter{}
	m := newTyping(clk, w)
	ctx := context.Background()

	_, _ = m.Notify(ctx, "C1")
	require.NoError(t, m.Stop(ctx, "C1"))
	assert.Equal(t, []string{"C1"}, w.deleted)

	sent, _ := m.Notify(ctx, "C1")
	assert.True(t, sent)

	// Nothing out, nothing to delete.
	require.NoError(t, m.Stop(ctx, "C9"))
	assert.Equal(t, []string{"C1"}, w.deleted)
}

func TestTypingNotifyFailureAllowsImmediateRetry(t *testing.T) {
	clk := clock.NewFake(t0)
	w := &fakeWriter{err: errors.New("timeout")}
	m := newTyping(clk, w)

	_, err := m.Notify(context.Background(), "C1")
	require.Error(t, err)

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()
	sent, err := m.Notify(context.Background(), "C1")
	require.NoError(t, err)
	assert.True(t, sent)
}
