package directory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/messaging-core/internal/model"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	convs []model.Conversation
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (f *fakeSource) GetUserConversations(ctx context.Context) ([]model.Conversation, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return f.convs, f.err
}

func summary(content string, at time.Time) *model.MessageSummary {
	return &model.MessageSummary{MessageID: "m-" + content, Content: content, SenderID: "u2", At: at}
}

func seeded(t *testing.T) *Directory {
	t.Helper()
	src := &fakeSource{convs: []model.Conversation{
		{ID: "d1", Kind: model.KindDirect, Name: "Ana Ruiz", LastMessage: summary("invoice attached", base.Add(time.Minute))},
		{ID: "g1", Kind: model.KindGroup, Name: "Fleet Ops", LastMessage: summary("truck 12 is back", base.Add(3*time.Minute)), UnreadCount: 2},
		{ID: "t1", Kind: model.KindTeam, Name: "Finance"},
		{ID: "g2", Kind: model.KindGroup, Name: "Assets"},
	}}
	d := New("u1", src, nil)
	require.NoError(t, d.Refresh(context.Background()))
	return d
}

func ids(convs []model.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestListOrdering(t *testing.T) {
	d := seeded(t)
	assert.Equal(t, []string{"g1", "d1", "g2", "t1"}, ids(d.List(Filter{})))
}

func TestListFilterAndSearch(t *testing.T) {
	d := seeded(t)

	assert.Equal(t, []string{"g1", "g2"}, ids(d.List(Filter{Kinds: []model.ConversationKind{model.KindGroup}})))
	assert.Equal(t, []string{"g1"}, ids(d.List(Filter{Search: "TRUCK"})))
	assert.Equal(t, []string{"t1"}, ids(d.List(Filter{Search: "fin"})))
	assert.Empty(t, d.List(Filter{Kinds: []model.ConversationKind{model.KindDirect}, Search: "fleet"}))
}

func TestUnreadAndMarkRead(t *testing.T) {
	d := seeded(t)
	assert.Equal(t, 2, d.UnreadCount("g1"))
	assert.Equal(t, 0, d.UnreadCount("missing"))

	assert.True(t, d.ApplyMessage(model.Message{ID: "n1", ConversationID: "d1", SenderID: "u2", Content: "ping", CreatedAt: base.Add(5 * time.Minute)}, false))
	assert.Equal(t, 1, d.UnreadCount("d1"))
	assert.Equal(t, 3, d.TotalUnread())

	require.True(t, d.MarkRead("g1", base.Add(10*time.Minute)))
	assert.Equal(t, 0, d.UnreadCount("g1"))
	assert.Equal(t, 1, d.UnreadCount("d1"), "other conversations keep their counts")
	assert.False(t, d.MarkRead("missing", base))

	// Messages older than the read receipt do not count.
	d.ApplyMessage(model.Message{ID: "n2", ConversationID: "g1", SenderID: "u2", Content: "old", CreatedAt: base.Add(9 * time.Minute)}, false)
	assert.Equal(t, 0, d.UnreadCount("g1"))
}

func TestMarkReadOnlyTouchesOwnParticipant(t *testing.T) {
	src := &fakeSource{convs: []model.Conversation{{
		ID: "g1", Kind: model.KindGroup, Name: "Ops", UnreadCount: 4,
		Participants: []model.Participant{{ConversationID: "g1", UserID: "u1"}, {ConversationID: "g1", UserID: "u2"}},
	}}}
	d := New("u1", src, nil)
	require.NoError(t, d.Refresh(context.Background()))

	d.MarkRead("g1", base)
	c, _ := d.Get("g1")
	require.NotNil(t, c.Participants[0].LastReadAt)
	assert.Nil(t, c.Participants[1].LastReadAt)
}

func TestApplyMessageIsIdempotent(t *testing.T) {
	d := seeded(t)
	m := model.Message{ID: "n1", ConversationID: "t1", SenderID: "u2", Content: "budget", CreatedAt: base.Add(time.Hour)}

	assert.True(t, d.ApplyMessage(m, false))
	assert.False(t, d.ApplyMessage(m, false))
	assert.Equal(t, 1, d.UnreadCount("t1"))
	assert.Equal(t, "t1", d.List(Filter{})[0].ID)
}

func TestApplyMessageActiveOrOwnDoesNotCount(t *testing.T) {
	d := seeded(t)
	d.ApplyMessage(model.Message{ID: "a", ConversationID: "t1", SenderID: "u2", Content: "x", CreatedAt: base.Add(time.Hour)}, true)
	d.ApplyMessage(model.Message{ID: "b", ConversationID: "t1", SenderID: "u1", Content: "y", CreatedAt: base.Add(2 * time.Hour)}, false)
	assert.Equal(t, 0, d.UnreadCount("t1"))

	c, _ := d.Get("t1")
	assert.Equal(t, "y", c.LastMessage.Content)
}

func TestLocalSendThenEcho(t *testing.T) {
	d := seeded(t)
	d.ApplyLocalSend("t1", "draft numbers", base.Add(time.Hour))
	c, _ := d.Get("t1")
	assert.Equal(t, "draft numbers", c.LastMessage.Content)
	assert.Empty(t, c.LastMessage.MessageID)

	// The echo carries the server timestamp, which may be slightly earlier.
	d.ApplyMessage(model.Message{ID: "s1", ConversationID: "t1", SenderID: "u1", Content: "draft numbers", CreatedAt: base.Add(time.Hour - time.Second)}, false)
	c, _ = d.Get("t1")
	assert.Equal(t, "s1", c.LastMessage.MessageID)
}

func TestUnreadNeverNegative(t *testing.T) {
	d := New("u1", &fakeSource{convs: []model.Conversation{{ID: "x", UnreadCount: -3}}}, nil)
	require.NoError(t, d.Refresh(context.Background()))
	assert.Equal(t, 0, d.UnreadCount("x"))
	c, _ := d.Get("x")
	assert.GreaterOrEqual(t, c.UnreadCount, 0)
}

func TestRefreshCoalesces(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	d := New("u1", src, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Refresh(context.Background()))
		}()
	}
	assert.Eventually(t, func() bool { return src.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Less(t, src.calls.Load(), int32(5))
}

func TestRefreshError(t *testing.T) {
	d := New("u1", &fakeSource{err: errors.New("boom")}, nil)
	assert.ErrorContains(t, d.Refresh(context.Background()), "boom")
}
