package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/realtime"
)

var t0 = time.Date(2026, 9, 14, 7, 45, 0, 0, time.UTC)

// fakeBackend serves canned history. A conversation with a gate blocks
// its history fetch until the gate is closed, ignoring cancellation.
type fakeBackend struct {
	mu            sync.Mutex
	convs         []model.Conversation
	convErr       error
	history       map[string][]model.Message // oldest first
	reactions     []model.Reaction
	gates         map[string]chan struct{}
	fetchErr      error
	fetches       []string
	receipts      []string
	presence      []model.Presence
	typing        []model.TypingIndicator
	typingDeletes []string
	inserted      []model.NewMessage
	insertErr     error
	created       []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		history: map[string][]model.Message{},
		gates:   map[string]chan struct{}{},
	}
}

func (f *fakeBackend) GetUserConversations(ctx context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Conversation(nil), f.convs...), f.convErr
}

func (f *fakeBackend) CreateDirectConversation(ctx context.Context, otherUserID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "D-" + otherUserID
	f.created = append(f.created, id)
	f.convs = append(f.convs, model.Conversation{ID: id, Kind: model.KindDirect, Name: otherUserID})
	return id, nil
}

func (f *fakeBackend) CreateGroupConversation(ctx context.Context, name string, participantIDs []string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeBackend) CreateTeamConversation(ctx context.Context, teamID string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeBackend) FetchParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	return nil, nil
}

func (f *fakeBackend) FetchMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, fmt.Sprintf("%s@%d", conversationID, offset))
	gate := f.gates[conversationID]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	all := f.history[conversationID]
	var out []model.Message
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeBackend) FetchReactions(ctx context.Context, messageIDs []string) ([]model.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[string]bool{}
	for _, id := range messageIDs {
		want[id] = true
	}
	var out []model.Reaction
	for _, r := range f.reactions {
		if want[r.MessageID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeBackend) InsertMessage(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return model.Message{}, f.insertErr
	}
	f.inserted = append(f.inserted, msg)
	return model.Message{
		ID:             strconv.Itoa(9000 + len(f.inserted)),
		ConversationID: msg.ConversationID,
		SenderID:       "u1",
		Content:        msg.Content,
		Type:           msg.Type,
		Metadata:       msg.Metadata,
		CreatedAt:      time.Now(),
	}, nil
}

func (f *fakeBackend) EditMessage(ctx context.Context, messageID, content string) error { return nil }
func (f *fakeBackend) DeleteMessage(ctx context.Context, messageID string) error        { return nil }
func (f *fakeBackend) AddReaction(ctx context.Context, messageID, reactionType string) error {
	return nil
}
func (f *fakeBackend) RemoveReaction(ctx context.Context, messageID, reactionType string) error {
	return nil
}

func (f *fakeBackend) UpsertPresence(ctx context.Context, p model.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, p)
	return nil
}

func (f *fakeBackend) FetchPresence(ctx context.Context, userIDs []string) ([]model.Presence, error) {
	var out []model.Presence
	for _, id := range userIDs {
		out = append(out, model.Presence{UserID: id, IsOnline: true, LastSeen: time.Now()})
	}
	return out, nil
}

func (f *fakeBackend) UpsertTyping(ctx context.Context, t model.TypingIndicator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, t)
	return nil
}

func (f *fakeBackend) DeleteTyping(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingDeletes = append(f.typingDeletes, conversationID)
	return nil
}

func (f *fakeBackend) MarkRead(ctx context.Context, conversationID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, conversationID)
	return nil
}

func (f *fakeBackend) receiptCount(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.receipts {
		if id == conversationID {
			n++
		}
	}
	return n
}

func (f *fakeBackend) presenceWrites() []model.Presence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Presence(nil), f.presence...)
}

func (f *fakeBackend) gate(conversationID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[conversationID] = g
	return g
}

func (f *fakeBackend) ungate(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.gates, conversationID)
}

// history builds n messages from u2 in conversationID, one minute apart.
func history(conversationID string, n int) []model.Message {
	out := make([]model.Message, n)
	for i := range out {
		out[i] = model.Message{
			ID:             fmt.Sprintf("%s-%d", conversationID, i+1),
			ConversationID: conversationID,
			SenderID:       "u2",
			Content:        fmt.Sprintf("message %d", i+1),
			Type:           model.MessageTypeText,
			CreatedAt:      t0.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
	watchers []func(realtime.ConnState)
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: map[string]func([]byte){}}
}

type fakeSub struct {
	bus     *fakeBus
	subject string
}

func (s fakeSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.handlers, s.subject)
	return nil
}

func (b *fakeBus) Subscribe(subject string, handler func([]byte)) (realtime.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = handler
	return fakeSub{bus: b, subject: subject}, nil
}

func (b *fakeBus) Watch(fn func(realtime.ConnState)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers = append(b.watchers, fn)
	return func() {}
}

func (b *fakeBus) subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for s := range b.handlers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (b *fakeBus) publish(subject, payload string) {
	b.mu.Lock()
	h := b.handlers[subject]
	b.mu.Unlock()
	if h != nil {
		h([]byte(payload))
	}
}

func subject(userID string, topic model.Topic) string {
	return "chat.user." + userID + "." + string(topic)
}
