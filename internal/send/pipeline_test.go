package send

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/messaging-core/internal/clock"
	"github.com/capitalize-ai/messaging-core/internal/directory"
	"github.com/capitalize-ai/messaging-core/internal/errs"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/store"
)

var base = time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)

type fakeWriter struct {
	mu       sync.Mutex
	inserted []model.NewMessage
	edits    map[string]string
	deletes  []string
	reacts   []string
	err      error
	block    bool
	nextID   int
	clock    *clock.Fake
}

func (f *fakeWriter) InsertMessage(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	f.mu.Lock()
	f.inserted = append(f.inserted, msg)
	block, err := f.block, f.err
	f.nextID++
	id := 9000 + f.nextID
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return model.Message{}, ctx.Err()
	}
	if err != nil {
		return model.Message{}, err
	}
	return model.Message{
		ID:             strconv.Itoa(id),
		ConversationID: msg.ConversationID,
		SenderID:       "u1",
		Content:        msg.Content,
		Type:           msg.Type,
		Metadata:       msg.Metadata,
		CreatedAt:      f.clock.Now().Add(time.Millisecond),
	}, nil
}

func (f *fakeWriter) EditMessage(ctx context.Context, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.edits == nil {
		f.edits = map[string]string{}
	}
	f.edits[messageID] = content
	return f.err
}

func (f *fakeWriter) DeleteMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, messageID)
	return f.err
}

func (f *fakeWriter) AddReaction(ctx context.Context, messageID, reactionType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reacts = append(f.reacts, "+"+messageID+":"+reactionType)
	return f.err
}

func (f *fakeWriter) RemoveReaction(ctx context.Context, messageID, reactionType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reacts = append(f.reacts, "-"+messageID+":"+reactionType)
	return f.err
}

func (f *fakeWriter) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

type staticSource []model.Conversation

func (s staticSource) GetUserConversations(ctx context.Context) ([]model.Conversation, error) {
	return s, nil
}

type fixture struct {
	pipeline *Pipeline
	store    *store.MessageStore
	dir      *directory.Directory
	writer   *fakeWriter
	clock    *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(base)
	st := store.New(store.Options{Clock: clk})
	st.Reset("C42", nil, nil)

	dir := directory.New("u1", staticSource{{ID: "C42", Kind: model.KindDirect, Name: "Dispatch"}}, nil)
	require.NoError(t, dir.Refresh(context.Background()))

	w := &fakeWriter{clock: clk}
	p := New(Config{UserID: "u1", Store: st, Directory: dir, Writer: w, Timeout: 50 * time.Millisecond, Clock: clk})
	return &fixture{pipeline: p, store: st, dir: dir, writer: w, clock: clk}
}

func TestSendRejectsInvalidContentWithoutNetwork(t *testing.T) {
	f := newFixture(t)

	for _, content := range []string{"", "   \n\t", strings.Repeat("a", MaxContentBytes+1), "\xff\xfe"} {
		_, err := f.pipeline.Send(context.Background(), "C42", model.SendMessageRequest{Content: content})
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	}
	_, err := f.pipeline.Send(context.Background(), "C42", model.SendMessageRequest{Content: "x", Type: "video"})
	assert.True(t, errs.IsValidation(err))

	assert.Zero(t, f.writer.insertCount())
	assert.Zero(t, f.store.Len())
}

func TestSendToClosedConversationIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Send(context.Background(), "C7", model.SendMessageRequest{Content: "hi"})
	assert.True(t, errs.IsValidation(err))
	assert.Zero(t, f.writer.insertCount())
}

func TestSendConfirmsOnceWithEcho(t *testing.T) {
	f := newFixture(t)

	tempID, err := f.pipeline.Send(context.Background(), "C42", model.SendMessageRequest{Content: "  hello  "})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tempID, store.TempIDPrefix))

	require.Len(t, f.writer.inserted, 1)
	sent := f.writer.inserted[0]
	assert.Equal(t, "hello", sent.Content)
	assert.Equal(t, model.MessageTypeText, sent.Type)
	assert.NotEmpty(t, sent.Metadata[model.MetadataClientToken])

	view := f.store.Snapshot()
	require.Len(t, view, 1)
	assert.Equal(t, model.StatusConfirmed, view[0].Status)
	assert.Equal(t, "9001", view[0].ID)

	// The realtime echo of the same row changes nothing.
	echo := view[0].Message
	assert.Equal(t, store.Duplicate, f.store.ApplyIncoming(echo))
	assert.Equal(t, 1, f.store.Len())

	c, _ := f.dir.Get("C42")
	assert.Equal(t, "hello", c.LastMessage.Content)
	assert.Zero(t, f.dir.UnreadCount("C42"))
}

func TestSendFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	f.writer.err = errors.New("connection reset")

	tempID, err := f.pipeline.Send(context.Background(), "C42", model.SendMessageRequest{Content: "status update"})
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	require.NotEmpty(t, tempID)

	entry, ok := f.store.Entry(tempID)
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, entry.Status)

	// Nothing retries on its own.
	assert.Equal(t, 1, f.writer.insertCount())

	f.writer.mu.Lock()
	f.writer.err = nil
	f.writer.mu.Unlock()
	require.NoError(t, f.pipeline.Retry(context.Background(), tempID))

	require.Len(t, f.writer.inserted, 2)
	assert.Equal(t,
		f.writer.inserted[0].Metadata[model.MetadataClientToken],
		f.writer.inserted[1].Metadata[model.MetadataClientToken],
		"retry keeps the client token")

	view := f.store.Snapshot()
	require.Len(t, view, 1)
	assert.Equal(t, model.StatusConfirmed, view[0].Status)
}

func TestSendTimeoutMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.writer.block = true

	tempID, err := f.pipeline.Send(context.Background(), "C42", model.SendMessageRequest{Content: "are you there"})
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))

	entry, ok := f.store.Entry(tempID)
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, entry.Status)
}

func TestRetryAndDiscardRequireKnownEntries(t *testing.T) {
	f := newFixture(t)
	assert.True(t, errs.IsValidation(f.pipeline.Retry(context.Background(), "local-missing")))
	assert.True(t, errs.IsValidation(f.pipeline.Discard("local-missing")))

	f.writer.err = errors.New("offline")
	tempID, _ := f.pipeline.Send(context.Background(), "C42", model.SendMessageRequest{Content: "draft"})
	require.NoError(t, f.pipeline.Discard(tempID))
	assert.Zero(t, f.store.Len())
}

func TestEditAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, errs.IsValidation(f.pipeline.Edit(ctx, "local-1", "x")))
	assert.True(t, errs.IsValidation(f.pipeline.Edit(ctx, "77", "   ")))
	require.NoError(t, f.pipeline.Edit(ctx, "77", " fixed typo "))
	assert.Equal(t, "fixed typo", f.writer.edits["77"])

	assert.True(t, errs.IsValidation(f.pipeline.Delete(ctx, "")))
	require.NoError(t, f.pipeline.Delete(ctx, "77"))
	assert.Equal(t, []string{"77"}, f.writer.deletes)
}

func TestReactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, errs.IsValidation(f.pipeline.React(ctx, "77", " ")))
	assert.True(t, errs.IsValidation(f.pipeline.React(ctx, "local-9", "like")))
	require.NoError(t, f.pipeline.React(ctx, "77", "like"))
	require.NoError(t, f.pipeline.Unreact(ctx, "77", "like"))
	assert.Equal(t, []string{"+77:like", "-77:like"}, f.writer.reacts)

	f.writer.err = &errs.Error{Kind: errs.KindAuthorization, Op: "add_reaction", Err: errors.New("denied")}
	err := f.pipeline.React(ctx, "77", "like")
	assert.True(t, errs.IsAuthorization(err))
}
