package store

import (
	"fmt"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/messaging-core/internal/clock"
	"github.com/capitalize-ai/messaging-core/internal/model"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T, conversationID string) (*MessageStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(base)
	s := New(Options{Clock: clk})
	s.Reset(conversationID, nil, nil)
	return s, clk
}

func msg(id, conv, sender, content string, at time.Time) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		Type:           model.MessageTypeText,
		CreatedAt:      at,
	}
}

func TestApplyIncomingIsIdempotent(t *testing.T) {
	s, _ := newStore(t, "c1")
	m := msg("10", "c1", "u2", "hi", base)

	assert.Equal(t, Inserted, s.ApplyIncoming(m))
	assert.Equal(t, Duplicate, s.ApplyIncoming(m))
	assert.Equal(t, 1, s.Len())
}

func TestApplyIncomingIgnoresOtherConversations(t *testing.T) {
	s, _ := newStore(t, "c1")
	assert.Equal(t, Ignored, s.ApplyIncoming(msg("10", "c2", "u2", "hi", base)))
	assert.Equal(t, Ignored, s.ApplyIncoming(model.Message{ConversationID: "c1"}))
	assert.Equal(t, 0, s.Len())
}

func TestSendThenEchoReconcilesScenario(t *testing.T) {
	s, clk := newStore(t, "C42")

	tempID, ok := s.InsertOptimistic(Draft{ConversationID: "C42", SenderID: "u1", Content: "hello"})
	require.True(t, ok)

	view := s.Snapshot()
	require.Len(t, view, 1)
	assert.Equal(t, model.StatusPending, view[0].Status)
	assert.Equal(t, "hello", view[0].Content)
	assert.Equal(t, tempID, view[0].TempID)

	draft, ok := s.Draft(tempID)
	require.True(t, ok)

	clk.Advance(300 * time.Millisecond)
	echo := msg("9001", "C42", "u1", "hello", clk.Now())
	echo.Metadata = map[string]any{model.MetadataClientToken: draft.ClientToken}

	assert.Equal(t, Reconciled, s.ApplyIncoming(echo))

	view = s.Snapshot()
	require.Len(t, view, 1)
	assert.Equal(t, "9001", view[0].ID)
	assert.Equal(t, model.StatusConfirmed, view[0].Status)
	assert.Empty(t, view[0].TempID)
	_, stillTemp := s.Entry(tempID)
	assert.False(t, stillTemp)

	assert.Equal(t, Duplicate, s.ApplyIncoming(echo))
	assert.Equal(t, 1, s.Len())
}

func TestTokenDisambiguatesIdenticalContent(t *testing.T) {
	s, clk := newStore(t, "c1")

	first, _ := s.InsertOptimistic(Draft{ConversationID: "c1", SenderID: "u1", Content: "ok", ClientToken: "t-1"})
	second, _ := s.InsertOptimistic(Draft{ConversationID: "c1", SenderID: "u1", Content: "ok", ClientToken: "t-2"})

	echo := msg("501", "c1", "u1", "ok", clk.Now())
	echo.Metadata = map[string]any{model.MetadataClientToken: "t-2"}
	require.Equal(t, Reconciled, s.ApplyIncoming(echo))

	firstEntry, ok := s.Entry(first)
	require.True(t, ok)
	assert.Equal(t, model.StatusPending, firstEntry.Status)
	_, ok = s.Entry(second)
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())
}

func TestHeuristicReconcileWithoutToken(t *testing.T) {
	s, clk := newStore(t, "c1")

	tempID, _ := s.InsertOptimistic(Draft{ConversationID: "c1", SenderID: "u1", Content: "lunch?"})
	clk.Advance(2 * time.Second)

	// Another user's identical text is not ours.
	assert.Equal(t, Inserted, s.ApplyIncoming(msg("7", "c1", "u2", "lunch?", clk.Now())))
	assert.Equal(t, Reconciled, s.ApplyIncoming(msg("8", "c1", "u1", "lunch?", clk.Now())))

	_, ok := s.Entry(tempID)
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())
}

func TestHeuristicRespectsWindow(t *testing.T) {
	s, clk := newStore(t, "c1")
	s.InsertOptimistic(Draft{ConversationID: "c1", SenderID: "u1", Content: "again"})
	clk.Advance(DefaultReconcileWindow + time.Second)

	assert.Equal(t, Inserted, s.ApplyIncoming(msg("8", "c1", "u1", "again", clk.Now())))
	assert.Equal(t, 2, s.Len())
}

func TestOrderingIndependentOfArrival(t *testing.T) {
	var messages []model.Message
	for i := 0; i < 20; i++ {
		at := base.Add(time.Duration(i/2) * time.Second)
		messages = append(messages, msg(fmt.Sprint(100+i), "c1", "u2", fmt.Sprint(i), at))
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 10; round++ {
		s, _ := newStore(t, "c1")
		for _, i := range rng.Perm(len(messages)) {
			s.ApplyIncoming(messages[i])
		}
		view := s.Snapshot()
		require.Len(t, view, len(messages))
		for i := range view {
			assert.Equal(t, messages[i].ID, view[i].ID, "round %d position %d", round, i)
		}
	}
}

func TestEqualTimestampsOrderByNumericID(t *testing.T) {
	s, _ := newStore(t, "c1")
	s.ApplyIncoming(msg("100", "c1", "u2", "b", base))
	s.ApplyIncoming(msg("99", "c1", "u2", "a", base))

	view := s.Snapshot()
	assert.Equal(t, "99", view[0].ID)
	assert.Equal(t, "100", view[1].ID)
}

func TestPendingSortsAfterConfirmedOnTie(t *testing.T) {
	s, clk := newStore(t, "c1")
	a, _ := s.InsertOptimistic(Draft{ConversationID: "c1", SenderID: "u1", Content: "one"})
	b, _ := s.InsertOptimistic(Draft{ConversationID: "c1", SenderID: "u1", Content: "two"})
	s.ApplyIncoming(msg("5", "c1", "u2", "theirs", clk.Now()))

	view := s.Snapshot()
	require.Len(t, view, 3)
	assert.Equal(t, "5", view[0].ID)
	assert.Equal(t, a, view[1].TempID)
	assert.Equal(t, b, view[2].TempID)
}

func TestMarkFailedRetryDiscard(t *testing.T) {
	s, _ := newStore(t, "c1")
	tempID, _ := s.InsertOptimistic(Draft{ConversationID: "c1", SenderID: "u1", Content: "x"})

	assert.True(t, s.MarkFailed(tempID))
	assert.False(t, s.MarkFailed(tempID))
	e, ok := s.Entry(tempID)
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, e.Status)

	d, ok := s.Retry(tempID)
	require.True(t, ok)
	assert.Equal(t, "x", d.Content)
	e, _ = s.Entry(tempID)
	assert.Equal(t, model.StatusPending, e.Status)

	_, ok = s.Retry(tempID)
	assert.False(t, ok)

	assert.True(t, s.Discard(tempID))
	assert.False(t, s.Discard(tempID))
	assert.Equal(t, 0, s.Len())
}

func TestFailedEntryStillReconcilesWithLateEcho(t *testing.T) {
	s, clk := newStore(t, "c1")
	tempID, _ := s.InsertOptimistic(Draft{ConversationID: "c1", SenderID: "u1", Content: "slow", ClientToken: "tok"})
	s.MarkFailed(tempID)

	echo := msg("42", "c1", "u1", "slow", clk.Now())
	echo.Metadata = map[string]any{model.MetadataClientToken: "tok"}
	assert.Equal(t, Reconciled, s.ApplyIncoming(echo))
	assert.Equal(t, 1, s.Len())
}

func TestInsertOptimisticRequiresOpenConversation(t *testing.T) {
	s, _ := newStore(t, "c1")
	_, ok := s.InsertOptimistic(Draft{ConversationID: "c2", SenderID: "u1", Content: "x"})
	assert.False(t, ok)
}

func TestEditAndSoftDeleteMoveForward(t *testing.T) {
	s, _ := newStore(t, "c1")
	s.ApplyIncoming(msg("1", "c1", "u2", "draft", base))

	later := base.Add(time.Minute)
	edited := msg("1", "c1", "u2", "final", base)
	edited.Edited = true
	edited.UpdatedAt = &later
	assert.Equal(t, Updated, s.ApplyIncoming(edited))

	earlier := base.Add(30 * time.Second)
	stale := msg("1", "c1", "u2", "stale", base)
	stale.Edited = true
	stale.UpdatedAt = &earlier
	assert.Equal(t, Duplicate, s.ApplyIncoming(stale))

	deleted := msg("1", "c1", "u2", "final", base)
	deleted.Deleted = true
	assert.Equal(t, Updated, s.ApplyIncoming(deleted))

	// Soft-deleted messages stay in the log.
	e, ok := s.Entry("1")
	require.True(t, ok)
	assert.True(t, e.Deleted)
	assert.Equal(t, "final", e.Content)
	assert.Equal(t, 1, s.Len())

	assert.Equal(t, Duplicate, s.ApplyIncoming(msg("1", "c1", "u2", "final", base)))
}

func TestDuplicateReactionDeliveryScenario(t *testing.T) {
	s, _ := newStore(t, "c1")
	s.ApplyIncoming(msg("77", "c1", "u2", "nice", base))

	ev := model.ReactionEvent{Op: model.OpInsert, Reaction: model.Reaction{MessageID: "77", UserID: "5", Type: "like"}}
	assert.Equal(t, Inserted, s.ApplyReaction(ev))
	assert.Equal(t, Duplicate, s.ApplyReaction(ev))

	reactions := s.Reactions("77")
	require.Len(t, reactions, 1)
	assert.Equal(t, "like", reactions[0].Type)
	assert.Equal(t, "5", reactions[0].UserID)

	e, _ := s.Entry("77")
	assert.Len(t, e.Reactions, 1)

	ev.Op = model.OpDelete
	assert.Equal(t, Updated, s.ApplyReaction(ev))
	assert.Equal(t, Duplicate, s.ApplyReaction(ev))
	assert.Empty(t, s.Reactions("77"))
}

func TestReactionBeforeMessageIsKept(t *testing.T) {
	s, _ := newStore(t, "c1")

	like := model.ReactionEvent{Op: model.OpInsert, Reaction: model.Reaction{MessageID: "77", UserID: "5", Type: "like"}}
	assert.Equal(t, Deferred, s.ApplyReaction(like))
	assert.Equal(t, Deferred, s.ApplyReaction(like))
	assert.Empty(t, s.Reactions("77"))

	withdrawn := model.ReactionEvent{Op: model.OpInsert, Reaction: model.Reaction{MessageID: "78", UserID: "5", Type: "wow"}}
	assert.Equal(t, Deferred, s.ApplyReaction(withdrawn))
	withdrawn.Op = model.OpDelete
	assert.Equal(t, Deferred, s.ApplyReaction(withdrawn))

	assert.Equal(t, Inserted, s.ApplyIncoming(msg("77", "c1", "u2", "nice", base)))
	assert.Equal(t, Inserted, s.ApplyIncoming(msg("78", "c1", "u2", "again", base.Add(time.Second))))

	e, ok := s.Entry("77")
	require.True(t, ok)
	require.Len(t, e.Reactions, 1)
	assert.Equal(t, "like", e.Reactions[0].Type)
	assert.Empty(t, s.Reactions("78"))
}

func TestDeferredReactionsDroppedOnSwitch(t *testing.T) {
	s, _ := newStore(t, "c1")
	ev := model.ReactionEvent{Op: model.OpInsert, Reaction: model.Reaction{MessageID: "90", UserID: "5", Type: "like"}}
	assert.Equal(t, Deferred, s.ApplyReaction(ev))

	s.Reset("c2", nil, nil)
	s.ApplyIncoming(msg("90", "c2", "u2", "hi", base))
	assert.Empty(t, s.Reactions("90"))

	s.Reset("", nil, nil)
	assert.Equal(t, Ignored, s.ApplyReaction(ev))
}

func TestResetSwitchDropsView(t *testing.T) {
	s, _ := newStore(t, "c1")
	s.ApplyIncoming(msg("1", "c1", "u2", "a", base))
	s.InsertOptimistic(Draft{ConversationID: "c1", SenderID: "u1", Content: "b"})

	s.Reset("c1", []model.Message{msg("2", "c1", "u2", "c", base.Add(time.Second))}, nil)
	assert.Equal(t, 3, s.Len())

	s.Reset("c2", []model.Message{msg("3", "c2", "u2", "d", base)}, nil)
	assert.Equal(t, "c2", s.ConversationID())
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, []model.Message{msg("3", "c2", "u2", "d", base)}, s.Confirmed())
}

func TestMergeOlderPage(t *testing.T) {
	s, _ := newStore(t, "c1")
	s.ApplyIncoming(msg("3", "c1", "u2", "c", base.Add(2*time.Second)))

	added := s.Merge([]model.Message{
		msg("1", "c1", "u2", "a", base),
		msg("2", "c1", "u2", "b", base.Add(time.Second)),
		msg("3", "c1", "u2", "c", base.Add(2*time.Second)),
	}, nil)
	assert.Equal(t, 2, added)

	view := s.Snapshot()
	require.Len(t, view, 3)
	assert.Equal(t, "1", view[0].ID)
}

func TestDraftNewMessageCarriesToken(t *testing.T) {
	d := Draft{ConversationID: "c1", Content: "x", ClientToken: "tok", Metadata: map[string]any{"file": "a.pdf"}}
	nm := d.NewMessage()
	assert.Equal(t, "tok", nm.Metadata[model.MetadataClientToken])
	assert.Equal(t, "a.pdf", nm.Metadata["file"])
	assert.NotContains(t, d.Metadata, model.MetadataClientToken)
}

func TestUnsentMessagesSurviveSwitch(t *testing.T) {
	s, _ := newStore(t, "c1")
	failed, ok := s.InsertOptimistic(Draft{ConversationID: "c1", SenderID: "u1", Content: "gate code?"})
	require.True(t, ok)
	require.True(t, s.MarkFailed(failed))
	pending, ok := s.InsertOptimistic(Draft{ConversationID: "c1", SenderID: "u1", Content: "anyone?"})
	require.True(t, ok)

	s.Reset("", nil, nil)
	s.Reset("c2", []model.Message{msg("3", "c2", "u2", "d", base)}, nil)
	assert.Equal(t, 1, s.Len())

	// Still reachable for retry or discard while another conversation is open.
	e, ok := s.Entry(failed)
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, e.Status)

	// The echo of the pending one confirms it without entering the c2 view.
	d, _ := s.Draft(pending)
	echo := msg("41", "c1", "u1", "anyone?", base)
	echo.Metadata = map[string]any{model.MetadataClientToken: d.ClientToken}
	assert.Equal(t, Reconciled, s.ApplyIncoming(echo))
	_, ok = s.Entry(pending)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())

	s.Reset("c1", nil, nil)
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, failed, snap[0].TempID)
	assert.Equal(t, model.StatusFailed, snap[0].Status)

	_, ok = s.Retry(failed)
	assert.True(t, ok)
}

func TestResyncMarksMessagesDeletedMeanwhile(t *testing.T) {
	s, _ := newStore(t, "c1")
	var page []model.Message
	for i := 1; i <= 5; i++ {
		page = append(page, msg(strconv.Itoa(i), "c1", "u2", "m", base.Add(time.Duration(i)*time.Second)))
	}
	s.Reset("c1", page, []model.Reaction{
		{MessageID: "4", UserID: "5", Type: "like"},
		{MessageID: "4", UserID: "6", Type: "like"},
	})
	s.ApplyIncoming(msg("6", "c1", "u2", "late", base.Add(time.Minute)))

	// The fresh page no longer has 3, and one reaction on 4 was removed.
	fresh := []model.Message{page[4], page[3], page[1], page[0]}
	changed := s.Resync("c1", fresh, []model.Reaction{{MessageID: "4", UserID: "5", Type: "like"}}, true)
	assert.Equal(t, 1, changed)

	e, ok := s.Entry("3")
	require.True(t, ok)
	assert.True(t, e.Deleted)
	assert.Len(t, s.Reactions("4"), 1)

	late, _ := s.Entry("6")
	assert.False(t, late.Deleted, "newer than the fetched span")
	assert.Equal(t, 6, s.Len())
}

func TestResyncPartialPageKeepsOlderEntries(t *testing.T) {
	s, _ := newStore(t, "c1")
	var page []model.Message
	for i := 1; i <= 4; i++ {
		page = append(page, msg(strconv.Itoa(i), "c1", "u2", "m", base.Add(time.Duration(i)*time.Second)))
	}
	s.Reset("c1", page, nil)

	assert.Zero(t, s.Resync("c1", []model.Message{page[3], page[2]}, nil, false))
	for _, id := range []string{"1", "2"} {
		e, _ := s.Entry(id)
		assert.False(t, e.Deleted)
	}

	assert.Zero(t, s.Resync("c2", nil, nil, true), "not the open conversation")
}
