// Package store holds the ordered message log of the open conversation.
//
// The store is the single place where optimistic entries meet the server
// echo. Every apply path is idempotent and tolerates out-of-order
// delivery: the same authoritative message applied twice yields one
// entry, and iteration order is always (created_at, id) regardless of
// arrival order.
package store

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/clock"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// TempIDPrefix marks ids assigned to optimistic entries.
const TempIDPrefix = "local-"

// DefaultReconcileWindow bounds the timestamp distance for matching an
// echo without a client token to an optimistic entry.
const DefaultReconcileWindow = 30 * time.Second

// maxPendingReactions bounds how many unknown messages may hold reactions
// that arrived before the message itself.
const maxPendingReactions = 512

// Result reports what an apply call did.
type Result int

const (
	Ignored Result = iota
	Inserted
	Updated
	Reconciled
	Duplicate
	// Deferred means the event was kept until the message it refers to
	// arrives.
	Deferred
)

func (r Result) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	case Deferred:
		return "deferred"
	default:
		return "ignored"
	}
}

// Changed reports whether the view changed.
func (r Result) Changed() bool {
	return r == Inserted || r == Updated || r == Reconciled
}

// Draft is an outgoing message before the server has seen it.
type Draft struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           model.MessageType
	ReplyToID      *string
	Metadata       map[string]any
	// ClientToken is round-tripped through the backend for exact
	// reconciliation. Generated when empty.
	ClientToken string
}

// NewMessage returns the insert payload for d, carrying the client token.
func (d Draft) NewMessage() model.NewMessage {
	return model.NewMessage{
		ConversationID: d.ConversationID,
		Content:        d.Content,
		Type:           d.Type,
		ReplyToID:      d.ReplyToID,
		Metadata:       d.metadata(),
	}
}

func (d Draft) metadata() map[string]any {
	meta := make(map[string]any, len(d.Metadata)+1)
	for k, v := range d.Metadata {
		meta[k] = v
	}
	meta[model.MetadataClientToken] = d.ClientToken
	return meta
}

type entry struct {
	model.Message
	status model.DeliveryStatus
	tempID string
	token  string
	draft  Draft
	// seq is the local insertion order.
	seq uint64
}

func (e *entry) optimistic() bool {
	return e.status != model.StatusConfirmed
}

type reactionKey struct {
	userID string
	kind   string
}

// Options configures a MessageStore.
type Options struct {
	ReconcileWindow time.Duration
	Clock           clock.Clock
	Logger          *logger.Logger
}

// MessageStore is the message log of one open conversation. It is safe
// for concurrent use.
//
// Optimistic entries belong to the user rather than the view: they are
// kept for every conversation until confirmed or discarded, and only the
// open conversation's ones are part of the view.
type MessageStore struct {
	mu             sync.RWMutex
	conversationID string
	entries        []*entry
	byID           map[string]*entry
	byTemp         map[string]*entry
	reactions      map[string]map[reactionKey]model.Reaction
	// pending holds reactions for messages not in the view yet.
	pending *lru.Cache
	seq     uint64

	window time.Duration
	clock  clock.Clock
	logger *logger.Logger
}

// New creates an empty store with no conversation selected.
func New(opts Options) *MessageStore {
	if opts.ReconcileWindow <= 0 {
		opts.ReconcileWindow = DefaultReconcileWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	pending, _ := lru.New(maxPendingReactions)
	return &MessageStore{
		byID:      make(map[string]*entry),
		byTemp:    make(map[string]*entry),
		reactions: make(map[string]map[reactionKey]model.Reaction),
		pending:   pending,
		window:    opts.ReconcileWindow,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
}

// ConversationID returns the conversation the view belongs to.
func (s *MessageStore) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Len returns the number of entries in the view.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Reset points the view at conversationID and loads messages into it.
// Switching to another conversation drops the authoritative part of the
// view and brings back the unsent messages of the new one.
func (s *MessageStore) Reset(conversationID string, messages []model.Message, reactions []model.Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conversationID != s.conversationID {
		s.conversationID = conversationID
		s.entries = nil
		s.byID = make(map[string]*entry)
		s.reactions = make(map[string]map[reactionKey]model.Reaction)
		s.pending.Purge()
		for _, e := range s.byTemp {
			if e.ConversationID == conversationID {
				s.entries = append(s.entries, e)
			}
		}
		s.sortLocked()
	}
	if conversationID == "" {
		return
	}
	for i := range messages {
		s.applyLocked(messages[i])
	}
	for _, r := range reactions {
		s.addReactionLocked(r)
	}
}

// Resync applies a freshly fetched newest page of the open conversation.
// Confirmed entries inside the span the page covers that the page no
// longer returns were deleted meanwhile and are marked deleted. The
// reactions of the fetched messages are replaced by the fetched ones.
// complete reports that the page reaches the start of the conversation.
// Returns how many entries changed.
func (s *MessageStore) Resync(conversationID string, messages []model.Message, reactions []model.Reaction, complete bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conversationID == "" || conversationID != s.conversationID {
		return 0
	}

	changed := 0
	fetched := make(map[string]struct{}, len(messages))
	var oldest, newest time.Time
	for i := range messages {
		msg := messages[i]
		if s.applyLocked(msg).Changed() {
			changed++
		}
		if _, ok := s.byID[msg.ID]; !ok {
			continue
		}
		fetched[msg.ID] = struct{}{}
		if oldest.IsZero() || msg.CreatedAt.Before(oldest) {
			oldest = msg.CreatedAt
		}
		if msg.CreatedAt.After(newest) {
			newest = msg.CreatedAt
		}
	}

	// An empty page gives no span; entries arriving while it was fetched
	// could not be told apart from deleted ones.
	if len(fetched) > 0 {
		for _, e := range s.entries {
			if e.optimistic() || e.Deleted {
				continue
			}
			if _, ok := fetched[e.ID]; ok {
				continue
			}
			if e.CreatedAt.After(newest) || (!complete && e.CreatedAt.Before(oldest)) {
				continue
			}
			e.Deleted = true
			changed++
		}
	}

	fresh := make(map[string]map[reactionKey]model.Reaction)
	for _, r := range reactions {
		if _, ok := fetched[r.MessageID]; !ok {
			continue
		}
		set, ok := fresh[r.MessageID]
		if !ok {
			set = make(map[reactionKey]model.Reaction)
			fresh[r.MessageID] = set
		}
		set[reactionKey{userID: r.UserID, kind: r.Type}] = r
	}
	for id := range fetched {
		if set, ok := fresh[id]; ok {
			s.reactions[id] = set
		} else {
			delete(s.reactions, id)
		}
	}
	return changed
}

// Merge applies a page of history, typically an older page.
func (s *MessageStore) Merge(messages []model.Message, reactions []model.Reaction) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for i := range messages {
		if res := s.applyLocked(messages[i]); res == Inserted || res == Reconciled {
			added++
		}
	}
	for _, r := range reactions {
		s.addReactionLocked(r)
	}
	return added
}

// ApplyIncoming inserts or updates an authoritative message. A matching
// optimistic entry is replaced rather than duplicated. Messages for other
// conversations only confirm the user's unsent messages there; malformed
// messages are dropped.
func (s *MessageStore) ApplyIncoming(msg model.Message) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(msg)
}

func (s *MessageStore) applyLocked(msg model.Message) Result {
	if msg.ID == "" || msg.ConversationID == "" || msg.CreatedAt.IsZero() {
		s.logger.Debug("dropping malformed message",
			zap.String("message_id", msg.ID),
			zap.String("conversation_id", msg.ConversationID),
		)
		return Ignored
	}
	if msg.ConversationID != s.conversationID {
		if match := s.matchOptimisticLocked(msg); match != nil {
			delete(s.byTemp, match.tempID)
			return Reconciled
		}
		return Ignored
	}

	if existing, ok := s.byID[msg.ID]; ok {
		return s.updateLocked(existing, msg)
	}

	if match := s.matchOptimisticLocked(msg); match != nil {
		delete(s.byTemp, match.tempID)
		match.Message = msg
		match.status = model.StatusConfirmed
		match.tempID = ""
		match.token = ""
		match.draft = Draft{}
		s.byID[msg.ID] = match
		s.adoptReactionsLocked(msg.ID)
		s.sortLocked()
		return Reconciled
	}

	e := &entry{Message: msg, status: model.StatusConfirmed, seq: s.nextSeq()}
	s.byID[msg.ID] = e
	s.entries = append(s.entries, e)
	s.adoptReactionsLocked(msg.ID)
	s.sortLocked()
	return Inserted
}

// updateLocked applies the edit and soft-delete transitions. Both only
// move forward: a deleted message stays deleted, and an edit older than
// the stored one is ignored.
func (s *MessageStore) updateLocked(e *entry, msg model.Message) Result {
	changed := false
	if msg.Deleted && !e.Deleted {
		e.Deleted = true
		changed = true
	}
	if msg.Edited && msg.Content != e.Content && !e.Deleted && newerEdit(e.UpdatedAt, msg.UpdatedAt) {
		e.Content = msg.Content
		e.Edited = true
		changed = true
	}
	if changed {
		if msg.UpdatedAt != nil {
			at := *msg.UpdatedAt
			e.UpdatedAt = &at
		}
		if msg.Metadata != nil {
			e.Metadata = msg.Metadata
		}
		return Updated
	}
	return Duplicate
}

func newerEdit(current, incoming *time.Time) bool {
	if current == nil || incoming == nil {
		return true
	}
	return !incoming.Before(*current)
}

// matchOptimisticLocked finds the optimistic entry an echo belongs to.
// The client token gives an exact match; without one the oldest entry
// with the same sender and content inside the reconcile window wins,
// pending entries before failed ones.
func (s *MessageStore) matchOptimisticLocked(msg model.Message) *entry {
	if len(s.byTemp) == 0 {
		return nil
	}
	if token := msg.ClientToken(); token != "" {
		for _, e := range s.byTemp {
			if e.token == token && e.ConversationID == msg.ConversationID {
				metrics.ReconciliationsTotal.WithLabelValues("token").Inc()
				return e
			}
		}
		return nil
	}

	var best *entry
	for _, e := range s.byTemp {
		if e.ConversationID != msg.ConversationID || e.SenderID != msg.SenderID || e.Content != msg.Content {
			continue
		}
		if absDuration(msg.CreatedAt.Sub(e.CreatedAt)) > s.window {
			continue
		}
		if best == nil || betterCandidate(e, best) {
			best = e
		}
	}
	if best != nil {
		metrics.ReconciliationsTotal.WithLabelValues("heuristic").Inc()
	}
	return best
}

func betterCandidate(e, best *entry) bool {
	if (e.status == model.StatusPending) != (best.status == model.StatusPending) {
		return e.status == model.StatusPending
	}
	return e.seq < best.seq
}

// InsertOptimistic appends a pending entry for d and returns its temp id.
// It returns false when d is not for the open conversation.
func (s *MessageStore) InsertOptimistic(d Draft) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ConversationID == "" || d.ConversationID != s.conversationID {
		return "", false
	}
	if d.ClientToken == "" {
		d.ClientToken = uuid.NewString()
	}
	if d.Type == "" {
		d.Type = model.MessageTypeText
	}

	tempID := TempIDPrefix + uuid.NewString()
	e := &entry{
		Message: model.Message{
			ID:             tempID,
			ConversationID: d.ConversationID,
			SenderID:       d.SenderID,
			Content:        d.Content,
			Type:           d.Type,
			ReplyToID:      d.ReplyToID,
			Metadata:       d.metadata(),
			CreatedAt:      s.clock.Now(),
		},
		status: model.StatusPending,
		tempID: tempID,
		token:  d.ClientToken,
		draft:  d,
		seq:    s.nextSeq(),
	}
	s.byTemp[tempID] = e
	s.entries = append(s.entries, e)
	s.sortLocked()
	return tempID, true
}

// Draft returns the draft behind an optimistic entry.
func (s *MessageStore) Draft(tempID string) (Draft, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byTemp[tempID]
	if !ok {
		return Draft{}, false
	}
	return e.draft, true
}

// MarkFailed moves a pending optimistic entry to failed. The entry stays
// in the view so the user can retry or discard it.
func (s *MessageStore) MarkFailed(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byTemp[tempID]
	if !ok || e.status != model.StatusPending {
		return false
	}
	e.status = model.StatusFailed
	return true
}

// Retry moves a failed entry back to pending and returns its draft for
// the resend. The client token is kept, so a late echo of the first
// attempt still reconciles.
func (s *MessageStore) Retry(tempID string) (Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byTemp[tempID]
	if !ok || e.status != model.StatusFailed {
		return Draft{}, false
	}
	e.status = model.StatusPending
	return e.draft, true
}

// Discard removes an optimistic entry.
func (s *MessageStore) Discard(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byTemp[tempID]
	if !ok {
		return false
	}
	delete(s.byTemp, tempID)
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	return true
}

// Entry returns the entry with the given server or temp id.
func (s *MessageStore) Entry(id string) (model.MessageEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.byID[id]; ok {
		return s.viewLocked(e), true
	}
	if e, ok := s.byTemp[id]; ok {
		return s.viewLocked(e), true
	}
	return model.MessageEntry{}, false
}

// Snapshot returns the ordered view.
func (s *MessageStore) Snapshot() []model.MessageEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MessageEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.viewLocked(e))
	}
	return out
}

// Confirmed returns the authoritative messages of the view, for caching.
func (s *MessageStore) Confirmed() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.optimistic() {
			out = append(out, e.Message)
		}
	}
	return out
}

func (s *MessageStore) viewLocked(e *entry) model.MessageEntry {
	view := model.MessageEntry{
		Message: e.Message,
		Status:  e.status,
		TempID:  e.tempID,
	}
	if set := s.reactions[e.ID]; len(set) > 0 {
		view.Reactions = make([]model.Reaction, 0, len(set))
		for _, r := range set {
			view.Reactions = append(view.Reactions, r)
		}
		sort.Slice(view.Reactions, func(i, j int) bool {
			a, b := view.Reactions[i], view.Reactions[j]
			if a.Type != b.Type {
				return a.Type < b.Type
			}
			return a.UserID < b.UserID
		})
	}
	return view
}

// ApplyReaction adds or removes a reaction. Adding a reaction the user
// already holds is a duplicate, not a second entry. A reaction on a
// message not in the view yet is deferred until the message arrives.
func (s *MessageStore) ApplyReaction(ev model.ReactionEvent) Result {
	r := ev.Reaction
	if r.MessageID == "" || r.UserID == "" || r.Type == "" {
		s.logger.Debug("dropping malformed reaction", zap.String("message_id", r.MessageID))
		return Ignored
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[r.MessageID]; !ok {
		return s.deferReactionLocked(ev)
	}

	if ev.Op == model.OpDelete {
		set := s.reactions[r.MessageID]
		key := reactionKey{userID: r.UserID, kind: r.Type}
		if _, ok := set[key]; !ok {
			return Duplicate
		}
		delete(set, key)
		if len(set) == 0 {
			delete(s.reactions, r.MessageID)
		}
		return Updated
	}
	if s.addReactionLocked(r) {
		return Inserted
	}
	return Duplicate
}

func (s *MessageStore) deferReactionLocked(ev model.ReactionEvent) Result {
	if s.conversationID == "" {
		return Ignored
	}
	r := ev.Reaction
	key := reactionKey{userID: r.UserID, kind: r.Type}
	var set map[reactionKey]model.Reaction
	if v, ok := s.pending.Get(r.MessageID); ok {
		set = v.(map[reactionKey]model.Reaction)
	}
	if ev.Op == model.OpDelete {
		if set != nil {
			delete(set, key)
		}
		return Deferred
	}
	if set == nil {
		set = make(map[reactionKey]model.Reaction)
		s.pending.Add(r.MessageID, set)
	}
	set[key] = r
	return Deferred
}

// adoptReactionsLocked moves deferred reactions onto a message that just
// entered the view.
func (s *MessageStore) adoptReactionsLocked(messageID string) {
	v, ok := s.pending.Get(messageID)
	if !ok {
		return
	}
	s.pending.Remove(messageID)
	for _, r := range v.(map[reactionKey]model.Reaction) {
		s.addReactionLocked(r)
	}
}

func (s *MessageStore) addReactionLocked(r model.Reaction) bool {
	set, ok := s.reactions[r.MessageID]
	if !ok {
		set = make(map[reactionKey]model.Reaction)
		s.reactions[r.MessageID] = set
	}
	key := reactionKey{userID: r.UserID, kind: r.Type}
	if _, exists := set[key]; exists {
		return false
	}
	set[key] = r
	return true
}

// Reactions returns the reactions of a message.
func (s *MessageStore) Reactions(messageID string) []model.Reaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.byID[messageID]; ok {
		return s.viewLocked(e).Reactions
	}
	out := make([]model.Reaction, 0, len(s.reactions[messageID]))
	for _, r := range s.reactions[messageID] {
		out = append(out, r)
	}
	return out
}

func (s *MessageStore) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *MessageStore) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		return less(s.entries[i], s.entries[j])
	})
}

// less orders by created time. On a tie, authoritative entries come
// first, ordered by id; optimistic entries follow in insertion order.
func less(a, b *entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.optimistic() != b.optimistic() {
		return !a.optimistic()
	}
	if a.optimistic() {
		return a.seq < b.seq
	}
	return compareIDs(a.ID, b.ID) < 0
}

// compareIDs compares numerically when both ids are integers.
func compareIDs(a, b string) int {
	ai, errA := strconv.ParseUint(a, 10, 64)
	bi, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
