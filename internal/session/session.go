// Package session ties the messaging core together for one signed-in
// user. A Session is acquired once at login and released once at logout;
// between the two it keeps the stores in sync with the backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/backend"
	"github.com/capitalize-ai/messaging-core/internal/clock"
	"github.com/capitalize-ai/messaging-core/internal/directory"
	"github.com/capitalize-ai/messaging-core/internal/errs"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/notify"
	"github.com/capitalize-ai/messaging-core/internal/presence"
	"github.com/capitalize-ai/messaging-core/internal/realtime"
	"github.com/capitalize-ai/messaging-core/internal/send"
	"github.com/capitalize-ai/messaging-core/internal/store"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// ErrClosed is returned when using a session after Close.
var ErrClosed = errors.New("session: closed")

// Config holds the tunables of a session.
type Config struct {
	RequestTimeout        time.Duration
	HistoryPageSize       int
	PresenceHeartbeat     time.Duration
	PresenceStaleAfter    time.Duration
	TypingTTL             time.Duration
	TypingDebounce        time.Duration
	TypingSweepInterval   time.Duration
	ReconcileWindow       time.Duration
	ResubscribeMaxElapsed time.Duration
	ConversationCacheSize int
	ReadReceiptInterval   time.Duration
}

// Deps are the collaborators of a session.
type Deps struct {
	Backend backend.Backend
	// Users resolves profiles. Optional.
	Users   backend.UserDirectory
	Bus     realtime.Bus
	Subject func(userID string, topic model.Topic) string
	Clock   clock.Clock
	Logger  *logger.Logger
}

// Session is one user's messaging state.
type Session struct {
	ID     string
	UserID string

	Store      *store.MessageStore
	Directory  *directory.Directory
	Presence   *presence.Tracker
	Typing     *presence.TypingManager
	Heartbeat  *presence.Heartbeat
	Pipeline   *send.Pipeline
	Controller *Controller
	Hub        *notify.Hub

	realtime *realtime.Manager
	backend  backend.Backend
	users    backend.UserDirectory
	cfg      Config
	clock    clock.Clock
	logger   *logger.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New assembles a session for userID. Nothing touches the network until
// Start.
func New(userID string, cfg Config, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Global()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.TypingSweepInterval <= 0 {
		cfg.TypingSweepInterval = time.Second
	}

	id := uuid.NewString()
	log := deps.Logger.ForSession(id, userID)
	hub := notify.NewHub()

	s := &Session{
		ID:      id,
		UserID:  userID,
		Hub:     hub,
		backend: deps.Backend,
		users:   deps.Users,
		cfg:     cfg,
		clock:   deps.Clock,
		logger:  log,
		stop:    make(chan struct{}),
	}

	s.Store = store.New(store.Options{
		ReconcileWindow: cfg.ReconcileWindow,
		Clock:           deps.Clock,
		Logger:          log.Named("store"),
	})
	s.Directory = directory.New(userID, deps.Backend, log.Named("directory"))
	s.Presence = presence.NewTracker(cfg.PresenceStaleAfter, deps.Clock)
	s.Typing = presence.NewTypingManager(presence.TypingConfig{
		UserID:   userID,
		Writer:   deps.Backend,
		TTL:      cfg.TypingTTL,
		Debounce: cfg.TypingDebounce,
		Timeout:  cfg.RequestTimeout,
		Clock:    deps.Clock,
		Logger:   log.Named("typing"),
	})
	s.Heartbeat = presence.NewHeartbeat(presence.HeartbeatConfig{
		UserID:   userID,
		Writer:   deps.Backend,
		Interval: cfg.PresenceHeartbeat,
		Timeout:  cfg.RequestTimeout,
		Clock:    deps.Clock,
		Logger:   log.Named("heartbeat"),
	})
	s.Pipeline = send.New(send.Config{
		UserID:    userID,
		Store:     s.Store,
		Directory: s.Directory,
		Writer:    deps.Backend,
		Hub:       hub,
		Timeout:   cfg.RequestTimeout,
		Clock:     deps.Clock,
		Logger:    log.Named("send"),
	})
	s.Controller = NewController(ControllerConfig{
		UserID:              userID,
		Store:               s.Store,
		Directory:           s.Directory,
		Typing:              s.Typing,
		Source:              deps.Backend,
		Hub:                 hub,
		PageSize:            cfg.HistoryPageSize,
		Timeout:             cfg.RequestTimeout,
		CacheSize:           cfg.ConversationCacheSize,
		ReadReceiptInterval: cfg.ReadReceiptInterval,
		Clock:               deps.Clock,
		Logger:              log.Named("controller"),
	})
	s.realtime = realtime.NewManager(realtime.Config{
		UserID:                userID,
		Bus:                   deps.Bus,
		Sink:                  s,
		Subject:               deps.Subject,
		ResubscribeMaxElapsed: cfg.ResubscribeMaxElapsed,
		Logger:                log.Named("realtime"),
	})
	return s
}

// Start subscribes to realtime events, loads the conversation list and
// marks the user online. If it fails, the session is closed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()
	metrics.SessionsActive.Inc()

	// Subscribe before loading so nothing published in between is lost;
	// the stores absorb the overlap.
	if err := s.realtime.Open(ctx); err != nil {
		s.Close()
		return fmt.Errorf("failed to open realtime subscriptions: %w", err)
	}
	refreshCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	if err := s.Directory.Refresh(refreshCtx); err != nil {
		s.Close()
		return fmt.Errorf("failed to load conversations: %w", err)
	}
	if err := s.Heartbeat.Start(ctx); err != nil {
		s.logger.Warn("failed to mark user online", zap.Error(err))
	}

	s.wg.Add(1)
	go s.sweepTyping()

	s.logger.Info("session started", zap.Int("conversations", s.Directory.Len()))
	s.publish(notify.Change{Kind: notify.KindSession, Detail: "started"})
	return nil
}

// Close releases everything Start acquired: subscriptions, the typing
// indicators the user still has out, and the online presence. Only the
// first call does anything.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	close(s.stop)
	s.realtime.Close()
	s.Controller.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	s.Typing.StopAll(ctx)
	cancel()
	if err := s.Heartbeat.Stop(); err != nil {
		s.logger.Warn("failed to mark user offline", zap.Error(err))
	}
	s.wg.Wait()
	s.Typing.Clear()
	s.Presence.Clear()

	s.publish(notify.Change{Kind: notify.KindSession, Detail: "closed"})
	s.Hub.Close()
	if started {
		metrics.SessionsActive.Dec()
	}
	s.logger.Info("session closed")
}

// Done reports whether Close has been called.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) sweepTyping() {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.TypingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for _, conversationID := range s.Typing.Sweep() {
				s.publish(notify.Change{Kind: notify.KindTyping, ConversationID: conversationID, Detail: "expired"})
			}
		}
	}
}

func (s *Session) publish(c notify.Change) {
	if c.At.IsZero() {
		c.At = s.clock.Now()
	}
	s.Hub.Publish(c)
}

// HandleMessage applies a message event to the open conversation and the
// conversation list.
func (s *Session) HandleMessage(ev model.MessageEvent) {
	msg := ev.Message
	res := s.Store.ApplyIncoming(msg)

	active, state := s.Controller.Active()
	reading := active == msg.ConversationID && state == StateReady
	if s.Directory.ApplyMessage(msg, reading) {
		s.publish(notify.Change{Kind: notify.KindConversations, ConversationID: msg.ConversationID, MessageID: msg.ID})
	}
	if res.Changed() {
		s.publish(notify.Change{Kind: notify.KindMessages, ConversationID: msg.ConversationID, MessageID: msg.ID, Detail: res.String()})
	}

	// A message ends its author's typing indicator.
	if ev.Op == model.OpInsert && s.Typing.Apply(model.TypingEvent{
		Op:        model.OpDelete,
		Indicator: model.TypingIndicator{ConversationID: msg.ConversationID, UserID: msg.SenderID},
	}) {
		s.publish(notify.Change{Kind: notify.KindTyping, ConversationID: msg.ConversationID, UserID: msg.SenderID})
	}

	if reading && res == store.Inserted {
		s.Controller.OnIncoming(msg)
	}
}

// HandleReaction applies a reaction event.
func (s *Session) HandleReaction(ev model.ReactionEvent) {
	if res := s.Store.ApplyReaction(ev); res.Changed() {
		s.publish(notify.Change{
			Kind:           notify.KindMessages,
			ConversationID: s.Store.ConversationID(),
			MessageID:      ev.Reaction.MessageID,
			UserID:         ev.Reaction.UserID,
			Detail:         "reaction",
		})
	}
}

// HandlePresence applies a presence event.
func (s *Session) HandlePresence(ev model.PresenceEvent) {
	if s.Presence.Apply(ev) {
		s.publish(notify.Change{Kind: notify.KindPresence, UserID: ev.Presence.UserID})
	}
}

// HandleTyping applies a typing event.
func (s *Session) HandleTyping(ev model.TypingEvent) {
	if s.Typing.Apply(ev) {
		s.publish(notify.Change{Kind: notify.KindTyping, ConversationID: ev.Indicator.ConversationID, UserID: ev.Indicator.UserID})
	}
}

// Resynced reloads what may have been missed while disconnected.
func (s *Session) Resynced() {
	s.publish(notify.Change{Kind: notify.KindConnection, Detail: "resynced"})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		if err := s.Directory.Refresh(ctx); err != nil {
			s.logger.Warn("failed to refresh conversations after reconnect", zap.Error(err))
		} else {
			s.publish(notify.Change{Kind: notify.KindConversations, Detail: "refreshed"})
		}
		s.Controller.Refetch()
	}()
}

// ConnectionLost reports that realtime updates stopped.
func (s *Session) ConnectionLost(err error) {
	s.logger.Error("realtime connection lost", zap.Error(err))
	s.publish(notify.Change{Kind: notify.KindConnection, Detail: "lost"})
}

// Conversations lists the user's conversations, optionally reloading
// them from the backend first.
func (s *Session) Conversations(ctx context.Context, f directory.Filter, refresh bool) ([]model.Conversation, error) {
	if refresh {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		if err := s.Directory.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return s.Directory.List(f), nil
}

// CreateConversation finds or creates a conversation and returns it.
func (s *Session) CreateConversation(ctx context.Context, req model.CreateConversationRequest) (model.Conversation, error) {
	const op = "create_conversation"

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	var (
		id  string
		err error
	)
	switch req.Kind {
	case model.KindDirect:
		if req.OtherUserID == "" || req.OtherUserID == s.UserID {
			return model.Conversation{}, errs.Validation(op, "a direct conversation needs another user")
		}
		id, err = s.backend.CreateDirectConversation(ctx, req.OtherUserID)
	case model.KindGroup:
		name := strings.TrimSpace(req.Name)
		if name == "" || len(req.ParticipantIDs) == 0 {
			return model.Conversation{}, errs.Validation(op, "a group needs a name and participants")
		}
		id, err = s.backend.CreateGroupConversation(ctx, name, req.ParticipantIDs)
	case model.KindTeam:
		if req.TeamID == "" {
			return model.Conversation{}, errs.Validation(op, "team id is required")
		}
		id, err = s.backend.CreateTeamConversation(ctx, req.TeamID)
	default:
		return model.Conversation{}, errs.Validation(op, fmt.Sprintf("unknown conversation type %q", req.Kind))
	}
	if err != nil {
		return model.Conversation{}, err
	}

	if err := s.Directory.Refresh(ctx); err != nil {
		s.logger.Warn("failed to refresh conversations after create", zap.Error(err))
	}
	conv, ok := s.Directory.Get(id)
	if !ok {
		conv = model.Conversation{ID: id, Kind: req.Kind, Name: req.Name}
		s.Directory.Upsert(conv)
	}
	s.publish(notify.Change{Kind: notify.KindConversations, ConversationID: id, Detail: "created"})
	return conv, nil
}

// Participants returns a conversation's members.
func (s *Session) Participants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return s.backend.FetchParticipants(ctx, conversationID)
}

// PresenceOf returns the effective presence of users, fetching the ones
// not seen yet.
func (s *Session) PresenceOf(ctx context.Context, userIDs []string) ([]model.PresenceStatus, error) {
	var unknown []string
	for _, st := range s.Presence.GetMany(userIDs) {
		if !st.Known {
			unknown = append(unknown, st.UserID)
		}
	}
	if len(unknown) > 0 {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		records, err := s.backend.FetchPresence(ctx, unknown)
		if err != nil {
			return nil, err
		}
		s.Presence.Seed(records)
	}
	return s.Presence.GetMany(userIDs), nil
}

// Users resolves user profiles through the directory service.
func (s *Session) Users(ctx context.Context, ids []string) ([]model.User, error) {
	if s.users == nil {
		return nil, errs.Validation("get_users", "user directory is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return s.users.GetUsers(ctx, ids)
}

// Subscribe returns a stream of store-change notifications.
func (s *Session) Subscribe(buffer int) (<-chan notify.Change, func()) {
	return s.Hub.Subscribe(buffer)
}
