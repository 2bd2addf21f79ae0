// Package realtime subscribes a session to its event topics and feeds
// decoded events, one at a time, into the session's stores.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// ErrClosed is returned by Open after Close.
var ErrClosed = errors.New("realtime: manager closed")

// ConnState is a transport connection transition.
type ConnState int

const (
	StateDisconnected ConnState = iota + 1
	StateReconnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateReconnected:
		return "reconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription is a live subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the publish/subscribe transport.
type Bus interface {
	// Subscribe delivers every payload published on subject to handler.
	// The handler must not block.
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	// Watch reports connection transitions until the returned func is
	// called.
	Watch(fn func(ConnState)) (unwatch func())
}

// Sink receives decoded events. Calls are serialized on one goroutine.
type Sink interface {
	HandleMessage(ev model.MessageEvent)
	HandleReaction(ev model.ReactionEvent)
	HandlePresence(ev model.PresenceEvent)
	HandleTyping(ev model.TypingEvent)
	// Resynced fires after the topics were re-established following a
	// connection loss. Events published meanwhile are not replayed.
	Resynced()
	// ConnectionLost fires when resubscription gave up.
	ConnectionLost(err error)
}

// Config configures a Manager.
type Config struct {
	UserID  string
	Bus     Bus
	Sink    Sink
	Subject func(userID string, topic model.Topic) string
	// ResubscribeMaxElapsed bounds the resubscription backoff. Zero
	// retries for a minute.
	ResubscribeMaxElapsed time.Duration
	// ResubscribeInitial is the first backoff interval.
	ResubscribeInitial time.Duration
	Logger             *logger.Logger
}

type item struct {
	topic model.Topic
	data  []byte
	// resync marks a completed resubscription rather than an event.
	resync bool
	// lost carries the reason realtime delivery stopped.
	lost error
}

// Manager owns the topic subscriptions of one session.
type Manager struct {
	cfg Config
	log *logger.Logger

	mu      sync.Mutex
	subs    []Subscription
	opened  bool
	closed  bool
	unwatch func()

	qmu    sync.Mutex
	queue  []item
	signal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	resub  sync.Mutex
}

// NewManager creates a manager. Nothing is subscribed until Open.
func NewManager(cfg Config) *Manager {
	if cfg.ResubscribeMaxElapsed <= 0 {
		cfg.ResubscribeMaxElapsed = time.Minute
	}
	if cfg.ResubscribeInitial <= 0 {
		cfg.ResubscribeInitial = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		log:    cfg.Logger.With(zap.String("user_id", cfg.UserID)),
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Open subscribes to every topic and starts dispatching. Calling Open on
// an open manager does nothing. If any topic fails, the topics already
// subscribed are released and the error is returned.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.opened {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subs, err := m.subscribeAll()
	if err != nil {
		return err
	}
	m.subs = subs
	m.opened = true
	m.unwatch = m.cfg.Bus.Watch(m.onConnState)

	m.wg.Add(1)
	go m.dispatch()

	m.log.Info("realtime subscriptions opened", zap.Int("topics", len(subs)))
	return nil
}

func (m *Manager) subscribeAll() ([]Subscription, error) {
	subs := make([]Subscription, 0, len(model.Topics))
	for _, topic := range model.Topics {
		topic := topic
		subject := m.cfg.Subject(m.cfg.UserID, topic)
		sub, err := m.cfg.Bus.Subscribe(subject, func(data []byte) {
			m.enqueue(item{topic: topic, data: data})
		})
		if err != nil {
			unsubscribe(subs)
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func unsubscribe(subs []Subscription) {
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}

// Close releases every subscription and stops dispatching. Events still
// queued are dropped. Only the first call does anything.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	unwatch := m.unwatch
	opened := m.opened
	m.mu.Unlock()

	m.cancel()
	if unwatch != nil {
		unwatch()
	}
	unsubscribe(subs)
	if opened {
		m.wg.Wait()
	}

	m.qmu.Lock()
	metrics.DispatchQueueDepth.Sub(float64(len(m.queue)))
	m.queue = nil
	m.qmu.Unlock()

	m.log.Info("realtime subscriptions closed")
}

// enqueue never blocks: the transport's delivery goroutine must return
// immediately.
func (m *Manager) enqueue(it item) {
	m.qmu.Lock()
	if m.ctx.Err() != nil {
		m.qmu.Unlock()
		return
	}
	m.queue = append(m.queue, it)
	m.qmu.Unlock()
	metrics.DispatchQueueDepth.Inc()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Manager) dequeue() (item, bool) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if len(m.queue) == 0 {
		return item{}, false
	}
	it := m.queue[0]
	m.queue[0] = item{}
	m.queue = m.queue[1:]
	metrics.DispatchQueueDepth.Dec()
	return it, true
}

func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		for {
			if m.ctx.Err() != nil {
				return
			}
			it, ok := m.dequeue()
			if !ok {
				break
			}
			m.deliver(it)
		}
		select {
		case <-m.ctx.Done():
			return
		case <-m.signal:
		}
	}
}

func (m *Manager) deliver(it item) {
	if it.resync {
		m.cfg.Sink.Resynced()
		return
	}
	if it.lost != nil {
		m.cfg.Sink.ConnectionLost(it.lost)
		return
	}
	if err := m.decode(it.topic, it.data); err != nil {
		metrics.RecordEvent(string(it.topic), "malformed")
		m.log.Warn("dropping malformed realtime event",
			zap.String("topic", string(it.topic)),
			zap.Error(err),
		)
		return
	}
	metrics.RecordEvent(string(it.topic), "applied")
}

func (m *Manager) decode(topic model.Topic, data []byte) error {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	row := env.Record
	switch env.Type {
	case model.OpInsert, model.OpUpdate:
	case model.OpDelete:
		row = env.OldRecord
	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
	if len(row) == 0 || string(row) == "null" {
		return errors.New("event has no record")
	}

	switch topic {
	case model.TopicMessages:
		var msg model.Message
		if err := json.Unmarshal(row, &msg); err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		if env.Type == model.OpDelete {
			msg.Deleted = true
		}
		m.cfg.Sink.HandleMessage(model.MessageEvent{Op: env.Type, Message: msg})
	case model.TopicReactions:
		var r model.Reaction
		if err := json.Unmarshal(row, &r); err != nil {
			return fmt.Errorf("failed to decode reaction: %w", err)
		}
		m.cfg.Sink.HandleReaction(model.ReactionEvent{Op: env.Type, Reaction: r})
	case model.TopicPresence:
		var p model.Presence
		if err := json.Unmarshal(row, &p); err != nil {
			return fmt.Errorf("failed to decode presence: %w", err)
		}
		m.cfg.Sink.HandlePresence(model.PresenceEvent{Op: env.Type, Presence: p})
	case model.TopicTyping:
		var t model.TypingIndicator
		if err := json.Unmarshal(row, &t); err != nil {
			return fmt.Errorf("failed to decode typing indicator: %w", err)
		}
		m.cfg.Sink.HandleTyping(model.TypingEvent{Op: env.Type, Indicator: t})
	default:
		return fmt.Errorf("unknown topic %q", topic)
	}
	return nil
}

func (m *Manager) onConnState(state ConnState) {
	m.log.Info("realtime connection state changed", zap.Stringer("state", state))
	switch state {
	case StateReconnected:
		go m.resubscribe()
	case StateClosed:
		m.enqueue(item{lost: errors.New("realtime connection closed")})
	}
}

// resubscribe re-establishes every topic with exponential backoff and,
// once done, queues a resync so the session re-fetches what it missed.
func (m *Manager) resubscribe() {
	m.resub.Lock()
	defer m.resub.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ResubscribeInitial
	b.MaxElapsedTime = m.cfg.ResubscribeMaxElapsed

	op := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return backoff.Permanent(ErrClosed)
		}
		unsubscribe(m.subs)
		m.subs = nil
		subs, err := m.subscribeAll()
		if err != nil {
			return err
		}
		m.subs = subs
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.ResubscribeAttemptsTotal.WithLabelValues("failed").Inc()
		m.log.Warn("resubscribe failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, m.ctx), notify)
	switch {
	case err == nil:
		metrics.ResubscribeAttemptsTotal.WithLabelValues("success").Inc()
		m.enqueue(item{resync: true})
	case errors.Is(err, ErrClosed) || m.ctx.Err() != nil:
	default:
		metrics.ResubscribeAttemptsTotal.WithLabelValues("exhausted").Inc()
		m.log.Error("resubscribe gave up", zap.Error(err))
		m.enqueue(item{lost: err})
	}
}
