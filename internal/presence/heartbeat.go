package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/clock"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// PresenceWriter persists the user's own presence row.
type PresenceWriter interface {
	UpsertPresence(ctx context.Context, p model.Presence) error
}

// HeartbeatConfig configures a Heartbeat.
type HeartbeatConfig struct {
	UserID   string
	Writer   PresenceWriter
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
	Logger   *logger.Logger
}

// Heartbeat keeps the user's presence row online for the lifetime of a
// session and marks it offline when released.
type Heartbeat struct {
	cfg HeartbeatConfig

	mu      sync.Mutex
	status  model.UpdatePresenceRequest
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// NewHeartbeat creates a heartbeat. Nothing is written until Start.
func NewHeartbeat(cfg HeartbeatConfig) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}
	return &Heartbeat{
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start marks the user online and begins periodic refreshes. A failed
// first write is returned but the refresh loop still runs, so a later
// tick can recover.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started || h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	err := h.write(ctx, true)
	go h.loop()
	return err
}

func (h *Heartbeat) loop() {
	defer close(h.done)

	ticker := h.cfg.Clock.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if err := h.write(context.Background(), true); err != nil {
				h.cfg.Logger.Warn("presence heartbeat failed", zap.Error(err))
			}
		}
	}
}

// SetStatus changes the status text and writes it immediately.
func (h *Heartbeat) SetStatus(ctx context.Context, req model.UpdatePresenceRequest) error {
	h.mu.Lock()
	h.status = req
	online := h.started && !h.stopped
	h.mu.Unlock()

	return h.write(ctx, online)
}

// Stop ends the refresh loop and marks the user offline. It is safe to
// call more than once; only the first call writes.
func (h *Heartbeat) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	started := h.started
	h.mu.Unlock()

	if !started {
		return nil
	}
	close(h.stop)
	<-h.done

	// The caller's context may already be gone at logout.
	return h.write(context.Background(), false)
}

func (h *Heartbeat) write(ctx context.Context, online bool) error {
	h.mu.Lock()
	status := h.status
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	err := h.cfg.Writer.UpsertPresence(ctx, model.Presence{
		UserID:        h.cfg.UserID,
		IsOnline:      online,
		StatusMessage: status.StatusMessage,
		CustomStatus:  status.CustomStatus,
		LastSeen:      h.cfg.Clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to write presence: %w", err)
	}
	return nil
}
