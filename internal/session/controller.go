package session

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/messaging-core/internal/clock"
	"github.com/capitalize-ai/messaging-core/internal/directory"
	"github.com/capitalize-ai/messaging-core/internal/errs"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/notify"
	"github.com/capitalize-ai/messaging-core/internal/presence"
	"github.com/capitalize-ai/messaging-core/internal/store"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// State is the lifecycle of the active conversation.
type State string

const (
	StateNone    State = "none"
	StateLoading State = "loading"
	StateReady   State = "ready"
)

// HistorySource loads message history and records read receipts.
type HistorySource interface {
	FetchMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)
	FetchReactions(ctx context.Context, messageIDs []string) ([]model.Reaction, error)
	MarkRead(ctx context.Context, conversationID string, at time.Time) error
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	UserID    string
	Store     *store.MessageStore
	Directory *directory.Directory
	Typing    *presence.TypingManager
	Source    HistorySource
	Hub       *notify.Hub
	PageSize  int
	Timeout   time.Duration
	// CacheSize is how many recently left conversations keep their
	// message window for an instant reopen.
	CacheSize int
	// ReadReceiptInterval spaces read receipts sent while messages
	// arrive in the open conversation.
	ReadReceiptInterval time.Duration
	Clock               clock.Clock
	Logger              *logger.Logger
}

// Status describes the active conversation.
type Status struct {
	ConversationID string `json:"conversation_id,omitempty"`
	State          State  `json:"state"`
	HasMore        bool   `json:"has_more"`
	Error          string `json:"error,omitempty"`
}

// Controller decides which conversation's history is loaded. Only one
// conversation is active; switching away abandons the in-flight fetch
// and a late result for it is discarded.
type Controller struct {
	cfg   ControllerConfig
	cache *lru.Cache

	mu       sync.Mutex
	active   string
	state    State
	gen      uint64
	cancel   context.CancelFunc
	done     chan struct{}
	offset   int
	hasMore  bool
	loadErr  error
	receipts *rate.Sometimes
	closed   bool

	wg sync.WaitGroup
}

// NewController creates a controller with nothing selected.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 16
	}
	if cfg.ReadReceiptInterval <= 0 {
		cfg.ReadReceiptInterval = 3 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}
	if cfg.Hub == nil {
		cfg.Hub = notify.NewHub()
	}
	cache, _ := lru.New(cfg.CacheSize)
	return &Controller{cfg: cfg, cache: cache, state: StateNone}
}

// Active returns the active conversation and its state.
func (c *Controller) Active() (string, State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.state
}

// Status returns the active conversation's status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{ConversationID: c.active, State: c.state, HasMore: c.hasMore}
	if c.loadErr != nil {
		st.Error = c.loadErr.Error()
	}
	return st
}

// Select makes conversationID active and loads its newest page. The view
// shows the cached window and the user's unsent messages, if any, while
// loading. The returned channel
// closes when this selection's fetch has finished or been superseded.
// Selecting the active conversation again does nothing.
func (c *Controller) Select(conversationID string) (<-chan struct{}, error) {
	if conversationID == "" {
		return nil, errs.Validation("select_conversation", "conversation id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.active == conversationID && c.state != StateNone {
		if c.done == nil {
			return closedChan(), nil
		}
		return c.done, nil
	}
	if c.active != "" {
		c.leaveLocked()
	}

	c.active = conversationID
	c.state = StateLoading
	c.offset = 0
	c.hasMore = false
	c.loadErr = nil
	c.receipts = &rate.Sometimes{Interval: c.cfg.ReadReceiptInterval}

	var cached []model.Message
	if v, ok := c.cache.Get(conversationID); ok {
		cached = v.([]model.Message)
	}
	c.cfg.Store.Reset(conversationID, cached, nil)

	c.cfg.Logger.Debug("conversation selected",
		zap.String("conversation_id", conversationID),
		zap.Int("cached", len(cached)),
	)
	c.changed(conversationID, string(StateLoading))
	return c.startFetchLocked(), nil
}

// Refetch reloads the newest page of the active conversation, for example
// after the realtime connection recovered. The view keeps its state while
// the fetch runs.
func (c *Controller) Refetch() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == "" || c.closed {
		return closedChan()
	}
	return c.startFetchLocked()
}

func (c *Controller) startFetchLocked() <-chan struct{} {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		close(c.done)
	}
	c.gen++
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done

	gen, conversationID := c.gen, c.active
	c.wg.Add(1)
	go c.fetch(ctx, gen, conversationID)
	return done
}

func (c *Controller) fetch(ctx context.Context, gen uint64, conversationID string) {
	defer c.wg.Done()

	msgs, err := c.cfg.Source.FetchMessages(ctx, conversationID, c.cfg.PageSize, 0)
	var reactions []model.Reaction
	if err == nil && len(msgs) > 0 {
		reactions, err = c.cfg.Source.FetchReactions(ctx, messageIDs(msgs))
	}

	c.mu.Lock()
	if gen != c.gen || conversationID != c.active {
		c.mu.Unlock()
		metrics.StaleFetchesTotal.Inc()
		c.cfg.Logger.Debug("discarding stale history fetch", zap.String("conversation_id", conversationID))
		return
	}
	c.cancel()
	c.cancel = nil
	// Waiters on done see the outcome applied.
	defer func(done chan struct{}) { close(done) }(c.done)
	c.done = nil

	if err != nil {
		c.loadErr = err
		c.mu.Unlock()
		c.cfg.Logger.Warn("failed to load conversation history",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		c.changed(conversationID, "error")
		return
	}

	c.cfg.Store.Resync(conversationID, msgs, reactions, len(msgs) < c.cfg.PageSize)
	c.offset = len(msgs)
	c.hasMore = len(msgs) == c.cfg.PageSize
	c.loadErr = nil
	c.state = StateReady
	c.mu.Unlock()

	c.changed(conversationID, string(StateReady))
	c.markRead(conversationID)
}

// LoadOlder fetches the page before the oldest loaded message and merges
// it into the view. Returns the number of messages added.
func (c *Controller) LoadOlder(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return 0, errs.Validation("load_older", "no conversation is ready")
	}
	if !c.hasMore {
		c.mu.Unlock()
		return 0, nil
	}
	gen, conversationID, offset := c.gen, c.active, c.offset
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	msgs, err := c.cfg.Source.FetchMessages(ctx, conversationID, c.cfg.PageSize, offset)
	if err != nil {
		return 0, err
	}
	var reactions []model.Reaction
	if len(msgs) > 0 {
		if reactions, err = c.cfg.Source.FetchReactions(ctx, messageIDs(msgs)); err != nil {
			return 0, err
		}
	}

	c.mu.Lock()
	if gen != c.gen || conversationID != c.active {
		c.mu.Unlock()
		metrics.StaleFetchesTotal.Inc()
		return 0, nil
	}
	added := c.cfg.Store.Merge(msgs, reactions)
	c.offset += len(msgs)
	c.hasMore = len(msgs) == c.cfg.PageSize
	c.mu.Unlock()

	if added > 0 {
		c.changed(conversationID, "older")
	}
	return added, nil
}

// Leave deselects the active conversation. The final read receipt and
// typing stop are sent in the background.
func (c *Controller) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveLocked()
}

func (c *Controller) leaveLocked() {
	if c.active == "" {
		return
	}
	prev, wasReady := c.active, c.state == StateReady

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.gen++

	if wasReady {
		c.cache.Add(prev, c.cfg.Store.Confirmed())
	}
	c.cfg.Store.Reset("", nil, nil)
	c.active = ""
	c.state = StateNone
	c.hasMore = false
	c.loadErr = nil

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		if c.cfg.Typing != nil {
			_ = c.cfg.Typing.Stop(ctx, prev)
		}
		if wasReady {
			c.sendReceipt(ctx, prev)
		}
	}()
	c.changed(prev, string(StateNone))
}

// OnIncoming advances the read receipt when a message from someone else
// lands in the open, ready conversation. Receipts are throttled; Leave
// sends the final one.
func (c *Controller) OnIncoming(msg model.Message) {
	if msg.SenderID == c.cfg.UserID {
		return
	}
	c.mu.Lock()
	if c.active != msg.ConversationID || c.state != StateReady {
		c.mu.Unlock()
		return
	}
	receipts := c.receipts
	c.mu.Unlock()

	receipts.Do(func() { c.markRead(msg.ConversationID) })
}

// MarkRead clears the unread badge of the active conversation now.
func (c *Controller) MarkRead() error {
	c.mu.Lock()
	conversationID, state := c.active, c.state
	c.mu.Unlock()
	if state != StateReady {
		return errs.Validation("mark_read", "no conversation is ready")
	}
	c.markRead(conversationID)
	return nil
}

func (c *Controller) markRead(conversationID string) {
	if c.cfg.Directory != nil && c.cfg.Directory.MarkRead(conversationID, c.cfg.Clock.Now()) {
		c.cfg.Hub.Publish(notify.Change{
			Kind:           notify.KindConversations,
			ConversationID: conversationID,
			Detail:         "read",
			At:             c.cfg.Clock.Now(),
		})
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		c.sendReceipt(ctx, conversationID)
	}()
}

func (c *Controller) sendReceipt(ctx context.Context, conversationID string) {
	if err := c.cfg.Source.MarkRead(ctx, conversationID, c.cfg.Clock.Now()); err != nil {
		c.cfg.Logger.Warn("failed to send read receipt",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

// Close leaves the active conversation and waits for background work.
func (c *Controller) Close() {
	c.mu.Lock()
	c.leaveLocked()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}

// Wait blocks until background fetches and receipts have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) changed(conversationID, detail string) {
	c.cfg.Hub.Publish(notify.Change{
		Kind:           notify.KindMessages,
		ConversationID: conversationID,
		Detail:         detail,
		At:             c.cfg.Clock.Now(),
	})
}

func messageIDs(msgs []model.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
