// Package relay forwards row changes announced by the database to the
// realtime subjects of every user allowed to see them. The database side
// is a trigger calling pg_notify with the event envelope as payload.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// DefaultChannel is the notification channel the triggers publish on.
const DefaultChannel = "chat_events"

// Source delivers notification payloads. Listen blocks until ctx ends or
// the connection fails.
type Source interface {
	Listen(ctx context.Context, channel string, fn func(payload string)) error
}

// Resolver decides who receives a row change.
type Resolver interface {
	Recipients(ctx context.Context, topic model.Topic, key model.RowKey) ([]string, error)
}

// Publisher publishes an envelope to each recipient.
type Publisher interface {
	PublishEvent(topic model.Topic, env model.Envelope, recipients []string) error
}

// Config configures a Relay.
type Config struct {
	Source    Source
	Resolver  Resolver
	Publisher Publisher
	Channel   string
	// Timeout bounds one recipient lookup.
	Timeout time.Duration
	// InitialRetryInterval and MaxRetryInterval bound the wait between
	// reconnects.
	InitialRetryInterval time.Duration
	MaxRetryInterval     time.Duration
	Logger               *logger.Logger
}

// Relay moves database notifications onto the bus.
type Relay struct {
	cfg Config
}

// tables maps source tables onto topics.
var tables = map[string]model.Topic{
	"messages":          model.TopicMessages,
	"message_reactions": model.TopicReactions,
	"user_presence":     model.TopicPresence,
	"typing_indicators": model.TopicTyping,
}

// New creates a relay.
func New(cfg Config) *Relay {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.InitialRetryInterval <= 0 {
		cfg.InitialRetryInterval = 500 * time.Millisecond
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}
	return &Relay{cfg: cfg}
}

// Run listens until ctx ends, reconnecting with backoff when the
// listening connection fails. Changes made while disconnected are not
// replayed; sessions resync on reconnect.
func (r *Relay) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialRetryInterval
	b.MaxInterval = r.cfg.MaxRetryInterval
	b.MaxElapsedTime = 0

	op := func() error {
		err := r.cfg.Source.Listen(ctx, r.cfg.Channel, func(payload string) {
			b.Reset()
			r.Handle(ctx, payload)
		})
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("listener stopped")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.cfg.Logger.Warn("relay listener failed, reconnecting",
			zap.Error(err),
			zap.Duration("retry_in", wait),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle forwards one notification payload. Malformed payloads are
// counted and dropped.
func (r *Relay) Handle(ctx context.Context, payload string) {
	topic, env, key, err := parse(payload)
	if err != nil {
		metrics.RecordEvent("relay", "malformed")
		r.cfg.Logger.Warn("dropping malformed row change", zap.Error(err))
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	recipients, err := r.cfg.Resolver.Recipients(lookupCtx, topic, key)
	cancel()
	if err != nil {
		metrics.RecordEvent(string(topic), "relay_failed")
		r.cfg.Logger.Warn("failed to resolve recipients",
			zap.String("topic", string(topic)),
			zap.Error(err),
		)
		return
	}
	if len(recipients) == 0 {
		return
	}

	if err := r.cfg.Publisher.PublishEvent(topic, env, recipients); err != nil {
		metrics.RecordEvent(string(topic), "relay_failed")
		r.cfg.Logger.Warn("failed to publish row change",
			zap.String("topic", string(topic)),
			zap.Int("recipients", len(recipients)),
			zap.Error(err),
		)
		return
	}
	metrics.RecordEvent(string(topic), "relayed")
}

func parse(payload string) (model.Topic, model.Envelope, model.RowKey, error) {
	var env model.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return "", env, model.RowKey{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	topic, ok := tables[env.Table]
	if !ok {
		return "", env, model.RowKey{}, fmt.Errorf("unknown table %q", env.Table)
	}

	row := env.Record
	if env.Type == model.OpDelete {
		row = env.OldRecord
	}
	if len(row) == 0 {
		return "", env, model.RowKey{}, fmt.Errorf("%s event without a row", env.Type)
	}
	var key model.RowKey
	if err := json.Unmarshal(row, &key); err != nil {
		return "", env, model.RowKey{}, fmt.Errorf("failed to decode row: %w", err)
	}
	if topic == model.TopicMessages && key.ConversationID == "" {
		return "", env, model.RowKey{}, errors.New("message row without conversation_id")
	}
	return topic, env, key, nil
}
