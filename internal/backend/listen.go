package backend

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/model"
)

// Listen subscribes to a notification channel on a dedicated connection
// and calls fn for every payload until ctx ends or the connection fails.
func (p *Postgres) Listen(ctx context.Context, channel string, fn func(payload string)) error {
	pooled, err := p.pool.Acquire(ctx)
	if err != nil {
		return classify("listen", err)
	}
	// A connection in LISTEN state must not go back to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return classify("listen", err)
	}
	p.logger.Info("listening for row changes", zap.String("channel", channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classify("listen", err)
		}
		fn(n.Payload)
	}
}

// Recipients returns the users allowed to see a changed row of topic.
func (p *Postgres) Recipients(ctx context.Context, topic model.Topic, key model.RowKey) ([]string, error) {
	var (
		query string
		arg   string
	)
	switch topic {
	case model.TopicMessages, model.TopicTyping:
		query = `SELECT user_id::text FROM conversation_participants WHERE conversation_id::text = $1`
		arg = key.ConversationID
	case model.TopicReactions:
		query = `
			SELECT cp.user_id::text
			FROM messages m
			JOIN conversation_participants cp ON cp.conversation_id = m.conversation_id
			WHERE m.id::text = $1`
		arg = key.MessageID
	case model.TopicPresence:
		query = `
			SELECT DISTINCT other.user_id::text
			FROM conversation_participants self
			JOIN conversation_participants other ON other.conversation_id = self.conversation_id
			WHERE self.user_id::text = $1`
		arg = key.UserID
	default:
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
	if arg == "" {
		return nil, nil
	}

	var ids []string
	err := p.observe(ctx, "recipients", func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, query, arg)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	return ids, err
}
