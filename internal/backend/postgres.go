package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/errs"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

var tracer = otel.Tracer("github.com/capitalize-ai/messaging-core/internal/backend")

// Postgres is the backend over a PostgreSQL database exposing the
// conversation RPCs. Row-level policies read the caller from the
// request.jwt.claim.sub setting, which every call sets for its own
// transaction.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewPostgres connects a pool to databaseURL.
func NewPostgres(ctx context.Context, databaseURL string, log *logger.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	log.Info("connected to database",
		zap.String("host", cfg.ConnConfig.Host),
		zap.String("database", cfg.ConnConfig.Database),
	)
	return &Postgres{pool: pool, logger: log}, nil
}

// Ping checks the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// ForUser returns the backend acting as userID.
func (p *Postgres) ForUser(userID string) *UserBackend {
	return &UserBackend{pg: p, userID: userID}
}

// GetUsers looks up profiles by id. Unknown ids are skipped.
func (p *Postgres) GetUsers(ctx context.Context, ids []string) ([]model.User, error) {
	var users []model.User
	err := p.observe(ctx, "get_users", func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, `
			SELECT id::text, coalesce(display_name, ''), coalesce(department, ''), coalesce(role, '')
			FROM profiles
			WHERE id::text = ANY($1)
			ORDER BY display_name`, ids)
		if err != nil {
			return err
		}
		users, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.User, error) {
			var u model.User
			err := row.Scan(&u.ID, &u.DisplayName, &u.Department, &u.Role)
			return u, err
		})
		return err
	})
	return users, err
}

// observe runs fn in a span and records its latency and outcome.
func (p *Postgres) observe(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "backend."+op)
	defer span.End()

	start := time.Now()
	err := classify(op, fn(ctx))
	metrics.RecordBackendCall(op, err, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", errs.KindOf(err).String()))
	}
	return err
}

// UserBackend is the Backend acting as one user.
type UserBackend struct {
	pg     *Postgres
	userID string
}

var _ Backend = (*UserBackend)(nil)

// tx runs fn in a transaction carrying the caller's identity.
func (b *UserBackend) tx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return b.pg.observe(ctx, op, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, b.pg.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT set_config('request.jwt.claim.sub', $1, true)`, b.userID); err != nil {
				return err
			}
			return fn(ctx, tx)
		})
	})
}

func (b *UserBackend) GetUserConversations(ctx context.Context) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := b.tx(ctx, "get_user_conversations", func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id::text, type, coalesce(name, ''), participant_count,
			       last_message_id::text, last_message_content, last_message_sender_id::text, last_message_at,
			       unread_count, last_read_at, created_at, updated_at
			FROM get_user_conversations_enhanced()`)
		if err != nil {
			return err
		}
		convs, err = pgx.CollectRows(rows, scanConversation)
		return err
	})
	return convs, err
}

func scanConversation(row pgx.CollectableRow) (model.Conversation, error) {
	var (
		c                          model.Conversation
		kind                       string
		lastID, lastContent, lastBy *string
		lastAt                     *time.Time
	)
	err := row.Scan(&c.ID, &kind, &c.Name, &c.ParticipantCount,
		&lastID, &lastContent, &lastBy, &lastAt,
		&c.UnreadCount, &c.LastReadAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.Kind = model.ConversationKind(kind)
	if lastAt != nil {
		c.LastMessage = &model.MessageSummary{
			MessageID: deref(lastID),
			Content:   deref(lastContent),
			SenderID:  deref(lastBy),
			At:        *lastAt,
		}
	}
	return c, nil
}

// CreateDirectConversation finds or creates the direct conversation with
// otherUserID. A concurrent create by the other side surfaces as a
// unique violation; the second attempt returns the existing row.
func (b *UserBackend) CreateDirectConversation(ctx context.Context, otherUserID string) (string, error) {
	var id string
	call := func() error {
		return b.tx(ctx, "create_direct_conversation", func(ctx context.Context, tx pgx.Tx) error {
			return tx.QueryRow(ctx, `SELECT create_direct_conversation($1)::text`, otherUserID).Scan(&id)
		})
	}
	err := call()
	if errs.IsConflict(err) {
		b.pg.logger.Debug("direct conversation raced, reading existing", zap.String("other_user_id", otherUserID))
		err = call()
	}
	return id, err
}

func (b *UserBackend) CreateGroupConversation(ctx context.Context, name string, participantIDs []string) (string, error) {
	var id string
	err := b.tx(ctx, "create_group_conversation", func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT create_group_conversation($1, $2::uuid[])::text`, name, participantIDs).Scan(&id)
	})
	return id, err
}

func (b *UserBackend) CreateTeamConversation(ctx context.Context, teamID string) (string, error) {
	var id string
	err := b.tx(ctx, "create_team_conversation", func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT create_team_conversation($1)::text`, teamID).Scan(&id)
	})
	return id, err
}

func (b *UserBackend) FetchParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	var out []model.Participant
	err := b.tx(ctx, "fetch_participants", func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT conversation_id::text, user_id::text, coalesce(role, 'member'), last_read_at
			FROM conversation_participants
			WHERE conversation_id::text = $1`, conversationID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Participant, error) {
			var (
				p    model.Participant
				role string
			)
			err := row.Scan(&p.ConversationID, &p.UserID, &role, &p.LastReadAt)
			p.Role = model.ParticipantRole(role)
			return p, err
		})
		return err
	})
	return out, err
}

const messageColumns = `id::text, conversation_id::text, sender_id::text, content, message_type,
	reply_to_id::text, metadata, created_at, updated_at, is_edited, is_deleted`

func scanMessage(row pgx.CollectableRow) (model.Message, error) {
	var (
		m    model.Message
		kind string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &kind,
		&m.ReplyToID, &m.Metadata, &m.CreatedAt, &m.UpdatedAt, &m.Edited, &m.Deleted)
	m.Type = model.MessageType(kind)
	return m, err
}

func (b *UserBackend) FetchMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	var msgs []model.Message
	err := b.tx(ctx, "fetch_messages", func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id::text = $1 AND is_deleted = false
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3`, conversationID, limit, offset)
		if err != nil {
			return err
		}
		msgs, err = pgx.CollectRows(rows, scanMessage)
		return err
	})
	return msgs, err
}

func (b *UserBackend) FetchReactions(ctx context.Context, messageIDs []string) ([]model.Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var out []model.Reaction
	err := b.tx(ctx, "fetch_reactions", func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT message_id::text, user_id::text, reaction_type, created_at
			FROM message_reactions
			WHERE message_id::text = ANY($1)`, messageIDs)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Reaction, error) {
			var r model.Reaction
			err := row.Scan(&r.MessageID, &r.UserID, &r.Type, &r.CreatedAt)
			return r, err
		})
		return err
	})
	return out, err
}

func (b *UserBackend) InsertMessage(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	var out model.Message
	err := b.tx(ctx, "insert_message", func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			INSERT INTO messages (conversation_id, sender_id, content, message_type, metadata, reply_to_id)
			VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6::uuid)
			RETURNING `+messageColumns,
			msg.ConversationID, b.userID, msg.Content, string(msg.Type), msg.Metadata, msg.ReplyToID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectExactlyOneRow(rows, scanMessage)
		return err
	})
	return out, err
}

func (b *UserBackend) EditMessage(ctx context.Context, messageID, content string) error {
	return b.tx(ctx, "edit_message", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE messages SET content = $2, is_edited = true, updated_at = now()
			WHERE id::text = $1 AND sender_id::text = $3 AND is_deleted = false`,
			messageID, content, b.userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errNotFound
		}
		return nil
	})
}

func (b *UserBackend) DeleteMessage(ctx context.Context, messageID string) error {
	return b.tx(ctx, "delete_message", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE messages SET is_deleted = true, updated_at = now()
			WHERE id::text = $1 AND sender_id::text = $2`,
			messageID, b.userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errNotFound
		}
		return nil
	})
}

func (b *UserBackend) AddReaction(ctx context.Context, messageID, reactionType string) error {
	return b.tx(ctx, "add_reaction", func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO message_reactions (message_id, user_id, reaction_type)
			VALUES ($1::uuid, $2::uuid, $3)
			ON CONFLICT (message_id, user_id, reaction_type) DO NOTHING`,
			messageID, b.userID, reactionType)
		return err
	})
}

func (b *UserBackend) RemoveReaction(ctx context.Context, messageID, reactionType string) error {
	return b.tx(ctx, "remove_reaction", func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			DELETE FROM message_reactions
			WHERE message_id::text = $1 AND user_id::text = $2 AND reaction_type = $3`,
			messageID, b.userID, reactionType)
		return err
	})
}

func (b *UserBackend) UpsertPresence(ctx context.Context, p model.Presence) error {
	return b.tx(ctx, "upsert_presence", func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO user_presence (user_id, is_online, status_message, custom_status, last_seen)
			VALUES ($1::uuid, $2, $3, $4, $5)
			ON CONFLICT (user_id) DO UPDATE SET
				is_online = excluded.is_online,
				status_message = excluded.status_message,
				custom_status = excluded.custom_status,
				last_seen = excluded.last_seen`,
			b.userID, p.IsOnline, nullIfEmpty(p.StatusMessage), nullIfEmpty(p.CustomStatus), p.LastSeen)
		return err
	})
}

func (b *UserBackend) FetchPresence(ctx context.Context, userIDs []string) ([]model.Presence, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var out []model.Presence
	err := b.tx(ctx, "fetch_presence", func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT user_id::text, is_online, coalesce(status_message, ''), coalesce(custom_status, ''), last_seen
			FROM user_presence
			WHERE user_id::text = ANY($1)`, userIDs)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Presence, error) {
			var p model.Presence
			err := row.Scan(&p.UserID, &p.IsOnline, &p.StatusMessage, &p.CustomStatus, &p.LastSeen)
			return p, err
		})
		return err
	})
	return out, err
}

func (b *UserBackend) UpsertTyping(ctx context.Context, t model.TypingIndicator) error {
	return b.tx(ctx, "upsert_typing", func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO typing_indicators (conversation_id, user_id, started_at, expires_at)
			VALUES ($1::uuid, $2::uuid, $3, $4)
			ON CONFLICT (conversation_id, user_id) DO UPDATE SET
				started_at = excluded.started_at,
				expires_at = excluded.expires_at`,
			t.ConversationID, b.userID, t.StartedAt, t.ExpiresAt)
		return err
	})
}

func (b *UserBackend) DeleteTyping(ctx context.Context, conversationID string) error {
	return b.tx(ctx, "delete_typing", func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			DELETE FROM typing_indicators
			WHERE conversation_id::text = $1 AND user_id::text = $2`,
			conversationID, b.userID)
		return err
	})
}

// MarkRead moves the caller's read receipt forward, never back.
func (b *UserBackend) MarkRead(ctx context.Context, conversationID string, at time.Time) error {
	return b.tx(ctx, "mark_read", func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE conversation_participants
			SET last_read_at = greatest(coalesce(last_read_at, $3), $3)
			WHERE conversation_id::text = $1 AND user_id::text = $2`,
			conversationID, b.userID, at)
		return err
	})
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
