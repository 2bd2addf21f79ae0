// Package send writes the user's outgoing messages. Each message shows up
// at once as a pending entry, goes to the backend, and is confirmed by
// the server echo or left failed for the user to retry or discard.
package send

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/clock"
	"github.com/capitalize-ai/messaging-core/internal/directory"
	"github.com/capitalize-ai/messaging-core/internal/errs"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/notify"
	"github.com/capitalize-ai/messaging-core/internal/store"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

const (
	// MaxContentBytes bounds message content.
	MaxContentBytes = 100_000
	// MaxReactionLength bounds a reaction type.
	MaxReactionLength = 32
)

// Writer is the part of the backend the pipeline writes through.
type Writer interface {
	InsertMessage(ctx context.Context, msg model.NewMessage) (model.Message, error)
	EditMessage(ctx context.Context, messageID, content string) error
	DeleteMessage(ctx context.Context, messageID string) error
	AddReaction(ctx context.Context, messageID, reactionType string) error
	RemoveReaction(ctx context.Context, messageID, reactionType string) error
}

// Config configures a Pipeline.
type Config struct {
	UserID    string
	Store     *store.MessageStore
	Directory *directory.Directory
	Writer    Writer
	Hub       *notify.Hub
	Timeout   time.Duration
	Clock     clock.Clock
	Logger    *logger.Logger
}

// Pipeline sends, edits and reacts to messages on behalf of one user.
type Pipeline struct {
	cfg Config
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
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
	return &Pipeline{cfg: cfg}
}

// ValidateContent trims content and checks it can be sent.
func ValidateContent(op, content string) (string, error) {
	content = strings.TrimSpace(content)
	switch {
	case content == "":
		return "", errs.Validation(op, "content is empty")
	case len(content) > MaxContentBytes:
		return "", errs.Validation(op, fmt.Sprintf("content exceeds %d bytes", MaxContentBytes))
	case !utf8.ValidString(content):
		return "", errs.Validation(op, "content is not valid UTF-8")
	}
	return content, nil
}

// Send validates req, shows it as pending in the open conversation and
// writes it. The returned temp id identifies the pending entry. On a
// write failure the entry is marked failed and the error returned along
// with the temp id. A validation error means nothing was shown or sent.
func (p *Pipeline) Send(ctx context.Context, conversationID string, req model.SendMessageRequest) (string, error) {
	const op = "send_message"

	content, err := ValidateContent(op, req.Content)
	if err != nil {
		metrics.MessagesSentTotal.WithLabelValues("rejected").Inc()
		return "", err
	}
	kind := req.Type
	if kind == "" {
		kind = model.MessageTypeText
	}
	if !kind.Valid() {
		metrics.MessagesSentTotal.WithLabelValues("rejected").Inc()
		return "", errs.Validation(op, fmt.Sprintf("unknown message type %q", kind))
	}
	if req.ReplyToID != nil && strings.HasPrefix(*req.ReplyToID, store.TempIDPrefix) {
		metrics.MessagesSentTotal.WithLabelValues("rejected").Inc()
		return "", errs.Validation(op, "cannot reply to an unsent message")
	}

	draft := store.Draft{
		ConversationID: conversationID,
		SenderID:       p.cfg.UserID,
		Content:        content,
		Type:           kind,
		ReplyToID:      req.ReplyToID,
		Metadata:       req.Metadata,
	}
	tempID, ok := p.cfg.Store.InsertOptimistic(draft)
	if !ok {
		metrics.MessagesSentTotal.WithLabelValues("rejected").Inc()
		return "", errs.Validation(op, "conversation is not open")
	}
	if p.cfg.Directory != nil {
		p.cfg.Directory.ApplyLocalSend(conversationID, content, p.cfg.Clock.Now())
	}
	p.changed(notify.KindMessages, conversationID, tempID, "pending")

	return tempID, p.write(ctx, tempID)
}

// Retry resends a failed message under its original client token.
func (p *Pipeline) Retry(ctx context.Context, tempID string) error {
	draft, ok := p.cfg.Store.Retry(tempID)
	if !ok {
		return errs.Validation("retry_message", "no failed message with that id")
	}
	p.changed(notify.KindMessages, draft.ConversationID, tempID, "pending")
	return p.write(ctx, tempID)
}

// Discard drops a pending or failed message from the view.
func (p *Pipeline) Discard(tempID string) error {
	draft, _ := p.cfg.Store.Draft(tempID)
	if !p.cfg.Store.Discard(tempID) {
		return errs.Validation("discard_message", "no unsent message with that id")
	}
	p.changed(notify.KindMessages, draft.ConversationID, tempID, "discarded")
	return nil
}

func (p *Pipeline) write(ctx context.Context, tempID string) error {
	draft, ok := p.cfg.Store.Draft(tempID)
	if !ok {
		// Discarded or already reconciled.
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := p.cfg.Clock.Now()
	msg, err := p.cfg.Writer.InsertMessage(ctx, draft.NewMessage())
	if err != nil {
		p.cfg.Store.MarkFailed(tempID)
		metrics.MessagesSentTotal.WithLabelValues("failed").Inc()
		p.cfg.Logger.Warn("message send failed",
			zap.String("conversation_id", draft.ConversationID),
			zap.String("temp_id", tempID),
			zap.Error(err),
		)
		p.changed(notify.KindMessages, draft.ConversationID, tempID, "failed")
		return asTransient("send_message", err)
	}

	metrics.MessagesSentTotal.WithLabelValues("sent").Inc()
	p.cfg.Logger.Debug("message sent",
		zap.String("conversation_id", draft.ConversationID),
		zap.String("message_id", msg.ID),
		zap.Duration("elapsed", p.cfg.Clock.Now().Sub(start)),
	)

	// The returned row carries the client token, so applying it now
	// reconciles exactly like the echo would, and the echo becomes a
	// duplicate.
	if msg.ID != "" {
		if res := p.cfg.Store.ApplyIncoming(msg); res.Changed() {
			p.changed(notify.KindMessages, msg.ConversationID, msg.ID, res.String())
		}
		if p.cfg.Directory != nil {
			p.cfg.Directory.ApplyMessage(msg, true)
		}
	}
	return nil
}

// Edit replaces the content of one of the user's messages. The echo
// updates the view.
func (p *Pipeline) Edit(ctx context.Context, messageID, content string) error {
	const op = "edit_message"
	content, err := ValidateContent(op, content)
	if err != nil {
		return err
	}
	if err := p.checkConfirmed(op, messageID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	if err := p.cfg.Writer.EditMessage(ctx, messageID, content); err != nil {
		return asTransient(op, err)
	}
	return nil
}

// Delete soft-deletes one of the user's messages.
func (p *Pipeline) Delete(ctx context.Context, messageID string) error {
	const op = "delete_message"
	if err := p.checkConfirmed(op, messageID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	if err := p.cfg.Writer.DeleteMessage(ctx, messageID); err != nil {
		return asTransient(op, err)
	}
	return nil
}

// React adds the user's reaction to a message. Reacting twice with the
// same type is not an error.
func (p *Pipeline) React(ctx context.Context, messageID, reactionType string) error {
	const op = "add_reaction"
	if err := p.checkReaction(op, messageID, reactionType); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	if err := p.cfg.Writer.AddReaction(ctx, messageID, reactionType); err != nil {
		return asTransient(op, err)
	}
	return nil
}

// Unreact removes the user's reaction from a message.
func (p *Pipeline) Unreact(ctx context.Context, messageID, reactionType string) error {
	const op = "remove_reaction"
	if err := p.checkReaction(op, messageID, reactionType); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	if err := p.cfg.Writer.RemoveReaction(ctx, messageID, reactionType); err != nil {
		return asTransient(op, err)
	}
	return nil
}

func (p *Pipeline) checkConfirmed(op, messageID string) error {
	if messageID == "" {
		return errs.Validation(op, "message id is required")
	}
	if strings.HasPrefix(messageID, store.TempIDPrefix) {
		return errs.Validation(op, "message is not sent yet")
	}
	return nil
}

func (p *Pipeline) checkReaction(op, messageID, reactionType string) error {
	if err := p.checkConfirmed(op, messageID); err != nil {
		return err
	}
	reactionType = strings.TrimSpace(reactionType)
	if reactionType == "" || utf8.RuneCountInString(reactionType) > MaxReactionLength {
		return errs.Validation(op, "invalid reaction type")
	}
	return nil
}

func (p *Pipeline) changed(kind notify.Kind, conversationID, messageID, detail string) {
	p.cfg.Hub.Publish(notify.Change{
		Kind:           kind,
		ConversationID: conversationID,
		MessageID:      messageID,
		Detail:         detail,
		At:             p.cfg.Clock.Now(),
	})
}

// asTransient classifies an unclassified write failure as transient:
// the only remedy offered is a user retry.
func asTransient(op string, err error) error {
	if errs.KindOf(err) != 0 {
		return err
	}
	return errs.Transient(op, err)
}
