// Package backend is the messaging core's view of the data backend: the
// conversation RPCs, the message, reaction, presence and typing tables,
// and the user profiles directory.
package backend

import (
	"context"
	"time"

	"github.com/capitalize-ai/messaging-core/internal/model"
)

// Backend is the backend as seen by one signed-in user. Every call acts
// with that user's identity, so row-level policies apply.
type Backend interface {
	GetUserConversations(ctx context.Context) ([]model.Conversation, error)
	CreateDirectConversation(ctx context.Context, otherUserID string) (string, error)
	CreateGroupConversation(ctx context.Context, name string, participantIDs []string) (string, error)
	CreateTeamConversation(ctx context.Context, teamID string) (string, error)
	FetchParticipants(ctx context.Context, conversationID string) ([]model.Participant, error)

	// FetchMessages returns a page of non-deleted messages, newest first.
	FetchMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)
	FetchReactions(ctx context.Context, messageIDs []string) ([]model.Reaction, error)
	InsertMessage(ctx context.Context, msg model.NewMessage) (model.Message, error)
	EditMessage(ctx context.Context, messageID, content string) error
	DeleteMessage(ctx context.Context, messageID string) error

	// AddReaction does not fail when the reaction already exists.
	AddReaction(ctx context.Context, messageID, reactionType string) error
	RemoveReaction(ctx context.Context, messageID, reactionType string) error

	UpsertPresence(ctx context.Context, p model.Presence) error
	FetchPresence(ctx context.Context, userIDs []string) ([]model.Presence, error)
	UpsertTyping(ctx context.Context, t model.TypingIndicator) error
	DeleteTyping(ctx context.Context, conversationID string) error
	MarkRead(ctx context.Context, conversationID string, at time.Time) error
}

// UserDirectory resolves user profiles.
type UserDirectory interface {
	GetUsers(ctx context.Context, ids []string) ([]model.User, error)
}
