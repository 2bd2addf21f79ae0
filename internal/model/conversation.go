// Package model defines data structures for the messaging core.
package model

import (
	"time"
)

// ConversationKind is the type of a conversation.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
	KindTeam   ConversationKind = "team"
)

// Valid reports whether k is a known conversation kind.
func (k ConversationKind) Valid() bool {
	switch k {
	case KindDirect, KindGroup, KindTeam:
		return true
	}
	return false
}

// ParticipantRole is a participant's role within a conversation.
type ParticipantRole string

const (
	RoleMember ParticipantRole = "member"
	RoleOwner  ParticipantRole = "owner"
)

// MessageSummary is the denormalized last message of a conversation.
type MessageSummary struct {
	MessageID string    `json:"message_id,omitempty"`
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	At        time.Time `json:"at"`
}

// Participant is a user's membership in a conversation.
type Participant struct {
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id"`
	Role           ParticipantRole `json:"role"`
	LastReadAt     *time.Time      `json:"last_read_at,omitempty"`
}

// Conversation represents a conversation the current user participates in.
type Conversation struct {
	ID               string           `json:"id"`
	Kind             ConversationKind `json:"type"`
	Name             string           `json:"name"`
	ParticipantCount int              `json:"participant_count"`
	LastMessage      *MessageSummary  `json:"last_message,omitempty"`
	UnreadCount      int              `json:"unread_count"`
	// LastReadAt is the current user's read receipt.
	LastReadAt   *time.Time    `json:"last_read_at,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// CreateConversationRequest is the request to find or create a conversation.
// Which fields apply depends on Kind.
type CreateConversationRequest struct {
	Kind           ConversationKind `json:"type"`
	OtherUserID    string           `json:"other_user_id,omitempty"`
	Name           string           `json:"name,omitempty"`
	ParticipantIDs []string         `json:"participant_ids,omitempty"`
	TeamID         string           `json:"team_id,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}

// User is the Directory Service view of a person.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Department  string `json:"department,omitempty"`
	Role        string `json:"role,omitempty"`
}
