package model

import (
	"time"
)

// Presence is a user's online status as last reported to the backend.
type Presence struct {
	UserID        string    `json:"user_id"`
	IsOnline      bool      `json:"is_online"`
	StatusMessage string    `json:"status_message,omitempty"`
	CustomStatus  string    `json:"custom_status,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
}

// PresenceStatus is the effective presence seen by a reader.
type PresenceStatus struct {
	Presence
	// Online is IsOnline unless the record is stale.
	Online bool `json:"online"`
	Stale  bool `json:"stale"`
	Known  bool `json:"known"`
}

// UpdatePresenceRequest is the request to change the own status text.
type UpdatePresenceRequest struct {
	StatusMessage string `json:"status_message"`
	CustomStatus  string `json:"custom_status"`
}

// TypingIndicator signals that a user is composing in a conversation.
type TypingIndicator struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}
