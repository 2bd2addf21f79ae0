package model

import (
	"time"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeFile, MessageTypeSystem:
		return true
	}
	return false
}

// DeliveryStatus is the client-side state of a message entry.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusFailed    DeliveryStatus = "failed"
	StatusConfirmed DeliveryStatus = "confirmed"
)

// MetadataClientToken is the metadata key carrying the client token of an
// optimistic send. The backend stores metadata verbatim, so the echo of
// the insert carries the token back.
const MetadataClientToken = "client_token"

// Message represents a conversation message as stored by the backend.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`

	// Content
	Content   string         `json:"content"`
	Type      MessageType    `json:"message_type"`
	ReplyToID *string        `json:"reply_to_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Timestamps
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	// Mutable state
	Edited  bool `json:"is_edited"`
	Deleted bool `json:"is_deleted"`
}

// ClientToken returns the client token echoed in the metadata, if any.
func (m *Message) ClientToken() string {
	if m.Metadata == nil {
		return ""
	}
	token, _ := m.Metadata[MetadataClientToken].(string)
	return token
}

// MessageEntry is one row of the message store view: a message plus its
// client-side delivery state.
type MessageEntry struct {
	Message
	Status DeliveryStatus `json:"status"`
	// TempID is set while the entry is optimistic.
	TempID    string     `json:"temp_id,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
}

// Reaction is a single user's reaction to a message.
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"reaction_type"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// NewMessage is the insert payload for a message write.
type NewMessage struct {
	ConversationID string         `json:"conversation_id"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"message_type"`
	ReplyToID      *string        `json:"reply_to_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Content   string         `json:"content"`
	Type      MessageType    `json:"message_type,omitempty"`
	ReplyToID *string        `json:"reply_to_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SendMessageResponse is the response after accepting a message. Entry
// is set while the message is still unconfirmed; a confirmed message is
// read back from the conversation view.
type SendMessageResponse struct {
	TempID string         `json:"temp_id"`
	Status DeliveryStatus `json:"status"`
	Entry  *MessageEntry  `json:"entry,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// EditMessageRequest is the request to edit a message.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// ListMessagesResponse is the response for the open conversation view.
type ListMessagesResponse struct {
	ConversationID string         `json:"conversation_id"`
	State          string         `json:"state"`
	Messages       []MessageEntry `json:"messages"`
	HasMore        bool           `json:"has_more"`
}
