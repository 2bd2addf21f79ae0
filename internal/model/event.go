package model

import (
	"encoding/json"
	"time"
)

// Topic is a realtime event stream.
type Topic string

const (
	TopicMessages  Topic = "messages"
	TopicReactions Topic = "reactions"
	TopicPresence  Topic = "presence"
	TopicTyping    Topic = "typing"
)

// Topics lists every topic a session subscribes to.
var Topics = []Topic{TopicMessages, TopicReactions, TopicPresence, TopicTyping}

// Op is the row operation a realtime event reports.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Envelope is the wire format of a realtime event. Record holds the new
// row for INSERT/UPDATE, OldRecord the previous row for UPDATE/DELETE.
type Envelope struct {
	Type            Op              `json:"type"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// MessageEvent is a decoded messages-topic event.
type MessageEvent struct {
	Op      Op
	Message Message
}

// ReactionEvent is a decoded reactions-topic event.
type ReactionEvent struct {
	Op       Op
	Reaction Reaction
}

// PresenceEvent is a decoded presence-topic event.
type PresenceEvent struct {
	Op       Op
	Presence Presence
}

// TypingEvent is a decoded typing-topic event.
type TypingEvent struct {
	Op        Op
	Indicator TypingIndicator
}

// ErrorEvent represents an error event on the SSE stream.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event on the SSE stream.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// RowKey holds the columns of a changed row that decide who may see it.
type RowKey struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
}
