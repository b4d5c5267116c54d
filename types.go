package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error payload returned by the store server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Error codes used on the wire.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeInvalid      = "INVALID_INPUT"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInternal     = "INTERNAL_ERROR"
)

// Result is the JSON envelope used by every store server response.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// Message is one entry of a conversation feed. Text is in sanitized storage
// form; use Desanitize before rendering.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"` // unix milliseconds, assigned by the store
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// before reports whether m sorts ahead of o in a canonical list.
func (m Message) before(o Message) bool {
	if m.Timestamp != o.Timestamp {
		return m.Timestamp < o.Timestamp
	}
	return m.ID < o.ID
}

// NewMessage holds the fields a client supplies when writing a message.
type NewMessage struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
}

// WriteAck is what the store returns for an accepted write.
type WriteAck struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes shared group feeds from one-to-one pairs.
type ConversationKind string

const (
	KindGroup  ConversationKind = "group"
	KindDirect ConversationKind = "direct"
)

// Conversation describes a conversation the local user belongs to.
//
// A direct conversation is stored as two per-user records: ID holds the
// local user's outgoing messages and MirrorID holds the counterpart's.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Participants []string         `json:"participants"`
	MirrorID     string           `json:"mirrorId,omitempty"`
}

// IsDirect reports whether c is a one-to-one conversation.
func (c Conversation) IsDirect() bool {
	return c.Kind == KindDirect
}

// Counterpart returns the participant of a direct conversation who is not self.
func (c Conversation) Counterpart(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

// Records returns every store record id whose messages belong to c.
func (c Conversation) Records() []string {
	if c.IsDirect() && c.MirrorID != "" {
		return []string{c.ID, c.MirrorID}
	}
	return []string{c.ID}
}

// ViewFor returns c as seen by user. The first participant of a direct
// conversation owns ID and the second owns MirrorID, so the second
// participant sees the two records swapped.
func (c Conversation) ViewFor(user string) Conversation {
	if !c.IsDirect() || len(c.Participants) != 2 || c.Participants[1] != user {
		return c
	}
	c.ID, c.MirrorID = c.MirrorID, c.ID
	return c
}

// HasMember reports whether userID participates in c.
func (c Conversation) HasMember(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
