package chatsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Query selects one page of a record's history.
type Query struct {
	ConversationID string
	SenderID       string // optional; empty matches every sender
	Before         int64  // exclusive upper bound in unix ms; 0 means now
	Limit          int
}

// Store is the remote message store the engine reads from and writes to.
type Store interface {
	// QueryMessages returns at most q.Limit messages older than q.Before,
	// newest first.
	QueryMessages(ctx context.Context, q Query) ([]Message, error)
	// WriteMessage creates a message and returns its store-assigned identity.
	WriteMessage(ctx context.Context, m NewMessage) (WriteAck, error)
	UpdateMessageText(ctx context.Context, id, text string) error
	DeleteMessage(ctx context.Context, id string) error

	LiveSource
}

// LiveSource delivers messages created after a point in time.
type LiveSource interface {
	// SubscribeCreated streams batches of messages whose Timestamp is
	// strictly greater than since. The stream ends when ctx is done or
	// Close is called.
	SubscribeCreated(ctx context.Context, since int64) (CreatedStream, error)
}

// CreatedStream is one live subscription.
type CreatedStream interface {
	// Batches is closed when the stream ends.
	Batches() <-chan []Message
	// Err reports why Batches was closed; nil after Close or cancellation.
	Err() error
	Close() error
}

// ConversationLister lists the conversations a user belongs to.
type ConversationLister interface {
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
}

// ConversationStore is a ConversationLister that also accepts new
// conversations.
type ConversationStore interface {
	ConversationLister
	CreateConversation(ctx context.Context, c Conversation) error
}

// Backend is everything the store server needs from a storage engine.
type Backend interface {
	Store
	ConversationStore
	Close() error
}

// MembershipSource supplies the live set of conversations for the local user.
type MembershipSource interface {
	// Conversations emits a full snapshot whenever membership changes. The
	// channel is closed when ctx is done.
	Conversations(ctx context.Context) (<-chan []Conversation, error)
}

// pageLimit normalizes a requested page size.
func pageLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}

// normalizeConversation validates c and fills in defaults.
func normalizeConversation(c Conversation) (Conversation, error) {
	if strings.TrimSpace(c.ID) == "" {
		return c, fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	if c.Kind == "" {
		c.Kind = KindGroup
	}
	switch c.Kind {
	case KindGroup:
		c.MirrorID = ""
	case KindDirect:
		if len(c.Participants) != 2 || c.Participants[0] == c.Participants[1] {
			return c, fmt.Errorf("%w: direct conversation needs two distinct participants", ErrInvalidInput)
		}
		if c.MirrorID == "" || c.MirrorID == c.ID {
			return c, fmt.Errorf("%w: direct conversation needs a distinct mirror id", ErrInvalidInput)
		}
	default:
		return c, fmt.Errorf("%w: unknown conversation kind %q", ErrInvalidInput, c.Kind)
	}
	c.Participants = append([]string(nil), c.Participants...)
	return c, nil
}

func validateNewMessage(m NewMessage) error {
	switch {
	case m.ConversationID == "":
		return fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	case m.SenderID == "":
		return fmt.Errorf("%w: sender id is required", ErrInvalidInput)
	case m.Text == "":
		return fmt.Errorf("%w: text is required", ErrInvalidInput)
	}
	return nil
}

// matches reports whether m belongs to the page q selects, ignoring Limit.
func (q Query) matches(m Message) bool {
	if m.ConversationID != q.ConversationID {
		return false
	}
	if q.SenderID != "" && m.SenderID != q.SenderID {
		return false
	}
	return q.Before <= 0 || m.Timestamp < q.Before
}

// newestFirst sorts a page the way QueryMessages returns it and applies limit.
func newestFirst(list []Message, limit int) []Message {
	sort.Slice(list, func(i, j int) bool { return list[j].before(list[i]) })
	if len(list) > limit {
		list = list[:limit]
	}
	return list
}

// viewsFor returns the conversations user belongs to, as seen by user,
// sorted by id. An empty user matches every conversation.
func viewsFor(all []Conversation, user string) []Conversation {
	out := make([]Conversation, 0, len(all))
	for _, c := range all {
		if user != "" && !c.HasMember(user) {
			continue
		}
		out = append(out, c.ViewFor(user))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
