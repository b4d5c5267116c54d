package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Backend. It is used by tests and
// by the server's memory backend.
type MemoryStore struct {
	opts options
	hub  *createdHub

	mu            sync.RWMutex
	messages      map[string]Message
	conversations map[string]Conversation
	last          int64 // last assigned timestamp
	closed        bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:          newOptions(opts),
		hub:           newCreatedHub(),
		messages:      make(map[string]Message),
		conversations: make(map[string]Conversation),
	}
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStore) QueryMessages(ctx context.Context, q Query) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var result []Message
	for _, m := range s.messages {
		if q.matches(m) {
			result = append(result, m)
		}
	}
	return newestFirst(result, pageLimit(q.Limit)), nil
}

func (s *MemoryStore) WriteMessage(ctx context.Context, nm NewMessage) (WriteAck, error) {
	if err := validateNewMessage(nm); err != nil {
		return WriteAck{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return WriteAck{}, ErrClosed
	}

	m := Message{
		ID:             uuid.NewString(),
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		Text:           nm.Text,
		Timestamp:      s.nextTimestamp(),
	}
	s.messages[m.ID] = m
	s.hub.publish([]Message{m})
	s.opts.log.Debug("message_written",
		zap.String("conversation", m.ConversationID),
		zap.String("id", m.ID))
	return WriteAck{ID: m.ID, Timestamp: m.Timestamp}, nil
}

// Put stores messages as given, keeping their ids and timestamps, and
// publishes them as created. It is meant for seeding.
func (s *MemoryStore) Put(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = m
		if m.Timestamp > s.last {
			s.last = m.Timestamp
		}
	}
	s.hub.publish(msgs)
}

func (s *MemoryStore) UpdateMessageText(ctx context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	m.Text = text
	s.messages[id] = m
	return nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.messages[id]; !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	delete(s.messages, id)
	return nil
}

// SubscribeCreated replays stored messages newer than since, then follows
// new writes.
func (s *MemoryStore) SubscribeCreated(ctx context.Context, since int64) (CreatedStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var replay []Message
	for _, m := range s.messages {
		if m.Timestamp > since {
			replay = append(replay, m)
		}
	}
	sortMessages(replay)
	return s.hub.subscribe(ctx, since, replay)
}

// nextTimestamp returns a timestamp no earlier than the previous one.
// Callers hold s.mu.
func (s *MemoryStore) nextTimestamp() int64 {
	ts := s.opts.now().UnixMilli()
	if ts < s.last {
		ts = s.last
	}
	s.last = ts
	return ts
}

// ── Conversations ────────────────────────────────────────

func (s *MemoryStore) CreateConversation(ctx context.Context, c Conversation) error {
	c, err := normalizeConversation(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.conversations[c.ID] = c
	return nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	all := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		all = append(all, c)
	}
	return viewsFor(all, userID), nil
}

// Close ends every live subscription. Further calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.close()
	return nil
}
