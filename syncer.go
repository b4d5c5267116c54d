package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Syncer keeps the cache of every conversation the user belongs to in step
// with the remote store: it backfills newly joined conversations, routes the
// live created stream, and applies confirmed edits and deletes.
type Syncer struct {
	store   Store
	members MembershipSource
	self    string
	opts    options

	cache  *Cache
	router *Router
	errs   chan error

	mu    sync.RWMutex
	convs map[string]Conversation
}

// New creates a Syncer for userID. Nothing is fetched until Run is called.
func New(store Store, members MembershipSource, userID string, opts ...Option) *Syncer {
	cache := NewCache(opts...)
	return &Syncer{
		store:   store,
		members: members,
		self:    userID,
		opts:    newOptions(opts),
		cache:   cache,
		router:  NewRouter(cache, userID, opts...),
		errs:    make(chan error, 16),
		convs:   make(map[string]Conversation),
	}
}

// Run subscribes to created messages, then follows membership until ctx is
// done or the live stream fails. In-flight backfills are waited for before
// Run returns.
func (s *Syncer) Run(ctx context.Context) error {
	start := s.opts.sessionStart
	if start.IsZero() {
		start = s.opts.now()
	}
	live := s.opts.live
	if live == nil {
		live = s.store
	}

	stream, err := live.SubscribeCreated(ctx, start.UnixMilli())
	if err != nil {
		s.opts.metrics.fetchFailed("subscribe")
		return &FetchError{Op: "subscribe", Err: err}
	}
	updates, err := s.members.Conversations(ctx)
	if err != nil {
		stream.Close()
		return fmt.Errorf("chatsync: membership: %w", err)
	}
	s.opts.log.Info("syncer_started",
		zap.String("user", s.self),
		zap.Int64("since", start.UnixMilli()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	routed := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		routed <- s.router.Run(ctx, stream)
	}()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case convs, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			s.applyMembership(ctx, convs, &wg)
		case runErr = <-routed:
			if runErr != nil {
				s.opts.log.Error("live_stream_ended", zap.Error(runErr))
			}
			break loop
		}
	}

	cancel()
	wg.Wait()
	s.opts.log.Info("syncer_stopped", zap.String("user", s.self))
	return runErr
}

// applyMembership opens caches for new conversations and starts one backfill
// for each conversation missing from the previous membership, including ones
// that left and came back: live messages for them were dropped meanwhile.
func (s *Syncer) applyMembership(ctx context.Context, convs []Conversation, wg *sync.WaitGroup) {
	s.mu.RLock()
	previous := s.convs
	s.mu.RUnlock()

	var fresh []Conversation
	current := make(map[string]Conversation, len(convs))
	for _, c := range convs {
		current[c.ID] = c
		opened := s.cache.Open(c)
		if _, was := previous[c.ID]; opened || !was {
			fresh = append(fresh, c)
		}
	}
	s.mu.Lock()
	s.convs = current
	s.mu.Unlock()
	s.router.SetMembership(convs)

	for _, c := range fresh {
		wg.Add(1)
		go func(c Conversation) {
			defer wg.Done()
			if err := s.backfill(ctx, "backfill", c, 0, s.opts.pageSize); err != nil {
				s.report(err)
			}
		}(c)
	}
}

// LoadOlder fetches one page of messages strictly older than before and
// merges it into the conversation. A pageSize of zero uses the default.
func (s *Syncer) LoadOlder(ctx context.Context, convID string, before int64, pageSize int) error {
	conv, err := s.member(convID)
	if err != nil {
		return err
	}
	if pageSize <= 0 {
		pageSize = s.opts.pageSize
	}
	return s.backfill(ctx, "load_older", conv, before, pageSize)
}

func (s *Syncer) backfill(ctx context.Context, op string, conv Conversation, before int64, limit int) error {
	page, err := FetchPage(ctx, s.store, s.self, conv, before, limit)
	if err != nil {
		s.opts.metrics.fetchFailed(op)
		return &FetchError{Op: op, ConversationID: conv.ID, Err: err}
	}
	if _, err := s.cache.Merge(conv.ID, page, SourceBackfill); err != nil {
		if errors.Is(err, ErrNotInitialized) {
			s.opts.log.DPanic("backfill_uninitialized", zap.String("conversation", conv.ID), zap.Error(err))
		}
		return err
	}
	s.opts.log.Debug("backfill_done",
		zap.String("op", op),
		zap.String("conversation", conv.ID),
		zap.Int("fetched", len(page)))
	return nil
}

// FetchPage reads one page of conv's history as user sees it, oldest first.
// Each record is queried for at most limit messages older than before, so a
// direct conversation may yield up to twice limit: the user's own record
// filtered to user, and the mirror record filtered to the counterpart.
func FetchPage(ctx context.Context, store Store, user string, conv Conversation, before int64, limit int) ([]Message, error) {
	if !conv.IsDirect() {
		page, err := store.QueryMessages(ctx, Query{ConversationID: conv.ID, Before: before, Limit: limit})
		if err != nil {
			return nil, err
		}
		sortMessages(page)
		return page, nil
	}

	own, err := store.QueryMessages(ctx, Query{
		ConversationID: conv.ID,
		SenderID:       user,
		Before:         before,
		Limit:          limit,
	})
	if err != nil {
		return nil, err
	}
	if conv.MirrorID == "" {
		return mergeDirect(own, nil), nil
	}
	theirs, err := store.QueryMessages(ctx, Query{
		ConversationID: conv.MirrorID,
		SenderID:       conv.Counterpart(user),
		Before:         before,
		Limit:          limit,
	})
	if err != nil {
		return nil, err
	}
	return mergeDirect(own, theirs), nil
}

// ── Mutations ────────────────────────────────────────────

// Send writes a new message. The cache is not touched: the message appears
// once its live echo arrives.
func (s *Syncer) Send(ctx context.Context, convID, text string) (WriteAck, error) {
	conv, err := s.member(convID)
	if err != nil {
		return WriteAck{}, err
	}
	text = Sanitize(text)
	if text == "" {
		return WriteAck{}, &WriteError{Op: "send", ConversationID: convID, Err: ErrEmptyMessage}
	}
	ack, err := s.store.WriteMessage(ctx, NewMessage{
		ConversationID: conv.ID,
		SenderID:       s.self,
		Text:           text,
	})
	if err != nil {
		s.opts.metrics.writeFailed("send")
		return WriteAck{}, &WriteError{Op: "send", ConversationID: convID, Err: err}
	}
	return ack, nil
}

// EditMessage updates the text of msgID remotely and, once acknowledged,
// in the cache.
func (s *Syncer) EditMessage(ctx context.Context, convID, msgID, text string) error {
	if _, err := s.member(convID); err != nil {
		return err
	}
	text = Sanitize(text)
	if text == "" {
		return &WriteError{Op: "edit", ConversationID: convID, MessageID: msgID, Err: ErrEmptyMessage}
	}
	if err := s.store.UpdateMessageText(ctx, msgID, text); err != nil {
		s.opts.metrics.writeFailed("edit")
		return &WriteError{Op: "edit", ConversationID: convID, MessageID: msgID, Err: err}
	}
	return s.settle("edit", convID, msgID, s.cache.Edit(convID, msgID, text))
}

// DeleteMessage deletes msgID remotely and, once acknowledged, removes it
// from the cache.
func (s *Syncer) DeleteMessage(ctx context.Context, convID, msgID string) error {
	if _, err := s.member(convID); err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, msgID); err != nil {
		s.opts.metrics.writeFailed("delete")
		return &WriteError{Op: "delete", ConversationID: convID, MessageID: msgID, Err: err}
	}
	return s.settle("delete", convID, msgID, s.cache.Remove(convID, msgID))
}

// settle handles the local half of an acknowledged mutation. A message that
// was never loaded locally is not an error.
func (s *Syncer) settle(op, convID, msgID string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMessageNotFound):
		s.opts.log.Debug(op+"_not_loaded",
			zap.String("conversation", convID),
			zap.String("message", msgID))
		return nil
	case errors.Is(err, ErrNotInitialized):
		s.opts.log.DPanic(op+"_uninitialized", zap.String("conversation", convID), zap.Error(err))
	}
	return err
}

// ── Accessors ────────────────────────────────────────────

// Observe attaches an observer to a conversation's canonical list.
func (s *Syncer) Observe(convID string) (*Observer, error) {
	if _, err := s.member(convID); err != nil {
		return nil, err
	}
	return s.cache.Observe(convID)
}

// Messages returns the current canonical list of a conversation.
func (s *Syncer) Messages(convID string) ([]Message, error) {
	if _, err := s.member(convID); err != nil {
		return nil, err
	}
	return s.cache.Messages(convID)
}

// Conversations returns the current membership sorted by id.
func (s *Syncer) Conversations() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Errors delivers failed backfills so callers can offer a retry through
// LoadOlder. Errors are dropped when nobody reads them.
func (s *Syncer) Errors() <-chan error {
	return s.errs
}

func (s *Syncer) report(err error) {
	s.opts.log.Warn("backfill_failed", zap.Error(err))
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Syncer) member(convID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[convID]
	if !ok {
		return Conversation{}, fmt.Errorf("%w: %s", ErrNotMember, convID)
	}
	return c, nil
}
