package chatsync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Router is the single consumer of a created stream. It splits each batch by
// owning conversation and merges every part into the cache.
type Router struct {
	cache *Cache
	self  string
	opts  options

	mu      sync.RWMutex
	members map[string]Conversation
}

// NewRouter creates a router that feeds cache on behalf of user self.
func NewRouter(cache *Cache, self string, opts ...Option) *Router {
	return &Router{
		cache:   cache,
		self:    self,
		opts:    newOptions(opts),
		members: make(map[string]Conversation),
	}
}

// SetMembership replaces the set of conversations whose messages are
// accepted. Messages for any other conversation are dropped.
func (r *Router) SetMembership(convs []Conversation) {
	members := make(map[string]Conversation, len(convs))
	for _, c := range convs {
		members[c.ID] = c
	}
	r.mu.Lock()
	r.members = members
	r.mu.Unlock()
}

// Dispatch routes one live batch. It returns the number of messages dropped.
func (r *Router) Dispatch(batch []Message) int {
	if len(batch) == 0 {
		return 0
	}

	var (
		order   []string
		groups  = make(map[string][]Message)
		dropped int
	)
	r.mu.RLock()
	for _, m := range batch {
		conv, ok := r.owner(m)
		if !ok {
			dropped++
			continue
		}
		if _, seen := groups[conv]; !seen {
			order = append(order, conv)
		}
		groups[conv] = append(groups[conv], m)
	}
	r.mu.RUnlock()

	if dropped > 0 {
		r.opts.metrics.dropped(dropped)
		r.opts.log.Debug("live_dropped", zap.Int("count", dropped))
	}

	for _, id := range order {
		if _, err := r.cache.Merge(id, groups[id], SourceLive); err != nil {
			if errors.Is(err, ErrNotInitialized) {
				r.opts.log.DPanic("live_merge_uninitialized", zap.String("conversation", id), zap.Error(err))
				continue
			}
			r.opts.log.Error("live_merge_failed", zap.String("conversation", id), zap.Error(err))
		}
	}
	return dropped
}

// owner resolves the local conversation m belongs to. Callers hold r.mu.
func (r *Router) owner(m Message) (string, bool) {
	id, ok := r.cache.Route(m.ConversationID)
	if !ok {
		return "", false
	}
	conv, ok := r.members[id]
	if !ok {
		return "", false
	}
	if conv.IsDirect() {
		switch m.ConversationID {
		case conv.ID:
			return id, m.SenderID == r.self
		case conv.MirrorID:
			return id, m.SenderID == conv.Counterpart(r.self)
		}
	}
	return id, true
}

// Run dispatches batches from stream until it ends or ctx is done. The
// stream is closed on return. A stream that ends with an error is reported
// as a *FetchError.
func (r *Router) Run(ctx context.Context, stream CreatedStream) error {
	defer stream.Close()

	batches := stream.Batches()
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-batches:
			if !ok {
				if err := stream.Err(); err != nil {
					r.opts.metrics.fetchFailed("subscribe")
					return &FetchError{Op: "subscribe", Err: err}
				}
				return nil
			}
			r.Dispatch(batch)
		}
	}
}
