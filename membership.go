package chatsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// MembershipFeed
// ============================================================================

// MembershipFeed is a MembershipSource driven by explicit Set calls. Only the
// latest snapshot is kept for a slow reader.
type MembershipFeed struct {
	mu     sync.Mutex
	latest []Conversation
	set    bool
	subs   map[chan []Conversation]struct{}
}

// StaticMembership returns a feed that holds one fixed snapshot.
func StaticMembership(convs ...Conversation) *MembershipFeed {
	f := &MembershipFeed{}
	f.Set(convs)
	return f
}

// Set replaces the current membership and notifies every subscriber.
func (f *MembershipFeed) Set(convs []Conversation) {
	snap := append([]Conversation(nil), convs...)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = snap
	f.set = true
	for ch := range f.subs {
		offerConvs(ch, snap)
	}
}

// Conversations implements MembershipSource. The current snapshot, if any,
// is delivered first.
func (f *MembershipFeed) Conversations(ctx context.Context) (<-chan []Conversation, error) {
	ch := make(chan []Conversation, 1)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[chan []Conversation]struct{})
	}
	f.subs[ch] = struct{}{}
	if f.set {
		ch <- f.latest
	}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

func offerConvs(ch chan []Conversation, snap []Conversation) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// ============================================================================
// PollingMembership
// ============================================================================

// PollingMembership polls a ConversationLister and emits a snapshot whenever
// the user's conversation set changes.
type PollingMembership struct {
	Lister   ConversationLister
	UserID   string
	Interval time.Duration // defaults to 30s
	Log      *zap.Logger
}

// Conversations implements MembershipSource. The first poll happens before
// it returns so that a failing lister is reported immediately.
func (p *PollingMembership) Conversations(ctx context.Context) (<-chan []Conversation, error) {
	first, err := p.Lister.ListConversations(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ch := make(chan []Conversation, 1)
	ch <- first
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last := membershipKey(first)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				convs, err := p.Lister.ListConversations(ctx, p.UserID)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn("membership_poll_failed", zap.String("user", p.UserID), zap.Error(err))
					}
					continue
				}
				key := membershipKey(convs)
				if key == last {
					continue
				}
				last = key
				select {
				case ch <- convs:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// membershipKey is an order-independent fingerprint of a conversation set.
func membershipKey(convs []Conversation) string {
	parts := make([]string, 0, len(convs))
	for _, c := range convs {
		members := append([]string(nil), c.Participants...)
		sort.Strings(members)
		parts = append(parts, c.ID+"|"+string(c.Kind)+"|"+c.MirrorID+"|"+strings.Join(members, ","))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}
