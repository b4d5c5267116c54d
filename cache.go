package chatsync

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cache holds the canonical message list of every conversation the user
// belongs to. It is the only owner of those lists: all writes go through
// Merge, Edit and Remove, which are serialized per conversation.
type Cache struct {
	opts options

	mu      sync.RWMutex
	entries map[string]*entry
	routes  map[string]string // record id -> conversation id
}

type entry struct {
	id   string
	conv Conversation // guarded by Cache.mu

	mu         sync.Mutex // serializes every write to messages
	messages   []Message
	observers  map[uint64]chan []Message
	nextObs    uint64
	tombstones map[string]time.Time // id -> expiry
}

// NewCache creates an empty cache.
func NewCache(opts ...Option) *Cache {
	return &Cache{
		opts:    newOptions(opts),
		entries: make(map[string]*entry),
		routes:  make(map[string]string),
	}
}

// Open creates an empty entry for conv. It reports false when the entry
// already exists; its messages are kept and its metadata and record routes
// are replaced by conv.
func (c *Cache) Open(conv Conversation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[conv.ID]; ok {
		if membershipKey([]Conversation{e.conv}) != membershipKey([]Conversation{conv}) {
			for _, rec := range e.conv.Records() {
				if c.routes[rec] == conv.ID {
					delete(c.routes, rec)
				}
			}
			e.conv = conv
			for _, rec := range conv.Records() {
				c.routes[rec] = conv.ID
			}
			c.opts.log.Debug("conversation_updated",
				zap.String("conversation", conv.ID),
				zap.String("mirror", conv.MirrorID))
		}
		return false
	}
	c.entries[conv.ID] = &entry{
		id:         conv.ID,
		conv:       conv,
		messages:   []Message{},
		observers:  make(map[uint64]chan []Message),
		tombstones: make(map[string]time.Time),
	}
	for _, rec := range conv.Records() {
		c.routes[rec] = conv.ID
	}
	c.opts.metrics.opened()
	c.opts.log.Debug("conversation_opened",
		zap.String("conversation", conv.ID),
		zap.String("kind", string(conv.Kind)))
	return true
}

// Has reports whether an entry exists for id.
func (c *Cache) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[id]
	return ok
}

// Len returns the number of open entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Conversation returns the metadata an entry was opened with.
func (c *Cache) Conversation(id string) (Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return Conversation{}, false
	}
	return e.conv, true
}

// Route maps a store record id to the conversation that owns it.
func (c *Cache) Route(record string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.routes[record]
	return id, ok
}

func (c *Cache) entry(id string) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, id)
	}
	return e, nil
}

// Messages returns the current canonical list of id. The slice is shared
// with observers and must not be modified.
func (c *Cache) Messages(id string) ([]Message, error) {
	e, err := c.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messages, nil
}

// Merge reconciles batch into the canonical list of id and publishes the
// result when the id sequence changed.
func (c *Cache) Merge(id string, batch []Message, src Source) (bool, error) {
	e, err := c.entry(id)
	if err != nil {
		return false, err
	}
	if len(batch) == 0 {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	batch = c.dropTombstoned(e, batch)
	next, changed := Reconcile(e.messages, batch)
	if !changed {
		c.opts.metrics.noop(src)
		return false, nil
	}
	e.messages = next
	e.publish()
	c.opts.metrics.published(src)
	c.opts.log.Debug("conversation_merged",
		zap.String("conversation", id),
		zap.String("source", string(src)),
		zap.Int("incoming", len(batch)),
		zap.Int("total", len(next)))
	return true, nil
}

// Edit replaces the text of msgID and publishes. Edits bypass the id
// sequence check because content changes while the sequence does not.
func (c *Cache) Edit(id, msgID, text string) error {
	e, err := c.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next, ok := applyEdit(e.messages, msgID, text)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, msgID)
	}
	e.messages = next
	e.publish()
	c.opts.metrics.published(SourceEdit)
	return nil
}

// Remove deletes msgID, publishes, and tombstones the id so that a late
// echo or an in-flight backfill cannot bring it back. The tombstone is
// recorded even when msgID is not loaded.
func (c *Cache) Remove(id, msgID string) error {
	e, err := c.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if c.opts.tombstoneTTL > 0 {
		e.tombstones[msgID] = c.opts.now().Add(c.opts.tombstoneTTL)
	}
	next, ok := applyDelete(e.messages, msgID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, msgID)
	}
	e.messages = next
	e.publish()
	c.opts.metrics.published(SourceDelete)
	return nil
}

// dropTombstoned filters recently deleted ids out of batch. Callers hold e.mu.
func (c *Cache) dropTombstoned(e *entry, batch []Message) []Message {
	if len(e.tombstones) == 0 {
		return batch
	}
	now := c.opts.now()
	for msgID, expiry := range e.tombstones {
		if !now.Before(expiry) {
			delete(e.tombstones, msgID)
		}
	}

	kept := batch[:0:0]
	for _, m := range batch {
		if _, dead := e.tombstones[m.ID]; dead {
			continue
		}
		kept = append(kept, m)
	}
	if n := len(batch) - len(kept); n > 0 {
		c.opts.metrics.suppressed(n)
		c.opts.log.Debug("tombstone_suppressed",
			zap.String("conversation", e.id),
			zap.Int("count", n))
	}
	return kept
}

// ── Observers ────────────────────────────────────────────

// Observer receives the canonical list of one conversation each time it
// changes. C holds at most one pending snapshot; a slow reader only ever
// sees the latest one.
type Observer struct {
	C <-chan []Message

	once  sync.Once
	close func()
}

// Close stops delivery and closes C.
func (o *Observer) Close() {
	o.once.Do(o.close)
}

// Observe attaches a new observer to id. The current list is delivered
// immediately.
func (c *Cache) Observe(id string) (*Observer, error) {
	e, err := c.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan []Message, 1)
	key := e.nextObs
	e.nextObs++
	e.observers[key] = ch
	ch <- e.messages

	return &Observer{
		C: ch,
		close: func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.observers, key)
			close(ch)
		},
	}, nil
}

// publish hands the current list to every observer. Callers hold e.mu.
func (e *entry) publish() {
	for _, ch := range e.observers {
		offer(ch, e.messages)
	}
}

// offer replaces any undelivered snapshot in ch with snap.
func offer(ch chan []Message, snap []Message) {
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
