package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// PebbleStore
// ============================================================================
//
// Key layout:
//
//	msg:<id>                          message JSON
//	idx:<conversation>\x00<ts>:<id>   id, for per-conversation pages
//	ts:<ts>:<id>                      id, for created replay
//	cv:<id>                           conversation JSON
//
// Timestamps are zero padded to 20 digits so byte order is time order.

// PebbleStore is a Backend on a Pebble key-value store.
type PebbleStore struct {
	db   *pebble.DB
	opts options
	hub  *createdHub

	mu   sync.Mutex // serializes writes with their created notifications
	last int64
}

// OpenPebbleStore opens or creates a store in dir. popts may be nil.
func OpenPebbleStore(dir string, popts *pebble.Options, opts ...Option) (*PebbleStore, error) {
	if popts == nil {
		popts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	s := &PebbleStore{db: db, opts: newOptions(opts), hub: newCreatedHub()}
	if s.last, err = s.lastTimestamp(); err != nil {
		db.Close()
		return nil, err
	}
	s.opts.log.Info("pebble_opened", zap.String("path", dir))
	return s, nil
}

func msgKey(id string) []byte { return []byte("msg:" + id) }

func idxPrefix(conv string) string { return "idx:" + conv + "\x00" }

func idxKey(m Message) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", idxPrefix(m.ConversationID), m.Timestamp, m.ID))
}

func tsKey(m Message) []byte {
	return []byte(fmt.Sprintf("ts:%020d:%s", m.Timestamp, m.ID))
}

func convKey(id string) []byte { return []byte("cv:" + id) }

func (s *PebbleStore) lastTimestamp() (int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("ts:"),
		UpperBound: []byte("ts;"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	key := iter.Key()
	if len(key) < 23 {
		return 0, fmt.Errorf("bad created key %q", key)
	}
	ts, err := strconv.ParseInt(string(key[3:23]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad created key %q: %w", key, err)
	}
	return ts, nil
}

// ── Messages ─────────────────────────────────────────────

func (s *PebbleStore) get(id string) (Message, error) {
	v, closer, err := s.db.Get(msgKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return Message{}, err
	}
	defer closer.Close()
	var m Message
	if err := json.Unmarshal(v, &m); err != nil {
		return Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	return m, nil
}

func (s *PebbleStore) QueryMessages(ctx context.Context, q Query) ([]Message, error) {
	prefix := idxPrefix(q.ConversationID)
	upper := prefix[:len(prefix)-1] + "\x01"
	if q.Before > 0 {
		upper = fmt.Sprintf("%s%020d", prefix, q.Before)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(upper),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	limit := pageLimit(q.Limit)
	var out []Message
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := s.get(string(iter.Value()))
		if errors.Is(err, ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if q.SenderID != "" && m.SenderID != q.SenderID {
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

func (s *PebbleStore) WriteMessage(ctx context.Context, nm NewMessage) (WriteAck, error) {
	if err := validateNewMessage(nm); err != nil {
		return WriteAck{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.opts.now().UnixMilli()
	if ts < s.last {
		ts = s.last
	}
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		Text:           nm.Text,
		Timestamp:      ts,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return WriteAck{}, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(msgKey(m.ID), data, nil); err != nil {
		return WriteAck{}, err
	}
	if err := batch.Set(idxKey(m), []byte(m.ID), nil); err != nil {
		return WriteAck{}, err
	}
	if err := batch.Set(tsKey(m), []byte(m.ID), nil); err != nil {
		return WriteAck{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return WriteAck{}, err
	}
	s.last = ts
	s.hub.publish([]Message{m})
	return WriteAck{ID: m.ID, Timestamp: m.Timestamp}, nil
}

func (s *PebbleStore) UpdateMessageText(ctx context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(id)
	if err != nil {
		return err
	}
	m.Text = text
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Set(msgKey(id), data, pebble.Sync)
}

func (s *PebbleStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(id)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, k := range [][]byte{msgKey(id), idxKey(m), tsKey(m)} {
		if err := batch.Delete(k, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// SubscribeCreated replays stored messages newer than since, then follows
// new writes.
func (s *PebbleStore) SubscribeCreated(ctx context.Context, since int64) (CreatedStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(fmt.Sprintf("ts:%020d;", since)),
		UpperBound: []byte("ts;"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var replay []Message
	for iter.First(); iter.Valid(); iter.Next() {
		m, err := s.get(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		replay = append(replay, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx, since, replay)
}

// ── Conversations ────────────────────────────────────────

func (s *PebbleStore) CreateConversation(ctx context.Context, c Conversation) error {
	c, err := normalizeConversation(c)
	if err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Set(convKey(c.ID), data, pebble.Sync)
}

func (s *PebbleStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("cv:"),
		UpperBound: []byte("cv;"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var all []Conversation
	for iter.First(); iter.Valid(); iter.Next() {
		var c Conversation
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			s.opts.log.Error("pebble_bad_conversation", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		all = append(all, c)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return viewsFor(all, userID), nil
}

// Close ends live subscriptions and closes the database.
func (s *PebbleStore) Close() error {
	s.hub.close()
	return s.db.Close()
}
