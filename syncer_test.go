package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sessionStart separates seeded history (older) from live traffic (newer).
var sessionStart = time.UnixMilli(1000)

// fakeLive hands out one test-controlled stream.
type fakeLive struct {
	stream *fakeStream
	err    error
}

func (f *fakeLive) SubscribeCreated(ctx context.Context, since int64) (CreatedStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

// failingStore is a MemoryStore whose remote calls can be made to fail.
type failingStore struct {
	*MemoryStore
	queryErr error
	writeErr error
}

func (s *failingStore) QueryMessages(ctx context.Context, q Query) ([]Message, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.MemoryStore.QueryMessages(ctx, q)
}

func (s *failingStore) WriteMessage(ctx context.Context, m NewMessage) (WriteAck, error) {
	if s.writeErr != nil {
		return WriteAck{}, s.writeErr
	}
	return s.MemoryStore.WriteMessage(ctx, m)
}

func (s *failingStore) UpdateMessageText(ctx context.Context, id, text string) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.MemoryStore.UpdateMessageText(ctx, id, text)
}

func (s *failingStore) DeleteMessage(ctx context.Context, id string) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.MemoryStore.DeleteMessage(ctx, id)
}

func startSyncer(t *testing.T, s *Syncer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func waitMessages(t *testing.T, s *Syncer, conv string, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		list, err := s.Messages(conv)
		if err != nil || len(list) != len(want) {
			return false
		}
		for i, m := range list {
			if m.ID != want[i] {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "conversation %s never reached %v", conv, want)
}

func TestSyncerBackfillAndLive(t *testing.T) {
	store := NewMemoryStore()
	store.Put(msg("m1", 100), msg("m2", 200))
	live := &fakeLive{stream: newFakeStream()}
	m := NewMetrics(nil)

	s := New(store, StaticMembership(g1), "u1",
		WithMetrics(m), WithSessionStart(sessionStart), WithLiveSource(live))
	startSyncer(t, s)
	waitMessages(t, s, "g1", "m1", "m2")
	assert.Equal(t, 1, publishes(m, SourceBackfill))

	live.stream.ch <- []Message{msg("m1", 100)}
	live.stream.ch <- []Message{msg("m3", 150)}
	waitMessages(t, s, "g1", "m1", "m3", "m2")

	assert.Equal(t, 1, publishes(m, SourceLive), "duplicate must not publish")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.noopMerges.WithLabelValues("live")))
	assert.Equal(t, 2, totalPublishes(m))
}

func TestSyncerDirectConversation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateConversation(ctx, Conversation{
		ID: "a-b", Kind: KindDirect, Participants: []string{"A", "B"}, MirrorID: "b-a",
	}))
	store.Put(
		Message{ID: "x", ConversationID: "a-b", SenderID: "A", Text: "hi", Timestamp: 10},
		Message{ID: "y", ConversationID: "b-a", SenderID: "B", Text: "hey", Timestamp: 20},
	)

	for _, tc := range []struct {
		user, conv string
	}{
		{"A", "a-b"},
		{"B", "b-a"},
	} {
		t.Run(tc.user, func(t *testing.T) {
			members := &PollingMembership{Lister: store, UserID: tc.user, Interval: time.Hour}
			s := New(store, members, tc.user, WithSessionStart(sessionStart))
			startSyncer(t, s)
			waitMessages(t, s, tc.conv, "x", "y")

			convs := s.Conversations()
			require.Len(t, convs, 1)
			assert.Equal(t, tc.conv, convs[0].ID)
		})
	}
}

func TestSyncerDirectLiveFromBothRecords(t *testing.T) {
	store := NewMemoryStore()
	s := New(store, StaticMembership(direct), "A", WithSessionStart(sessionStart))
	startSyncer(t, s)
	waitMessages(t, s, "a-b")

	store.Put(
		Message{ID: "x", ConversationID: "a-b", SenderID: "A", Timestamp: 2000},
		Message{ID: "y", ConversationID: "b-a", SenderID: "B", Timestamp: 2100},
	)
	waitMessages(t, s, "a-b", "x", "y")
}

func TestSyncerDeleteSuppressesStaleEcho(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(msg("m1", 100), msg("m2", 200), msg("m3", 150))
	live := &fakeLive{stream: newFakeStream()}
	m := NewMetrics(nil)

	s := New(store, StaticMembership(g1), "u1",
		WithMetrics(m), WithSessionStart(sessionStart), WithLiveSource(live))
	startSyncer(t, s)
	waitMessages(t, s, "g1", "m1", "m3", "m2")

	require.NoError(t, s.DeleteMessage(ctx, "g1", "m2"))
	list, err := s.Messages("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3"}, ids(list))
	assert.Equal(t, 1, publishes(m, SourceDelete))

	live.stream.ch <- []Message{msg("m2", 200)}
	live.stream.ch <- []Message{msg("m4", 300)}
	waitMessages(t, s, "g1", "m1", "m3", "m4")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.tombstoned))

	remote, err := store.QueryMessages(ctx, Query{ConversationID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m1"}, ids(remote), "m2 is gone remotely")
}

func TestSyncerEdit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(msg("m1", 100))

	s := New(store, StaticMembership(g1), "u1", WithSessionStart(sessionStart))
	startSyncer(t, s)
	waitMessages(t, s, "g1", "m1")

	obs, err := s.Observe("g1")
	require.NoError(t, err)
	defer obs.Close()
	drain(t, obs)

	require.NoError(t, s.EditMessage(ctx, "g1", "m1", "line one\nline two"))
	snap := drain(t, obs)
	assert.Equal(t, Sanitize("line one\nline two"), snap[0].Text)
	assert.Equal(t, "line one\nline two", Desanitize(snap[0].Text))

	remote, _ := store.QueryMessages(ctx, Query{ConversationID: "g1"})
	assert.Equal(t, snap[0].Text, remote[0].Text)

	err = s.EditMessage(ctx, "g1", "m1", "  \n ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSyncerEditUnloadedMessage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(msg("m1", 100), msg("m2", 200))

	s := New(store, StaticMembership(g1), "u1", WithSessionStart(sessionStart), WithPageSize(1))
	startSyncer(t, s)
	waitMessages(t, s, "g1", "m2")

	// m1 exists remotely but is outside the loaded page.
	assert.NoError(t, s.EditMessage(ctx, "g1", "m1", "changed"))
	assert.NoError(t, s.DeleteMessage(ctx, "g1", "m1"))
	waitMessages(t, s, "g1", "m2")
}

func TestSyncerSendEcho(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := New(store, StaticMembership(g1), "u1", WithSessionStart(sessionStart))
	startSyncer(t, s)
	waitMessages(t, s, "g1")

	ack, err := s.Send(ctx, "g1", "hello\nworld")
	require.NoError(t, err)
	require.NotEmpty(t, ack.ID)

	waitMessages(t, s, "g1", ack.ID)
	list, _ := s.Messages("g1")
	assert.Equal(t, "hello"+NewlinePlaceholder+"world", list[0].Text)
	assert.Equal(t, "u1", list[0].SenderID)
	assert.Equal(t, ack.Timestamp, list[0].Timestamp)

	_, err = s.Send(ctx, "g1", " \n ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSyncerRejectsNonMembers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := New(store, StaticMembership(g1), "u1", WithSessionStart(sessionStart))
	startSyncer(t, s)
	waitMessages(t, s, "g1")

	_, err := s.Send(ctx, "other", "hi")
	assert.ErrorIs(t, err, ErrNotMember)
	assert.ErrorIs(t, s.EditMessage(ctx, "other", "m1", "x"), ErrNotMember)
	assert.ErrorIs(t, s.DeleteMessage(ctx, "other", "m1"), ErrNotMember)
	assert.ErrorIs(t, s.LoadOlder(ctx, "other", 0, 0), ErrNotMember)
	_, err = s.Observe("other")
	assert.ErrorIs(t, err, ErrNotMember)

	remote, err := store.QueryMessages(ctx, Query{ConversationID: "other"})
	require.NoError(t, err)
	assert.Empty(t, remote, "nothing may reach the store")
}

func TestSyncerWriteFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	store := &failingStore{MemoryStore: NewMemoryStore()}
	store.Put(msg("m1", 100))
	m := NewMetrics(nil)

	s := New(store, StaticMembership(g1), "u1", WithMetrics(m), WithSessionStart(sessionStart))
	startSyncer(t, s)
	waitMessages(t, s, "g1", "m1")
	store.writeErr = boom

	_, err := s.Send(ctx, "g1", "hi")
	var we *WriteError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, "send", we.Op)
	assert.ErrorIs(t, err, boom)

	err = s.EditMessage(ctx, "g1", "m1", "changed")
	require.True(t, errors.As(err, &we))
	assert.Equal(t, "edit", we.Op)
	assert.Equal(t, "m1", we.MessageID)

	err = s.DeleteMessage(ctx, "g1", "m1")
	require.True(t, errors.As(err, &we))
	assert.Equal(t, "delete", we.Op)

	list, _ := s.Messages("g1")
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].Text, "failed writes leave the cache alone")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.writeErrors.WithLabelValues("edit")))
}

func TestSyncerLoadOlder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(msg("m1", 100), msg("m2", 200), msg("m3", 300), msg("m4", 400), msg("m5", 500))

	s := New(store, StaticMembership(g1), "u1", WithSessionStart(sessionStart), WithPageSize(2))
	startSyncer(t, s)
	waitMessages(t, s, "g1", "m4", "m5")

	require.NoError(t, s.LoadOlder(ctx, "g1", 400, 0))
	waitMessages(t, s, "g1", "m2", "m3", "m4", "m5")

	require.NoError(t, s.LoadOlder(ctx, "g1", 200, 10))
	waitMessages(t, s, "g1", "m1", "m2", "m3", "m4", "m5")
}

func TestSyncerBackfillFailureReported(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("unavailable")
	store := &failingStore{MemoryStore: NewMemoryStore(), queryErr: boom}
	store.Put(msg("m1", 100))
	m := NewMetrics(nil)

	s := New(store, StaticMembership(g1), "u1", WithMetrics(m), WithSessionStart(sessionStart))
	startSyncer(t, s)

	select {
	case err := <-s.Errors():
		var fe *FetchError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, "backfill", fe.Op)
		assert.Equal(t, "g1", fe.ConversationID)
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("backfill failure was not reported")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(m.fetchErrors.WithLabelValues("backfill")))

	list, err := s.Messages("g1")
	require.NoError(t, err)
	assert.Empty(t, list)

	// Retry on demand once the store recovers.
	store.queryErr = nil
	require.NoError(t, s.LoadOlder(ctx, "g1", 0, 0))
	waitMessages(t, s, "g1", "m1")
}

func TestSyncerMembershipChanges(t *testing.T) {
	ctx := context.Background()
	g2 := Conversation{ID: "g2", Kind: KindGroup, Participants: []string{"u1", "u3"}}
	store := NewMemoryStore()
	store.Put(msg("m1", 100), Message{ID: "n1", ConversationID: "g2", SenderID: "u3", Timestamp: 100})
	feed := StaticMembership(g1)

	s := New(store, feed, "u1", WithSessionStart(sessionStart))
	startSyncer(t, s)
	waitMessages(t, s, "g1", "m1")

	feed.Set([]Conversation{g1, g2})
	waitMessages(t, s, "g2", "n1")

	feed.Set([]Conversation{g2})
	require.Eventually(t, func() bool {
		_, err := s.Messages("g1")
		return errors.Is(err, ErrNotMember)
	}, 2*time.Second, 5*time.Millisecond)

	_, err := s.Send(ctx, "g1", "hi")
	assert.ErrorIs(t, err, ErrNotMember)

	store.Put(Message{ID: "n2", ConversationID: "g2", SenderID: "u3", Timestamp: 2000})
	waitMessages(t, s, "g2", "n1", "n2")
}

func TestSyncerRejoinBackfillsGap(t *testing.T) {
	store := NewMemoryStore()
	store.Put(msg("m1", 100))
	feed := StaticMembership(g1)

	s := New(store, feed, "u1", WithSessionStart(sessionStart))
	startSyncer(t, s)
	waitMessages(t, s, "g1", "m1")

	feed.Set(nil)
	require.Eventually(t, func() bool {
		_, err := s.Messages("g1")
		return errors.Is(err, ErrNotMember)
	}, 2*time.Second, 5*time.Millisecond)

	store.Put(msg("gap", 2000))
	feed.Set([]Conversation{g1})
	waitMessages(t, s, "g1", "m1", "gap")
}

func TestFetchPage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(
		msg("m1", 100), msg("m2", 200), msg("m3", 300),
		Message{ID: "x", ConversationID: "a-b", SenderID: "A", Timestamp: 10},
		Message{ID: "y", ConversationID: "b-a", SenderID: "B", Timestamp: 20},
		Message{ID: "echo", ConversationID: "b-a", SenderID: "A", Timestamp: 30},
		Message{ID: "z", ConversationID: "a-b", SenderID: "A", Timestamp: 40},
	)

	page, err := FetchPage(ctx, store, "u1", g1, 300, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(page), "oldest first, before is exclusive")

	page, err = FetchPage(ctx, store, "A", direct, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, ids(page))

	page, err = FetchPage(ctx, store, "A", direct, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "z"}, ids(page), "one message per record")

	_, err = FetchPage(ctx, &failingStore{MemoryStore: store, queryErr: errors.New("down")}, "A", direct, 0, 1)
	assert.Error(t, err)
}

func TestSyncerRun(t *testing.T) {
	t.Run("subscribe failure", func(t *testing.T) {
		live := &fakeLive{err: errors.New("refused")}
		s := New(NewMemoryStore(), StaticMembership(g1), "u1", WithLiveSource(live))

		err := s.Run(context.Background())
		var fe *FetchError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, "subscribe", fe.Op)
	})

	t.Run("live stream failure ends run", func(t *testing.T) {
		live := &fakeLive{stream: newFakeStream()}
		s := New(NewMemoryStore(), StaticMembership(g1), "u1", WithLiveSource(live))

		done := make(chan error, 1)
		go func() { done <- s.Run(context.Background()) }()

		live.stream.err = errors.New("reset")
		close(live.stream.ch)

		select {
		case err := <-done:
			var fe *FetchError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, "subscribe", fe.Op)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
	})

	t.Run("cancel returns nil", func(t *testing.T) {
		s := New(NewMemoryStore(), StaticMembership(g1), "u1")
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
	})
}
