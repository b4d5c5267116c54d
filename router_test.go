package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var direct = Conversation{ID: "a-b", Kind: KindDirect, Participants: []string{"A", "B"}, MirrorID: "b-a"}

// fakeStream is a CreatedStream fed by the test.
type fakeStream struct {
	ch  chan []Message
	err error
}

func newFakeStream() *fakeStream { return &fakeStream{ch: make(chan []Message, 8)} }

func (s *fakeStream) Batches() <-chan []Message { return s.ch }
func (s *fakeStream) Err() error                { return s.err }
func (s *fakeStream) Close() error              { return nil }

func newTestRouter(t *testing.T, self string, convs ...Conversation) (*Router, *Cache, *Metrics) {
	t.Helper()
	m := NewMetrics(nil)
	c := NewCache(WithMetrics(m))
	for _, conv := range convs {
		c.Open(conv)
	}
	r := NewRouter(c, self, WithMetrics(m))
	r.SetMembership(convs)
	return r, c, m
}

func TestRouterGroupsByConversation(t *testing.T) {
	g2 := Conversation{ID: "g2", Kind: KindGroup, Participants: []string{"u1"}}
	r, c, m := newTestRouter(t, "u1", g1, g2)

	dropped := r.Dispatch([]Message{
		{ID: "a", ConversationID: "g1", SenderID: "u2", Timestamp: 1},
		{ID: "b", ConversationID: "g2", SenderID: "u1", Timestamp: 2},
		{ID: "c", ConversationID: "g1", SenderID: "u1", Timestamp: 3},
	})
	assert.Zero(t, dropped)

	list, _ := c.Messages("g1")
	assert.Equal(t, []string{"a", "c"}, ids(list))
	list, _ = c.Messages("g2")
	assert.Equal(t, []string{"b"}, ids(list))
	assert.Equal(t, 2, publishes(m, SourceLive), "one publish per conversation")
}

func TestRouterDropsNonMembers(t *testing.T) {
	r, c, m := newTestRouter(t, "u1", g1)

	dropped := r.Dispatch([]Message{
		{ID: "x", ConversationID: "elsewhere", SenderID: "u9", Timestamp: 1},
		{ID: "a", ConversationID: "g1", SenderID: "u2", Timestamp: 2},
	})
	assert.Equal(t, 1, dropped)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.liveDropped))

	list, _ := c.Messages("g1")
	assert.Equal(t, []string{"a"}, ids(list))
}

func TestRouterMembershipRemoval(t *testing.T) {
	r, c, _ := newTestRouter(t, "u1", g1)
	r.SetMembership(nil)

	assert.Equal(t, 1, r.Dispatch([]Message{{ID: "a", ConversationID: "g1", Timestamp: 1}}))
	list, _ := c.Messages("g1")
	assert.Empty(t, list)
}

func TestRouterDirectMirror(t *testing.T) {
	r, c, _ := newTestRouter(t, "A", direct)

	dropped := r.Dispatch([]Message{
		{ID: "x", ConversationID: "a-b", SenderID: "A", Timestamp: 10},
		{ID: "y", ConversationID: "b-a", SenderID: "B", Timestamp: 20},
		// The wrong sender for each record is not part of A's view.
		{ID: "z1", ConversationID: "a-b", SenderID: "B", Timestamp: 30},
		{ID: "z2", ConversationID: "b-a", SenderID: "A", Timestamp: 40},
	})
	assert.Equal(t, 2, dropped)

	list, _ := c.Messages("a-b")
	assert.Equal(t, []string{"x", "y"}, ids(list))
}

func TestRouterUninitializedPanicsInDevelopment(t *testing.T) {
	c := NewCache()
	r := NewRouter(c, "u1", WithLogger(zap.NewExample(zap.Development())))
	// Membership set without opening the cache is an ordering bug.
	r.SetMembership([]Conversation{g1})
	c.routes["g1"] = "g1"

	assert.Panics(t, func() {
		r.Dispatch([]Message{{ID: "a", ConversationID: "g1", Timestamp: 1}})
	})
}

func TestRouterRun(t *testing.T) {
	t.Run("stops when context is cancelled", func(t *testing.T) {
		r, c, _ := newTestRouter(t, "u1", g1)
		stream := newFakeStream()
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- r.Run(ctx, stream) }()

		stream.ch <- []Message{{ID: "a", ConversationID: "g1", Timestamp: 1}}
		require.Eventually(t, func() bool {
			list, _ := c.Messages("g1")
			return len(list) == 1
		}, time.Second, 5*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return")
		}
	})

	t.Run("reports stream failure", func(t *testing.T) {
		r, _, m := newTestRouter(t, "u1", g1)
		stream := newFakeStream()
		stream.err = errors.New("connection reset")
		close(stream.ch)

		err := r.Run(context.Background(), stream)
		var fe *FetchError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, "subscribe", fe.Op)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.fetchErrors.WithLabelValues("subscribe")))
	})

	t.Run("clean end of stream", func(t *testing.T) {
		r, _, _ := newTestRouter(t, "u1", g1)
		stream := newFakeStream()
		close(stream.ch)
		assert.NoError(t, r.Run(context.Background(), stream))
	})
}
