package chatsync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var g1 = Conversation{ID: "g1", Kind: KindGroup, Participants: []string{"u1", "u2"}}

func publishes(m *Metrics, src Source) int {
	return int(testutil.ToFloat64(m.publishes.WithLabelValues(string(src))))
}

func totalPublishes(m *Metrics) int {
	n := 0
	for _, src := range []Source{SourceBackfill, SourceLive, SourceEdit, SourceDelete} {
		n += publishes(m, src)
	}
	return n
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *Metrics) {
	t.Helper()
	m := NewMetrics(nil)
	c := NewCache(append([]Option{WithMetrics(m)}, opts...)...)
	return c, m
}

// drain returns the snapshot waiting on o, failing if there is none.
func drain(t *testing.T, o *Observer) []Message {
	t.Helper()
	select {
	case snap := <-o.C:
		return snap
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
		return nil
	}
}

func assertQuiet(t *testing.T, o *Observer) {
	t.Helper()
	select {
	case snap := <-o.C:
		t.Fatalf("unexpected snapshot %v", ids(snap))
	default:
	}
}

func TestCacheOpen(t *testing.T) {
	c, m := newTestCache(t)

	assert.True(t, c.Open(g1))
	assert.False(t, c.Open(g1), "second open is a no-op")
	assert.True(t, c.Has("g1"))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.conversations))

	list, err := c.Messages("g1")
	require.NoError(t, err)
	assert.Empty(t, list)

	conv, ok := c.Conversation("g1")
	require.True(t, ok)
	assert.Equal(t, g1.ID, conv.ID)
}

func TestCacheRoutesDirectRecords(t *testing.T) {
	c, _ := newTestCache(t)
	c.Open(Conversation{ID: "a-b", Kind: KindDirect, Participants: []string{"A", "B"}, MirrorID: "b-a"})

	id, ok := c.Route("a-b")
	require.True(t, ok)
	assert.Equal(t, "a-b", id)

	id, ok = c.Route("b-a")
	require.True(t, ok)
	assert.Equal(t, "a-b", id)

	_, ok = c.Route("unknown")
	assert.False(t, ok)
}

func TestCacheOpenRefreshesMetadata(t *testing.T) {
	c, m := newTestCache(t)
	require.True(t, c.Open(direct))
	_, err := c.Merge("a-b", []Message{{ID: "x", ConversationID: "a-b", SenderID: "A", Timestamp: 1}}, SourceBackfill)
	require.NoError(t, err)

	moved := direct
	moved.MirrorID = "b-a-2"
	assert.False(t, c.Open(moved))

	id, ok := c.Route("b-a-2")
	require.True(t, ok)
	assert.Equal(t, "a-b", id)
	_, ok = c.Route("b-a")
	assert.False(t, ok, "the old mirror record no longer routes")

	conv, _ := c.Conversation("a-b")
	assert.Equal(t, "b-a-2", conv.MirrorID)
	list, err := c.Messages("a-b")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ids(list), "messages survive a metadata change")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.conversations))

	r := NewRouter(c, "A")
	r.SetMembership([]Conversation{moved})
	assert.Zero(t, r.Dispatch([]Message{{ID: "y", ConversationID: "b-a-2", SenderID: "B", Timestamp: 2}}))
	list, _ = c.Messages("a-b")
	assert.Equal(t, []string{"x", "y"}, ids(list))
}

func TestCacheUninitialized(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Merge("nope", []Message{msg("m1", 1)}, SourceLive)
	assert.True(t, errors.Is(err, ErrNotInitialized))

	assert.ErrorIs(t, c.Edit("nope", "m1", "x"), ErrNotInitialized)
	assert.ErrorIs(t, c.Remove("nope", "m1"), ErrNotInitialized)

	_, err = c.Observe("nope")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestCacheMergePublishesOnlyOnChange(t *testing.T) {
	c, m := newTestCache(t)
	c.Open(g1)
	obs, err := c.Observe("g1")
	require.NoError(t, err)
	defer obs.Close()
	assert.Empty(t, drain(t, obs), "observer starts with the current list")

	changed, err := c.Merge("g1", []Message{msg("m1", 100), msg("m2", 200)}, SourceBackfill)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"m1", "m2"}, ids(drain(t, obs)))
	assert.Equal(t, 1, publishes(m, SourceBackfill))

	changed, err = c.Merge("g1", []Message{msg("m1", 100)}, SourceLive)
	require.NoError(t, err)
	assert.False(t, changed)
	assertQuiet(t, obs)
	assert.Equal(t, 0, publishes(m, SourceLive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.noopMerges.WithLabelValues("live")))

	changed, err = c.Merge("g1", []Message{msg("m3", 150)}, SourceLive)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"m1", "m3", "m2"}, ids(drain(t, obs)))
	assert.Equal(t, 2, totalPublishes(m))
}

func TestCacheEmptyBatch(t *testing.T) {
	c, m := newTestCache(t)
	c.Open(g1)

	changed, err := c.Merge("g1", nil, SourceLive)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 0, totalPublishes(m))
}

func TestCacheEdit(t *testing.T) {
	c, m := newTestCache(t)
	c.Open(g1)
	c.Merge("g1", []Message{msg("m1", 100)}, SourceBackfill)

	obs, _ := c.Observe("g1")
	defer obs.Close()
	drain(t, obs)

	require.NoError(t, c.Edit("g1", "m1", "hello"))
	snap := drain(t, obs)
	assert.Equal(t, "hello", snap[0].Text)
	assert.Equal(t, 1, publishes(m, SourceEdit))

	// A stale echo keeps the edited text.
	stale := msg("m1", 100)
	changed, _ := c.Merge("g1", []Message{stale}, SourceLive)
	assert.False(t, changed)
	list, _ := c.Messages("g1")
	assert.Equal(t, "hello", list[0].Text)

	assert.ErrorIs(t, c.Edit("g1", "missing", "x"), ErrMessageNotFound)
}

func TestCacheRemoveTombstones(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	c, m := newTestCache(t, WithClock(clock), WithTombstoneTTL(time.Minute))
	c.Open(g1)
	c.Merge("g1", []Message{msg("m1", 100), msg("m2", 200), msg("m3", 150)}, SourceBackfill)

	obs, _ := c.Observe("g1")
	defer obs.Close()
	drain(t, obs)

	require.NoError(t, c.Remove("g1", "m2"))
	assert.Equal(t, []string{"m1", "m3"}, ids(drain(t, obs)))
	assert.Equal(t, 1, publishes(m, SourceDelete))

	// A stale live echo of m2 does not bring it back.
	changed, err := c.Merge("g1", []Message{msg("m2", 200)}, SourceLive)
	require.NoError(t, err)
	assert.False(t, changed)
	assertQuiet(t, obs)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.tombstoned))

	// Neither does an in-flight backfill page.
	changed, _ = c.Merge("g1", []Message{msg("m1", 100), msg("m2", 200)}, SourceBackfill)
	assert.False(t, changed)

	// Once the tombstone expires the id is accepted again.
	now = now.Add(2 * time.Minute)
	changed, _ = c.Merge("g1", []Message{msg("m2", 200)}, SourceLive)
	assert.True(t, changed)
}

func TestCacheRemoveUnknownStillTombstones(t *testing.T) {
	c, m := newTestCache(t)
	c.Open(g1)

	assert.ErrorIs(t, c.Remove("g1", "m9"), ErrMessageNotFound)
	assert.Equal(t, 0, publishes(m, SourceDelete))

	changed, _ := c.Merge("g1", []Message{msg("m9", 900)}, SourceLive)
	assert.False(t, changed)
}

func TestCacheTombstonesDisabled(t *testing.T) {
	c, _ := newTestCache(t, WithTombstoneTTL(0))
	c.Open(g1)
	c.Merge("g1", []Message{msg("m1", 100)}, SourceBackfill)
	require.NoError(t, c.Remove("g1", "m1"))

	changed, _ := c.Merge("g1", []Message{msg("m1", 100)}, SourceLive)
	assert.True(t, changed, "without tombstones a late echo is merged again")
}

func TestObserverLatestWins(t *testing.T) {
	c, _ := newTestCache(t)
	c.Open(g1)
	obs, _ := c.Observe("g1")
	defer obs.Close()

	c.Merge("g1", []Message{msg("m1", 100)}, SourceLive)
	c.Merge("g1", []Message{msg("m2", 200)}, SourceLive)
	c.Merge("g1", []Message{msg("m3", 300)}, SourceLive)

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(drain(t, obs)))
	assertQuiet(t, obs)
}

func TestObserverClose(t *testing.T) {
	c, _ := newTestCache(t)
	c.Open(g1)
	obs, _ := c.Observe("g1")
	drain(t, obs)

	obs.Close()
	obs.Close()
	_, open := <-obs.C
	assert.False(t, open)

	// Publishing after close must not panic.
	_, err := c.Merge("g1", []Message{msg("m1", 1)}, SourceLive)
	require.NoError(t, err)
}

func TestSnapshotsAreImmutable(t *testing.T) {
	c, _ := newTestCache(t)
	c.Open(g1)
	c.Merge("g1", []Message{msg("m1", 100), msg("m2", 200)}, SourceBackfill)

	before, _ := c.Messages("g1")
	require.NoError(t, c.Edit("g1", "m1", "changed"))
	require.NoError(t, c.Remove("g1", "m2"))

	assert.Equal(t, "m1", before[0].Text)
	assert.Len(t, before, 2)
}

func TestCacheConcurrentMerges(t *testing.T) {
	c, _ := newTestCache(t)
	c.Open(g1)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := string(rune('a'+w)) + "-" + string(rune('0'+i%10))
				c.Merge("g1", []Message{msg(id, int64(i%10))}, SourceLive)
			}
		}(w)
	}
	wg.Wait()

	list, _ := c.Messages("g1")
	require.Len(t, list, 80)
	seen := map[string]bool{}
	for i, m := range list {
		assert.False(t, seen[m.ID], "duplicate %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.False(t, m.before(list[i-1]), "out of order at %d", i)
		}
	}
}
