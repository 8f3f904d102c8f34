package chatlist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitstack/chatsync/internal/stats"
	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/store/memstore"
	"github.com/fitstack/chatsync/internal/testutil"
	"github.com/fitstack/chatsync/internal/types"
)

const testTenant = "acme"

func newTestStore(t *testing.T) *memstore.MemStore {
	ms := memstore.New(testutil.TestLogger(t))
	t.Cleanup(func() { ms.Close() })
	return ms
}

func putConversation(t *testing.T, ms *memstore.MemStore, c types.Conversation) {
	t.Helper()
	require.NoError(t, ms.RunTx(context.Background(), testTenant, func(tx store.Tx) error {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = tx.Now()
		}
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = c.CreatedAt
		}
		return tx.PutConversation(c)
	}))
}

func at(minute int) time.Time {
	return time.Date(2026, 3, 1, 12, minute, 0, 0, time.UTC)
}

func withLast(minute int) *types.LastMessage {
	return &types.LastMessage{Content: "x", Type: types.MessageTypeText, SenderId: "bob", SentAt: at(minute)}
}

func ids(convs []types.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.Id
	}
	return out
}

func TestBuildSnapshotOrdering(t *testing.T) {
	convs := []types.Conversation{
		{Id: "old", Participants: []string{"alice", "bob"}, LastMessage: withLast(1), CreatedAt: at(0)},
		{Id: "new", Participants: []string{"alice", "bob"}, LastMessage: withLast(30), CreatedAt: at(0)},
		{Id: "pinned", Participants: []string{"alice", "bob"}, PinnedBy: []string{"alice"}, LastMessage: withLast(5), CreatedAt: at(0)},
		{Id: "no-messages", Participants: []string{"alice", "bob"}, CreatedAt: at(10)},
	}

	snap := buildSnapshot(convs, "alice", false)
	assert.Equal(t, []string{"pinned", "new", "no-messages", "old"}, ids(snap.All),
		"expected pinned first, then last activity descending, with creation time standing in for empty conversations")
}

func TestBuildSnapshotOrderingTiebreak(t *testing.T) {
	convs := []types.Conversation{
		{Id: "b", Participants: []string{"alice", "x"}, LastMessage: withLast(5)},
		{Id: "a", Participants: []string{"alice", "y"}, LastMessage: withLast(5)},
	}

	snap := buildSnapshot(convs, "alice", false)
	assert.Equal(t, []string{"a", "b"}, ids(snap.All), "expected the id tiebreak to make equal timestamps deterministic")
}

func TestBuildSnapshotPinIsPerUser(t *testing.T) {
	convs := []types.Conversation{
		{Id: "c1", Participants: []string{"alice", "bob"}, PinnedBy: []string{"bob"}, LastMessage: withLast(1)},
		{Id: "c2", Participants: []string{"alice", "bob"}, LastMessage: withLast(10)},
	}

	forAlice := buildSnapshot(convs, "alice", false)
	assert.Equal(t, []string{"c2", "c1"}, ids(forAlice.All), "expected bob's pin to not affect alice's order")

	forBob := buildSnapshot(convs, "bob", false)
	assert.Equal(t, []string{"c1", "c2"}, ids(forBob.All))
}

func TestBuildSnapshotArchivePartition(t *testing.T) {
	convs := []types.Conversation{
		{Id: "c1", Participants: []string{"alice", "bob"}, ArchivedBy: []string{"alice"}, LastMessage: withLast(1)},
		{Id: "c2", Participants: []string{"alice", "bob"}, LastMessage: withLast(2)},
	}

	forAlice := buildSnapshot(convs, "alice", false)
	assert.Equal(t, []string{"c1"}, ids(forAlice.Archived))
	assert.Equal(t, []string{"c2"}, ids(forAlice.Active))

	// the same conversation stays active for the other participant
	forBob := buildSnapshot(convs, "bob", false)
	assert.Empty(t, forBob.Archived)
	assert.Equal(t, []string{"c2", "c1"}, ids(forBob.Active))
}

func TestBuildSnapshotHidesLocally(t *testing.T) {
	convs := []types.Conversation{
		{Id: "c1", Participants: []string{"alice", "bob"}, HiddenBy: []string{"alice"}, LastMessage: withLast(1)},
		{Id: "c2", Participants: []string{"alice", "bob"}, LastMessage: withLast(2)},
	}

	forAlice := buildSnapshot(convs, "alice", false)
	assert.Equal(t, []string{"c2"}, ids(forAlice.All), "expected hidden conversations to be dropped from the view")

	forBob := buildSnapshot(convs, "bob", false)
	assert.Len(t, forBob.All, 2, "expected the hide to be local to the hiding user")
}

func TestBuildSnapshotUnreadAggregate(t *testing.T) {
	convs := []types.Conversation{
		{Id: "c1", Participants: []string{"alice", "bob"}, UnreadCount: map[string]int{"alice": 2, "bob": 7}},
		{Id: "c2", Participants: []string{"alice", "bob"}, UnreadCount: map[string]int{"alice": 3}},
	}

	snap := buildSnapshot(convs, "alice", false)
	assert.Equal(t, 5, snap.TotalUnread, "expected only the viewer's counters to be summed")
}

func TestSubscribe(t *testing.T) {
	ms := newTestStore(t)
	putConversation(t, ms, types.Conversation{Id: "c1", Participants: []string{"alice", "bob"}})

	s := New(testutil.TestLogger(t), ms, stats.NoopStats{}, testTenant, "alice")
	t.Cleanup(s.Close)

	ch, err := s.Subscribe(context.Background())
	require.NoError(t, err)

	snap := <-ch
	assert.Equal(t, []string{"c1"}, ids(snap.All))
	assert.False(t, snap.Stale)

	putConversation(t, ms, types.Conversation{Id: "c2", Participants: []string{"alice", "carol"}})
	assert.Eventually(t, func() bool {
		return len(s.Snapshot().All) == 2
	}, time.Second, 5*time.Millisecond, "expected the list to track commits")
}

func TestSubscribeTwiceSharesChannel(t *testing.T) {
	ms := newTestStore(t)

	s := New(testutil.TestLogger(t), ms, stats.NoopStats{}, testTenant, "alice")
	t.Cleanup(s.Close)

	ch1, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	ch2, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ch1, ch2, "expected subscribe to be idempotent")
}

// gatedStore delegates to the wrapped store but parks the second
// WatchConversations call until released, and counts watcher disposals.
type gatedStore struct {
	store.Store
	mu       sync.Mutex
	calls    int
	entered  chan struct{}
	gate     chan struct{}
	disposed int
}

func (g *gatedStore) WatchConversations(ctx context.Context, tenant, userId string) (<-chan []types.Conversation, store.DisposeFunc, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.mu.Unlock()
	if call == 2 {
		close(g.entered)
		<-g.gate
	}

	ch, dispose, err := g.Store.WatchConversations(ctx, tenant, userId)
	if err != nil {
		return nil, nil, err
	}
	return ch, func() {
		g.mu.Lock()
		g.disposed++
		g.mu.Unlock()
		dispose()
	}, nil
}

func (g *gatedStore) disposeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disposed
}

func TestCloseDuringResubscribeDisposesWatcher(t *testing.T) {
	ms := newTestStore(t)
	gs := &gatedStore{Store: ms, entered: make(chan struct{}), gate: make(chan struct{})}

	s := New(testutil.TestLogger(t), gs, stats.NoopStats{}, testTenant, "alice", WithResubscribeDelay(time.Millisecond))
	ch, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	<-ch

	ms.DropWatches()
	<-gs.entered // the recovery loop is now inside its watch call
	s.Close()
	close(gs.gate)

	// both the original watcher and the one created mid-close get released
	assert.Eventually(t, func() bool {
		return gs.disposeCount() == 2
	}, time.Second, 5*time.Millisecond, "expected the recovery watcher to be disposed after close")
}

func TestSubscriptionDropGoesStaleAndRecovers(t *testing.T) {
	ms := newTestStore(t)
	putConversation(t, ms, types.Conversation{Id: "c1", Participants: []string{"alice", "bob"}})

	s := New(testutil.TestLogger(t), ms, stats.NoopStats{}, testTenant, "alice", WithResubscribeDelay(5*time.Millisecond))
	t.Cleanup(s.Close)

	ch, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	<-ch

	ms.DropWatches()

	// the list never blanks: last-known-good contents survive the outage
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return !snap.Stale && len(snap.All) == 1
	}, time.Second, 5*time.Millisecond, "expected recovery after the drop")
}
