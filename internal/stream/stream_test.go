package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitstack/chatsync/internal/mutate"
	"github.com/fitstack/chatsync/internal/stats"
	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/store/memstore"
	"github.com/fitstack/chatsync/internal/testutil"
	"github.com/fitstack/chatsync/internal/types"
)

const testTenant = "acme"

type fixture struct {
	store *memstore.MemStore
	orch  *mutate.Orchestrator
}

func newFixture(t *testing.T, userId string) *fixture {
	ms := memstore.New(testutil.TestLogger(t))
	t.Cleanup(func() { ms.Close() })
	o := mutate.NewOrchestrator(testutil.TestLogger(t), ms, stats.NoopStats{}, testTenant, userId)
	t.Cleanup(o.Close)
	return &fixture{store: ms, orch: o}
}

func (f *fixture) seedConversation(t *testing.T, id string, participants ...string) {
	t.Helper()
	require.NoError(t, f.store.RunTx(context.Background(), testTenant, func(tx store.Tx) error {
		return tx.PutConversation(types.Conversation{
			Id:           id,
			Participants: participants,
			CreatedAt:    tx.Now(),
			UpdatedAt:    tx.Now(),
		})
	}))
}

func (f *fixture) seedMessages(t *testing.T, convId string, n int) []types.Message {
	t.Helper()
	var out []types.Message
	for i := 0; i < n; i++ {
		require.NoError(t, f.store.RunTx(context.Background(), testTenant, func(tx store.Tx) error {
			m, err := tx.InsertMessage(types.Message{
				ConversationId: convId,
				SenderId:       "bob",
				Type:           types.MessageTypeText,
				Content:        fmt.Sprintf("message %d", i),
			})
			if err != nil {
				return err
			}
			out = append(out, m)
			return nil
		}))
	}
	return out
}

func (f *fixture) newStream(t *testing.T, opts ...Option) *Stream {
	s := New(testutil.TestLogger(t), f.store, f.orch, stats.NoopStats{}, testTenant, opts...)
	t.Cleanup(s.Close)
	return s
}

func entryContents(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.Content
	}
	return out
}

func TestOpenAndLiveTail(t *testing.T) {
	f := newFixture(t, "alice")
	f.seedConversation(t, "c1", "alice", "bob")
	f.seedMessages(t, "c1", 2)

	s := f.newStream(t)
	ch, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	snap := <-ch
	assert.Equal(t, []string{"message 0", "message 1"}, entryContents(snap.Entries))
	assert.Equal(t, StateLive, s.State())

	f.seedMessages(t, "c1", 1)
	assert.Eventually(t, func() bool {
		return len(s.Snapshot().Entries) == 3
	}, time.Second, 5*time.Millisecond, "expected the live tail to pick up new messages")
}

func TestOpenTwice(t *testing.T) {
	f := newFixture(t, "alice")
	f.seedConversation(t, "c1", "alice", "bob")

	s := f.newStream(t)
	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	_, err = s.Open(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestOptimisticSendReconciles(t *testing.T) {
	f := newFixture(t, "alice")
	f.seedConversation(t, "c1", "alice", "bob")

	s := f.newStream(t)
	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == StateLive }, time.Second, 5*time.Millisecond)

	rec, err := f.orch.Send(context.Background(), "c1", mutate.SendParams{Content: "hi"})
	require.NoError(t, err)

	// the echo arrives over the live subscription and resolves the record:
	// exactly one entry, confirmed, never two
	assert.Eventually(t, func() bool {
		snap := s.Snapshot()
		if len(snap.Entries) != 1 {
			return false
		}
		e := snap.Entries[0]
		return !e.Pending && !e.Failed && e.Message.CorrelationId == rec.CorrelationId
	}, time.Second, 5*time.Millisecond, "expected the optimistic send to collapse into its echo")

	assert.Empty(t, f.orch.Pending("c1"), "expected the record to be resolved")
}

func TestFailedSendStaysVisible(t *testing.T) {
	f := newFixture(t, "alice")
	f.seedConversation(t, "c1", "alice", "bob")
	f.seedMessages(t, "c1", 1)

	s := f.newStream(t)
	ch, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)
	<-ch

	f.store.FailNextTx(store.Transient(errors.New("connection reset")))
	rec, err := f.orch.Send(context.Background(), "c1", mutate.SendParams{Content: "doomed"})
	require.Error(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Entries, 2)
	tail := snap.Entries[1]
	assert.True(t, tail.Failed, "expected the failed send to trail the confirmed sequence")
	assert.False(t, tail.Pending)
	assert.Equal(t, rec.CorrelationId, tail.CorrelationId)
	assert.Equal(t, "doomed", tail.Message.Content)
}

func TestDuplicateEchoYieldsOneEntry(t *testing.T) {
	f := newFixture(t, "alice")
	f.seedConversation(t, "c1", "alice", "bob")

	s := f.newStream(t, WithResubscribeDelay(5*time.Millisecond))
	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	rec, err := f.orch.Send(context.Background(), "c1", mutate.SendParams{Content: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Entries) == 1
	}, time.Second, 5*time.Millisecond)

	// a dropped subscription redelivers the same snapshot on resubscribe;
	// the same echo seen twice must not produce a second entry
	f.store.DropWatches()

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return !snap.Stale && len(snap.Entries) == 1
	}, time.Second, 5*time.Millisecond, "expected the redelivered echo to be idempotent")
	assert.Equal(t, rec.CorrelationId, s.Snapshot().Entries[0].Message.CorrelationId)
}

func TestLoadOlderPagination(t *testing.T) {
	f := newFixture(t, "alice")
	f.seedConversation(t, "c1", "alice", "bob")
	f.seedMessages(t, "c1", 7)

	s := f.newStream(t, WithPageSize(3))
	ch, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	snap := <-ch
	assert.Equal(t, []string{"message 4", "message 5", "message 6"}, entryContents(snap.Entries))
	assert.True(t, snap.HasMore)

	require.NoError(t, s.LoadOlder(context.Background()))
	snap = s.Snapshot()
	assert.Equal(t, []string{"message 1", "message 2", "message 3", "message 4", "message 5", "message 6"},
		entryContents(snap.Entries), "expected the page to prepend without duplicates")
	assert.True(t, snap.HasMore)

	require.NoError(t, s.LoadOlder(context.Background()))
	snap = s.Snapshot()
	assert.Len(t, snap.Entries, 7)
	assert.Equal(t, "message 0", snap.Entries[0].Message.Content)
	assert.False(t, snap.HasMore, "expected a short page to end pagination")
}

func TestLoadOlderRequiresLive(t *testing.T) {
	f := newFixture(t, "alice")

	s := f.newStream(t)
	assert.ErrorIs(t, s.LoadOlder(context.Background()), ErrNotLive)
}

func TestSubscriptionDropGoesStale(t *testing.T) {
	f := newFixture(t, "alice")
	f.seedConversation(t, "c1", "alice", "bob")
	f.seedMessages(t, "c1", 2)

	s := f.newStream(t, WithResubscribeDelay(5*time.Millisecond))
	ch, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)
	<-ch

	f.store.DropWatches()

	// last-known-good entries survive the drop, flagged stale, then the
	// resubscribe clears the flag
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return !snap.Stale && len(snap.Entries) == 2
	}, time.Second, 5*time.Millisecond, "expected recovery after the drop")
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, "alice")
	f.seedConversation(t, "c1", "alice", "bob")

	s := f.newStream(t)
	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	s.Close()
	s.Close()
	assert.Equal(t, StateClosed, s.State())
}

func TestGroupByDay(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 0, 10, 0, 0, time.UTC)

	entries := []Entry{
		{Message: types.Message{Id: "a", CreatedAt: day1}},
		{Message: types.Message{Id: "b", CreatedAt: day1.Add(5 * time.Minute)}},
		{Message: types.Message{Id: "c", CreatedAt: day2}},
	}

	groups := GroupByDay(entries, time.UTC)
	require.Len(t, groups, 2)
	assert.Equal(t, "2026-03-01", groups[0].Key)
	assert.Len(t, groups[0].Entries, 2)
	assert.Equal(t, "2026-03-02", groups[1].Key)
	assert.Equal(t, "c", groups[1].Entries[0].Message.Id)

	// idempotent: regrouping the flattened sequence changes nothing
	var flat []Entry
	for _, g := range groups {
		flat = append(flat, g.Entries...)
	}
	assert.Equal(t, groups, GroupByDay(flat, time.UTC))
}

func TestGroupByDayRespectsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	// 23:30 UTC is already the next day at UTC+2
	entries := []Entry{
		{Message: types.Message{Id: "a", CreatedAt: time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)}},
	}

	groups := GroupByDay(entries, loc)
	require.Len(t, groups, 1)
	assert.Equal(t, "2026-03-02", groups[0].Key)
}
