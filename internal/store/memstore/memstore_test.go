package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/testutil"
	"github.com/fitstack/chatsync/internal/types"
)

const testTenant = "acme"

func newTestStore(t *testing.T) *MemStore {
	ms := New(testutil.TestLogger(t))
	t.Cleanup(func() { ms.Close() })
	return ms
}

func seedConversation(t *testing.T, ms *MemStore, id string, participants ...string) types.Conversation {
	t.Helper()
	var conv types.Conversation
	err := ms.RunTx(context.Background(), testTenant, func(tx store.Tx) error {
		conv = types.Conversation{
			Id:           id,
			Participants: participants,
			UnreadCount:  map[string]int{},
			CreatedAt:    tx.Now(),
			UpdatedAt:    tx.Now(),
		}
		return tx.PutConversation(conv)
	})
	require.NoError(t, err)
	return conv
}

func seedMessages(t *testing.T, ms *MemStore, convId, sender string, n int) []types.Message {
	t.Helper()
	var out []types.Message
	for i := 0; i < n; i++ {
		err := ms.RunTx(context.Background(), testTenant, func(tx store.Tx) error {
			m, err := tx.InsertMessage(types.Message{
				ConversationId: convId,
				SenderId:       sender,
				Type:           types.MessageTypeText,
				Content:        fmt.Sprintf("message %d", i),
				ReadBy:         []string{sender},
			})
			if err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
		require.NoError(t, err)
	}
	return out
}

func TestRunTxAtomicity(t *testing.T) {
	ms := newTestStore(t)
	seedConversation(t, ms, "c1", "alice", "bob")

	boom := errors.New("boom")
	err := ms.RunTx(context.Background(), testTenant, func(tx store.Tx) error {
		if _, err := tx.InsertMessage(types.Message{ConversationId: "c1", SenderId: "alice", Content: "hi"}); err != nil {
			return err
		}
		c, err := tx.Conversation("c1")
		if err != nil {
			return err
		}
		c.UnreadCount["bob"] = 1
		if err := tx.PutConversation(c); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	msgs, err := ms.MessagesBefore(context.Background(), testTenant, "c1", store.Cursor{}, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "expected no message to be visible after a failed transaction")

	var conv types.Conversation
	require.NoError(t, ms.RunTx(context.Background(), testTenant, func(tx store.Tx) error {
		var err error
		conv, err = tx.Conversation("c1")
		return err
	}))
	assert.Zero(t, conv.UnreadCount["bob"], "expected no counter update after a failed transaction")
}

func TestFailNextTx(t *testing.T) {
	ms := newTestStore(t)
	seedConversation(t, ms, "c1", "alice", "bob")

	injected := store.Transient(errors.New("connection reset"))
	ms.FailNextTx(injected)

	err := ms.RunTx(context.Background(), testTenant, func(tx store.Tx) error {
		_, err := tx.InsertMessage(types.Message{ConversationId: "c1", SenderId: "alice", Content: "hi"})
		return err
	})
	require.Error(t, err)
	assert.True(t, store.IsTransient(err), "expected the injected error to be transient")

	// next transaction goes through
	seedMessages(t, ms, "c1", "alice", 1)
}

func TestInsertMessageMonotonicTimestamps(t *testing.T) {
	ms := newTestStore(t)
	seedConversation(t, ms, "c1", "alice", "bob")

	var first, second, third types.Message
	require.NoError(t, ms.RunTx(context.Background(), testTenant, func(tx store.Tx) error {
		var err error
		if first, err = tx.InsertMessage(types.Message{ConversationId: "c1", SenderId: "alice", Content: "a"}); err != nil {
			return err
		}
		second, err = tx.InsertMessage(types.Message{ConversationId: "c1", SenderId: "alice", Content: "b"})
		return err
	}))
	require.NoError(t, ms.RunTx(context.Background(), testTenant, func(tx store.Tx) error {
		var err error
		third, err = tx.InsertMessage(types.Message{ConversationId: "c1", SenderId: "bob", Content: "c"})
		return err
	}))

	assert.True(t, second.CreatedAt.After(first.CreatedAt), "expected strictly increasing timestamps within a transaction")
	assert.True(t, third.CreatedAt.After(second.CreatedAt), "expected strictly increasing timestamps across transactions")
	assert.NotEmpty(t, first.Id, "expected the store to assign an id")
	assert.NotEqual(t, first.Id, second.Id)
}

func TestWatchMessages(t *testing.T) {
	ms := newTestStore(t)
	seedConversation(t, ms, "c1", "alice", "bob")

	ch, dispose, err := ms.WatchMessages(context.Background(), testTenant, "c1", 10)
	require.NoError(t, err)
	defer dispose()

	initial := <-ch
	assert.Empty(t, initial, "expected an immediate empty snapshot")

	seedMessages(t, ms, "c1", "alice", 2)

	snap := <-ch
	require.Len(t, snap, 2)
	assert.Equal(t, "message 0", snap[0].Content, "expected ascending order")
	assert.Equal(t, "message 1", snap[1].Content)
}

func TestWatchMessagesCoalesces(t *testing.T) {
	ms := newTestStore(t)
	seedConversation(t, ms, "c1", "alice", "bob")

	ch, dispose, err := ms.WatchMessages(context.Background(), testTenant, "c1", 10)
	require.NoError(t, err)
	defer dispose()
	<-ch

	// nobody reading while several commits land
	seedMessages(t, ms, "c1", "alice", 3)

	snap := <-ch
	assert.Len(t, snap, 3, "expected a slow consumer to observe the newest snapshot, not an intermediate one")

	select {
	case extra, ok := <-ch:
		if ok {
			t.Fatalf("expected no queued intermediate snapshots, got %d messages", len(extra))
		}
	default:
	}
}

func TestWatchMessagesHonorsLimit(t *testing.T) {
	ms := newTestStore(t)
	seedConversation(t, ms, "c1", "alice", "bob")
	seedMessages(t, ms, "c1", "alice", 5)

	ch, dispose, err := ms.WatchMessages(context.Background(), testTenant, "c1", 3)
	require.NoError(t, err)
	defer dispose()

	snap := <-ch
	require.Len(t, snap, 3, "expected the live window to be bounded")
	assert.Equal(t, "message 2", snap[0].Content, "expected the newest messages to win")
	assert.Equal(t, "message 4", snap[2].Content)
}

func TestWatchConversations(t *testing.T) {
	ms := newTestStore(t)

	ch, dispose, err := ms.WatchConversations(context.Background(), testTenant, "alice")
	require.NoError(t, err)
	defer dispose()
	assert.Empty(t, <-ch)

	seedConversation(t, ms, "c1", "alice", "bob")
	snap := <-ch
	require.Len(t, snap, 1)
	assert.Equal(t, "c1", snap[0].Id)

	// conversations not containing the user never show up
	seedConversation(t, ms, "c2", "bob", "carol")
	snap = <-ch
	assert.Len(t, snap, 1, "expected only the watcher's conversations")
}

func TestDisposeIsIdempotent(t *testing.T) {
	ms := newTestStore(t)

	_, dispose, err := ms.WatchConversations(context.Background(), testTenant, "alice")
	require.NoError(t, err)

	dispose()
	dispose() // second disposal must be a no-op

	// and the store keeps working
	seedConversation(t, ms, "c1", "alice", "bob")
}

func TestDropWatchesClosesChannels(t *testing.T) {
	ms := newTestStore(t)

	ch, dispose, err := ms.WatchConversations(context.Background(), testTenant, "alice")
	require.NoError(t, err)
	defer dispose()
	<-ch

	ms.DropWatches()

	_, ok := <-ch
	assert.False(t, ok, "expected the watch channel to be closed")
}

func TestMessagesBeforePagination(t *testing.T) {
	ms := newTestStore(t)
	seedConversation(t, ms, "c1", "alice", "bob")
	all := seedMessages(t, ms, "c1", "alice", 7)

	// newest page
	page1, err := ms.MessagesBefore(context.Background(), testTenant, "c1", store.Cursor{}, 3)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	assert.Equal(t, all[4].Id, page1[0].Id)
	assert.Equal(t, all[6].Id, page1[2].Id)

	// page anchored before the oldest of page1
	page2, err := ms.MessagesBefore(context.Background(), testTenant, "c1", store.CursorFor(page1[0]), 3)
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, all[1].Id, page2[0].Id)
	assert.Equal(t, all[3].Id, page2[2].Id)

	// no overlap between pages
	seen := make(map[string]bool)
	for _, m := range append(append([]types.Message{}, page1...), page2...) {
		assert.False(t, seen[m.Id], "expected no duplicate across pages: %s", m.Id)
		seen[m.Id] = true
	}

	// final short page
	page3, err := ms.MessagesBefore(context.Background(), testTenant, "c1", store.CursorFor(page2[0]), 3)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, all[0].Id, page3[0].Id)
}

func TestStarredMessages(t *testing.T) {
	ms := newTestStore(t)
	seedConversation(t, ms, "c1", "alice", "bob")
	msgs := seedMessages(t, ms, "c1", "alice", 3)

	require.NoError(t, ms.RunTx(context.Background(), testTenant, func(tx store.Tx) error {
		for _, id := range []string{msgs[0].Id, msgs[2].Id} {
			m, err := tx.Message("c1", id)
			if err != nil {
				return err
			}
			m.Starred = true
			if err := tx.PutMessage(m); err != nil {
				return err
			}
		}
		return nil
	}))

	starred, err := ms.StarredMessages(context.Background(), testTenant, "c1")
	require.NoError(t, err)
	require.Len(t, starred, 2)
	assert.Equal(t, msgs[2].Id, starred[0].Id, "expected newest first")
	assert.Equal(t, msgs[0].Id, starred[1].Id)
}

func TestFindDirectConversation(t *testing.T) {
	ms := newTestStore(t)
	seedConversation(t, ms, "c1", "alice", "bob")
	seedConversation(t, ms, "c2", "alice", "carol")

	conv, err := ms.FindDirectConversation(context.Background(), testTenant, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.Id, "expected the pair to match regardless of order")

	_, err = ms.FindDirectConversation(context.Background(), testTenant, "bob", "carol")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertPresenceAndTTL(t *testing.T) {
	ms := newTestStore(t)

	ch, dispose, err := ms.WatchPresence(context.Background(), testTenant)
	require.NoError(t, err)
	defer dispose()
	assert.Empty(t, <-ch)

	rec := types.PresenceRecord{UserId: "alice", Online: true, LastSeen: store.Now()}
	require.NoError(t, ms.UpsertPresence(context.Background(), testTenant, rec, time.Minute))

	snap := <-ch
	require.Len(t, snap, 1)
	assert.Equal(t, "alice", snap[0].UserId)

	// a record upserted with a ttl in the past is already expired
	require.NoError(t, ms.UpsertPresence(context.Background(), testTenant, types.PresenceRecord{UserId: "bob"}, -time.Second))
	snap = <-ch
	for _, r := range snap {
		assert.NotEqual(t, "bob", r.UserId, "expected the expired record to be dropped")
	}
}

func TestTenantIsolation(t *testing.T) {
	ms := newTestStore(t)
	seedConversation(t, ms, "c1", "alice", "bob")

	require.NoError(t, ms.RunTx(context.Background(), "globex", func(tx store.Tx) error {
		return tx.PutConversation(types.Conversation{
			Id:           "c1",
			Participants: []string{"alice", "dave"},
			CreatedAt:    tx.Now(),
			UpdatedAt:    tx.Now(),
		})
	}))

	conv, err := ms.FindDirectConversation(context.Background(), testTenant, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, conv.Participants, "expected tenants to stay isolated")

	other, err := ms.FindDirectConversation(context.Background(), "globex", "alice", "dave")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "dave"}, other.Participants)
}

func TestUploadBlob(t *testing.T) {
	ms := newTestStore(t)

	ref, err := ms.UploadBlob(context.Background(), testTenant, "chats/c1/media/pic.png", []byte{1, 2, 3}, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "chats/c1/media/pic.png", ref.Path)
	assert.NotEmpty(t, ref.Url)
}
