// Package store defines the boundary to the document database consumed by the
// sync core: live query subscriptions, cursor-based one-shot pages, atomic
// multi-document transactions, presence upserts and blob uploads. Backends
// live in the memstore and pgstore subpackages.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fitstack/chatsync/internal/types"
	"github.com/teris-io/shortid"
)

// DisposeFunc releases a live subscription. Implementations must make double
// disposal a safe no-op.
type DisposeFunc func()

// Cursor anchors a backward page query at a previously seen message. CreatedAt
// is the sort key; Id breaks ties between equal timestamps.
type Cursor struct {
	CreatedAt time.Time
	Id        string
}

func CursorFor(m types.Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, Id: m.Id}
}

// BlobRef points at an uploaded attachment payload.
type BlobRef struct {
	Url  string
	Path string
}

// Tx is a single atomic multi-document transaction. All reads observe
// uncommitted writes staged in the same transaction; on error nothing is
// applied. Now returns the server-assigned timestamp for this transaction,
// strictly monotonic per conversation when assigned to inserted messages.
type Tx interface {
	Conversation(id string) (types.Conversation, error)
	PutConversation(c types.Conversation) error
	Message(conversationId, messageId string) (types.Message, error)
	PutMessage(m types.Message) error
	// InsertMessage assigns the message id and server timestamp and stages the
	// insert, returning the stamped message.
	InsertMessage(m types.Message) (types.Message, error)
	// UnreadMessages returns the messages in the conversation not yet read by
	// userId, in ascending order.
	UnreadMessages(conversationId, userId string) ([]types.Message, error)
	Now() time.Time
}

// Store is the document-database boundary. All paths are namespaced by the
// tenant id passed to every call.
type Store interface {
	// RunTx executes fn inside one atomic transaction. Watchers observe either
	// none or all of its writes.
	RunTx(ctx context.Context, tenant string, fn func(Tx) error) error

	// WatchConversations yields the full ordered set of conversations
	// containing userId: once immediately, then after every commit that
	// affects the set.
	WatchConversations(ctx context.Context, tenant, userId string) (<-chan []types.Conversation, DisposeFunc, error)

	// WatchMessages yields the most recent limit messages of a conversation in
	// ascending CreatedAt order, once immediately and then on every commit
	// touching the conversation.
	WatchMessages(ctx context.Context, tenant, conversationId string, limit int) (<-chan []types.Message, DisposeFunc, error)

	// WatchPresence yields all live presence records in the tenant.
	WatchPresence(ctx context.Context, tenant string) (<-chan []types.PresenceRecord, DisposeFunc, error)

	// MessagesBefore returns up to limit messages strictly before the cursor,
	// ascending. A zero cursor means "before the end", i.e. the newest page.
	MessagesBefore(ctx context.Context, tenant, conversationId string, before Cursor, limit int) ([]types.Message, error)

	// StarredMessages returns the starred messages of a conversation,
	// descending by CreatedAt.
	StarredMessages(ctx context.Context, tenant, conversationId string) ([]types.Message, error)

	// FindDirectConversation returns the existing 1:1 conversation for the
	// participant pair, or ErrNotFound.
	FindDirectConversation(ctx context.Context, tenant, userA, userB string) (types.Conversation, error)

	// UpsertPresence writes an ephemeral presence record that expires after
	// ttl unless refreshed.
	UpsertPresence(ctx context.Context, tenant string, rec types.PresenceRecord, ttl time.Duration) error

	// UploadBlob stores an attachment payload and returns a retrievable
	// reference.
	UploadBlob(ctx context.Context, tenant, path string, data []byte, contentType string) (BlobRef, error)

	Close() error
}

// NewId generates a new document id.
func NewId() (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id, nil
}

// Now is the canonical timestamp precision used across backends.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
