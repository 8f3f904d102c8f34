// Package mutate executes every state-changing chat operation as a single
// atomic multi-document transaction, with an optimistic local overlay for
// sends. Unread counters and read-by sets are written here and nowhere else,
// which is what keeps them from diverging.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/fitstack/chatsync/internal/stats"
	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/types"
	"github.com/google/uuid"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultReconcileTimeout = 15 * time.Second
	defaultRetries          = 2
	lastMessageMaxLen       = 100
)

type Orchestrator struct {
	log    *log.Logger
	store  store.Store
	stats  stats.StatsProvider
	tenant string
	userId string

	timeout          time.Duration
	reconcileTimeout time.Duration
	retries          int

	mu      sync.Mutex
	pending map[string]*OptimisticRecord
	timers  map[string]*time.Timer
	closed  bool
}

type Option func(*Orchestrator)

func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithReconcileTimeout bounds how long a committed send may wait for its
// server echo before being marked failed.
func WithReconcileTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.reconcileTimeout = d }
}

func WithRetries(n int) Option {
	return func(o *Orchestrator) { o.retries = n }
}

func NewOrchestrator(logger *log.Logger, st store.Store, sp stats.StatsProvider, tenant, userId string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:              logger,
		store:            st,
		stats:            sp,
		tenant:           tenant,
		userId:           userId,
		timeout:          defaultTimeout,
		reconcileTimeout: defaultReconcileTimeout,
		retries:          defaultRetries,
		pending:          make(map[string]*OptimisticRecord),
		timers:           make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close stops reconcile timers. Outstanding records stay readable so a caller
// can inspect what never made it out.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
}

// CreateDirect returns the 1:1 conversation between the caller and other,
// creating it if none exists. Idempotent: the same participant pair always
// maps to one conversation.
func (o *Orchestrator) CreateDirect(ctx context.Context, self, other types.Participant) (types.Conversation, error) {
	existing, err := o.store.FindDirectConversation(ctx, o.tenant, o.userId, other.Id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return types.Conversation{}, classify("create_conversation", err)
	}

	id, err := store.NewId()
	if err != nil {
		return types.Conversation{}, classify("create_conversation", err)
	}

	var created types.Conversation
	err = o.runIdempotent(ctx, "create_conversation", func(tx store.Tx) error {
		now := tx.Now()
		created = types.Conversation{
			Id:           id,
			Participants: []string{o.userId, other.Id},
			ParticipantInfo: map[string]types.Participant{
				o.userId: self,
				other.Id: other,
			},
			UnreadCount: map[string]int{o.userId: 0, other.Id: 0},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.PutConversation(created)
	})
	if err != nil {
		return types.Conversation{}, err
	}
	return created, nil
}

type SendParams struct {
	Type       types.MessageType
	Content    string
	Attachment *types.Attachment
	ReplyTo    *types.ReplyRef
}

// Send appends a message and atomically updates the conversation summary and
// unread counters. The returned record is visible immediately with a
// local-clock timestamp; the live subscription later echoes the authoritative
// document carrying the same correlation id. Send is never silently retried:
// a retry of a non-idempotent write could duplicate the message.
func (o *Orchestrator) Send(ctx context.Context, conversationId string, p SendParams) (OptimisticRecord, error) {
	if p.Type == "" {
		p.Type = types.MessageTypeText
	}

	rec := &OptimisticRecord{
		CorrelationId: uuid.NewString(),
		Status:        StatusPending,
		QueuedAt:      time.Now().UTC(),
		Message: types.Message{
			ConversationId: conversationId,
			SenderId:       o.userId,
			Type:           p.Type,
			Content:        p.Content,
			Attachment:     p.Attachment,
			ReplyTo:        p.ReplyTo,
			ReadBy:         []string{o.userId},
			CreatedAt:      time.Now().UTC(),
		},
	}
	rec.Message.CorrelationId = rec.CorrelationId

	o.mu.Lock()
	o.pending[rec.CorrelationId] = rec
	o.mu.Unlock()
	o.stats.Incr(stats.MetricPendingWrites)

	return o.attemptSend(ctx, rec)
}

func (o *Orchestrator) attemptSend(ctx context.Context, rec *OptimisticRecord) (OptimisticRecord, error) {
	tctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	err := o.store.RunTx(tctx, o.tenant, func(tx store.Tx) error {
		conv, err := tx.Conversation(rec.Message.ConversationId)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(o.userId) {
			return ErrNotParticipant
		}

		stamped, err := tx.InsertMessage(rec.Message)
		if err != nil {
			return err
		}

		if conv.UnreadCount == nil {
			conv.UnreadCount = make(map[string]int)
		}
		for _, p := range conv.Participants {
			if p != o.userId {
				conv.UnreadCount[p]++
			}
		}
		conv.UnreadCount[o.userId] = 0
		conv.LastMessage = &types.LastMessage{
			Content:  truncate(stamped.Content, lastMessageMaxLen),
			Type:     stamped.Type,
			SenderId: stamped.SenderId,
			SentAt:   stamped.CreatedAt,
		}
		conv.UpdatedAt = stamped.CreatedAt
		return tx.PutConversation(conv)
	})

	o.mu.Lock()
	if err != nil {
		rec.Status = StatusFailed
		rec.Err = err
		out := cloneRecord(rec)
		o.mu.Unlock()
		o.stats.Incr(stats.MetricMutationFailures)
		o.log.Printf("send %s failed: %v", rec.CorrelationId, err)
		return out, classify("send", err)
	}

	rec.Status = StatusCommitted
	rec.Err = nil
	o.armReconcileTimerLocked(rec.CorrelationId)
	out := cloneRecord(rec)
	o.mu.Unlock()
	o.stats.Incr(stats.MetricMessagesSent)
	return out, nil
}

// Retry re-attempts a failed send under its original correlation id, so a
// late echo of the first attempt still reconciles instead of duplicating.
func (o *Orchestrator) Retry(ctx context.Context, correlationId string) (OptimisticRecord, error) {
	o.mu.Lock()
	rec, ok := o.pending[correlationId]
	if !ok || !rec.failed() {
		o.mu.Unlock()
		return OptimisticRecord{}, classify("retry", ErrNoPendingWrite)
	}
	rec.Status = StatusPending
	rec.Err = nil
	o.mu.Unlock()

	return o.attemptSend(ctx, rec)
}

// Discard drops a failed optimistic record at the caller's request.
func (o *Orchestrator) Discard(correlationId string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.pending[correlationId]; ok && rec.failed() {
		o.dropLocked(correlationId)
	}
}

// Pending returns copies of the outstanding optimistic records for a
// conversation, oldest first.
func (o *Orchestrator) Pending(conversationId string) []OptimisticRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []OptimisticRecord
	for _, rec := range o.pending {
		if rec.Message.ConversationId == conversationId {
			out = append(out, cloneRecord(rec))
		}
	}
	sortRecords(out)
	return out
}

// Resolve is called by the stream manager when the live subscription delivers
// a message whose correlation id matches an outstanding record. Idempotent:
// resolving an unknown id is a no-op, so the same echo delivered twice cannot
// produce two visible messages.
func (o *Orchestrator) Resolve(correlationId string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pending[correlationId]; ok {
		o.dropLocked(correlationId)
	}
}

func (o *Orchestrator) dropLocked(correlationId string) {
	delete(o.pending, correlationId)
	if t, ok := o.timers[correlationId]; ok {
		t.Stop()
		delete(o.timers, correlationId)
	}
	o.stats.Decr(stats.MetricPendingWrites)
}

func (o *Orchestrator) armReconcileTimerLocked(correlationId string) {
	if o.closed {
		return
	}
	if t, ok := o.timers[correlationId]; ok {
		t.Stop()
	}
	o.timers[correlationId] = time.AfterFunc(o.reconcileTimeout, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		rec, ok := o.pending[correlationId]
		if !ok || rec.Status != StatusCommitted {
			return
		}
		rec.Status = StatusFailed
		rec.Err = fmt.Errorf("no server echo within %s", o.reconcileTimeout)
		o.stats.Incr(stats.MetricReconcileTimeouts)
		o.log.Printf("send %s: %v", correlationId, rec.Err)
	})
}

// Edit updates a message's content. Only the original sender may edit;
// ordering position never changes because CreatedAt is untouched.
func (o *Orchestrator) Edit(ctx context.Context, conversationId, messageId, content string) error {
	return o.runIdempotent(ctx, "edit", func(tx store.Tx) error {
		m, err := tx.Message(conversationId, messageId)
		if err != nil {
			return err
		}
		if m.SenderId != o.userId {
			return ErrNotSender
		}
		if m.Deleted {
			return fmt.Errorf("message is deleted")
		}
		m.Content = content
		m.Edited = true
		m.EditedAt = tx.Now()
		return tx.PutMessage(m)
	})
}

// Delete tombstones a message: the payload is replaced but the id and ordering
// position survive, so clients mid-pagination never see the sequence shrink.
func (o *Orchestrator) Delete(ctx context.Context, conversationId, messageId string) error {
	return o.runIdempotent(ctx, "delete", func(tx store.Tx) error {
		m, err := tx.Message(conversationId, messageId)
		if err != nil {
			return err
		}
		if m.SenderId != o.userId {
			return ErrNotSender
		}
		if m.Deleted {
			return nil
		}
		m.Tombstone(tx.Now())
		return tx.PutMessage(m)
	})
}

// React toggles the caller in the emoji's reactor set. Set semantics make
// repeated calls converge: react twice and you are back where you started.
func (o *Orchestrator) React(ctx context.Context, conversationId, messageId, emoji string) error {
	return o.runIdempotent(ctx, "react", func(tx store.Tx) error {
		m, err := tx.Message(conversationId, messageId)
		if err != nil {
			return err
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		set, _ := types.ToggleInSet(m.Reactions[emoji], o.userId)
		if len(set) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = set
		}
		return tx.PutMessage(m)
	})
}

// ToggleStar flips the starred flag on a message.
func (o *Orchestrator) ToggleStar(ctx context.Context, conversationId, messageId string) error {
	return o.runIdempotent(ctx, "star", func(tx store.Tx) error {
		m, err := tx.Message(conversationId, messageId)
		if err != nil {
			return err
		}
		m.Starred = !m.Starred
		return tx.PutMessage(m)
	})
}

// TogglePinMessage flips the pinned flag on a message.
func (o *Orchestrator) TogglePinMessage(ctx context.Context, conversationId, messageId string) error {
	return o.runIdempotent(ctx, "pin_message", func(tx store.Tx) error {
		m, err := tx.Message(conversationId, messageId)
		if err != nil {
			return err
		}
		m.Pinned = !m.Pinned
		return tx.PutMessage(m)
	})
}

// TogglePinConversation toggles the caller's membership in the conversation's
// pinned set. Scoped to the caller: nobody else's view changes.
func (o *Orchestrator) TogglePinConversation(ctx context.Context, conversationId string) error {
	return o.toggleMembership(ctx, "pin_conversation", conversationId, func(c *types.Conversation) {
		c.PinnedBy, _ = types.ToggleInSet(c.PinnedBy, o.userId)
	})
}

// ToggleArchiveConversation toggles the caller's membership in the archived
// set, moving the conversation between the active and archived partitions of
// the caller's list only.
func (o *Orchestrator) ToggleArchiveConversation(ctx context.Context, conversationId string) error {
	return o.toggleMembership(ctx, "archive_conversation", conversationId, func(c *types.Conversation) {
		c.ArchivedBy, _ = types.ToggleInSet(c.ArchivedBy, o.userId)
	})
}

// HideConversation is the "delete" a user sees: a local hide that preserves
// the other participant's view and all data.
func (o *Orchestrator) HideConversation(ctx context.Context, conversationId string) error {
	return o.toggleMembership(ctx, "hide_conversation", conversationId, func(c *types.Conversation) {
		c.HiddenBy = types.AddToSet(c.HiddenBy, o.userId)
	})
}

func (o *Orchestrator) toggleMembership(ctx context.Context, op, conversationId string, apply func(*types.Conversation)) error {
	return o.runIdempotent(ctx, op, func(tx store.Tx) error {
		c, err := tx.Conversation(conversationId)
		if err != nil {
			return err
		}
		if !c.HasParticipant(o.userId) {
			return ErrNotParticipant
		}
		apply(&c)
		return tx.PutConversation(c)
	})
}

// MarkRead adds the caller to the read-by set of every message not yet read
// and resets the caller's unread counter, in one transaction: a reader can
// never observe one effect without the other. Marking an already-read
// conversation is a no-op.
func (o *Orchestrator) MarkRead(ctx context.Context, conversationId string) error {
	return o.runIdempotent(ctx, "mark_read", func(tx store.Tx) error {
		c, err := tx.Conversation(conversationId)
		if err != nil {
			return err
		}
		if !c.HasParticipant(o.userId) {
			return ErrNotParticipant
		}

		unread, err := tx.UnreadMessages(conversationId, o.userId)
		if err != nil {
			return err
		}
		if len(unread) == 0 && c.UnreadCount[o.userId] == 0 {
			return nil
		}

		for _, m := range unread {
			m.ReadBy = types.AddToSet(m.ReadBy, o.userId)
			if err := tx.PutMessage(m); err != nil {
				return err
			}
		}

		if c.UnreadCount == nil {
			c.UnreadCount = make(map[string]int)
		}
		c.UnreadCount[o.userId] = 0
		if c.LastRead == nil {
			c.LastRead = make(map[string]time.Time)
		}
		c.LastRead[o.userId] = tx.Now()
		return tx.PutConversation(c)
	})
}

// UploadAttachment stores a media payload and returns the attachment reference
// to pass to Send. Transfer mechanics live behind the store boundary.
func (o *Orchestrator) UploadAttachment(ctx context.Context, conversationId, name string, data []byte, mimeType string) (types.Attachment, error) {
	p := path.Join("chats", conversationId, "media",
		fmt.Sprintf("%s_%d_%s", o.userId, time.Now().UnixMilli(), name))

	tctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ref, err := o.store.UploadBlob(tctx, o.tenant, p, data, mimeType)
	if err != nil {
		return types.Attachment{}, classify("upload", err)
	}
	return types.Attachment{
		Url:      ref.Url,
		Path:     ref.Path,
		Name:     name,
		Size:     int64(len(data)),
		MimeType: mimeType,
	}, nil
}

// runIdempotent executes an idempotent transaction with bounded retry on
// transient failures only.
func (o *Orchestrator) runIdempotent(ctx context.Context, op string, fn func(store.Tx) error) error {
	var err error
	for attempt := 0; attempt <= o.retries; attempt++ {
		tctx, cancel := context.WithTimeout(ctx, o.timeout)
		err = o.store.RunTx(tctx, o.tenant, fn)
		cancel()
		if err == nil {
			return nil
		}
		if !store.IsTransient(err) {
			break
		}
		o.log.Printf("%s attempt %d: %v", op, attempt+1, err)
	}
	o.stats.Incr(stats.MetricMutationFailures)
	return classify(op, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sortRecords(recs []OptimisticRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].QueuedAt.Equal(recs[j].QueuedAt) {
			return recs[i].QueuedAt.Before(recs[j].QueuedAt)
		}
		return recs[i].CorrelationId < recs[j].CorrelationId
	})
}
