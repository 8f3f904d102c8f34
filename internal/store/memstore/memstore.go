// Package memstore is the in-process backend for the store boundary. It backs
// tests and single-node deployments, and is the reference for the semantics
// the Postgres backend must match: serialized all-or-nothing transactions,
// per-conversation monotonic server timestamps and snapshot fan-out on commit.
package memstore

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/types"
)

type MemStore struct {
	log *log.Logger

	mu      sync.Mutex
	tenants map[string]*tenantData

	convWatchers map[int]*convWatcher
	msgWatchers  map[int]*msgWatcher
	presWatchers map[int]*presWatcher
	nextWatchId  int

	failNext error
	closed   bool
}

type tenantData struct {
	convs    map[string]types.Conversation
	msgs     map[string]map[string]types.Message
	lastTs   map[string]time.Time
	presence map[string]presenceEntry
	blobs    map[string]blob
}

type presenceEntry struct {
	rec       types.PresenceRecord
	expiresAt time.Time
}

type blob struct {
	data        []byte
	contentType string
}

type convWatcher struct {
	tenant string
	userId string
	ch     chan []types.Conversation
}

type msgWatcher struct {
	tenant string
	convId string
	limit  int
	ch     chan []types.Message
}

type presWatcher struct {
	tenant string
	ch     chan []types.PresenceRecord
}

func New(logger *log.Logger) *MemStore {
	return &MemStore{
		log:          logger,
		tenants:      make(map[string]*tenantData),
		convWatchers: make(map[int]*convWatcher),
		msgWatchers:  make(map[int]*msgWatcher),
		presWatchers: make(map[int]*presWatcher),
	}
}

func (ms *MemStore) tenant(id string) *tenantData {
	td, ok := ms.tenants[id]
	if !ok {
		td = &tenantData{
			convs:    make(map[string]types.Conversation),
			msgs:     make(map[string]map[string]types.Message),
			lastTs:   make(map[string]time.Time),
			presence: make(map[string]presenceEntry),
			blobs:    make(map[string]blob),
		}
		ms.tenants[id] = td
	}
	return td
}

// FailNextTx makes the next RunTx fail with err before applying any writes.
// Test hook for fault injection.
func (ms *MemStore) FailNextTx(err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failNext = err
}

// DropWatches closes every live watch channel without removing subscriptions
// state, simulating a server-side connection drop. Test hook.
func (ms *MemStore) DropWatches() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for id, w := range ms.convWatchers {
		close(w.ch)
		delete(ms.convWatchers, id)
	}
	for id, w := range ms.msgWatchers {
		close(w.ch)
		delete(ms.msgWatchers, id)
	}
	for id, w := range ms.presWatchers {
		close(w.ch)
		delete(ms.presWatchers, id)
	}
}

func (ms *MemStore) RunTx(ctx context.Context, tenant string, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return store.Transient(err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return store.ErrClosed
	}
	if ms.failNext != nil {
		err := ms.failNext
		ms.failNext = nil
		return err
	}

	td := ms.tenant(tenant)
	tx := &memTx{
		td:     td,
		now:    store.Now(),
		convs:  make(map[string]types.Conversation),
		msgs:   make(map[string]map[string]types.Message),
		lastTs: make(map[string]time.Time),
	}

	if err := fn(tx); err != nil {
		return err
	}

	// Commit: apply every staged write, then fan out fresh snapshots.
	for id, c := range tx.convs {
		td.convs[id] = c
	}
	for convId, staged := range tx.msgs {
		byId, ok := td.msgs[convId]
		if !ok {
			byId = make(map[string]types.Message)
			td.msgs[convId] = byId
		}
		for id, m := range staged {
			byId[id] = m
		}
	}
	for convId, ts := range tx.lastTs {
		if ts.After(td.lastTs[convId]) {
			td.lastTs[convId] = ts
		}
	}

	ms.notifyLocked(tenant, tx)
	return nil
}

func (ms *MemStore) notifyLocked(tenant string, tx *memTx) {
	touchedConvs := make(map[string]struct{})
	for id := range tx.convs {
		touchedConvs[id] = struct{}{}
	}
	for id := range tx.msgs {
		touchedConvs[id] = struct{}{}
	}

	for _, w := range ms.convWatchers {
		if w.tenant != tenant {
			continue
		}
		sendSnapshot(w.ch, ms.conversationsFor(tenant, w.userId))
	}
	for _, w := range ms.msgWatchers {
		if w.tenant != tenant {
			continue
		}
		if _, ok := touchedConvs[w.convId]; !ok {
			continue
		}
		sendSnapshot(w.ch, ms.messagesFor(tenant, w.convId, w.limit))
	}
}

// sendSnapshot delivers the latest snapshot without ever blocking the commit
// path: a slow consumer only ever loses intermediate snapshots, never the
// newest one.
func sendSnapshot[T any](ch chan []T, snap []T) {
	for {
		select {
		case ch <- snap:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (ms *MemStore) conversationsFor(tenant, userId string) []types.Conversation {
	td := ms.tenant(tenant)
	var out []types.Conversation
	for _, c := range td.convs {
		if c.HasParticipant(userId) {
			out = append(out, cloneConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Id < out[j].Id
	})
	return out
}

func (ms *MemStore) messagesFor(tenant, convId string, limit int) []types.Message {
	td := ms.tenant(tenant)
	all := sortedMessages(td.msgs[convId])
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

func sortedMessages(byId map[string]types.Message) []types.Message {
	out := make([]types.Message, 0, len(byId))
	for _, m := range byId {
		out = append(out, cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Id < out[j].Id
	})
	return out
}

func (ms *MemStore) WatchConversations(ctx context.Context, tenant, userId string) (<-chan []types.Conversation, store.DisposeFunc, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, nil, store.ErrClosed
	}

	w := &convWatcher{tenant: tenant, userId: userId, ch: make(chan []types.Conversation, 1)}
	id := ms.nextWatchId
	ms.nextWatchId++
	ms.convWatchers[id] = w

	sendSnapshot(w.ch, ms.conversationsFor(tenant, userId))

	return w.ch, ms.disposer(func() {
		if cur, ok := ms.convWatchers[id]; ok && cur == w {
			delete(ms.convWatchers, id)
			close(w.ch)
		}
	}), nil
}

func (ms *MemStore) WatchMessages(ctx context.Context, tenant, conversationId string, limit int) (<-chan []types.Message, store.DisposeFunc, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, nil, store.ErrClosed
	}

	w := &msgWatcher{tenant: tenant, convId: conversationId, limit: limit, ch: make(chan []types.Message, 1)}
	id := ms.nextWatchId
	ms.nextWatchId++
	ms.msgWatchers[id] = w

	sendSnapshot(w.ch, ms.messagesFor(tenant, conversationId, limit))

	return w.ch, ms.disposer(func() {
		if cur, ok := ms.msgWatchers[id]; ok && cur == w {
			delete(ms.msgWatchers, id)
			close(w.ch)
		}
	}), nil
}

func (ms *MemStore) WatchPresence(ctx context.Context, tenant string) (<-chan []types.PresenceRecord, store.DisposeFunc, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, nil, store.ErrClosed
	}

	w := &presWatcher{tenant: tenant, ch: make(chan []types.PresenceRecord, 1)}
	id := ms.nextWatchId
	ms.nextWatchId++
	ms.presWatchers[id] = w

	sendSnapshot(w.ch, ms.presenceFor(tenant))

	return w.ch, ms.disposer(func() {
		if cur, ok := ms.presWatchers[id]; ok && cur == w {
			delete(ms.presWatchers, id)
			close(w.ch)
		}
	}), nil
}

// disposer wraps a cleanup func so double disposal is a safe no-op.
func (ms *MemStore) disposer(cleanup func()) store.DisposeFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			ms.mu.Lock()
			defer ms.mu.Unlock()
			cleanup()
		})
	}
}

func (ms *MemStore) presenceFor(tenant string) []types.PresenceRecord {
	td := ms.tenant(tenant)
	now := store.Now()
	var out []types.PresenceRecord
	for userId, e := range td.presence {
		if now.After(e.expiresAt) {
			delete(td.presence, userId)
			continue
		}
		out = append(out, e.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out
}

func (ms *MemStore) MessagesBefore(ctx context.Context, tenant, conversationId string, before store.Cursor, limit int) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Transient(err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, store.ErrClosed
	}

	all := sortedMessages(ms.tenant(tenant).msgs[conversationId])
	if !before.CreatedAt.IsZero() {
		cut := len(all)
		for i, m := range all {
			if m.CreatedAt.After(before.CreatedAt) ||
				(m.CreatedAt.Equal(before.CreatedAt) && m.Id >= before.Id) {
				cut = i
				break
			}
		}
		all = all[:cut]
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (ms *MemStore) StarredMessages(ctx context.Context, tenant, conversationId string) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Transient(err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, store.ErrClosed
	}

	var out []types.Message
	for _, m := range sortedMessages(ms.tenant(tenant).msgs[conversationId]) {
		if m.Starred {
			out = append(out, m)
		}
	}
	// newest first, the order the starred panel renders in
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (ms *MemStore) FindDirectConversation(ctx context.Context, tenant, userA, userB string) (types.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return types.Conversation{}, store.Transient(err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return types.Conversation{}, store.ErrClosed
	}

	for _, c := range ms.tenant(tenant).convs {
		if len(c.Participants) == 2 && c.HasParticipant(userA) && c.HasParticipant(userB) {
			return cloneConversation(c), nil
		}
	}
	return types.Conversation{}, store.ErrNotFound
}

func (ms *MemStore) UpsertPresence(ctx context.Context, tenant string, rec types.PresenceRecord, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return store.Transient(err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return store.ErrClosed
	}

	td := ms.tenant(tenant)
	td.presence[rec.UserId] = presenceEntry{rec: rec, expiresAt: store.Now().Add(ttl)}

	for _, w := range ms.presWatchers {
		if w.tenant == tenant {
			sendSnapshot(w.ch, ms.presenceFor(tenant))
		}
	}
	return nil
}

func (ms *MemStore) UploadBlob(ctx context.Context, tenant, path string, data []byte, contentType string) (store.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return store.BlobRef{}, store.Transient(err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return store.BlobRef{}, store.ErrClosed
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	ms.tenant(tenant).blobs[path] = blob{data: buf, contentType: contentType}

	return store.BlobRef{
		Url:  fmt.Sprintf("mem://%s/%s", tenant, path),
		Path: path,
	}, nil
}

func (ms *MemStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil
	}
	ms.closed = true
	for id, w := range ms.convWatchers {
		close(w.ch)
		delete(ms.convWatchers, id)
	}
	for id, w := range ms.msgWatchers {
		close(w.ch)
		delete(ms.msgWatchers, id)
	}
	for id, w := range ms.presWatchers {
		close(w.ch)
		delete(ms.presWatchers, id)
	}
	return nil
}
