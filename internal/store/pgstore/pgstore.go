// Package pgstore implements the store boundary on Postgres. Documents are
// JSONB rows with extracted ordering columns; live watches ride on
// LISTEN/NOTIFY with a poll ticker as the fallback for dropped notifications
// and presence expiry, which emits no event of its own.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/types"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	notifyChannel = "chatsync_changes"
	pollEvery     = 30 * time.Second
)

// event is the NOTIFY payload emitted at commit time.
type event struct {
	Tenant        string   `json:"tenant"`
	Conversations []string `json:"conversations,omitempty"`
	Presence      bool     `json:"presence,omitempty"`
}

type watchKind int

const (
	watchConversations watchKind = iota
	watchMessages
	watchPresence
)

type watcher struct {
	kind           watchKind
	tenant         string
	conversationId string
	wake           chan struct{}
}

type PgStore struct {
	log      *log.Logger
	db       *sql.DB
	listener *pq.Listener
	done     chan struct{}

	mu       sync.Mutex
	watchers map[int]*watcher
	nextId   int
	closed   bool
}

func New(logger *log.Logger, dsn string) (*PgStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Printf("pgstore listener event %d: %v", ev, err)
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		db.Close()
		return nil, fmt.Errorf("listen on %s: %w", notifyChannel, err)
	}

	s := &PgStore{
		log:      logger,
		db:       db,
		listener: listener,
		done:     make(chan struct{}),
		watchers: make(map[int]*watcher),
	}
	go s.dispatch()
	return s, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// dispatch fans incoming notifications out to registered watchers. The ticker
// wakes everyone periodically: a reconnecting listener can miss events, and
// presence rows expire silently.
func (s *PgStore) dispatch() {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case n := <-s.listener.Notify:
			if n == nil {
				// connection re-established; state may have moved underneath us
				s.wakeAll()
				continue
			}
			var ev event
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				s.log.Printf("pgstore: bad notify payload: %v", err)
				continue
			}
			s.wakeMatching(ev)
		case <-ticker.C:
			s.wakeAll()
		case <-s.done:
			return
		}
	}
}

func (s *PgStore) wakeMatching(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		if w.tenant != ev.Tenant {
			continue
		}
		switch w.kind {
		case watchConversations:
			if len(ev.Conversations) > 0 {
				wake(w.wake)
			}
		case watchMessages:
			for _, id := range ev.Conversations {
				if id == w.conversationId {
					wake(w.wake)
					break
				}
			}
		case watchPresence:
			if ev.Presence {
				wake(w.wake)
			}
		}
	}
}

func (s *PgStore) wakeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		wake(w.wake)
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *PgStore) register(w *watcher) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	s.nextId++
	id := s.nextId
	s.watchers[id] = w
	return id, nil
}

func (s *PgStore) unregister(id int) {
	s.mu.Lock()
	delete(s.watchers, id)
	s.mu.Unlock()
}

// RunTx wraps fn in a single database transaction. The change notification is
// issued with pg_notify inside the same transaction, so watchers observe
// commits atomically or not at all.
func (s *PgStore) RunTx(ctx context.Context, tenant string, fn func(store.Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Transient(fmt.Errorf("begin tx: %w", err))
	}

	tx := &pgTx{
		ctx:     ctx,
		tx:      dbTx,
		tenant:  tenant,
		now:     store.Now(),
		touched: make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		dbTx.Rollback()
		return err
	}

	if len(tx.touched) > 0 {
		ev := event{Tenant: tenant}
		for id := range tx.touched {
			ev.Conversations = append(ev.Conversations, id)
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			dbTx.Rollback()
			return fmt.Errorf("marshal notify payload: %w", err)
		}
		if _, err := dbTx.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
			dbTx.Rollback()
			return store.Transient(fmt.Errorf("notify: %w", err))
		}
	}

	if err := dbTx.Commit(); err != nil {
		return store.Transient(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func (s *PgStore) WatchConversations(ctx context.Context, tenant, userId string) (<-chan []types.Conversation, store.DisposeFunc, error) {
	w := &watcher{kind: watchConversations, tenant: tenant, wake: make(chan struct{}, 1)}
	query := func(ctx context.Context) ([]types.Conversation, error) {
		return s.conversationsFor(ctx, tenant, userId)
	}
	return watchLoop(ctx, s, w, query)
}

func (s *PgStore) WatchMessages(ctx context.Context, tenant, conversationId string, limit int) (<-chan []types.Message, store.DisposeFunc, error) {
	w := &watcher{kind: watchMessages, tenant: tenant, conversationId: conversationId, wake: make(chan struct{}, 1)}
	query := func(ctx context.Context) ([]types.Message, error) {
		return s.messagesFor(ctx, tenant, conversationId, limit)
	}
	return watchLoop(ctx, s, w, query)
}

func (s *PgStore) WatchPresence(ctx context.Context, tenant string) (<-chan []types.PresenceRecord, store.DisposeFunc, error) {
	w := &watcher{kind: watchPresence, tenant: tenant, wake: make(chan struct{}, 1)}
	query := func(ctx context.Context) ([]types.PresenceRecord, error) {
		return s.presenceFor(ctx, tenant)
	}
	return watchLoop(ctx, s, w, query)
}

// watchLoop registers a watcher, emits the initial snapshot and requeries on
// every wake-up. Snapshot sends coalesce: a slow consumer sees the newest
// state, not every intermediate one.
func watchLoop[T any](ctx context.Context, s *PgStore, w *watcher, query func(context.Context) ([]T, error)) (<-chan []T, store.DisposeFunc, error) {
	id, err := s.register(w)
	if err != nil {
		return nil, nil, err
	}

	initial, err := query(ctx)
	if err != nil {
		s.unregister(id)
		return nil, nil, err
	}

	out := make(chan []T, 1)
	out <- initial
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-w.wake:
				snap, err := query(ctx)
				if err != nil {
					s.log.Printf("pgstore: watch query: %v", err)
					continue
				}
				sendSnapshot(out, snap)
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			s.unregister(id)
			close(done)
		})
	}
	return out, dispose, nil
}

func sendSnapshot[T any](ch chan []T, snap []T) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (s *PgStore) conversationsFor(ctx context.Context, tenant, userId string) ([]types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM conversations
		 WHERE tenant = $1 AND doc->'participants' ? $2
		 ORDER BY updated_at DESC, id ASC`,
		tenant, userId,
	)
	if err != nil {
		return nil, store.Transient(fmt.Errorf("query conversations: %w", err))
	}
	defer rows.Close()

	var out []types.Conversation
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		var c types.Conversation
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// messagesFor returns the newest limit messages in ascending order.
func (s *PgStore) messagesFor(ctx context.Context, tenant, conversationId string, limit int) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM messages
		 WHERE tenant = $1 AND conversation_id = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		tenant, conversationId, limit,
	)
	if err != nil {
		return nil, store.Transient(fmt.Errorf("query messages: %w", err))
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (s *PgStore) MessagesBefore(ctx context.Context, tenant, conversationId string, before store.Cursor, limit int) ([]types.Message, error) {
	if before.Id == "" && before.CreatedAt.IsZero() {
		return s.messagesFor(ctx, tenant, conversationId, limit)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM messages
		 WHERE tenant = $1 AND conversation_id = $2
		   AND (created_at, id) < ($3, $4)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $5`,
		tenant, conversationId, before.CreatedAt, before.Id, limit,
	)
	if err != nil {
		return nil, store.Transient(fmt.Errorf("query messages before cursor: %w", err))
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (s *PgStore) StarredMessages(ctx context.Context, tenant, conversationId string) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM messages
		 WHERE tenant = $1 AND conversation_id = $2
		   AND (doc->>'starred')::boolean IS TRUE
		 ORDER BY created_at DESC, id DESC`,
		tenant, conversationId,
	)
	if err != nil {
		return nil, store.Transient(fmt.Errorf("query starred messages: %w", err))
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PgStore) FindDirectConversation(ctx context.Context, tenant, userA, userB string) (types.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM conversations
		 WHERE tenant = $1
		   AND doc->'participants' ? $2
		   AND doc->'participants' ? $3
		   AND jsonb_array_length(doc->'participants') = 2
		 LIMIT 1`,
		tenant, userA, userB,
	)

	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Conversation{}, store.ErrNotFound
		}
		return types.Conversation{}, store.Transient(fmt.Errorf("query direct conversation: %w", err))
	}
	var c types.Conversation
	if err := json.Unmarshal(doc, &c); err != nil {
		return types.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return c, nil
}

func (s *PgStore) UpsertPresence(ctx context.Context, tenant string, rec types.PresenceRecord, ttl time.Duration) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}

	payload, err := json.Marshal(event{Tenant: tenant, Presence: true})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO presence (tenant, user_id, doc, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant, user_id)
		 DO UPDATE SET doc = EXCLUDED.doc, expires_at = EXCLUDED.expires_at;
		 `,
		tenant, rec.UserId, doc, store.Now().Add(ttl),
	)
	if err != nil {
		return store.Transient(fmt.Errorf("upsert presence: %w", err))
	}
	if _, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
		return store.Transient(fmt.Errorf("notify presence: %w", err))
	}
	return nil
}

func (s *PgStore) presenceFor(ctx context.Context, tenant string) ([]types.PresenceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM presence WHERE tenant = $1 AND expires_at > $2`,
		tenant, store.Now(),
	)
	if err != nil {
		return nil, store.Transient(fmt.Errorf("query presence: %w", err))
	}
	defer rows.Close()

	var out []types.PresenceRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		var rec types.PresenceRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("decode presence: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PgStore) UploadBlob(ctx context.Context, tenant, path string, data []byte, contentType string) (store.BlobRef, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (tenant, path, content_type, data, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant, path)
		 DO UPDATE SET content_type = EXCLUDED.content_type, data = EXCLUDED.data`,
		tenant, path, contentType, data, store.Now(),
	)
	if err != nil {
		return store.BlobRef{}, store.Transient(fmt.Errorf("upload blob: %w", err))
	}
	return store.BlobRef{
		Url:  fmt.Sprintf("blob://%s/%s", tenant, path),
		Path: path,
	}, nil
}

func (s *PgStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.listener.Close()
	return s.db.Close()
}

func scanMessages(rows *sql.Rows) ([]types.Message, error) {
	var out []types.Message
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m types.Message
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func reverse(msgs []types.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
