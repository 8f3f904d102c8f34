// Package stream maintains the live, paginated message view for one open
// conversation: a bounded live tail from the store, backward pages over
// history, and reconciliation of optimistic sends against their server echoes.
package stream

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/fitstack/chatsync/internal/mutate"
	"github.com/fitstack/chatsync/internal/stats"
	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/types"
)

type State int

const (
	StateClosed State = iota
	StateSubscribing
	StateLive
)

var (
	// ErrNotLive: LoadOlder is only valid once the live subscription is
	// established.
	ErrNotLive = errors.New("stream: not live")
	// ErrAlreadyOpen: a stream is bound to exactly one open/close cycle.
	ErrAlreadyOpen = errors.New("stream: already open")
)

const (
	DefaultPageSize         = 50
	defaultResubscribeDelay = 500 * time.Millisecond
)

// PendingSource is the read-only view the stream has of the orchestrator's
// optimistic write set. The stream never mutates records, it only reads them
// and reports observed echoes.
type PendingSource interface {
	Pending(conversationId string) []mutate.OptimisticRecord
	Resolve(correlationId string)
}

// Entry is one rendered position in the message sequence: either an
// authoritative server message or a not-yet-confirmed optimistic send.
type Entry struct {
	Message       types.Message
	Pending       bool
	Failed        bool
	CorrelationId string
}

// Snapshot is the immutable view handed to consumers. Stale is set when the
// live subscription dropped and the entries are last-known-good.
type Snapshot struct {
	Entries []Entry
	HasMore bool
	Stale   bool
}

type Stream struct {
	log      *log.Logger
	store    store.Store
	pending  PendingSource
	stats    stats.StatsProvider
	tenant   string
	pageSize int
	redelay  time.Duration

	mu      sync.Mutex
	state   State
	convId  string
	byId    map[string]types.Message
	hasMore bool
	stale   bool
	out     chan Snapshot
	dispose store.DisposeFunc
	done    chan struct{}
	closeMu sync.Once
}

type Option func(*Stream)

func WithPageSize(n int) Option {
	return func(s *Stream) { s.pageSize = n }
}

func WithResubscribeDelay(d time.Duration) Option {
	return func(s *Stream) { s.redelay = d }
}

func New(logger *log.Logger, st store.Store, pending PendingSource, sp stats.StatsProvider, tenant string, opts ...Option) *Stream {
	s := &Stream{
		log:      logger,
		store:    st,
		pending:  pending,
		stats:    sp,
		tenant:   tenant,
		pageSize: DefaultPageSize,
		redelay:  defaultResubscribeDelay,
		byId:     make(map[string]types.Message),
		out:      make(chan Snapshot, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open establishes the live subscription bounded to the most recent page of
// messages and returns the snapshot channel. The channel carries the latest
// snapshot only; a slow consumer skips intermediate states, never the newest.
func (s *Stream) Open(ctx context.Context, conversationId string) (<-chan Snapshot, error) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return nil, ErrAlreadyOpen
	}
	s.state = StateSubscribing
	s.convId = conversationId
	s.mu.Unlock()

	ch, dispose, err := s.store.WatchMessages(ctx, s.tenant, conversationId, s.pageSize)
	if err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.dispose = dispose
	s.mu.Unlock()
	s.stats.Incr(stats.MetricActiveSubscriptions)

	go s.run(ctx, ch)
	return s.out, nil
}

// Close tears down the live subscription and discards in-memory state. Safe to
// call more than once.
func (s *Stream) Close() {
	s.closeMu.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		dispose := s.dispose
		s.byId = make(map[string]types.Message)
		s.mu.Unlock()

		close(s.done)
		if dispose != nil {
			dispose()
			s.stats.Decr(stats.MetricActiveSubscriptions)
		}
	})
}

func (s *Stream) run(ctx context.Context, ch <-chan []types.Message) {
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				next := s.handleDrop(ctx)
				if next == nil {
					return
				}
				ch = next
				continue
			}
			s.ingest(snap)
			s.emit()
		case <-s.done:
			return
		}
	}
}

// handleDrop marks the view stale without discarding it, then resubscribes
// with a fixed delay until it succeeds or the stream is closed.
func (s *Stream) handleDrop(ctx context.Context) <-chan []types.Message {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.stale = true
	convId := s.convId
	s.mu.Unlock()
	s.emit()

	for {
		select {
		case <-s.done:
			return nil
		case <-time.After(s.redelay):
		}

		ch, dispose, err := s.store.WatchMessages(ctx, s.tenant, convId, s.pageSize)
		if err != nil {
			s.log.Printf("resubscribe %s: %v", convId, err)
			continue
		}

		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			dispose()
			return nil
		}
		s.dispose = dispose
		s.mu.Unlock()
		return ch
	}
}

// ingest merges a live snapshot into the held set. Messages are never removed,
// only upserted: deletes arrive as tombstoned documents, so ordering stays
// stable for anything already on screen.
func (s *Stream) ingest(msgs []types.Message) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.state == StateSubscribing {
		s.state = StateLive
		s.hasMore = len(msgs) == s.pageSize
	}
	s.stale = false
	for _, m := range msgs {
		s.byId[m.Id] = m
	}
	s.mu.Unlock()

	// Report echoes outside the lock; Resolve is idempotent.
	for _, m := range msgs {
		if m.CorrelationId != "" {
			s.pending.Resolve(m.CorrelationId)
		}
	}
}

// LoadOlder fetches one page of history anchored before the oldest held
// message and prepends it. Only valid in the Live state.
func (s *Stream) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateLive {
		s.mu.Unlock()
		return ErrNotLive
	}
	convId := s.convId
	oldest, ok := s.oldestLocked()
	s.mu.Unlock()

	if !ok {
		return nil
	}

	page, err := s.store.MessagesBefore(ctx, s.tenant, convId, store.CursorFor(oldest), s.pageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, m := range page {
		if _, dup := s.byId[m.Id]; !dup {
			s.byId[m.Id] = m
		}
	}
	s.hasMore = len(page) == s.pageSize
	s.mu.Unlock()

	s.emit()
	return nil
}

func (s *Stream) oldestLocked() (types.Message, bool) {
	var oldest types.Message
	found := false
	for _, m := range s.byId {
		if !found || m.CreatedAt.Before(oldest.CreatedAt) ||
			(m.CreatedAt.Equal(oldest.CreatedAt) && m.Id < oldest.Id) {
			oldest = m
			found = true
		}
	}
	return oldest, found
}

// Snapshot builds the current merged view on demand.
func (s *Stream) Snapshot() Snapshot {
	return s.buildSnapshot()
}

func (s *Stream) emit() {
	snap := s.buildSnapshot()
	for {
		select {
		case s.out <- snap:
			return
		default:
			select {
			case <-s.out:
			default:
			}
		}
	}
}

// buildSnapshot merges server messages (ordered by their server-assigned
// timestamps) with the outstanding optimistic records, which trail the
// confirmed sequence in local submission order.
func (s *Stream) buildSnapshot() Snapshot {
	s.mu.Lock()
	msgs := make([]types.Message, 0, len(s.byId))
	for _, m := range s.byId {
		msgs = append(msgs, m)
	}
	convId := s.convId
	hasMore := s.hasMore
	stale := s.stale
	s.mu.Unlock()

	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Id < msgs[j].Id
	})

	entries := make([]Entry, 0, len(msgs))
	confirmed := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.CorrelationId != "" {
			confirmed[m.CorrelationId] = struct{}{}
		}
		entries = append(entries, Entry{Message: m})
	}

	for _, rec := range s.pending.Pending(convId) {
		if _, ok := confirmed[rec.CorrelationId]; ok {
			// Echo already visible; the record is on its way out.
			continue
		}
		entries = append(entries, Entry{
			Message:       rec.Message,
			Pending:       rec.Status != mutate.StatusFailed,
			Failed:        rec.Status == mutate.StatusFailed,
			CorrelationId: rec.CorrelationId,
		})
	}

	return Snapshot{Entries: entries, HasMore: hasMore, Stale: stale}
}
