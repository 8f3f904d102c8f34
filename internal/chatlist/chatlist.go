// Package chatlist maintains the live ordered view of every conversation the
// user participates in, partitioned into active and archived, with the unread
// aggregate recomputed on every change.
package chatlist

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/fitstack/chatsync/internal/stats"
	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/types"
)

const defaultResubscribeDelay = 500 * time.Millisecond

// Snapshot is the derived view over the user's conversation set. Stale means
// the subscription dropped and the contents are last-known-good; the list is
// never blanked on reconnect.
type Snapshot struct {
	All         []types.Conversation
	Active      []types.Conversation
	Archived    []types.Conversation
	TotalUnread int
	Stale       bool
}

type Synchronizer struct {
	log     *log.Logger
	store   store.Store
	stats   stats.StatsProvider
	tenant  string
	userId  string
	redelay time.Duration

	mu      sync.Mutex
	started bool
	closed  bool
	last    []types.Conversation
	stale   bool
	out     chan Snapshot
	dispose store.DisposeFunc
	done    chan struct{}
	closeMu sync.Once
}

type Option func(*Synchronizer)

func WithResubscribeDelay(d time.Duration) Option {
	return func(s *Synchronizer) { s.redelay = d }
}

func New(logger *log.Logger, st store.Store, sp stats.StatsProvider, tenant, userId string, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		log:     logger,
		store:   st,
		stats:   sp,
		tenant:  tenant,
		userId:  userId,
		redelay: defaultResubscribeDelay,
		out:     make(chan Snapshot, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe starts the live subscription and returns the snapshot channel.
// The channel always carries the most recent snapshot; intermediate ones are
// coalesced away for slow consumers.
func (s *Synchronizer) Subscribe(ctx context.Context) (<-chan Snapshot, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return s.out, nil
	}
	s.started = true
	s.mu.Unlock()

	ch, dispose, err := s.store.WatchConversations(ctx, s.tenant, s.userId)
	if err != nil {
		s.mu.Lock()
		s.started = false
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

// Close releases the subscription. Safe to call more than once.
func (s *Synchronizer) Close() {
	s.closeMu.Do(func() {
		s.mu.Lock()
		s.closed = true
		dispose := s.dispose
		s.mu.Unlock()

		close(s.done)
		if dispose != nil {
			dispose()
			s.stats.Decr(stats.MetricActiveSubscriptions)
		}
	})
}

func (s *Synchronizer) run(ctx context.Context, ch <-chan []types.Conversation) {
	for {
		select {
		case convs, ok := <-ch:
			if !ok {
				next := s.handleDrop(ctx)
				if next == nil {
					return
				}
				ch = next
				continue
			}
			s.mu.Lock()
			s.last = convs
			s.stale = false
			s.mu.Unlock()
			s.emit()
		case <-s.done:
			return
		}
	}
}

func (s *Synchronizer) handleDrop(ctx context.Context) <-chan []types.Conversation {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
	s.emit()

	for {
		select {
		case <-s.done:
			return nil
		case <-time.After(s.redelay):
		}

		ch, dispose, err := s.store.WatchConversations(ctx, s.tenant, s.userId)
		if err != nil {
			s.log.Printf("resubscribe conversations: %v", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			dispose()
			return nil
		}
		s.dispose = dispose
		s.mu.Unlock()
		return ch
	}
}

// Snapshot builds the current derived view on demand.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	convs := append([]types.Conversation(nil), s.last...)
	stale := s.stale
	s.mu.Unlock()
	return buildSnapshot(convs, s.userId, stale)
}

func (s *Synchronizer) emit() {
	snap := s.Snapshot()
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

// buildSnapshot applies the total order (pinned by this user first, then last
// message time descending, id as deterministic tiebreak), drops locally hidden
// conversations and partitions by this user's archived membership.
func buildSnapshot(convs []types.Conversation, userId string, stale bool) Snapshot {
	visible := convs[:0]
	for _, c := range convs {
		if !types.Contains(c.HiddenBy, userId) {
			visible = append(visible, c)
		}
	}

	sort.SliceStable(visible, func(i, j int) bool {
		pi := types.Contains(visible[i].PinnedBy, userId)
		pj := types.Contains(visible[j].PinnedBy, userId)
		if pi != pj {
			return pi
		}
		ti, tj := lastActivity(visible[i]), lastActivity(visible[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return visible[i].Id < visible[j].Id
	})

	snap := Snapshot{All: visible, Stale: stale}
	for _, c := range visible {
		snap.TotalUnread += c.UnreadCount[userId]
		if types.Contains(c.ArchivedBy, userId) {
			snap.Archived = append(snap.Archived, c)
		} else {
			snap.Active = append(snap.Active, c)
		}
	}
	return snap
}

func lastActivity(c types.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.SentAt
	}
	return c.CreatedAt
}
