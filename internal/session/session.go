// Package session owns everything scoped to one authenticated user: the
// presence coordinator, the mutation orchestrator, the chat-list subscription
// and the open conversation streams. There are no ambient singletons; a
// caller constructs a session per signed-in user and disposes it on sign-out.
package session

import (
	"context"
	"log"
	"sync"

	"github.com/fitstack/chatsync/internal/chatlist"
	"github.com/fitstack/chatsync/internal/mutate"
	"github.com/fitstack/chatsync/internal/presence"
	"github.com/fitstack/chatsync/internal/stats"
	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/stream"
	"github.com/fitstack/chatsync/internal/types"
)

type Session struct {
	Tenant string
	UserId string

	log   *log.Logger
	store store.Store
	stats stats.StatsProvider

	presence  *presence.Coordinator
	mutations *mutate.Orchestrator
	chatList  *chatlist.Synchronizer

	streamOpts []stream.Option

	mu      sync.Mutex
	streams map[string]*stream.Stream
	closed  bool
}

type Config struct {
	Tenant          string
	UserId          string
	PresenceBackend presence.Backend
	PresenceOpts    []presence.Option
	MutateOpts      []mutate.Option
	StreamOpts      []stream.Option
	ChatListOpts    []chatlist.Option
}

func New(logger *log.Logger, st store.Store, sp stats.StatsProvider, cfg Config) *Session {
	s := &Session{
		Tenant:     cfg.Tenant,
		UserId:     cfg.UserId,
		log:        logger,
		store:      st,
		stats:      sp,
		streamOpts: cfg.StreamOpts,
		streams:    make(map[string]*stream.Stream),
	}
	backend := cfg.PresenceBackend
	if backend == nil {
		backend = presence.NewStoreBackend(st, cfg.Tenant)
	}
	s.presence = presence.NewCoordinator(logger, backend, cfg.UserId, cfg.PresenceOpts...)
	s.mutations = mutate.NewOrchestrator(logger, st, sp, cfg.Tenant, cfg.UserId, cfg.MutateOpts...)
	s.chatList = chatlist.New(logger, st, sp, cfg.Tenant, cfg.UserId, cfg.ChatListOpts...)
	sp.Incr(stats.MetricSessions)
	return s
}

// Start begins publishing presence heartbeats.
func (s *Session) Start(ctx context.Context) {
	s.presence.Start(ctx)
}

// Mutations exposes the orchestrator for state-changing operations.
func (s *Session) Mutations() *mutate.Orchestrator {
	return s.mutations
}

// ChatList subscribes to the live ordered conversation list.
func (s *Session) ChatList(ctx context.Context) (<-chan chatlist.Snapshot, error) {
	return s.chatList.Subscribe(ctx)
}

// OpenConversation opens the live message stream for one conversation. The
// same conversation opened twice returns the existing stream.
func (s *Session) OpenConversation(ctx context.Context, conversationId string) (*stream.Stream, <-chan stream.Snapshot, error) {
	s.mu.Lock()
	if st, ok := s.streams[conversationId]; ok {
		s.mu.Unlock()
		return st, nil, stream.ErrAlreadyOpen
	}
	st := stream.New(s.log, s.store, s.mutations, s.stats, s.Tenant, s.streamOpts...)
	s.streams[conversationId] = st
	s.mu.Unlock()

	ch, err := st.Open(ctx, conversationId)
	if err != nil {
		s.mu.Lock()
		delete(s.streams, conversationId)
		s.mu.Unlock()
		return nil, nil, err
	}
	return st, ch, nil
}

// Stream returns the open stream for a conversation, if any.
func (s *Session) Stream(conversationId string) (*stream.Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[conversationId]
	return st, ok
}

// CloseConversation disposes the stream for a conversation. No-op when it is
// not open.
func (s *Session) CloseConversation(conversationId string) {
	s.mu.Lock()
	st, ok := s.streams[conversationId]
	delete(s.streams, conversationId)
	s.mu.Unlock()
	if ok {
		st.Close()
	}
}

// SetTyping forwards a typing signal through the debounced coordinator.
func (s *Session) SetTyping(ctx context.Context, conversationId string, isTyping bool) {
	s.presence.SetTyping(ctx, conversationId, isTyping)
}

// Presence yields peers' presence with staleness applied.
func (s *Session) Presence(ctx context.Context) (<-chan []types.PresenceRecord, store.DisposeFunc, error) {
	return s.presence.Watch(ctx)
}

// Starred returns the starred messages of a conversation, newest first.
func (s *Session) Starred(ctx context.Context, conversationId string) ([]types.Message, error) {
	return s.store.StarredMessages(ctx, s.Tenant, conversationId)
}

// Close disposes every subscription owned by the session and flips presence
// offline. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := s.streams
	s.streams = make(map[string]*stream.Stream)
	s.mu.Unlock()

	for _, st := range streams {
		st.Close()
	}
	s.chatList.Close()
	s.presence.Stop()
	s.mutations.Close()
	s.stats.Decr(stats.MetricSessions)
}
