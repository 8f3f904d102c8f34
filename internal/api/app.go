// Package api is the HTTP gateway to the sync core: authenticated REST
// endpoints for mutations and history, and a websocket endpoint carrying live
// chat-list, message and presence snapshots for one session.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/handlers"

	"github.com/fitstack/chatsync/internal/config"
	"github.com/fitstack/chatsync/internal/presence"
	"github.com/fitstack/chatsync/internal/session"
	"github.com/fitstack/chatsync/internal/stats"
	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/stream"
	"github.com/fitstack/chatsync/internal/tenant"
)

type ChatSyncApp struct {
	log            *log.Logger
	store          store.Store
	stats          stats.StatsProvider
	resolver       *tenant.Resolver
	mux            *http.Server
	signingKey     []byte
	allowedOrigins []string

	// per-session option sets derived from the daemon config
	streamOpts   []stream.Option
	presenceOpts []presence.Option

	// newPresenceBackend builds the presence backend for a session's tenant;
	// nil means presence lives in the document store.
	newPresenceBackend func(tenant string) presence.Backend

	sessionMu sync.Mutex
	sessions  map[string]*session.Session
}

type AppOption func(*ChatSyncApp)

func WithPresenceBackend(fn func(tenant string) presence.Backend) AppOption {
	return func(a *ChatSyncApp) { a.newPresenceBackend = fn }
}

func NewChatSyncApp(mux *http.ServeMux, logger *log.Logger, st store.Store, sp stats.StatsProvider, resolver *tenant.Resolver, cfg *config.Config, opts ...AppOption) *ChatSyncApp {
	s := &ChatSyncApp{
		log:            logger,
		store:          st,
		stats:          sp,
		resolver:       resolver,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		sessions:       make(map[string]*session.Session),
	}
	if cfg.PageSize > 0 {
		s.streamOpts = append(s.streamOpts, stream.WithPageSize(cfg.PageSize))
	}
	if cfg.TypingDebounce > 0 {
		s.presenceOpts = append(s.presenceOpts, presence.WithDebounce(cfg.TypingDebounce))
	}
	if cfg.PresenceTTL > 0 {
		s.presenceOpts = append(s.presenceOpts, presence.WithPresenceTTL(cfg.PresenceTTL))
	}
	if cfg.Heartbeat > 0 {
		s.presenceOpts = append(s.presenceOpts, presence.WithHeartbeat(cfg.Heartbeat))
	}
	for _, opt := range opts {
		opt(s)
	}

	mux.Handle("POST /api/conversations", s.authMiddleware(s.createConversation))
	mux.Handle("POST /api/conversations/pin", s.authMiddleware(s.pinConversation))
	mux.Handle("POST /api/conversations/archive", s.authMiddleware(s.archiveConversation))
	mux.Handle("POST /api/conversations/hide", s.authMiddleware(s.hideConversation))
	mux.Handle("POST /api/conversations/read", s.authMiddleware(s.markRead))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/messages/starred", s.authMiddleware(s.getStarredMessages))
	mux.Handle("POST /api/messages", s.authMiddleware(s.sendMessage))
	mux.Handle("PUT /api/messages", s.authMiddleware(s.editMessage))
	mux.Handle("DELETE /api/messages", s.authMiddleware(s.deleteMessage))
	mux.Handle("POST /api/messages/retry", s.authMiddleware(s.retryMessage))
	mux.Handle("POST /api/messages/discard", s.authMiddleware(s.discardMessage))
	mux.Handle("POST /api/messages/react", s.authMiddleware(s.reactMessage))
	mux.Handle("POST /api/messages/star", s.authMiddleware(s.starMessage))
	mux.Handle("POST /api/messages/pin", s.authMiddleware(s.pinMessage))
	mux.Handle("POST /api/attachments", s.authMiddleware(s.uploadAttachment))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *ChatSyncApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *ChatSyncApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.sessionMu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session.Session)
	s.sessionMu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}

	return nil
}

func (s *ChatSyncApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func sessionKey(tenant, userId string) string {
	return tenant + "/" + userId
}

// getSession returns the live session for a tenant/user pair, creating it on
// first use. Sessions are shared between the REST handlers and the websocket.
func (s *ChatSyncApp) getSession(tenant, userId string) *session.Session {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	key := sessionKey(tenant, userId)
	if sess, ok := s.sessions[key]; ok {
		return sess
	}

	cfg := session.Config{
		Tenant:       tenant,
		UserId:       userId,
		StreamOpts:   s.streamOpts,
		PresenceOpts: s.presenceOpts,
	}
	if s.newPresenceBackend != nil {
		cfg.PresenceBackend = s.newPresenceBackend(tenant)
	}
	sess := session.New(s.log, s.store, s.stats, cfg)
	s.sessions[key] = sess
	return sess
}

// dropSession closes and forgets a session; called when its websocket
// disconnects.
func (s *ChatSyncApp) dropSession(tenant, userId string) {
	s.sessionMu.Lock()
	sess, ok := s.sessions[sessionKey(tenant, userId)]
	delete(s.sessions, sessionKey(tenant, userId))
	s.sessionMu.Unlock()
	if ok {
		sess.Close()
	}
}
