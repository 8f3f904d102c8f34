// Package presence publishes the local user's online/typing state on a
// heartbeat and debounce schedule and consumes peers' ephemeral records.
// Everything here is best-effort: writes are fire-and-forget and readers must
// tolerate stale data, which the TTL helpers make explicit.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/types"
)

const (
	DefaultHeartbeat = 30 * time.Second
	// DefaultDebounce is the trailing typing debounce: a burst of keystrokes
	// produces at most one typing=true write and exactly one typing=false
	// write after the window lapses.
	DefaultDebounce = 2 * time.Second
	// DefaultTypingTTL is the consumer-side expiry for typing signals, a bit
	// beyond the debounce window to cover abrupt disconnects.
	DefaultTypingTTL = 5 * time.Second
	// DefaultPresenceTTL bounds how long a record counts as online without a
	// heartbeat refresh.
	DefaultPresenceTTL = 90 * time.Second
)

// Backend stores and watches ephemeral presence records for one tenant.
type Backend interface {
	Upsert(ctx context.Context, rec types.PresenceRecord, ttl time.Duration) error
	Watch(ctx context.Context) (<-chan []types.PresenceRecord, store.DisposeFunc, error)
}

type Coordinator struct {
	log     *log.Logger
	backend Backend
	userId  string

	heartbeat   time.Duration
	debounce    time.Duration
	typingTTL   time.Duration
	presenceTTL time.Duration

	mu          sync.Mutex
	started     bool
	typingIn    string
	typingTimer *time.Timer
	done        chan struct{}
}

type Option func(*Coordinator)

func WithHeartbeat(d time.Duration) Option {
	return func(c *Coordinator) { c.heartbeat = d }
}

func WithDebounce(d time.Duration) Option {
	return func(c *Coordinator) { c.debounce = d }
}

func WithTypingTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.typingTTL = d }
}

func WithPresenceTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.presenceTTL = d }
}

func NewCoordinator(logger *log.Logger, backend Backend, userId string, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:         logger,
		backend:     backend,
		userId:      userId,
		heartbeat:   DefaultHeartbeat,
		debounce:    DefaultDebounce,
		typingTTL:   DefaultTypingTTL,
		presenceTTL: DefaultPresenceTTL,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start writes an online record immediately and begins the heartbeat loop.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.write(ctx, true, "")

	go func() {
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				typingIn := c.typingIn
				c.mu.Unlock()
				c.write(ctx, true, typingIn)
			case <-c.done:
				return
			}
		}
	}()
}

// Stop flips the record offline and halts the heartbeat. Safe to call once
// per Start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingIn = ""
	c.mu.Unlock()

	close(c.done)
	c.write(context.Background(), false, "")
}

// SetTyping records a typing signal for the conversation. Calls with
// isTyping=true are debounced: only the first of a burst writes, later calls
// just push the trailing typing=false write further out. isTyping=false
// cancels the window and writes the clear immediately.
func (c *Coordinator) SetTyping(ctx context.Context, conversationId string, isTyping bool) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}

	if !isTyping {
		if c.typingTimer != nil {
			c.typingTimer.Stop()
			c.typingTimer = nil
		}
		wasTyping := c.typingIn != ""
		c.typingIn = ""
		c.mu.Unlock()
		if wasTyping {
			c.write(ctx, true, "")
		}
		return
	}

	first := c.typingIn != conversationId
	c.typingIn = conversationId
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		if c.typingIn != conversationId {
			c.mu.Unlock()
			return
		}
		c.typingIn = ""
		c.typingTimer = nil
		c.mu.Unlock()
		c.write(context.Background(), true, "")
	})
	c.mu.Unlock()

	if first {
		c.write(ctx, true, conversationId)
	}
}

// Watch yields peers' presence records (the local user filtered out), with
// TTL staleness already applied.
func (c *Coordinator) Watch(ctx context.Context) (<-chan []types.PresenceRecord, store.DisposeFunc, error) {
	raw, dispose, err := c.backend.Watch(ctx)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan []types.PresenceRecord, 1)
	go func() {
		defer close(out)
		for recs := range raw {
			snap := FilterPeers(recs, c.userId, c.presenceTTL, c.typingTTL, time.Now().UTC())
			for {
				select {
				case out <- snap:
				default:
					select {
					case <-out:
					default:
					}
					continue
				}
				break
			}
		}
	}()
	return out, dispose, nil
}

// write is fire-and-forget: presence is best-effort state and a failed
// heartbeat only costs freshness.
func (c *Coordinator) write(ctx context.Context, online bool, typingIn string) {
	now := time.Now().UTC()
	rec := types.PresenceRecord{
		UserId:   c.userId,
		Online:   online,
		LastSeen: now,
	}
	if typingIn != "" {
		rec.TypingIn = typingIn
		rec.TypingAt = now
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.backend.Upsert(wctx, rec, c.presenceTTL); err != nil {
		c.log.Printf("presence upsert: %v", err)
	}
}

// FilterPeers drops the local user, marks TTL-expired records offline and
// clears expired typing signals. Pure; exported for reuse by the gateway.
func FilterPeers(recs []types.PresenceRecord, selfId string, presenceTTL, typingTTL time.Duration, now time.Time) []types.PresenceRecord {
	var out []types.PresenceRecord
	for _, r := range recs {
		if r.UserId == selfId {
			continue
		}
		if r.Stale(now, presenceTTL) {
			r.Online = false
		}
		if r.TypingStale(now, typingTTL) {
			r.TypingIn = ""
			r.TypingAt = time.Time{}
		}
		out = append(out, r)
	}
	return out
}

// TypingUsers returns the ids of users with a live typing signal for the
// conversation.
func TypingUsers(recs []types.PresenceRecord, conversationId string) []string {
	var out []string
	for _, r := range recs {
		if r.TypingIn == conversationId {
			out = append(out, r.UserId)
		}
	}
	return out
}
