package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/types"
	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps presence records in TTL'd Redis keys and fans out change
// notifications over pub/sub. Key expiry is the offline path for clients that
// vanish without writing a final record.
type RedisBackend struct {
	log    *log.Logger
	rdb    *redis.Client
	tenant string
	// pollEvery re-reads the key space even without pub/sub traffic, because
	// key expiry emits no message on our channel.
	pollEvery time.Duration
}

func NewRedisBackend(logger *log.Logger, rdb *redis.Client, tenant string) *RedisBackend {
	return &RedisBackend{
		log:       logger,
		rdb:       rdb,
		tenant:    tenant,
		pollEvery: 15 * time.Second,
	}
}

func (b *RedisBackend) key(userId string) string {
	return fmt.Sprintf("chatsync:%s:presence:%s", b.tenant, userId)
}

func (b *RedisBackend) channel() string {
	return fmt.Sprintf("chatsync:%s:presence", b.tenant)
}

func (b *RedisBackend) Upsert(ctx context.Context, rec types.PresenceRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	pipe := b.rdb.Pipeline()
	pipe.Set(ctx, b.key(rec.UserId), payload, ttl)
	pipe.Publish(ctx, b.channel(), rec.UserId)
	if _, err := pipe.Exec(ctx); err != nil {
		return store.Transient(fmt.Errorf("redis presence upsert: %w", err))
	}
	return nil
}

func (b *RedisBackend) Watch(ctx context.Context) (<-chan []types.PresenceRecord, store.DisposeFunc, error) {
	sub := b.rdb.Subscribe(ctx, b.channel())
	// force the subscription now so errors surface here, not on first receive
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, store.Transient(fmt.Errorf("redis subscribe: %w", err))
	}

	out := make(chan []types.PresenceRecord, 1)
	done := make(chan struct{})

	go func() {
		defer close(out)
		ticker := time.NewTicker(b.pollEvery)
		defer ticker.Stop()
		msgs := sub.Channel()

		b.push(ctx, out)
		for {
			select {
			case _, ok := <-msgs:
				if !ok {
					return
				}
				b.push(ctx, out)
			case <-ticker.C:
				b.push(ctx, out)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}
	return out, dispose, nil
}

func (b *RedisBackend) push(ctx context.Context, out chan []types.PresenceRecord) {
	snap, err := b.scan(ctx)
	if err != nil {
		b.log.Printf("presence scan: %v", err)
		return
	}
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

func (b *RedisBackend) scan(ctx context.Context) ([]types.PresenceRecord, error) {
	var recs []types.PresenceRecord
	iter := b.rdb.Scan(ctx, 0, b.key("*"), 100).Iterator()
	for iter.Next(ctx) {
		val, err := b.rdb.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, store.Transient(err)
		}
		var rec types.PresenceRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			b.log.Printf("bad presence record at %s: %v", iter.Val(), err)
			continue
		}
		recs = append(recs, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, store.Transient(err)
	}
	return recs, nil
}
