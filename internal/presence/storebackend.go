package presence

import (
	"context"
	"time"

	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/types"
)

// StoreBackend keeps presence in the document store itself. Used where no
// Redis is deployed and by tests.
type StoreBackend struct {
	store  store.Store
	tenant string
}

func NewStoreBackend(st store.Store, tenant string) *StoreBackend {
	return &StoreBackend{store: st, tenant: tenant}
}

func (b *StoreBackend) Upsert(ctx context.Context, rec types.PresenceRecord, ttl time.Duration) error {
	return b.store.UpsertPresence(ctx, b.tenant, rec, ttl)
}

func (b *StoreBackend) Watch(ctx context.Context) (<-chan []types.PresenceRecord, store.DisposeFunc, error) {
	return b.store.WatchPresence(ctx, b.tenant)
}
