package engine

import (
	"context"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/models"
)

// IdentityProvider supplies the current owner and reports identity changes.
// ok=false means there is no usable identity (logged out or expired).
type IdentityProvider interface {
	Current() (models.Identity, bool)
	Watch(fn func(id models.Identity, ok bool)) (cancel func())
}

// RemoteStore is the managed store that owns the authoritative records.
type RemoteStore interface {
	Insert(ctx context.Context, table string, records ...models.Record) ([]models.Record, error)
	Patch(ctx context.Context, table, ownerID, id string, patch models.Patch) (models.Record, error)
	List(ctx context.Context, table, ownerID string, filter models.Filter, since time.Time) ([]models.Record, error)
	Ping(ctx context.Context) error
}

// ChangeFeed opens live change channels for one owner's table.
type ChangeFeed interface {
	Subscribe(ctx context.Context, ownerID, table string) (FeedChannel, error)
}

type FeedChannel interface {
	Events() <-chan models.ChangeEvent
	Close() error
}

// QueueStorage persists whole documents under a key. Implementations never
// see partial writes: every Save replaces the previous document.
type QueueStorage interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// NetworkMonitor reports network reachability.
type NetworkMonitor interface {
	Online() bool
	Watch(fn func(online bool)) (cancel func())
}
