package repositories

import (
	"context"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/models"
)

type RecordRepository interface {
	Insert(ctx context.Context, table string, records ...models.Record) ([]models.Record, error)
	Patch(ctx context.Context, table, ownerID, id string, patch models.Patch) (models.Record, error)
	List(ctx context.Context, table, ownerID string, filter models.Filter, since time.Time) ([]models.Record, error)
	Ping(ctx context.Context) error
}

// ChangePublisher fans a committed change out to live subscribers.
type ChangePublisher interface {
	Publish(ctx context.Context, ownerID string, ev models.ChangeEvent) error
}
