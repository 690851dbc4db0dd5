package repositories

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// getTestPool connects to TEST_DATABASE_URL and skips the test when it is unset.
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(pool.Close)
	return pool
}

// getTestRedisClient connects to TEST_REDIS_URL and skips the test when it is unset.
func getTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(context.Background()).Err(), "Failed to connect to test Redis")
	t.Cleanup(func() { client.Close() })
	return client
}

// getTestRecordRepo returns a repository with the schema applied and a
// unique table name, so tests never see each other's rows.
func getTestRecordRepo(t *testing.T, publisher ChangePublisher) (*PostgresRecordRepository, string) {
	t.Helper()
	pool := getTestPool(t)
	repo := NewPostgresRecordRepository(pool, publisher, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx))

	table := "test_" + time.Now().Format("150405.000000000")
	t.Cleanup(func() {
		if _, err := pool.Exec(context.Background(), `DELETE FROM ledger_records WHERE table_name = $1`, table); err != nil {
			t.Logf("Warning: failed to cleanup test records: %v", err)
		}
	})
	return repo, table
}

// recordingPublisher remembers every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ownerID string, ev models.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Events() []models.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ChangeEvent(nil), p.events...)
}
