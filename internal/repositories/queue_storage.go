package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/engine"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/redis/go-redis/v9"
)

var (
	_ engine.QueueStorage = (*SQLiteQueueStorage)(nil)
	_ engine.QueueStorage = (*RedisQueueStorage)(nil)
)

// SQLiteQueueStorage keeps queue documents in a local SQLite file, so queued
// operations survive process restarts.
type SQLiteQueueStorage struct {
	db *sql.DB
}

func NewSQLiteQueueStorage(ctx context.Context, db *sql.DB) (*SQLiteQueueStorage, error) {
	query := `CREATE TABLE IF NOT EXISTS queue_documents (
	              key        TEXT PRIMARY KEY,
	              data       BLOB NOT NULL,
	              updated_at TEXT NOT NULL
	          )`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("failed to create queue_documents: %w", err)
	}
	return &SQLiteQueueStorage{db: db}, nil
}

func (s *SQLiteQueueStorage) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM queue_documents WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue document: %w: %w", models.ErrStorageUnavailable, err)
	}
	return data, nil
}

func (s *SQLiteQueueStorage) Save(ctx context.Context, key string, data []byte) error {
	query := `INSERT INTO queue_documents (key, data, updated_at) VALUES (?, ?, ?)
	          ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, key, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save queue document: %w: %w", models.ErrStorageUnavailable, err)
	}
	return nil
}

// Keys lists the stored document keys.
func (s *SQLiteQueueStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM queue_documents ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue documents: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

const queueKeyPrefix = "ledgersync:queue:"

// RedisQueueStorage keeps queue documents in Redis for deployments without a local disk.
type RedisQueueStorage struct {
	client *redis.Client
}

func NewRedisQueueStorage(client *redis.Client) *RedisQueueStorage {
	return &RedisQueueStorage{client: client}
}

func (s *RedisQueueStorage) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, queueKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue document: %w: %w", models.ErrStorageUnavailable, err)
	}
	return data, nil
}

func (s *RedisQueueStorage) Save(ctx context.Context, key string, data []byte) error {
	// No TTL: queued operations must outlive any outage.
	if err := s.client.Set(ctx, queueKeyPrefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save queue document: %w: %w", models.ErrStorageUnavailable, err)
	}
	return nil
}
