package repositories

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

const recordColumns = `id, owner_id, COALESCE(client_ref, ''), fields, created_at, updated_at, deleted_at`

// PostgresRecordRepository is the authoritative store for every ledger table.
// All tables share ledger_records; table_name partitions them.
type PostgresRecordRepository struct {
	pool      *pgxpool.Pool
	publisher ChangePublisher
	log       zerolog.Logger
}

// NewPostgresRecordRepository returns a repository that publishes committed
// changes to publisher. A nil publisher disables publishing.
func NewPostgresRecordRepository(pool *pgxpool.Pool, publisher ChangePublisher, log zerolog.Logger) *PostgresRecordRepository {
	return &PostgresRecordRepository{pool: pool, publisher: publisher, log: log}
}

// EnsureSchema creates ledger_records and its indexes if they are missing.
func (r *PostgresRecordRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *PostgresRecordRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w: %w", models.ErrConnectivity, err)
	}
	return nil
}

func scanRecord(row pgx.Row) (models.Record, bool, error) {
	var (
		rec      models.Record
		fields   []byte
		inserted bool
	)
	err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.ClientRef,
		&fields,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.DeletedAt,
		&inserted,
	)
	if err != nil {
		return models.Record{}, false, err
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return models.Record{}, false, fmt.Errorf("failed to decode fields of %s: %w", rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return rec, inserted, nil
}

func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode fields: %w: %w", models.ErrValidation, err)
	}
	return string(data), nil
}

// Insert stores records in one transaction. A record whose ClientRef was
// already stored for the same owner and table returns the stored row instead
// of a duplicate.
func (r *PostgresRecordRepository) Insert(ctx context.Context, table string, records ...models.Record) ([]models.Record, error) {
	query := `INSERT INTO ledger_records (table_name, id, owner_id, client_ref, fields)
	          VALUES ($1, $2, $3, NULLIF($4, ''), $5::jsonb)
	          ON CONFLICT (owner_id, table_name, client_ref) WHERE client_ref IS NOT NULL
	          DO UPDATE SET client_ref = EXCLUDED.client_ref
	          RETURNING ` + recordColumns + `, (xmax = 0) AS inserted`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, classify("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	out := make([]models.Record, 0, len(records))
	var created []models.Record
	for _, rec := range records {
		if rec.OwnerID == "" {
			return nil, fmt.Errorf("%w: record without owner", models.ErrValidation)
		}
		fields, err := encodeFields(rec.Fields)
		if err != nil {
			return nil, err
		}
		stored, inserted, err := scanRecord(tx.QueryRow(ctx, query, table, uuid.NewString(), rec.OwnerID, rec.ClientRef, fields))
		if err != nil {
			return nil, classify("failed to insert record", err)
		}
		out = append(out, stored)
		if inserted {
			created = append(created, stored)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("failed to commit insert", err)
	}

	for _, rec := range created {
		r.publish(ctx, table, models.ChangeInsert, rec)
	}
	return out, nil
}

// Patch merges patch.Fields into the stored fields. A non-nil DeletedAt soft-deletes the record.
func (r *PostgresRecordRepository) Patch(ctx context.Context, table, ownerID, id string, patch models.Patch) (models.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Record{}, fmt.Errorf("invalid record id %q: %w", id, ErrNotFound)
	}
	fields, err := encodeFields(patch.Fields)
	if err != nil {
		return models.Record{}, err
	}

	query := `UPDATE ledger_records
	          SET fields = fields || $4::jsonb,
	              deleted_at = COALESCE($5::timestamptz, deleted_at),
	              updated_at = clock_timestamp()
	          WHERE table_name = $1 AND id = $2 AND owner_id = $3 AND deleted_at IS NULL
	          RETURNING ` + recordColumns + `, false`

	rec, _, err := scanRecord(r.pool.QueryRow(ctx, query, table, id, ownerID, fields, patch.DeletedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Record{}, r.explainMissing(ctx, table, ownerID, id)
	}
	if err != nil {
		return models.Record{}, classify("failed to patch record", err)
	}

	kind := models.ChangeUpdate
	if rec.IsDeleted() {
		kind = models.ChangeDelete
	}
	r.publish(ctx, table, kind, rec)
	return rec, nil
}

// explainMissing tells apart a record that does not exist, is deleted, or belongs to someone else.
func (r *PostgresRecordRepository) explainMissing(ctx context.Context, table, ownerID, id string) error {
	var (
		owner   string
		deleted bool
	)
	err := r.pool.QueryRow(ctx,
		`SELECT owner_id, deleted_at IS NOT NULL FROM ledger_records WHERE table_name = $1 AND id = $2`,
		table, id,
	).Scan(&owner, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return classify("failed to look up record", err)
	}
	if owner != ownerID {
		return fmt.Errorf("record %s: %w", id, ErrOwnerMismatch)
	}
	if deleted {
		return fmt.Errorf("record %s was deleted: %w", id, ErrNotFound)
	}
	return fmt.Errorf("record %s: %w", id, ErrNotFound)
}

// List returns the owner's records of table changed at or after since, oldest
// first. Soft-deleted records are included so callers learn about deletions.
func (r *PostgresRecordRepository) List(ctx context.Context, table, ownerID string, filter models.Filter, since time.Time) ([]models.Record, error) {
	contains, err := encodeFields(filter.Fields())
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + recordColumns + `, false
	          FROM ledger_records
	          WHERE table_name = $1 AND owner_id = $2 AND fields @> $3::jsonb AND updated_at >= $4
	          ORDER BY updated_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, table, ownerID, contains, since)
	if err != nil {
		return nil, classify("failed to query records", err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, classify("failed to scan record", err)
		}
		// id and owner_id conditions are checked here, not in SQL.
		if filter.Matches(rec) {
			records = append(records, rec)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, classify("error iterating records", err)
	}
	return records, nil
}

func (r *PostgresRecordRepository) publish(ctx context.Context, table string, kind models.ChangeKind, rec models.Record) {
	if r.publisher == nil {
		return
	}
	ev := models.ChangeEvent{Kind: kind, Table: table, Record: rec, Timestamp: rec.UpdatedAt}
	if err := r.publisher.Publish(ctx, rec.OwnerID, ev); err != nil {
		// Subscribers recover through their catch-up read.
		r.log.Warn().Err(err).Str("table", table).Str("id", rec.ID).Msg("failed to publish change")
	}
}
