package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRecordRepository_Insert tests that inserted records get an id and server timestamps
func TestRecordRepository_Insert(t *testing.T) {
	// ARRANGE
	publisher := &recordingPublisher{}
	repo, table := getTestRecordRepo(t, publisher)
	ctx := context.Background()

	// ACT
	out, err := repo.Insert(ctx, table, models.Record{
		OwnerID:   "owner-1",
		ClientRef: "tmp_1",
		Fields:    map[string]any{"name": "Acme", "balance": 12.5},
	})

	// ASSERT
	require.NoError(t, err)
	require.Len(t, out, 1)
	_, err = uuid.Parse(out[0].ID)
	assert.NoError(t, err, "ID should be a UUID")
	assert.Equal(t, "tmp_1", out[0].ClientRef)
	assert.Equal(t, "Acme", out[0].Fields["name"])
	assert.False(t, out[0].CreatedAt.IsZero())

	events := publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.ChangeInsert, events[0].Kind)
	assert.Equal(t, out[0].ID, events[0].Record.ID)
}

// TestRecordRepository_Insert_Idempotent tests that replaying a create returns the stored row
func TestRecordRepository_Insert_Idempotent(t *testing.T) {
	publisher := &recordingPublisher{}
	repo, table := getTestRecordRepo(t, publisher)
	ctx := context.Background()
	rec := models.Record{OwnerID: "owner-1", ClientRef: "tmp_replay", Fields: map[string]any{"n": 1}}

	first, err := repo.Insert(ctx, table, rec)
	require.NoError(t, err)

	// ACT: Same ClientRef again
	second, err := repo.Insert(ctx, table, rec)

	// ASSERT: One row, one event
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Len(t, publisher.Events(), 1, "Replay should not publish again")

	all, err := repo.List(ctx, table, "owner-1", nil, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// TestRecordRepository_Patch tests merging fields and soft deletion
func TestRecordRepository_Patch(t *testing.T) {
	repo, table := getTestRecordRepo(t, nil)
	ctx := context.Background()

	out, err := repo.Insert(ctx, table, models.Record{OwnerID: "owner-1", Fields: map[string]any{"name": "Acme", "city": "Oslo"}})
	require.NoError(t, err)
	id := out[0].ID

	// ACT: Partial update
	updated, err := repo.Patch(ctx, table, "owner-1", id, models.Patch{Fields: map[string]any{"city": "Bergen"}})

	// ASSERT: Untouched fields survive, updated_at moves forward
	require.NoError(t, err)
	assert.Equal(t, "Acme", updated.Fields["name"])
	assert.Equal(t, "Bergen", updated.Fields["city"])
	assert.True(t, updated.UpdatedAt.After(out[0].UpdatedAt))

	// ACT: Soft delete
	now := time.Now()
	deleted, err := repo.Patch(ctx, table, "owner-1", id, models.Patch{DeletedAt: &now})
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted())

	// ASSERT: Further patches see a missing record
	_, err = repo.Patch(ctx, table, "owner-1", id, models.Patch{Fields: map[string]any{"city": "Oslo"}})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, models.ErrValidation)
}

// TestRecordRepository_Patch_Errors tests the failure classes of Patch
func TestRecordRepository_Patch_Errors(t *testing.T) {
	repo, table := getTestRecordRepo(t, nil)
	ctx := context.Background()

	out, err := repo.Insert(ctx, table, models.Record{OwnerID: "owner-1", Fields: map[string]any{}})
	require.NoError(t, err)

	_, err = repo.Patch(ctx, table, "owner-2", out[0].ID, models.Patch{})
	assert.ErrorIs(t, err, ErrOwnerMismatch)
	assert.ErrorIs(t, err, models.ErrAuthorization)

	_, err = repo.Patch(ctx, table, "owner-1", uuid.NewString(), models.Patch{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.Patch(ctx, table, "owner-1", "tmp_01J", models.Patch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestRecordRepository_List tests filtering by fields and the since watermark
func TestRecordRepository_List(t *testing.T) {
	repo, table := getTestRecordRepo(t, nil)
	ctx := context.Background()

	out, err := repo.Insert(ctx, table,
		models.Record{OwnerID: "owner-1", Fields: map[string]any{"status": "open"}},
		models.Record{OwnerID: "owner-1", Fields: map[string]any{"status": "paid"}},
		models.Record{OwnerID: "owner-2", Fields: map[string]any{"status": "open"}},
	)
	require.NoError(t, err)

	open, err := repo.List(ctx, table, "owner-1", models.Filter{"status": "open"}, time.Time{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, out[0].ID, open[0].ID)

	byID, err := repo.List(ctx, table, "owner-1", models.Filter{"id": out[1].ID}, time.Time{})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "paid", byID[0].Fields["status"])

	later, err := repo.List(ctx, table, "owner-1", nil, out[1].UpdatedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, later)
}
