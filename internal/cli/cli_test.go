package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prudhvinik1/ledgersync/internal/config"
	"github.com/prudhvinik1/ledgersync/internal/database"
	"github.com/prudhvinik1/ledgersync/internal/engine"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/prudhvinik1/ledgersync/internal/repositories"
	"github.com/prudhvinik1/ledgersync/internal/services"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// seedQueue writes ops into a fresh queue file and returns its path.
func seedQueue(t *testing.T, ops []models.PendingOperation) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	db, err := database.OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	storage, err := repositories.NewSQLiteQueueStorage(context.Background(), db)
	require.NoError(t, err)
	if ops != nil {
		data, err := json.Marshal(ops)
		require.NoError(t, err)
		require.NoError(t, storage.Save(context.Background(), engine.DefaultStorageKey, data))
	}
	return path
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "queue", "size", "--format", "yaml")
	assert.ErrorContains(t, err, `invalid format "yaml"`)
}

func TestQueueList(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	path := seedQueue(t, []models.PendingOperation{
		{OperationID: "op-1", Table: "customers", Kind: models.OperationCreate, OwnerID: "owner-1", TargetID: "tmp_1", Timestamp: at},
		{OperationID: "op-2", Table: "invoices", Kind: models.OperationBatchCreate, OwnerID: "owner-1", Timestamp: at,
			Batch: []models.BatchEntry{{TempID: "tmp_2"}, {TempID: "tmp_3"}}, RetryCount: 5, Stalled: true},
	})

	out, err := execute(t, "queue", "list", "--db", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "op-1")
	assert.Contains(t, lines[1], "tmp_1")
	assert.Contains(t, lines[2], "2 records")
	assert.Contains(t, lines[2], "true")
}

func TestQueueListJSON(t *testing.T) {
	path := seedQueue(t, []models.PendingOperation{
		{OperationID: "op-1", Table: "customers", Kind: models.OperationDelete, OwnerID: "owner-1", TargetID: "c1"},
	})

	out, err := execute(t, "queue", "list", "--db", path, "--format", "json")
	require.NoError(t, err)

	var ops []models.PendingOperation
	require.NoError(t, json.Unmarshal([]byte(out), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, models.OperationDelete, ops[0].Kind)
}

func TestQueueSize(t *testing.T) {
	empty := seedQueue(t, nil)
	out, err := execute(t, "queue", "size", "--db", empty)
	require.NoError(t, err)
	assert.Equal(t, "0", strings.TrimSpace(out))

	out, err = execute(t, "queue", "list", "--db", empty)
	require.NoError(t, err)
	assert.Contains(t, out, "no pending operations")

	path := seedQueue(t, []models.PendingOperation{{OperationID: "op-1"}, {OperationID: "op-2"}})
	out, err = execute(t, "queue", "size", "--db", path, "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"size":2}`, out)
}

func TestToken(t *testing.T) {
	out, err := execute(t, "token", "--owner", "owner-1", "--secret", "dev-secret", "--expiry", "1h")
	require.NoError(t, err)

	identity := services.NewTokenIdentity("dev-secret", time.Hour, zerolog.Nop())
	id, err := identity.VerifyToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "owner-1", id.OwnerID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, 5*time.Second)
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := execute(t, "token", "--owner", "owner-1")
	assert.ErrorContains(t, err, "a secret is required")

	_, err = execute(t, "token", "--secret", "dev-secret")
	assert.ErrorContains(t, err, `required flag(s) "owner" not set`)
}

// TestQueueStorageFallsBackToMemory tests that serve keeps going without a
// durable queue when the queue store cannot be opened
func TestQueueStorageFallsBackToMemory(t *testing.T) {
	// ARRANGE
	ctx := context.Background()
	missing := config.SyncConfig{
		QueueBackend: config.QueueBackendSQLite,
		QueuePath:    filepath.Join(t.TempDir(), "missing", "dir", "queue.db"),
	}
	usable := config.SyncConfig{
		QueueBackend: config.QueueBackendSQLite,
		QueuePath:    filepath.Join(t.TempDir(), "queue.db"),
	}

	// ACT
	fallback, closeFallback := queueStorage(ctx, missing, nil, zerolog.Nop())
	durable, closeDurable := queueStorage(ctx, usable, nil, zerolog.Nop())
	defer closeDurable()

	// ASSERT
	assert.Nil(t, fallback)
	assert.NotPanics(t, closeFallback)
	require.NotNil(t, durable)
	require.NoError(t, durable.Save(ctx, engine.DefaultStorageKey, []byte("[]")))
}
