package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/rs/zerolog"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStorage struct {
	mu   sync.Mutex
	docs map[string][]byte
	err  error
}

func newMemStorage() *memStorage {
	return &memStorage{docs: make(map[string][]byte)}
}

func (m *memStorage) Load(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.docs[key], nil
}

func (m *memStorage) Save(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.docs[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStorage) doc() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[DefaultStorageKey]
}

// applyRecorder is a scripted Apply hook: it records every call and returns
// the next scripted error for the operation's table, nil once the script runs out.
type applyRecorder struct {
	mu       sync.Mutex
	calls    []string
	script   map[string][]error
	rejected []string
}

func (r *applyRecorder) apply(ctx context.Context, op models.PendingOperation) ([]models.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op.OperationID)
	if errs := r.script[op.OperationID]; len(errs) > 0 {
		r.script[op.OperationID] = errs[1:]
		return nil, errs[0]
	}
	return []models.Record{{ID: op.TargetID}}, nil
}

func (r *applyRecorder) reject(op models.PendingOperation, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, op.OperationID)
}

func (r *applyRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestQueue(t *testing.T, storage QueueStorage, rec *applyRecorder, retryCap int) (*OfflineQueue, *StatusBroadcaster, *atomic.Bool) {
	t.Helper()
	online := &atomic.Bool{}
	online.Store(true)
	if rec.script == nil {
		rec.script = make(map[string][]error)
	}
	status := NewStatusBroadcaster(models.SyncStatus{})
	q := NewOfflineQueue(storage, QueueConfig{
		RetryCap: retryCap,
		Backoff:  NewBackoff(time.Hour, time.Hour),
	}, QueueHooks{
		Apply:   rec.apply,
		Reject:  rec.reject,
		Online:  online.Load,
		Success: func() {},
		Failure: func(error) {},
	}, status, zerolog.Nop())
	t.Cleanup(q.Close)
	return q, status, online
}

func op(id, table string, kind models.OperationKind, target string) models.PendingOperation {
	return models.PendingOperation{
		OperationID: id,
		Table:       table,
		Kind:        kind,
		OwnerID:     "owner-1",
		TargetID:    target,
		Payload:     map[string]any{"n": id},
		Timestamp:   t0,
	}
}

var errUnreachable = fmt.Errorf("%w: remote unreachable", models.ErrConnectivity)

// TestOfflineQueue_SurvivesRestart tests that queued operations are reloaded
// from storage in their original order
func TestOfflineQueue_SurvivesRestart(t *testing.T) {
	storage := newMemStorage()
	ctx := context.Background()

	first, _, _ := newTestQueue(t, storage, &applyRecorder{}, 5)
	require.NoError(t, first.Load(ctx))
	require.NoError(t, first.Enqueue(ctx, op("op-1", "invoices", models.OperationCreate, "tmp_1")))
	require.NoError(t, first.Enqueue(ctx, op("op-2", "customers", models.OperationCreate, "tmp_2")))
	require.NoError(t, first.Enqueue(ctx, op("op-3", "invoices", models.OperationUpdate, "tmp_1")))
	first.Close()

	rec := &applyRecorder{}
	second, status, _ := newTestQueue(t, storage, rec, 5)
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, 3, second.Size())
	assert.Equal(t, 3, status.Current().PendingOperationCount)
	head, ok := second.Peek()
	require.True(t, ok)
	assert.Equal(t, "op-1", head.OperationID)

	second.DrainTable(ctx, "invoices", false)
	assert.Equal(t, []string{"op-1", "op-3"}, rec.Calls())
	assert.Equal(t, 1, second.Size())
}

func TestOfflineQueue_PersistedDocument(t *testing.T) {
	storage := newMemStorage()
	ctx := context.Background()
	q, _, _ := newTestQueue(t, storage, &applyRecorder{}, 5)
	require.NoError(t, q.Load(ctx))

	create := models.PendingOperation{
		OperationID: "op-1",
		Table:       "invoices",
		Kind:        models.OperationCreate,
		OwnerID:     "owner-1",
		TargetID:    "tmp_01JQ0000000000000000000000",
		Payload:     map[string]any{"number": "INV-1"},
		Timestamp:   time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	update := models.PendingOperation{
		OperationID: "op-2",
		Table:       "invoices",
		Kind:        models.OperationUpdate,
		OwnerID:     "owner-1",
		TargetID:    "inv-9",
		Payload:     map[string]any{"status": "paid"},
		Timestamp:   time.Date(2025, 1, 2, 3, 4, 6, 0, time.UTC),
		RetryCount:  2,
		LastError:   "remote unreachable",
	}
	remove := models.PendingOperation{
		OperationID: "op-3",
		Table:       "customers",
		Kind:        models.OperationDelete,
		OwnerID:     "owner-1",
		TargetID:    "cus-4",
		Timestamp:   time.Date(2025, 1, 2, 3, 4, 7, 0, time.UTC),
	}
	batch := models.PendingOperation{
		OperationID: "op-4",
		Table:       "customers",
		Kind:        models.OperationBatchCreate,
		OwnerID:     "owner-1",
		Batch: []models.BatchEntry{
			{TempID: "tmp_a", Fields: map[string]any{"name": "Ada"}},
			{TempID: "tmp_b", Fields: map[string]any{"name": "Grace"}},
		},
		Timestamp: time.Date(2025, 1, 2, 3, 4, 8, 0, time.UTC),
	}
	for _, o := range []models.PendingOperation{create, update, remove, batch} {
		require.NoError(t, q.Enqueue(ctx, o))
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "queue_document", storage.doc())
}

// TestOfflineQueue_StaleSnapshotIgnored tests that an older snapshot cannot
// overwrite a newer one already written
func TestOfflineQueue_StaleSnapshotIgnored(t *testing.T) {
	storage := newMemStorage()
	ctx := context.Background()
	q, _, _ := newTestQueue(t, storage, &applyRecorder{}, 5)

	older := []models.PendingOperation{op("op-1", "invoices", models.OperationCreate, "tmp_1")}
	newer := append(older, op("op-2", "invoices", models.OperationCreate, "tmp_2"))

	q.persist(ctx, newer, 2)
	q.persist(ctx, older, 1)

	reloaded, _, _ := newTestQueue(t, storage, &applyRecorder{}, 5)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 2, reloaded.Size())
}

// TestOfflineQueue_DegradesWithoutStorage tests memory-only operation when
// storage fails
func TestOfflineQueue_DegradesWithoutStorage(t *testing.T) {
	storage := newMemStorage()
	storage.err = errors.New("disk full")
	ctx := context.Background()
	q, status, _ := newTestQueue(t, storage, &applyRecorder{}, 5)

	require.NoError(t, q.Load(ctx))
	assert.False(t, q.Durable())
	current := status.Current()
	assert.True(t, current.ReducedDurability)
	assert.ErrorIs(t, current.LastError, models.ErrStorageUnavailable)

	require.NoError(t, q.Enqueue(ctx, op("op-1", "invoices", models.OperationCreate, "tmp_1")))
	assert.Equal(t, 1, q.Size())
	assert.Nil(t, storage.doc())
}

// TestOfflineQueue_DegradesOnUnreadableDocument tests that a corrupt document
// does not stop the queue and is preserved for inspection
func TestOfflineQueue_DegradesOnUnreadableDocument(t *testing.T) {
	// ARRANGE
	corrupt := []byte(`[{"operation_id":`)
	storage := newMemStorage()
	storage.docs[DefaultStorageKey] = corrupt
	ctx := context.Background()
	q, status, online := newTestQueue(t, storage, &applyRecorder{}, 5)
	online.Store(false)

	// ACT
	err := q.Load(ctx)

	// ASSERT
	require.NoError(t, err)
	assert.False(t, q.Durable())
	current := status.Current()
	assert.True(t, current.ReducedDurability)
	assert.ErrorIs(t, current.LastError, models.ErrStorageUnavailable)

	storage.mu.Lock()
	kept := storage.docs[DefaultStorageKey+".corrupt"]
	storage.mu.Unlock()
	assert.Equal(t, corrupt, kept)
	assert.Equal(t, DefaultStorageKey+".corrupt", q.CorruptKey())

	require.NoError(t, q.Enqueue(ctx, op("op-1", "invoices", models.OperationCreate, "tmp_1")))
	assert.Equal(t, 1, q.Size())
	assert.Equal(t, corrupt, storage.doc(), "original document is not overwritten")
}

// TestOfflineQueue_TablesAreIndependent tests per-table FIFO while another
// table is blocked by a failing head
func TestOfflineQueue_TablesAreIndependent(t *testing.T) {
	ctx := context.Background()
	rec := &applyRecorder{script: map[string][]error{"op-1": {errUnreachable}}}
	q, _, _ := newTestQueue(t, newMemStorage(), rec, 5)

	require.NoError(t, q.Enqueue(ctx, op("op-1", "invoices", models.OperationCreate, "tmp_1")))
	require.NoError(t, q.Enqueue(ctx, op("op-2", "invoices", models.OperationCreate, "tmp_2")))
	require.NoError(t, q.Enqueue(ctx, op("op-3", "customers", models.OperationCreate, "tmp_3")))

	q.Drain(ctx)

	calls := rec.Calls()
	assert.ElementsMatch(t, []string{"op-1", "op-3"}, calls, "op-2 waits behind the failed head")
	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "op-1", pending[0].OperationID)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "op-2", pending[1].OperationID)
	assert.Equal(t, 1, q.TimerCount(), "a retry is scheduled for the blocked table")
}

// TestOfflineQueue_StallsThenForce tests the retry cap and that Force resumes
// stalled operations
func TestOfflineQueue_StallsThenForce(t *testing.T) {
	ctx := context.Background()
	rec := &applyRecorder{script: map[string][]error{"op-1": {errUnreachable, errUnreachable}}}
	q, status, _ := newTestQueue(t, newMemStorage(), rec, 2)
	require.NoError(t, q.Enqueue(ctx, op("op-1", "invoices", models.OperationCreate, "tmp_1")))

	q.DrainTable(ctx, "invoices", false)
	q.DrainTable(ctx, "invoices", false)

	current := status.Current()
	assert.Equal(t, 1, current.StalledOperationCount)
	assert.ErrorIs(t, current.LastError, models.ErrExhaustedRetry)

	q.DrainTable(ctx, "invoices", false)
	assert.Len(t, rec.Calls(), 2, "stalled head is not retried automatically")

	require.NoError(t, q.Force(ctx))
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 0, status.Current().StalledOperationCount)
	assert.Equal(t, 0, q.TimerCount())
}

// TestOfflineQueue_RejectDropsDependents tests that refusing a create also
// discards queued edits of the record it would have created
func TestOfflineQueue_RejectDropsDependents(t *testing.T) {
	ctx := context.Background()
	invalid := fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	rec := &applyRecorder{script: map[string][]error{"op-1": {invalid}}}
	q, status, _ := newTestQueue(t, newMemStorage(), rec, 5)

	require.NoError(t, q.Enqueue(ctx, op("op-1", "invoices", models.OperationCreate, "tmp_1")))
	require.NoError(t, q.Enqueue(ctx, op("op-2", "invoices", models.OperationUpdate, "tmp_1")))
	require.NoError(t, q.Enqueue(ctx, op("op-3", "invoices", models.OperationCreate, "tmp_2")))

	q.DrainTable(ctx, "invoices", false)

	assert.Equal(t, []string{"op-1", "op-3"}, rec.Calls())
	assert.ElementsMatch(t, []string{"op-1", "op-2"}, rec.rejected)
	assert.Equal(t, 0, q.Size())

	var opErr *OperationError
	require.ErrorAs(t, status.Current().LastError, &opErr)
	assert.Equal(t, "op-1", opErr.OperationID)
	assert.ErrorIs(t, opErr, models.ErrValidation)
}

func TestOfflineQueue_SubmitOnlineAndOffline(t *testing.T) {
	ctx := context.Background()
	rec := &applyRecorder{}
	q, _, online := newTestQueue(t, newMemStorage(), rec, 5)

	records, queued, err := q.Submit(ctx, op("op-1", "invoices", models.OperationCreate, "tmp_1"), true)
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Len(t, records, 1)
	assert.Equal(t, 0, q.Size())

	online.Store(false)
	_, queued, err = q.Submit(ctx, op("op-2", "invoices", models.OperationCreate, "tmp_2"), false)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, 1, q.Size())

	invalid := fmt.Errorf("%w: bad", models.ErrValidation)
	rec.script["op-3"] = []error{invalid}
	_, queued, err = q.Submit(ctx, op("op-3", "customers", models.OperationCreate, "tmp_3"), true)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.False(t, queued)
	assert.Equal(t, 1, q.Size(), "refused operations are never queued")
}

func TestOfflineQueue_Remap(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, newMemStorage(), &applyRecorder{}, 5)
	require.NoError(t, q.Enqueue(ctx, op("op-1", "invoices", models.OperationUpdate, "tmp_1")))
	require.NoError(t, q.Enqueue(ctx, op("op-2", "customers", models.OperationUpdate, "tmp_1")))

	q.Remap(ctx, "invoices", "tmp_1", "inv-1")

	pending := q.Pending()
	assert.Equal(t, "inv-1", pending[0].TargetID)
	assert.Equal(t, "tmp_1", pending[1].TargetID, "other tables are untouched")
}

func TestOfflineQueue_ClosedRefusesWork(t *testing.T) {
	q, _, _ := newTestQueue(t, newMemStorage(), &applyRecorder{}, 5)
	q.Close()

	assert.ErrorIs(t, q.Enqueue(context.Background(), op("op-1", "invoices", models.OperationCreate, "tmp_1")), ErrClosed)
	assert.ErrorIs(t, q.Force(context.Background()), ErrClosed)
}

func TestDecodeQueue_IgnoresUnknownFields(t *testing.T) {
	data := []byte(`[{"operation_id":"op-1","table":"customers","kind":"create","owner_id":"owner-1",` +
		`"target_id":"tmp_1","timestamp":"2026-03-01T12:00:00Z","retry_count":2,"priority":"high"}]`)

	ops, err := DecodeQueue(data)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-1", ops[0].OperationID)
	assert.Equal(t, 2, ops[0].RetryCount)

	ops, err = DecodeQueue(nil)
	require.NoError(t, err)
	assert.Empty(t, ops)

	_, err = DecodeQueue([]byte(`{"not":"a list"}`))
	assert.Error(t, err)
}
