package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/rs/zerolog"
)

// DefaultStorageKey is the well-known key the pending operation list lives under.
const DefaultStorageKey = "ledgersync.pending_operations"

var ErrClosed = errors.New("sync engine is shut down")

// QueueHooks connect the queue to the rest of the engine.
type QueueHooks struct {
	// Apply sends one operation to the remote and reconciles local state.
	Apply func(ctx context.Context, op models.PendingOperation) ([]models.Record, error)
	// Reject undoes the optimistic effect of an operation the remote refused.
	Reject func(op models.PendingOperation, err error)
	// Online gates automatic drains.
	Online func() bool
	// Success and Failure report remote outcomes to the connection manager.
	Success func()
	Failure func(err error)
}

type QueueConfig struct {
	StorageKey string
	RetryCap   int
	Backoff    *Backoff
}

// OfflineQueue is the durable, per-table FIFO of mutations awaiting confirmation.
type OfflineQueue struct {
	mu       sync.Mutex
	ops      []models.PendingOperation
	lanes    map[string]*sync.Mutex
	draining map[string]int
	timers   map[string]*time.Timer
	closed   bool
	gen      uint64

	persistMu sync.Mutex
	savedGen  uint64
	durable   atomic.Bool

	storage QueueStorage
	cfg     QueueConfig
	hooks   QueueHooks
	status  *StatusBroadcaster
	log     zerolog.Logger
}

func NewOfflineQueue(storage QueueStorage, cfg QueueConfig, hooks QueueHooks, status *StatusBroadcaster, log zerolog.Logger) *OfflineQueue {
	if cfg.StorageKey == "" {
		cfg.StorageKey = DefaultStorageKey
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 5
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff(time.Second, time.Minute)
	}
	q := &OfflineQueue{
		lanes:    make(map[string]*sync.Mutex),
		draining: make(map[string]int),
		timers:   make(map[string]*time.Timer),
		storage:  storage,
		cfg:      cfg,
		hooks:    hooks,
		status:   status,
		log:      log,
	}
	q.durable.Store(storage != nil)
	return q
}

// Load restores the persisted list. Storage failures and an unreadable
// document switch the queue to memory-only operation instead of failing.
func (q *OfflineQueue) Load(ctx context.Context) error {
	if q.storage == nil {
		q.degrade(errors.New("no durable storage configured"))
		return nil
	}
	data, err := q.storage.Load(ctx, q.cfg.StorageKey)
	if err != nil {
		q.degrade(err)
		return nil
	}

	ops, err := DecodeQueue(data)
	if err != nil {
		// Degrading stops later saves, so the original key keeps its bytes too.
		if saveErr := q.storage.Save(ctx, q.CorruptKey(), data); saveErr != nil {
			q.log.Error().Err(saveErr).Str("key", q.CorruptKey()).Msg("failed to keep unreadable pending operations")
		}
		q.degrade(err)
		return nil
	}

	q.mu.Lock()
	q.ops = append(ops, q.ops...)
	q.mu.Unlock()

	q.log.Info().Int("pending", len(ops)).Msg("loaded pending operations")
	q.publishCounts()
	return nil
}

// CorruptKey is where an unreadable pending operation document is copied by Load.
func (q *OfflineQueue) CorruptKey() string {
	return q.cfg.StorageKey + ".corrupt"
}

// DecodeQueue parses a persisted pending operation list. Empty data is an empty queue.
func DecodeQueue(data []byte) ([]models.PendingOperation, error) {
	var ops []models.PendingOperation
	if len(data) == 0 {
		return ops, nil
	}
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("failed to decode pending operations: %w", err)
	}
	return ops, nil
}

func (q *OfflineQueue) degrade(err error) {
	if q.durable.Swap(false) || q.storage == nil {
		q.log.Warn().Err(err).Msg("durable storage unavailable, pending operations are kept in memory only")
	}
	q.status.Update(func(s *models.SyncStatus) {
		s.ReducedDurability = true
		s.LastError = fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	})
}

// Durable reports whether enqueued operations survive a restart.
func (q *OfflineQueue) Durable() bool {
	return q.durable.Load()
}

func (q *OfflineQueue) lane(table string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[table]
	if !ok {
		l = &sync.Mutex{}
		q.lanes[table] = l
	}
	return l
}

// Enqueue appends op and persists the whole list before returning.
func (q *OfflineQueue) Enqueue(ctx context.Context, op models.PendingOperation) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.ops = append(q.ops, op)
	snapshot, gen := q.snapshotLocked()
	q.mu.Unlock()

	q.log.Debug().Str("table", op.Table).Str("kind", string(op.Kind)).Str("operation_id", op.OperationID).Msg("operation queued")
	q.persist(ctx, snapshot, gen)
	q.publishCounts()
	return nil
}

func (q *OfflineQueue) snapshotLocked() ([]models.PendingOperation, uint64) {
	q.gen++
	return slices.Clone(q.ops), q.gen
}

// persist writes the full list. A snapshot older than one already written is dropped,
// so a slow timer-triggered save can never overwrite a newer mutation-triggered one.
func (q *OfflineQueue) persist(ctx context.Context, ops []models.PendingOperation, gen uint64) {
	if !q.durable.Load() {
		return
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()
	if gen <= q.savedGen {
		return
	}
	if ops == nil {
		ops = []models.PendingOperation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		q.log.Error().Err(err).Msg("failed to encode pending operations")
		return
	}
	if err := q.storage.Save(context.WithoutCancel(ctx), q.cfg.StorageKey, data); err != nil {
		q.degrade(err)
		return
	}
	q.savedGen = gen
}

func (q *OfflineQueue) publishCounts() {
	q.mu.Lock()
	pending := len(q.ops)
	stalled := 0
	for _, op := range q.ops {
		if op.Stalled {
			stalled++
		}
	}
	q.mu.Unlock()

	q.status.Update(func(s *models.SyncStatus) {
		s.PendingOperationCount = pending
		s.StalledOperationCount = stalled
	})
}

// Peek returns the oldest queued operation without removing it.
func (q *OfflineQueue) Peek() (models.PendingOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return models.PendingOperation{}, false
	}
	return q.ops[0], true
}

// Pending returns every queued operation in queue order.
func (q *OfflineQueue) Pending() []models.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.ops)
}

func (q *OfflineQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *OfflineQueue) hasTable(table string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.ContainsFunc(q.ops, func(op models.PendingOperation) bool { return op.Table == table })
}

func (q *OfflineQueue) tables() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, op := range q.ops {
		if !slices.Contains(out, op.Table) {
			out = append(out, op.Table)
		}
	}
	return out
}

// Submit runs op right away when nothing is queued ahead of it on its table,
// and queues it otherwise. queued=true means the caller's change is visible
// locally but not yet confirmed. A fatal error is returned as is and the
// operation is not queued.
func (q *OfflineQueue) Submit(ctx context.Context, op models.PendingOperation, online bool) (records []models.Record, queued bool, err error) {
	lane := q.lane(op.Table)
	lane.Lock()
	defer lane.Unlock()

	if q.isClosed() {
		return nil, false, ErrClosed
	}

	if !online || q.hasTable(op.Table) {
		if err := q.Enqueue(ctx, op); err != nil {
			return nil, false, err
		}
		if online {
			go q.DrainTable(context.Background(), op.Table, false)
		}
		return nil, true, nil
	}

	records, err = q.hooks.Apply(ctx, op)
	if err == nil {
		q.hooks.Success()
		return records, false, nil
	}
	if IsFatal(err) {
		return nil, false, err
	}

	q.hooks.Failure(err)
	op.RetryCount = 1
	op.LastError = err.Error()
	if err := q.Enqueue(ctx, op); err != nil {
		return nil, false, err
	}
	q.scheduleRetry(op.Table, op.RetryCount)
	return nil, true, nil
}

// Drain processes every table's operations. Tables drain concurrently; each
// table is strictly FIFO.
func (q *OfflineQueue) Drain(ctx context.Context) {
	q.drainAll(ctx, false)
}

func (q *OfflineQueue) drainAll(ctx context.Context, force bool) {
	var wg sync.WaitGroup
	for _, table := range q.tables() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.DrainTable(ctx, table, force)
		}()
	}
	wg.Wait()
}

// DrainTable processes table's operations in order until the table is empty,
// an operation fails with a connectivity error, or the head is stalled.
// A second call while a drain of the same table runs returns immediately,
// unless force is set, in which case it waits for the running drain.
func (q *OfflineQueue) DrainTable(ctx context.Context, table string, force bool) {
	q.mu.Lock()
	if q.closed || (q.draining[table] > 0 && !force) {
		q.mu.Unlock()
		return
	}
	q.draining[table]++
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		if q.draining[table]--; q.draining[table] <= 0 {
			delete(q.draining, table)
		}
		q.mu.Unlock()
	}()

	lane := q.lane(table)
	lane.Lock()
	defer lane.Unlock()

	for {
		if !force && !q.hooks.Online() {
			return
		}

		op, ok := q.head(table)
		if !ok || q.isClosed() {
			return
		}
		if op.Stalled && !force {
			return
		}

		_, err := q.hooks.Apply(ctx, op)
		if q.isClosed() {
			return
		}

		if err == nil {
			q.remove(ctx, op.OperationID)
			q.hooks.Success()
			q.log.Debug().Str("table", table).Str("operation_id", op.OperationID).Msg("queued operation confirmed")
			continue
		}

		if IsFatal(err) {
			q.reject(ctx, op, err)
			continue
		}

		q.hooks.Failure(err)
		retries, stalled := q.recordFailure(ctx, op.OperationID, err)
		if stalled {
			q.log.Warn().Str("table", table).Str("operation_id", op.OperationID).Int("retries", retries).Msg("operation stalled after retry limit")
			q.status.SetLastError(&OperationError{
				OperationID: op.OperationID,
				Table:       op.Table,
				Kind:        op.Kind,
				Err:         fmt.Errorf("%w after %d attempts: %v", models.ErrExhaustedRetry, retries, err),
			})
			return
		}
		q.scheduleRetry(table, retries)
		return
	}
}

func (q *OfflineQueue) head(table string) (models.PendingOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.Table == table {
			return op, true
		}
	}
	return models.PendingOperation{}, false
}

func (q *OfflineQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *OfflineQueue) remove(ctx context.Context, operationID string) {
	q.mu.Lock()
	q.ops = slices.DeleteFunc(q.ops, func(op models.PendingOperation) bool { return op.OperationID == operationID })
	snapshot, gen := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snapshot, gen)
	q.publishCounts()
}

// reject drops a refused operation together with queued operations that
// depend on a record it would have created.
func (q *OfflineQueue) reject(ctx context.Context, op models.PendingOperation, err error) {
	q.remove(ctx, op.OperationID)

	opErr := &OperationError{OperationID: op.OperationID, Table: op.Table, Kind: op.Kind, Err: err}
	q.log.Warn().Err(err).Str("table", op.Table).Str("operation_id", op.OperationID).Msg("operation rejected by remote")
	q.hooks.Reject(op, err)

	if op.Kind == models.OperationCreate || op.Kind == models.OperationBatchCreate {
		for _, target := range op.Targets() {
			for _, dependent := range q.DropTarget(ctx, op.Table, target) {
				q.hooks.Reject(dependent, opErr)
			}
		}
	}
	q.status.SetLastError(opErr)
}

func (q *OfflineQueue) recordFailure(ctx context.Context, operationID string, cause error) (retries int, stalled bool) {
	q.mu.Lock()
	for i := range q.ops {
		if q.ops[i].OperationID != operationID {
			continue
		}
		q.ops[i].RetryCount++
		q.ops[i].LastError = cause.Error()
		if q.ops[i].RetryCount >= q.cfg.RetryCap {
			q.ops[i].Stalled = true
		}
		retries, stalled = q.ops[i].RetryCount, q.ops[i].Stalled
		break
	}
	snapshot, gen := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snapshot, gen)
	q.publishCounts()
	return retries, stalled
}

func (q *OfflineQueue) scheduleRetry(table string, attempt int) {
	delay := q.cfg.Backoff.Delay(attempt)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if t, ok := q.timers[table]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		if q.timers[table] == timer {
			delete(q.timers, table)
		}
		q.mu.Unlock()
		q.DrainTable(context.Background(), table, false)
	})
	q.timers[table] = timer
	q.log.Debug().Str("table", table).Int("attempt", attempt).Dur("delay", delay).Msg("retry scheduled")
}

// Remap points queued operations at the authoritative id of a reconciled record.
func (q *OfflineQueue) Remap(ctx context.Context, table, tempID, finalID string) {
	q.mu.Lock()
	changed := false
	for i := range q.ops {
		if q.ops[i].Table == table && q.ops[i].TargetID == tempID {
			q.ops[i].TargetID = finalID
			changed = true
		}
	}
	if !changed {
		q.mu.Unlock()
		return
	}
	snapshot, gen := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snapshot, gen)
}

// DropTarget removes and returns queued updates and deletes that target id.
func (q *OfflineQueue) DropTarget(ctx context.Context, table, id string) []models.PendingOperation {
	q.mu.Lock()
	var dropped []models.PendingOperation
	q.ops = slices.DeleteFunc(q.ops, func(op models.PendingOperation) bool {
		if op.Table == table && op.TargetID == id && op.Kind != models.OperationCreate {
			dropped = append(dropped, op)
			return true
		}
		return false
	})
	if len(dropped) == 0 {
		q.mu.Unlock()
		return nil
	}
	snapshot, gen := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snapshot, gen)
	q.publishCounts()
	return dropped
}

// Force clears stalled flags and retry counters, cancels pending backoff
// timers and drains every table immediately.
func (q *OfflineQueue) Force(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	for table, t := range q.timers {
		t.Stop()
		delete(q.timers, table)
	}
	for i := range q.ops {
		q.ops[i].Stalled = false
		q.ops[i].RetryCount = 0
	}
	snapshot, gen := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snapshot, gen)
	q.publishCounts()
	q.drainAll(ctx, true)
	return nil
}

// CancelTimers stops scheduled retries without closing the queue.
func (q *OfflineQueue) CancelTimers() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for table, t := range q.timers {
		t.Stop()
		delete(q.timers, table)
	}
}

func (q *OfflineQueue) TimerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Close stops every timer. Queued operations stay in durable storage.
func (q *OfflineQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for table, t := range q.timers {
		t.Stop()
		delete(q.timers, table)
	}
}
