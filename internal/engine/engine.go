package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/ledgersync/internal/logging"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/rs/zerolog"
)

// Dependencies are the collaborators an Engine is built from.
// Storage may be nil, in which case the queue runs memory-only.
type Dependencies struct {
	Identity IdentityProvider
	Remote   RemoteStore
	Feed     ChangeFeed
	Storage  QueueStorage
	Network  NetworkMonitor
	Logger   zerolog.Logger
}

type Config struct {
	// Tables restricts the engine to these tables. Empty allows any table.
	Tables            []string
	StorageKey        string
	RetryCap          int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		StorageKey:        DefaultStorageKey,
		RetryCap:          5,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
		BackoffJitter:     0.3,
		ProbeInterval:     30 * time.Second,
		ProbeTimeout:      5 * time.Second,
	}
}

func (c Config) backoff() *Backoff {
	b := NewBackoff(c.InitialBackoff, c.MaxBackoff)
	if c.BackoffMultiplier > 0 {
		b.Multiplier = c.BackoffMultiplier
	}
	if c.BackoffJitter >= 0 {
		b.JitterFactor = c.BackoffJitter
	}
	return b
}

// Engine is the public face of the sync engine: optimistic mutations, live
// subscriptions and sync status for the signed-in owner.
type Engine struct {
	cfg      Config
	deps     Dependencies
	log      zerolog.Logger
	store    *OptimisticStore
	queue    *OfflineQueue
	registry *SubscriptionRegistry
	conn     *ConnectionManager
	status   *StatusBroadcaster

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
	mu        sync.RWMutex
	closed    bool
}

func New(deps Dependencies, cfg Config) (*Engine, error) {
	switch {
	case deps.Identity == nil:
		return nil, errors.New("engine requires an identity provider")
	case deps.Remote == nil:
		return nil, errors.New("engine requires a remote store")
	case deps.Feed == nil:
		return nil, errors.New("engine requires a change feed")
	case deps.Network == nil:
		return nil, errors.New("engine requires a network monitor")
	}
	if cfg.InitialBackoff <= 0 || cfg.MaxBackoff <= 0 {
		defaults := DefaultConfig()
		cfg.InitialBackoff, cfg.MaxBackoff = defaults.InitialBackoff, defaults.MaxBackoff
	}

	e := &Engine{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger,
		status: NewStatusBroadcaster(models.SyncStatus{
			ConnectionState: models.ConnectionOffline,
		}),
	}

	e.store = NewOptimisticStore(logging.Component(deps.Logger, "store"))
	e.queue = NewOfflineQueue(deps.Storage, QueueConfig{
		StorageKey: cfg.StorageKey,
		RetryCap:   cfg.RetryCap,
		Backoff:    cfg.backoff(),
	}, QueueHooks{
		Apply:   e.apply,
		Reject:  e.reject,
		Online:  func() bool { return e.conn.Online() },
		Success: e.noteSuccess,
		Failure: e.noteFailure,
	}, e.status, logging.Component(deps.Logger, "queue"))

	e.registry = NewSubscriptionRegistry(deps.Feed, deps.Remote, e.store, RegistryHooks{
		Owner: e.owner,
		Online: func() bool {
			return e.conn.Online()
		},
		ChannelLost: func(err error) {
			e.conn.ReportFailure(fmt.Errorf("%w: %v", models.ErrConnectivity, err))
		},
	}, logging.Component(deps.Logger, "subscriptions"))
	e.store.SetListener(e.registry.Dispatch)

	e.conn = NewConnectionManager(deps.Network, deps.Identity, deps.Remote, ConnectionConfig{
		Backoff:       cfg.backoff(),
		ProbeInterval: cfg.ProbeInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
	}, ConnectionHooks{
		Online:   e.onOnline,
		Offline:  e.onOffline,
		Teardown: e.onTeardown,
	}, e.status, logging.Component(deps.Logger, "connection"))

	return e, nil
}

// Start loads the durable queue, restores its optimistic effects and starts
// watching connectivity. Only the first call does any work.
func (e *Engine) Start(ctx context.Context) error {
	e.startOnce.Do(func() {
		if err := e.queue.Load(ctx); err != nil {
			e.startErr = err
			return
		}
		for _, op := range e.queue.Pending() {
			e.restore(op)
		}
		e.conn.Start(ctx)
		e.log.Info().Int("pending", e.queue.Size()).Bool("durable", e.queue.Durable()).Msg("sync engine started")
	})
	return e.startErr
}

// restore re-applies a queued operation to the in-memory collections.
func (e *Engine) restore(op models.PendingOperation) {
	var err error
	switch op.Kind {
	case models.OperationCreate:
		_, err = e.store.ApplyLocal(op.Table, LocalOp{Kind: op.Kind, Record: pendingRecord(op.OwnerID, op.TargetID, op.Payload, op.Timestamp)})
	case models.OperationBatchCreate:
		for _, entry := range op.Batch {
			if _, err = e.store.ApplyLocal(op.Table, LocalOp{Kind: models.OperationCreate, Record: pendingRecord(op.OwnerID, entry.TempID, entry.Fields, op.Timestamp)}); err != nil {
				break
			}
		}
	case models.OperationUpdate, models.OperationDelete:
		if _, ok := e.store.Get(op.Table, op.TargetID); !ok {
			return
		}
		_, err = e.store.ApplyLocal(op.Table, LocalOp{Kind: op.Kind, ID: op.TargetID, Fields: op.Payload, At: op.Timestamp})
	}
	if err != nil {
		e.log.Warn().Err(err).Str("operation_id", op.OperationID).Msg("failed to restore queued operation")
	}
}

func pendingRecord(ownerID, tempID string, fields map[string]any, at time.Time) models.Record {
	return models.Record{
		ID:        tempID,
		OwnerID:   ownerID,
		ClientRef: tempID,
		Fields:    maps.Clone(fields),
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func (e *Engine) owner() (string, bool) {
	id, ok := e.deps.Identity.Current()
	if !ok || id.OwnerID == "" {
		return "", false
	}
	return id.OwnerID, true
}

// begin checks the engine is usable for a mutation on table and returns the owner.
func (e *Engine) begin(table string) (string, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}
	if table == "" {
		return "", validationError("table is required")
	}
	if len(e.cfg.Tables) > 0 && !slices.Contains(e.cfg.Tables, table) {
		return "", validationError("unknown table %q", table)
	}
	owner, ok := e.owner()
	if !ok {
		return "", fmt.Errorf("%w: no signed-in identity", models.ErrAuthorization)
	}
	return owner, nil
}

// submit hands op to the queue. A refused operation is rolled back and its
// error returned; queued=true means the change awaits confirmation.
func (e *Engine) submit(ctx context.Context, op models.PendingOperation) ([]models.Record, bool, error) {
	records, queued, err := e.queue.Submit(ctx, op, e.conn.Online())
	if err != nil {
		e.store.Rollback(op.Table, op)
		opErr := &OperationError{OperationID: op.OperationID, Table: op.Table, Kind: op.Kind, Err: err}
		if IsFatal(err) {
			e.status.SetLastError(opErr)
		}
		return nil, false, opErr
	}
	return records, queued, nil
}

// Create inserts a record. The record is visible locally, under a temporary
// id, before the remote is contacted. When the remote cannot be reached the
// pending record is returned with a nil error and confirmed later.
func (e *Engine) Create(ctx context.Context, table string, fields map[string]any) (models.Record, error) {
	owner, err := e.begin(table)
	if err != nil {
		return models.Record{}, err
	}

	now := time.Now().UTC()
	tempID := NewTempID()
	rec, err := e.store.ApplyLocal(table, LocalOp{Kind: models.OperationCreate, Record: pendingRecord(owner, tempID, fields, now)})
	if err != nil {
		return models.Record{}, err
	}

	op := models.PendingOperation{
		OperationID: uuid.NewString(),
		Table:       table,
		Kind:        models.OperationCreate,
		OwnerID:     owner,
		TargetID:    tempID,
		Payload:     maps.Clone(fields),
		Timestamp:   now,
	}
	records, queued, err := e.submit(ctx, op)
	if err != nil {
		return models.Record{}, err
	}
	if queued || len(records) == 0 {
		return e.latest(table, rec), nil
	}
	return records[0], nil
}

// BatchCreate inserts several records as one remote operation.
func (e *Engine) BatchCreate(ctx context.Context, table string, rows []map[string]any) ([]models.Record, error) {
	owner, err := e.begin(table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []models.Record{}, nil
	}

	now := time.Now().UTC()
	op := models.PendingOperation{
		OperationID: uuid.NewString(),
		Table:       table,
		Kind:        models.OperationBatchCreate,
		OwnerID:     owner,
		Timestamp:   now,
	}
	pending := make([]models.Record, 0, len(rows))
	for _, fields := range rows {
		tempID := NewTempID()
		rec, err := e.store.ApplyLocal(table, LocalOp{Kind: models.OperationCreate, Record: pendingRecord(owner, tempID, fields, now)})
		if err != nil {
			e.store.Rollback(table, op)
			return nil, err
		}
		pending = append(pending, rec)
		op.Batch = append(op.Batch, models.BatchEntry{TempID: tempID, Fields: maps.Clone(fields)})
	}

	records, queued, err := e.submit(ctx, op)
	if err != nil {
		return nil, err
	}
	if queued || len(records) != len(pending) {
		out := make([]models.Record, 0, len(pending))
		for _, rec := range pending {
			out = append(out, e.latest(table, rec))
		}
		return out, nil
	}
	return records, nil
}

// Update merges fields into an existing record.
func (e *Engine) Update(ctx context.Context, table, id string, fields map[string]any) (models.Record, error) {
	owner, err := e.begin(table)
	if err != nil {
		return models.Record{}, err
	}

	now := time.Now().UTC()
	rec, err := e.store.ApplyLocal(table, LocalOp{Kind: models.OperationUpdate, ID: id, Fields: fields, At: now})
	if err != nil {
		return models.Record{}, err
	}
	op := models.PendingOperation{
		OperationID: uuid.NewString(),
		Table:       table,
		Kind:        models.OperationUpdate,
		OwnerID:     owner,
		TargetID:    rec.ID,
		Payload:     maps.Clone(fields),
		Timestamp:   rec.UpdatedAt,
	}
	records, queued, err := e.submit(ctx, op)
	if err != nil {
		return models.Record{}, err
	}
	if queued || len(records) == 0 {
		return e.latest(table, rec), nil
	}
	return records[0], nil
}

// Remove soft-deletes a record.
func (e *Engine) Remove(ctx context.Context, table, id string) error {
	owner, err := e.begin(table)
	if err != nil {
		return err
	}

	rec, err := e.store.ApplyLocal(table, LocalOp{Kind: models.OperationDelete, ID: id, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	op := models.PendingOperation{
		OperationID: uuid.NewString(),
		Table:       table,
		Kind:        models.OperationDelete,
		OwnerID:     owner,
		TargetID:    rec.ID,
		Timestamp:   rec.UpdatedAt,
	}
	_, _, err = e.submit(ctx, op)
	return err
}

// latest returns the visible version of rec, following a reconcile that may
// have happened since rec was read.
func (e *Engine) latest(table string, rec models.Record) models.Record {
	if cur, ok := e.store.Get(table, e.store.Resolve(table, rec.ID)); ok {
		return cur
	}
	return rec
}

// apply sends op to the remote and folds the answer into the store.
func (e *Engine) apply(ctx context.Context, op models.PendingOperation) ([]models.Record, error) {
	owner, ok := e.owner()
	if !ok {
		return nil, fmt.Errorf("%w: no signed-in identity", models.ErrConnectivity)
	}
	if owner != op.OwnerID {
		return nil, fmt.Errorf("%w: operation belongs to another owner", models.ErrAuthorization)
	}

	switch op.Kind {
	case models.OperationCreate:
		inserted, err := e.deps.Remote.Insert(ctx, op.Table, pendingRecord(op.OwnerID, op.TargetID, op.Payload, op.Timestamp))
		if err != nil {
			return nil, err
		}
		if len(inserted) != 1 {
			return nil, fmt.Errorf("%w: insert returned %d records", models.ErrConnectivity, len(inserted))
		}
		return []models.Record{e.reconcile(ctx, op.Table, op.TargetID, inserted[0])}, nil

	case models.OperationBatchCreate:
		recs := make([]models.Record, 0, len(op.Batch))
		for _, entry := range op.Batch {
			recs = append(recs, pendingRecord(op.OwnerID, entry.TempID, entry.Fields, op.Timestamp))
		}
		inserted, err := e.deps.Remote.Insert(ctx, op.Table, recs...)
		if err != nil {
			return nil, err
		}
		byRef := make(map[string]models.Record, len(inserted))
		for _, rec := range inserted {
			byRef[rec.ClientRef] = rec
		}
		out := make([]models.Record, 0, len(op.Batch))
		for _, entry := range op.Batch {
			rec, ok := byRef[entry.TempID]
			if !ok {
				return nil, fmt.Errorf("%w: batch insert did not return %s", models.ErrConnectivity, entry.TempID)
			}
			out = append(out, e.reconcile(ctx, op.Table, entry.TempID, rec))
		}
		return out, nil

	case models.OperationUpdate, models.OperationDelete:
		id := e.store.Resolve(op.Table, op.TargetID)
		if IsTempID(id) {
			return nil, validationError("record %s was never created remotely", id)
		}
		patch := models.Patch{Fields: op.Payload}
		if op.Kind == models.OperationDelete {
			deletedAt := op.Timestamp
			patch = models.Patch{DeletedAt: &deletedAt}
		}
		rec, err := e.deps.Remote.Patch(ctx, op.Table, op.OwnerID, id, patch)
		if err != nil {
			return nil, err
		}
		return []models.Record{e.store.Confirm(op.Table, rec)}, nil
	}
	return nil, validationError("unsupported operation %q", op.Kind)
}

func (e *Engine) reconcile(ctx context.Context, table, tempID string, rec models.Record) models.Record {
	out := e.store.Reconcile(table, tempID, rec)
	e.queue.Remap(ctx, table, tempID, out.ID)
	return out
}

func (e *Engine) reject(op models.PendingOperation, _ error) {
	e.store.Rollback(op.Table, op)
}

func (e *Engine) noteSuccess() {
	e.conn.NoteSuccess()
	e.status.Update(func(s *models.SyncStatus) {
		if s.LastError == nil {
			return
		}
		switch Classify(s.LastError) {
		case models.ErrConnectivity:
			s.LastError = nil
		case models.ErrExhaustedRetry:
			if s.StalledOperationCount == 0 {
				s.LastError = nil
			}
		}
	})
}

func (e *Engine) noteFailure(err error) {
	e.conn.ReportFailure(err)
	e.status.SetLastError(err)
}

func (e *Engine) onOnline(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.registry.Resubscribe(ctx)
	}()
	go func() {
		defer wg.Done()
		e.queue.Drain(ctx)
	}()
	wg.Wait()
}

func (e *Engine) onOffline() {
	e.registry.Suspend()
	e.queue.CancelTimers()
}

// onTeardown drops everything that belongs to the previous identity except
// the durable queue. Queued operations only replay under the owner that
// created them; once a different owner is online they fail as authorization
// errors and are rolled back.
func (e *Engine) onTeardown() {
	e.registry.Close()
	e.queue.CancelTimers()
	e.store.Clear()
}

// Subscribe delivers changes to table records matching filter.
func (e *Engine) Subscribe(table string, filter models.Filter, handlers Handlers) (*Handle, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return e.registry.Subscribe(table, filter, handlers)
}

func (e *Engine) Unsubscribe(h *Handle) {
	e.registry.Unsubscribe(h)
}

// Snapshot returns a restartable read of the visible records of table.
func (e *Engine) Snapshot(table string) iter.Seq[models.Record] {
	return e.store.Snapshot(table)
}

func (e *Engine) Get(table, id string) (models.Record, bool) {
	return e.store.Get(table, id)
}

func (e *Engine) SyncStatus() models.SyncStatus {
	return e.status.Current()
}

// OnSyncStatusChange registers fn and calls it with the current status before
// returning. Later transitions are delivered in order on a separate goroutine,
// so fn may call back into the engine.
func (e *Engine) OnSyncStatusChange(fn func(models.SyncStatus)) (unsubscribe func()) {
	return e.status.Subscribe(fn)
}

// ForceSync retries every queued operation now, including stalled ones.
func (e *Engine) ForceSync(ctx context.Context) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return e.queue.Force(ctx)
}

// PendingOperations returns the queued operations in order.
func (e *Engine) PendingOperations() []models.PendingOperation {
	return e.queue.Pending()
}

// Shutdown releases every listener, channel and timer. Queued operations
// remain in durable storage.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.conn.Stop()
		e.registry.Stop()
		e.queue.Close()
		e.status.Reset(models.SyncStatus{ConnectionState: models.ConnectionClosed})
		e.store.Clear()
		e.log.Info().Msg("sync engine shut down")
	})
}

// Stats exposes resource counts, used by tests and the health endpoint.
type Stats struct {
	Channels  int `json:"channels"`
	Handles   int `json:"handles"`
	Timers    int `json:"timers"`
	Observers int `json:"observers"`
	Pending   int `json:"pending"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Channels:  e.registry.ChannelCount(),
		Handles:   e.registry.HandleCount(),
		Timers:    e.queue.TimerCount(),
		Observers: e.status.ObserverCount(),
		Pending:   e.queue.Size(),
	}
}
