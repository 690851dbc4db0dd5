package engine

import (
	"cmp"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/rs/zerolog"
)

// LocalOp is a mutation made on this device, applied before the remote confirms it.
type LocalOp struct {
	Kind   models.OperationKind
	Record models.Record  // create
	ID     string         // update, delete
	Fields map[string]any // update
	At     time.Time
}

// entry keeps the visible record next to the last version the remote confirmed,
// so a rejected local change can be undone without refetching.
type entry struct {
	current   models.Record
	confirmed *models.Record
	pending   int
}

type tableState struct {
	entries map[string]*entry
	// aliases maps reconciled temporary ids to their authoritative ids.
	aliases map[string]string
}

// OptimisticStore holds the per-table in-memory collections.
type OptimisticStore struct {
	mu       sync.RWMutex
	tables   map[string]*tableState
	listener func(models.Change)
	log      zerolog.Logger
}

func NewOptimisticStore(log zerolog.Logger) *OptimisticStore {
	return &OptimisticStore{
		tables: make(map[string]*tableState),
		log:    log,
	}
}

// SetListener installs the function that receives every change after it is applied.
func (s *OptimisticStore) SetListener(fn func(models.Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = fn
}

func (s *OptimisticStore) table(name string) *tableState {
	ts, ok := s.tables[name]
	if !ok {
		ts = &tableState{
			entries: make(map[string]*entry),
			aliases: make(map[string]string),
		}
		s.tables[name] = ts
	}
	return ts
}

func (s *OptimisticStore) emit(changes []models.Change) {
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener == nil {
		return
	}
	for _, c := range changes {
		listener(c)
	}
}

// ApplyLocal applies op to the visible collection and returns the resulting record.
func (s *OptimisticStore) ApplyLocal(table string, op LocalOp) (models.Record, error) {
	s.mu.Lock()
	ts := s.table(table)

	var change models.Change
	switch op.Kind {
	case models.OperationCreate:
		rec := op.Record.Clone()
		rec.Pending = true
		if _, exists := ts.entries[rec.ID]; exists {
			s.mu.Unlock()
			return models.Record{}, validationError("record %s already exists in %s", rec.ID, table)
		}
		ts.entries[rec.ID] = &entry{current: rec, pending: 1}
		change = models.Change{Kind: models.ChangeInsert, Table: table, Record: rec.Clone()}

	case models.OperationUpdate, models.OperationDelete:
		id := ts.resolve(op.ID)
		e, ok := ts.entries[id]
		if !ok || e.current.IsDeleted() {
			s.mu.Unlock()
			return models.Record{}, validationError("record %s not found in %s", op.ID, table)
		}
		rec := e.current.Clone()
		rec.UpdatedAt = nextTimestamp(rec.UpdatedAt, op.At)
		rec.Pending = true
		kind := models.ChangeUpdate
		if op.Kind == models.OperationDelete {
			deletedAt := rec.UpdatedAt
			rec.DeletedAt = &deletedAt
			kind = models.ChangeDelete
		} else {
			maps.Copy(rec.Fields, op.Fields)
		}
		e.current = rec
		e.pending++
		change = models.Change{Kind: kind, Table: table, Record: rec.Clone()}

	default:
		s.mu.Unlock()
		return models.Record{}, validationError("unsupported local operation %q", op.Kind)
	}
	s.mu.Unlock()

	s.emit([]models.Change{change})
	return change.Record, nil
}

// ApplyRemote merges a change-feed event. Events that are not strictly newer
// than what the store already holds are discarded, which makes duplicate
// delivery and the echo of our own confirmed writes harmless.
func (s *OptimisticStore) ApplyRemote(table string, ev models.ChangeEvent) bool {
	rec := ev.Record.Clone()
	rec.Pending = false
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = ev.Timestamp
	}
	if ev.Kind == models.ChangeDelete && rec.DeletedAt == nil {
		deletedAt := rec.UpdatedAt
		rec.DeletedAt = &deletedAt
	}

	s.mu.Lock()
	ts := s.table(table)
	var changes []models.Change

	// The echo of our own insert can overtake the insert response.
	if rec.ClientRef != "" && rec.ClientRef != rec.ID {
		if tmp, ok := ts.entries[rec.ClientRef]; ok {
			if _, exists := ts.entries[rec.ID]; !exists {
				delete(ts.entries, rec.ClientRef)
				ts.aliases[rec.ClientRef] = rec.ID
				tmp.current.ID = rec.ID
				tmp.current.CreatedAt = rec.CreatedAt
				tmp.current.ClientRef = rec.ClientRef
				ts.entries[rec.ID] = tmp
				changes = append(changes, models.Change{
					Kind:       models.ChangeReconcile,
					Table:      table,
					Record:     tmp.current.Clone(),
					PreviousID: rec.ClientRef,
				})
			}
		}
	}

	e, ok := ts.entries[rec.ID]
	if !ok {
		confirmed := rec.Clone()
		ts.entries[rec.ID] = &entry{current: rec, confirmed: &confirmed}
		if !rec.IsDeleted() {
			changes = append(changes, models.Change{Kind: models.ChangeInsert, Table: table, Record: rec.Clone()})
		}
		s.mu.Unlock()
		s.emit(changes)
		return true
	}

	newerThanConfirmed := e.confirmed == nil || rec.UpdatedAt.After(e.confirmed.UpdatedAt)
	newerThanCurrent := rec.UpdatedAt.After(e.current.UpdatedAt)
	if !newerThanConfirmed && !newerThanCurrent {
		s.mu.Unlock()
		s.log.Debug().Str("table", table).Str("id", rec.ID).Time("updated_at", rec.UpdatedAt).Msg("discarding stale change event")
		s.emit(changes)
		return false
	}
	if newerThanConfirmed {
		confirmed := rec.Clone()
		e.confirmed = &confirmed
	}
	if newerThanCurrent {
		cur := rec.Clone()
		cur.Pending = e.pending > 0
		e.current = cur
		kind := models.ChangeUpdate
		if cur.IsDeleted() {
			kind = models.ChangeDelete
		}
		changes = append(changes, models.Change{Kind: kind, Table: table, Record: cur.Clone()})
	}
	s.mu.Unlock()

	s.emit(changes)
	return newerThanCurrent
}

// Reconcile replaces the temporary id of a confirmed create with the
// authoritative record. The temporary id stops resolving through Get.
func (s *OptimisticStore) Reconcile(table, tempID string, rec models.Record) models.Record {
	s.mu.Lock()
	ts := s.table(table)
	previousID := ""

	if tmp, ok := ts.entries[tempID]; ok && tempID != rec.ID {
		delete(ts.entries, tempID)
		if existing, ok := ts.entries[rec.ID]; ok {
			// Only possible if the echo arrived without its ClientRef.
			tmp.pending += existing.pending
			if existing.confirmed != nil {
				tmp.confirmed = existing.confirmed
			}
		}
		ts.entries[rec.ID] = tmp
		ts.aliases[tempID] = rec.ID
		previousID = tempID
	}

	out, change := ts.confirm(table, rec)
	if previousID != "" {
		change.Kind = models.ChangeReconcile
		change.PreviousID = previousID
	}
	s.mu.Unlock()

	s.emit([]models.Change{change})
	return out
}

// Confirm records the remote's answer to an update or delete.
func (s *OptimisticStore) Confirm(table string, rec models.Record) models.Record {
	s.mu.Lock()
	out, change := s.table(table).confirm(table, rec)
	s.mu.Unlock()

	s.emit([]models.Change{change})
	return out
}

func (ts *tableState) confirm(table string, rec models.Record) (models.Record, models.Change) {
	rec = rec.Clone()
	rec.Pending = false

	e, ok := ts.entries[rec.ID]
	if !ok {
		confirmed := rec.Clone()
		e = &entry{current: rec, confirmed: &confirmed}
		ts.entries[rec.ID] = e
	} else {
		if e.pending > 0 {
			e.pending--
		}
		if e.confirmed == nil || !rec.UpdatedAt.Before(e.confirmed.UpdatedAt) {
			confirmed := rec.Clone()
			e.confirmed = &confirmed
		}
		if e.pending == 0 {
			e.current = e.confirmed.Clone()
		} else {
			e.current.ID = rec.ID
			e.current.CreatedAt = rec.CreatedAt
			e.current.ClientRef = rec.ClientRef
			e.current.Pending = true
		}
	}

	kind := models.ChangeUpdate
	if e.current.IsDeleted() {
		kind = models.ChangeDelete
	}
	return e.current.Clone(), models.Change{Kind: kind, Table: table, Record: e.current.Clone()}
}

// Rollback undoes the optimistic effect of a rejected operation, restoring the
// newest version the remote is known to hold.
func (s *OptimisticStore) Rollback(table string, op models.PendingOperation) {
	s.mu.Lock()
	ts := s.table(table)
	var changes []models.Change

	for _, target := range op.Targets() {
		id := ts.resolve(target)
		e, ok := ts.entries[id]
		if !ok {
			continue
		}
		if e.pending > 0 {
			e.pending--
		}
		if e.confirmed == nil {
			delete(ts.entries, id)
			for tmp, final := range ts.aliases {
				if final == id {
					delete(ts.aliases, tmp)
				}
			}
			removed := e.current.Clone()
			removed.Pending = false
			changes = append(changes, models.Change{Kind: models.ChangeRollback, Table: table, Record: removed})
			continue
		}
		e.current = e.confirmed.Clone()
		e.current.Pending = e.pending > 0
		changes = append(changes, models.Change{Kind: models.ChangeRollback, Table: table, Record: e.current.Clone()})
	}
	s.mu.Unlock()

	s.emit(changes)
}

// MarkPending flags a record whose confirmation moved to the offline queue.
func (s *OptimisticStore) MarkPending(table string, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.table(table)
	for _, id := range ids {
		if e, ok := ts.entries[ts.resolve(id)]; ok {
			e.current.Pending = true
		}
	}
}

func (ts *tableState) resolve(id string) string {
	if final, ok := ts.aliases[id]; ok {
		return final
	}
	return id
}

// Resolve maps a reconciled temporary id to its authoritative id.
func (s *OptimisticStore) Resolve(table, id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tables[table]
	if !ok {
		return id
	}
	return ts.resolve(id)
}

// Get returns a visible record by its current id. Reconciled temporary ids and
// soft-deleted records are not returned.
func (s *OptimisticStore) Get(table, id string) (models.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tables[table]
	if !ok {
		return models.Record{}, false
	}
	e, ok := ts.entries[id]
	if !ok || e.current.IsDeleted() {
		return models.Record{}, false
	}
	return e.current.Clone(), true
}

// Snapshot returns a lazy, restartable read of the table: each iteration reads
// the collection as it is at that moment, newest first, ties broken by id.
func (s *OptimisticStore) Snapshot(table string) iter.Seq[models.Record] {
	return func(yield func(models.Record) bool) {
		s.mu.RLock()
		var records []models.Record
		if ts, ok := s.tables[table]; ok {
			records = make([]models.Record, 0, len(ts.entries))
			for _, e := range ts.entries {
				if !e.current.IsDeleted() {
					records = append(records, e.current.Clone())
				}
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(records, func(a, b models.Record) int {
			if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		for _, r := range records {
			if !yield(r) {
				return
			}
		}
	}
}

// Watermark returns the newest confirmed UpdatedAt of the table, the point a
// catch-up read resumes from.
func (s *OptimisticStore) Watermark(table string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	ts, ok := s.tables[table]
	if !ok {
		return latest
	}
	for _, e := range ts.entries {
		if e.confirmed != nil && e.confirmed.UpdatedAt.After(latest) {
			latest = e.confirmed.UpdatedAt
		}
	}
	return latest
}

// Clear drops every collection.
func (s *OptimisticStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = make(map[string]*tableState)
}

// nextTimestamp keeps local UpdatedAt strictly increasing for one record even
// when the wall clock has not advanced.
func nextTimestamp(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Microsecond)
}
