// Package enginetest provides in-memory collaborators for engine tests.
package enginetest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/ledgersync/internal/engine"
	"github.com/prudhvinik1/ledgersync/internal/models"
)

var (
	_ engine.RemoteStore = (*Server)(nil)
	_ engine.ChangeFeed  = (*Server)(nil)
)

// Server is an in-memory remote store and change feed. Several engines can
// share one Server to act as different devices of the same owner.
type Server struct {
	mu       sync.Mutex
	tables   map[string]map[string]models.Record
	refs     map[string]string
	channels map[uint64]*feedChannel
	nextID   uint64
	last     time.Time
	offline  bool
	failures []error
	lose     int

	inserts atomic.Int64
	patches atomic.Int64
	opened  atomic.Int64
}

func NewServer() *Server {
	return &Server{
		tables:   make(map[string]map[string]models.Record),
		refs:     make(map[string]string),
		channels: make(map[uint64]*feedChannel),
	}
}

var errOffline = fmt.Errorf("%w: remote unreachable", models.ErrConnectivity)

// SetOffline makes every call fail with a connectivity error.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// LoseNextResponses makes the next n Insert or Patch calls take effect but
// report a connectivity error, as if the response was lost in transit.
func (s *Server) LoseNextResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lose += n
}

func (s *Server) lostLocked() bool {
	if s.lose == 0 {
		return false
	}
	s.lose--
	return true
}

// FailNext makes the next Insert or Patch calls return errs, in order.
func (s *Server) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

func (s *Server) checkLocked() error {
	if s.offline {
		return errOffline
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	return nil
}

func (s *Server) tickLocked() time.Time {
	now := time.Now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

func (s *Server) table(name string) map[string]models.Record {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]models.Record)
		s.tables[name] = t
	}
	return t
}

func (s *Server) Insert(ctx context.Context, table string, records ...models.Record) ([]models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConnectivity, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	s.inserts.Add(1)

	t := s.table(table)
	out := make([]models.Record, 0, len(records))
	for _, rec := range records {
		if rec.ClientRef != "" {
			if id, ok := s.refs[rec.OwnerID+"|"+rec.ClientRef]; ok {
				out = append(out, t[id].Clone())
				continue
			}
		}
		now := s.tickLocked()
		stored := rec.Clone()
		stored.ID = uuid.NewString()
		stored.CreatedAt = now
		stored.UpdatedAt = now
		stored.Pending = false
		t[stored.ID] = stored
		if stored.ClientRef != "" {
			s.refs[stored.OwnerID+"|"+stored.ClientRef] = stored.ID
		}
		s.publishLocked(table, models.ChangeInsert, stored)
		out = append(out, stored.Clone())
	}
	if s.lostLocked() {
		return nil, fmt.Errorf("%w: response lost", models.ErrConnectivity)
	}
	return out, nil
}

func (s *Server) Patch(ctx context.Context, table, ownerID, id string, patch models.Patch) (models.Record, error) {
	if err := ctx.Err(); err != nil {
		return models.Record{}, fmt.Errorf("%w: %v", models.ErrConnectivity, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return models.Record{}, err
	}
	s.patches.Add(1)

	t := s.table(table)
	rec, ok := t[id]
	if !ok || rec.IsDeleted() {
		return models.Record{}, fmt.Errorf("%w: record %s not found", models.ErrValidation, id)
	}
	if rec.OwnerID != ownerID {
		return models.Record{}, fmt.Errorf("%w: record %s belongs to another owner", models.ErrAuthorization, id)
	}
	rec = rec.Clone()
	maps.Copy(rec.Fields, patch.Fields)
	kind := models.ChangeUpdate
	if patch.DeletedAt != nil {
		deletedAt := *patch.DeletedAt
		rec.DeletedAt = &deletedAt
		kind = models.ChangeDelete
	}
	rec.UpdatedAt = s.tickLocked()
	t[id] = rec
	s.publishLocked(table, kind, rec)
	if s.lostLocked() {
		return models.Record{}, fmt.Errorf("%w: response lost", models.ErrConnectivity)
	}
	return rec.Clone(), nil
}

func (s *Server) List(ctx context.Context, table, ownerID string, filter models.Filter, since time.Time) ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, errOffline
	}
	var out []models.Record
	for _, rec := range s.table(table) {
		if rec.OwnerID != ownerID || !filter.Matches(rec) || rec.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, rec.Clone())
	}
	slices.SortFunc(out, func(a, b models.Record) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return out, nil
}

func (s *Server) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return errOffline
	}
	return nil
}

// Records returns every stored record of table, including soft-deleted ones.
func (s *Server) Records(table string) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Record, 0, len(s.tables[table]))
	for _, rec := range s.tables[table] {
		out = append(out, rec.Clone())
	}
	return out
}

// Seed stores rec as if another client had written it and publishes the change.
func (s *Server) Seed(table string, rec models.Record) models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tickLocked()
	rec = rec.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.table(table)[rec.ID] = rec
	s.publishLocked(table, models.ChangeInsert, rec)
	return rec.Clone()
}

// SoftDelete marks a stored record deleted. With publish=false no change
// event is sent, so connected clients keep their stale copy.
func (s *Server) SoftDelete(table, id string, publish bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.table(table)[id]
	if !ok {
		return
	}
	now := s.tickLocked()
	rec.DeletedAt = &now
	rec.UpdatedAt = now
	s.table(table)[id] = rec
	if publish {
		s.publishLocked(table, models.ChangeDelete, rec)
	}
}

// Publish sends ev to every open channel of owner's table without storing it.
func (s *Server) Publish(ownerID string, ev models.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.owner == ownerID && ch.table == ev.Table {
			ch.send(ev)
		}
	}
}

func (s *Server) publishLocked(table string, kind models.ChangeKind, rec models.Record) {
	ev := models.ChangeEvent{Kind: kind, Table: table, Record: rec.Clone(), Timestamp: rec.UpdatedAt}
	for _, ch := range s.channels {
		if ch.owner == rec.OwnerID && ch.table == table {
			ch.send(ev)
		}
	}
}

func (s *Server) InsertCount() int64 {
	return s.inserts.Load()
}

func (s *Server) PatchCount() int64 {
	return s.patches.Load()
}

// OpenedChannels counts feed channels ever opened.
func (s *Server) OpenedChannels() int64 {
	return s.opened.Load()
}

// OpenChannels counts feed channels currently open.
func (s *Server) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *Server) Subscribe(ctx context.Context, ownerID, table string) (engine.FeedChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, errOffline
	}
	s.nextID++
	ch := &feedChannel{
		id:     s.nextID,
		owner:  ownerID,
		table:  table,
		events: make(chan models.ChangeEvent, 1024),
		server: s,
	}
	s.channels[ch.id] = ch
	s.opened.Add(1)
	return ch, nil
}

type feedChannel struct {
	id     uint64
	owner  string
	table  string
	events chan models.ChangeEvent
	server *Server
	closed bool
}

// send is called with the server lock held.
func (c *feedChannel) send(ev models.ChangeEvent) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *feedChannel) Events() <-chan models.ChangeEvent {
	return c.events
}

func (c *feedChannel) Close() error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	delete(c.server.channels, c.id)
	return nil
}

// Drop ends every open channel from the server side, as a broken connection would.
func (s *Server) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.channels {
		ch.closed = true
		close(ch.events)
		delete(s.channels, id)
	}
}
