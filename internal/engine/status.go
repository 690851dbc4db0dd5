package engine

import (
	"sync"
	"sync/atomic"

	"github.com/prudhvinik1/ledgersync/internal/models"
)

type statusObserver struct {
	// mu serialises calls to fn, so the initial delivery and queued ones never overlap.
	mu      sync.Mutex
	fn      func(models.SyncStatus)
	removed atomic.Bool
}

type statusDelivery struct {
	status    models.SyncStatus
	observers []*statusObserver
}

// StatusBroadcaster publishes SyncStatus transitions to any number of observers.
//
// Transitions are delivered in order from a single goroutine, outside every
// lock, so observers may call back into the engine.
type StatusBroadcaster struct {
	mu        sync.Mutex
	status    models.SyncStatus
	observers map[uint64]*statusObserver
	nextID    uint64
	pending   []statusDelivery
	running   bool
}

func NewStatusBroadcaster(initial models.SyncStatus) *StatusBroadcaster {
	return &StatusBroadcaster{
		status:    initial,
		observers: make(map[uint64]*statusObserver),
	}
}

func (b *StatusBroadcaster) Current() models.SyncStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Subscribe registers fn and delivers the current status to it before
// returning. Later transitions arrive asynchronously.
func (b *StatusBroadcaster) Subscribe(fn func(models.SyncStatus)) (unsubscribe func()) {
	obs := &statusObserver{fn: fn}
	obs.mu.Lock()

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.observers[id] = obs
	current := b.status
	b.mu.Unlock()

	fn(current)
	obs.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			obs.removed.Store(true)
			b.mu.Lock()
			delete(b.observers, id)
			b.mu.Unlock()
		})
	}
}

// Update applies mutate to the status and broadcasts the result if it changed.
func (b *StatusBroadcaster) Update(mutate func(*models.SyncStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.status
	mutate(&next)
	if next.Equal(b.status) {
		return
	}
	b.status = next
	if len(b.observers) == 0 {
		return
	}
	observers := make([]*statusObserver, 0, len(b.observers))
	for _, obs := range b.observers {
		observers = append(observers, obs)
	}
	b.pending = append(b.pending, statusDelivery{status: next, observers: observers})
	if !b.running {
		b.running = true
		go b.deliverLoop()
	}
}

// deliverLoop drains pending deliveries and exits once the queue is empty.
func (b *StatusBroadcaster) deliverLoop() {
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.running = false
			b.mu.Unlock()
			return
		}
		d := b.pending[0]
		b.pending[0] = statusDelivery{}
		b.pending = b.pending[1:]
		b.mu.Unlock()

		for _, obs := range d.observers {
			if obs.removed.Load() {
				continue
			}
			obs.mu.Lock()
			obs.fn(d.status)
			obs.mu.Unlock()
		}
	}
}

func (b *StatusBroadcaster) SetConnectionState(state models.ConnectionState) {
	b.Update(func(s *models.SyncStatus) { s.ConnectionState = state })
}

func (b *StatusBroadcaster) SetLastError(err error) {
	b.Update(func(s *models.SyncStatus) { s.LastError = err })
}

func (b *StatusBroadcaster) ObserverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Reset drops every observer and undelivered transition and restores the initial status.
func (b *StatusBroadcaster) Reset(initial models.SyncStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, obs := range b.observers {
		obs.removed.Store(true)
	}
	b.status = initial
	b.observers = make(map[uint64]*statusObserver)
	b.pending = nil
}
