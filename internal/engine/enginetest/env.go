package enginetest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/engine"
	"github.com/prudhvinik1/ledgersync/internal/models"
)

var (
	_ engine.NetworkMonitor   = (*Network)(nil)
	_ engine.IdentityProvider = (*Identity)(nil)
	_ engine.QueueStorage     = (*Storage)(nil)
)

// listeners is a small registry of callbacks keyed by registration order.
type listeners[T any] struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) notify(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

// Network is a NetworkMonitor driven by the test.
type Network struct {
	mu        sync.Mutex
	online    bool
	listeners listeners[bool]
}

func NewNetwork(online bool) *Network {
	return &Network{online: online}
}

func (n *Network) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *Network) Watch(fn func(bool)) func() {
	return n.listeners.add(fn)
}

// Set changes reachability and notifies listeners when it changed.
func (n *Network) Set(online bool) {
	n.mu.Lock()
	changed := n.online != online
	n.online = online
	n.mu.Unlock()
	if changed {
		n.listeners.notify(online)
	}
}

func (n *Network) ListenerCount() int {
	return n.listeners.count()
}

type identityChange struct {
	id models.Identity
	ok bool
}

// Identity is an IdentityProvider driven by the test.
type Identity struct {
	mu        sync.Mutex
	id        models.Identity
	ok        bool
	listeners listeners[identityChange]
}

// NewIdentity returns a provider signed in as ownerID, or signed out if ownerID is empty.
func NewIdentity(ownerID string) *Identity {
	i := &Identity{}
	if ownerID != "" {
		i.id, i.ok = identityFor(ownerID), true
	}
	return i
}

func identityFor(ownerID string) models.Identity {
	return models.Identity{
		OwnerID:   ownerID,
		DeviceID:  "device-" + ownerID,
		SessionID: "session-" + ownerID,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func (i *Identity) Current() (models.Identity, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.id, i.ok
}

func (i *Identity) Watch(fn func(models.Identity, bool)) func() {
	return i.listeners.add(func(c identityChange) { fn(c.id, c.ok) })
}

func (i *Identity) SignIn(ownerID string) {
	i.mu.Lock()
	i.id, i.ok = identityFor(ownerID), true
	id := i.id
	i.mu.Unlock()
	i.listeners.notify(identityChange{id: id, ok: true})
}

func (i *Identity) SignOut() {
	i.mu.Lock()
	i.id, i.ok = models.Identity{}, false
	i.mu.Unlock()
	i.listeners.notify(identityChange{})
}

func (i *Identity) ListenerCount() int {
	return i.listeners.count()
}

// Storage is an in-memory QueueStorage with failure injection.
type Storage struct {
	mu      sync.Mutex
	docs    map[string][]byte
	loadErr error
	saveErr error
	saves   int
}

func NewStorage() *Storage {
	return &Storage{docs: make(map[string][]byte)}
}

var ErrStorageBroken = errors.New("storage broken")

func (s *Storage) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, s.loadErr)
	}
	data, ok := s.docs[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (s *Storage) Save(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, s.saveErr)
	}
	s.docs[key] = append([]byte(nil), data...)
	s.saves++
	return nil
}

// Break makes subsequent loads and saves fail.
func (s *Storage) Break() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = ErrStorageBroken
	s.saveErr = ErrStorageBroken
}

func (s *Storage) Document(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.docs[key]...)
}

func (s *Storage) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Snapshot returns a copy of every stored document.
func (s *Storage) Snapshot() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.docs)
}
