package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/rs/zerolog"
)

// Handlers receive the changes of one subscription. Calls are made from a
// single dispatcher goroutine, in the order the changes were applied.
//
// When a record a filtered subscription has seen stops matching its filter,
// OnChange receives it once more as a ChangeDelete, and nothing after that
// until it matches again.
type Handlers struct {
	OnChange func(models.Change)
	OnError  func(error)
}

// Handle identifies one logical subscriber.
type Handle struct {
	id       uint64
	key      string
	table    string
	handlers Handlers
	active   atomic.Bool
}

func (h *Handle) Key() string {
	return h.key
}

func (h *Handle) Active() bool {
	return h.active.Load()
}

// subscription is the physical channel shared by every handle with the same key.
type subscription struct {
	key       string
	table     string
	filter    models.Filter
	handles   map[uint64]*Handle
	channel   FeedChannel
	cancel    context.CancelFunc
	opening   bool
	watermark time.Time
	// visible holds the ids of records delivered to a filtered subscription
	// that still match it.
	visible   map[string]struct{}
}

// track records what sub has seen and returns the change it should receive.
func (sub *subscription) track(change models.Change) (models.Change, bool) {
	if len(sub.filter) == 0 {
		return change, true
	}
	id := change.Record.ID
	_, seen := sub.visible[id]
	if change.PreviousID != "" {
		if _, ok := sub.visible[change.PreviousID]; ok {
			seen = true
			delete(sub.visible, change.PreviousID)
		}
	}

	gone := change.Kind == models.ChangeDelete || change.Kind == models.ChangeRollback
	if sub.filter.Matches(change.Record) {
		if gone {
			delete(sub.visible, id)
		} else {
			sub.visible[id] = struct{}{}
		}
		return change, true
	}
	if !seen {
		return models.Change{}, false
	}
	delete(sub.visible, id)
	if !gone {
		change.Kind = models.ChangeDelete
	}
	return change, true
}

type RegistryHooks struct {
	// Owner returns the owner whose feed channels are opened.
	Owner func() (string, bool)
	// Online gates channel opens.
	Online func() bool
	// ChannelLost reports a feed channel that ended without being closed by us.
	ChannelLost func(err error)
}

// SubscriptionRegistry owns one change-feed channel per (table, filter) key,
// reference counted by the handles attached to it.
type SubscriptionRegistry struct {
	mu     sync.Mutex
	subs   map[string]*subscription
	nextID uint64
	opens  atomic.Int64

	feed   ChangeFeed
	remote RemoteStore
	store  *OptimisticStore
	hooks  RegistryHooks
	log    zerolog.Logger

	queueMu sync.Mutex
	queue   []models.Change
	signal  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	stop    sync.Once
}

func NewSubscriptionRegistry(feed ChangeFeed, remote RemoteStore, store *OptimisticStore, hooks RegistryHooks, log zerolog.Logger) *SubscriptionRegistry {
	r := &SubscriptionRegistry{
		subs:    make(map[string]*subscription),
		feed:    feed,
		remote:  remote,
		store:   store,
		hooks:   hooks,
		log:     log,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.dispatchLoop()
	return r
}

// Subscribe attaches handlers to the channel for table+filter, opening the
// channel if this is the first subscriber for the key.
func (r *SubscriptionRegistry) Subscribe(table string, filter models.Filter, handlers Handlers) (*Handle, error) {
	if table == "" {
		return nil, validationError("subscribe requires a table")
	}
	key := filter.Key(table)

	r.mu.Lock()
	sub, ok := r.subs[key]
	if !ok {
		sub = &subscription{
			key:     key,
			table:   table,
			filter:  filter,
			handles: make(map[uint64]*Handle),
			visible: make(map[string]struct{}),
		}
		r.subs[key] = sub
	}
	r.nextID++
	h := &Handle{id: r.nextID, key: key, table: table, handlers: handlers}
	h.active.Store(true)
	sub.handles[h.id] = h
	refcount := len(sub.handles)
	r.mu.Unlock()

	r.log.Debug().Str("key", key).Int("refcount", refcount).Msg("subscribed")
	if !ok && r.hooks.Online() {
		go r.open(context.Background(), sub)
	}
	return h, nil
}

// Unsubscribe detaches h. No change is delivered to h after this returns,
// except one already being delivered. The channel closes with its last handle.
func (r *SubscriptionRegistry) Unsubscribe(h *Handle) {
	if h == nil || !h.active.CompareAndSwap(true, false) {
		return
	}

	r.mu.Lock()
	sub, ok := r.subs[h.key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(sub.handles, h.id)
	refcount := len(sub.handles)
	var ch FeedChannel
	if refcount == 0 {
		delete(r.subs, h.key)
		ch = r.detachLocked(sub)
	}
	r.mu.Unlock()

	closeChannel(ch, r.log)
	r.log.Debug().Str("key", h.key).Int("refcount", refcount).Msg("unsubscribed")
}

func (r *SubscriptionRegistry) detachLocked(sub *subscription) FeedChannel {
	if sub.cancel != nil {
		sub.cancel()
		sub.cancel = nil
	}
	ch := sub.channel
	sub.channel = nil
	sub.opening = false
	return ch
}

func closeChannel(ch FeedChannel, log zerolog.Logger) {
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close feed channel")
	}
}

func (r *SubscriptionRegistry) open(parent context.Context, sub *subscription) {
	owner, ok := r.hooks.Owner()
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	r.mu.Lock()
	if r.subs[sub.key] != sub || sub.channel != nil || sub.opening {
		r.mu.Unlock()
		cancel()
		return
	}
	sub.opening = true
	sub.cancel = cancel
	r.mu.Unlock()

	ch, err := r.feed.Subscribe(ctx, owner, sub.table)

	r.mu.Lock()
	if r.subs[sub.key] != sub || ctx.Err() != nil {
		r.mu.Unlock()
		if err == nil {
			closeChannel(ch, r.log)
		}
		return
	}
	sub.opening = false
	if err != nil {
		sub.cancel = nil
		handles := activeHandles(sub)
		r.mu.Unlock()
		cancel()
		r.log.Warn().Err(err).Str("key", sub.key).Msg("failed to open feed channel")
		for _, h := range handles {
			if h.handlers.OnError != nil {
				h.handlers.OnError(err)
			}
		}
		r.hooks.ChannelLost(err)
		return
	}
	sub.channel = ch
	r.mu.Unlock()

	r.opens.Add(1)
	r.log.Debug().Str("key", sub.key).Msg("feed channel open")
	go r.pump(ctx, sub, ch)
	r.catchUp(ctx, owner, sub)
}

// catchUp applies records changed since the subscription last saw the feed,
// covering events published while the channel was down.
func (r *SubscriptionRegistry) catchUp(ctx context.Context, owner string, sub *subscription) {
	r.mu.Lock()
	since := sub.watermark
	r.mu.Unlock()

	records, err := r.remote.List(ctx, sub.table, owner, sub.filter, since)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn().Err(err).Str("key", sub.key).Msg("catch-up read failed")
		}
		return
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		kind := models.ChangeUpdate
		if rec.IsDeleted() {
			kind = models.ChangeDelete
		}
		r.store.ApplyRemote(sub.table, models.ChangeEvent{Kind: kind, Table: sub.table, Record: rec, Timestamp: rec.UpdatedAt})
		r.advance(sub, rec.UpdatedAt)
	}
}

func (r *SubscriptionRegistry) advance(sub *subscription, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.After(sub.watermark) {
		sub.watermark = t
	}
}

func (r *SubscriptionRegistry) pump(ctx context.Context, sub *subscription, ch FeedChannel) {
	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				r.mu.Lock()
				lost := sub.channel == ch
				if lost {
					r.detachLocked(sub)
				}
				r.mu.Unlock()
				if lost {
					r.log.Warn().Str("key", sub.key).Msg("feed channel ended")
					r.hooks.ChannelLost(errors.New("feed channel ended"))
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			r.store.ApplyRemote(sub.table, ev)
			r.advance(sub, ev.Record.UpdatedAt)
		}
	}
}

// Suspend closes every physical channel but keeps the subscribers, so that
// Resubscribe can restore them.
func (r *SubscriptionRegistry) Suspend() {
	r.mu.Lock()
	var channels []FeedChannel
	for _, sub := range r.subs {
		if ch := r.detachLocked(sub); ch != nil {
			channels = append(channels, ch)
		}
	}
	r.mu.Unlock()

	for _, ch := range channels {
		closeChannel(ch, r.log)
	}
}

// Resubscribe reopens the channel of every key that still has subscribers.
func (r *SubscriptionRegistry) Resubscribe(ctx context.Context) {
	r.Suspend()

	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.open(ctx, sub)
		}()
	}
	wg.Wait()
	r.log.Info().Int("channels", len(subs)).Msg("subscriptions restored")
}

// Close releases every subscriber and channel.
func (r *SubscriptionRegistry) Close() {
	r.mu.Lock()
	var channels []FeedChannel
	for key, sub := range r.subs {
		for _, h := range sub.handles {
			h.active.Store(false)
		}
		if ch := r.detachLocked(sub); ch != nil {
			channels = append(channels, ch)
		}
		delete(r.subs, key)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		closeChannel(ch, r.log)
	}
}

// Stop closes the registry and its dispatcher. The registry cannot be reused.
func (r *SubscriptionRegistry) Stop() {
	r.Close()
	r.stop.Do(func() {
		close(r.done)
		<-r.stopped
	})
}

// ChannelCount returns the number of open physical channels.
func (r *SubscriptionRegistry) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sub := range r.subs {
		if sub.channel != nil {
			n++
		}
	}
	return n
}

// OpenCount returns how many channels were opened over the registry's life.
func (r *SubscriptionRegistry) OpenCount() int64 {
	return r.opens.Load()
}

func (r *SubscriptionRegistry) HandleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sub := range r.subs {
		n += len(sub.handles)
	}
	return n
}

// Dispatch queues a store change for delivery to matching subscribers.
func (r *SubscriptionRegistry) Dispatch(change models.Change) {
	r.queueMu.Lock()
	r.queue = append(r.queue, change)
	r.queueMu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *SubscriptionRegistry) dispatchLoop() {
	defer close(r.stopped)
	for {
		select {
		case <-r.done:
			return
		case <-r.signal:
		}

		r.queueMu.Lock()
		batch := r.queue
		r.queue = nil
		r.queueMu.Unlock()

		for _, change := range batch {
			for _, d := range r.route(change) {
				r.deliver(d.handle, d.change)
			}
		}
	}
}

type delivery struct {
	handle *Handle
	change models.Change
}

func (r *SubscriptionRegistry) route(change models.Change) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []delivery
	for _, sub := range r.subs {
		if sub.table != change.Table {
			continue
		}
		c, ok := sub.track(change)
		if !ok {
			continue
		}
		for _, h := range activeHandles(sub) {
			out = append(out, delivery{handle: h, change: c})
		}
	}
	return out
}

func activeHandles(sub *subscription) []*Handle {
	out := make([]*Handle, 0, len(sub.handles))
	for _, h := range sub.handles {
		if h.active.Load() {
			out = append(out, h)
		}
	}
	return out
}

func (r *SubscriptionRegistry) deliver(h *Handle, change models.Change) {
	if !h.active.Load() || h.handlers.OnChange == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Str("key", h.key).Msg("subscription handler panicked")
		}
	}()
	h.handlers.OnChange(change)
}
