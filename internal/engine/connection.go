package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/rs/zerolog"
)

func validateTransition(from, to models.ConnectionState) error {
	switch from {
	case models.ConnectionOffline:
		switch to {
		case models.ConnectionOffline, models.ConnectionConnecting, models.ConnectionUnauthenticated, models.ConnectionClosed:
			return nil
		}
	case models.ConnectionConnecting:
		switch to {
		case models.ConnectionOnline, models.ConnectionConnecting, models.ConnectionOffline, models.ConnectionUnauthenticated, models.ConnectionClosed:
			return nil
		}
	case models.ConnectionOnline:
		switch to {
		// Online to connecting happens when the remote stops answering.
		case models.ConnectionConnecting, models.ConnectionOffline, models.ConnectionUnauthenticated, models.ConnectionClosed:
			return nil
		}
	case models.ConnectionUnauthenticated:
		switch to {
		case models.ConnectionUnauthenticated, models.ConnectionConnecting, models.ConnectionOffline, models.ConnectionClosed:
			return nil
		}
	}
	return fmt.Errorf("invalid connection state transition from %s to %s", from, to)
}

// ConnectionHooks are called outside the manager's lock.
type ConnectionHooks struct {
	// Online runs after the remote answered a probe.
	Online func(ctx context.Context)
	// Offline runs when the network goes away.
	Offline func()
	// Teardown runs when the identity is lost or replaced.
	Teardown func()
}

type ConnectionConfig struct {
	Backoff *Backoff
	// ProbeInterval is how often an online manager pings the remote. Zero disables it.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// ConnectionManager tracks whether the remote is usable: the network is up,
// an identity is present and the remote answered a probe.
type ConnectionManager struct {
	mu          sync.Mutex
	state       models.ConnectionState
	owner       string
	attempt     int
	gen         uint64
	timer       *time.Timer
	stopMonitor context.CancelFunc
	disposers   []func()
	started     bool
	stopped     bool

	publishMu sync.Mutex

	network  NetworkMonitor
	identity IdentityProvider
	remote   RemoteStore
	cfg      ConnectionConfig
	hooks    ConnectionHooks
	status   *StatusBroadcaster
	log      zerolog.Logger
}

func NewConnectionManager(network NetworkMonitor, identity IdentityProvider, remote RemoteStore, cfg ConnectionConfig, hooks ConnectionHooks, status *StatusBroadcaster, log zerolog.Logger) *ConnectionManager {
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff(time.Second, time.Minute)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &ConnectionManager{
		state:    models.ConnectionOffline,
		network:  network,
		identity: identity,
		remote:   remote,
		cfg:      cfg,
		hooks:    hooks,
		status:   status,
		log:      log,
	}
}

func (c *ConnectionManager) transitionLocked(to models.ConnectionState) error {
	if err := validateTransition(c.state, to); err != nil {
		return err
	}
	if c.state != to {
		c.log.Debug().Str("from", string(c.state)).Str("to", string(to)).Msg("connection state transitioned")
	}
	c.state = to
	return nil
}

// publish pushes the current state to the status broadcaster. It reads the
// state at publish time so concurrent transitions cannot publish out of order.
func (c *ConnectionManager) publish() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	c.status.SetConnectionState(c.State())
}

func (c *ConnectionManager) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ConnectionManager) Online() bool {
	return c.State() == models.ConnectionOnline
}

// Attempt returns the number of consecutive failed reconnect attempts.
func (c *ConnectionManager) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Start registers the network and identity listeners and evaluates the
// initial state. Calling Start twice is a no-op.
func (c *ConnectionManager) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	if id, ok := c.identity.Current(); ok {
		c.owner = id.OwnerID
	}
	c.mu.Unlock()

	disposers := []func(){
		c.network.Watch(c.handleNetwork),
		c.identity.Watch(c.handleIdentity),
	}
	c.mu.Lock()
	c.disposers = append(c.disposers, disposers...)
	c.mu.Unlock()

	c.evaluate()
}

func (c *ConnectionManager) evaluate() {
	if !c.network.Online() {
		c.goOffline()
		return
	}
	if _, ok := c.identity.Current(); !ok {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.resetLocked()
		err := c.transitionLocked(models.ConnectionUnauthenticated)
		c.mu.Unlock()
		if err != nil {
			c.log.Error().Err(err).Msg("connection state")
		}
		c.publish()
		return
	}
	c.connect()
}

func (c *ConnectionManager) handleNetwork(online bool) {
	c.log.Info().Bool("online", online).Msg("network changed")
	if !online {
		c.goOffline()
		return
	}
	c.evaluate()
}

func (c *ConnectionManager) handleIdentity(id models.Identity, ok bool) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	replaced := ok && c.owner != "" && c.owner != id.OwnerID
	if !ok || replaced {
		c.resetLocked()
		c.attempt = 0
		if err := c.transitionLocked(models.ConnectionUnauthenticated); err != nil {
			c.log.Error().Err(err).Msg("connection state")
		}
	}
	if ok {
		c.owner = id.OwnerID
	} else {
		c.owner = ""
	}
	c.mu.Unlock()

	if !ok || replaced {
		c.log.Info().Bool("replaced", replaced).Msg("identity lost, tearing down")
		c.hooks.Teardown()
		c.publish()
	}
	if ok {
		c.evaluate()
	}
}

// resetLocked invalidates in-flight probes, the reconnect timer and the
// online monitor.
func (c *ConnectionManager) resetLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stopMonitor != nil {
		c.stopMonitor()
		c.stopMonitor = nil
	}
}

func (c *ConnectionManager) goOffline() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	err := c.transitionLocked(models.ConnectionOffline)
	c.mu.Unlock()
	if err != nil {
		c.log.Error().Err(err).Msg("connection state")
		return
	}
	c.publish()
	c.hooks.Offline()
}

func (c *ConnectionManager) connect() {
	c.mu.Lock()
	if c.stopped || c.state == models.ConnectionOnline || c.state == models.ConnectionConnecting {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	if err := c.transitionLocked(models.ConnectionConnecting); err != nil {
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("connection state")
		return
	}
	gen := c.gen
	c.mu.Unlock()

	c.publish()
	go c.probe(gen)
}

func (c *ConnectionManager) probe(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProbeTimeout)
	err := c.remote.Ping(ctx)
	cancel()

	c.mu.Lock()
	if c.stopped || gen != c.gen || c.state != models.ConnectionConnecting {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.scheduleLocked()
		attempt := c.attempt
		c.mu.Unlock()
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("remote probe failed")
		return
	}

	c.attempt = 0
	if err := c.transitionLocked(models.ConnectionOnline); err != nil {
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("connection state")
		return
	}
	monitorCtx, stop := context.WithCancel(context.Background())
	c.stopMonitor = stop
	c.mu.Unlock()

	c.log.Info().Msg("remote reachable")
	if c.cfg.ProbeInterval > 0 {
		go c.monitor(monitorCtx)
	}
	// Observers see online once the queue drained and channels reopened.
	c.hooks.Online(monitorCtx)
	c.publish()
}

// scheduleLocked arms the reconnect timer for the next attempt.
func (c *ConnectionManager) scheduleLocked() {
	c.attempt++
	delay := c.cfg.Backoff.Delay(c.attempt)
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.stopped || gen != c.gen || c.state != models.ConnectionConnecting {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()
		c.probe(gen)
	})
	c.log.Debug().Int("attempt", c.attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *ConnectionManager) monitor(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
			err := c.remote.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.ReportFailure(err)
				return
			}
		}
	}
}

// NoteSuccess resets the reconnect attempt counter after a confirmed remote operation.
func (c *ConnectionManager) NoteSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt = 0
}

// ReportFailure moves an online manager back to reconnecting. Errors that are
// not connectivity failures are ignored.
func (c *ConnectionManager) ReportFailure(err error) {
	if Classify(err) != models.ErrConnectivity {
		return
	}
	c.mu.Lock()
	if c.stopped || c.state != models.ConnectionOnline {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	if err := c.transitionLocked(models.ConnectionConnecting); err != nil {
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("connection state")
		return
	}
	c.scheduleLocked()
	c.mu.Unlock()

	c.log.Warn().Err(err).Msg("remote unreachable, reconnecting")
	c.publish()
}

// Stop removes every listener and timer. The manager cannot be restarted.
func (c *ConnectionManager) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.resetLocked()
	if err := c.transitionLocked(models.ConnectionClosed); err != nil {
		c.log.Error().Err(err).Msg("connection state")
	}
	disposers := c.disposers
	c.disposers = nil
	c.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	c.publish()
}
