package services

import (
	"context"
	"sync"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/engine"
	"github.com/rs/zerolog"
)

const (
	DefaultProbeInterval = 10 * time.Second
	probeTimeout         = 3 * time.Second
)

var _ engine.NetworkMonitor = (*ProbeMonitor)(nil)

// CheckFunc reports whether the network path to the backing services works.
type CheckFunc func(ctx context.Context) error

// ProbeMonitor is a NetworkMonitor that runs a check on an interval and
// reports reachability changes.
type ProbeMonitor struct {
	check    CheckFunc
	interval time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	online    bool
	listeners listeners[bool]
}

func NewProbeMonitor(check CheckFunc, interval time.Duration, log zerolog.Logger) *ProbeMonitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &ProbeMonitor{check: check, interval: interval, log: log}
}

// Run probes once immediately and then on every tick until ctx is done.
func (m *ProbeMonitor) Run(ctx context.Context) {
	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe runs the check once and returns the resulting reachability.
func (m *ProbeMonitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := m.check(probeCtx)
	cancel()
	if err != nil && ctx.Err() != nil {
		return m.Online()
	}
	if err != nil {
		m.log.Debug().Err(err).Msg("network probe failed")
	}
	m.Set(err == nil)
	return err == nil
}

// Set records reachability and notifies listeners when it changed.
func (m *ProbeMonitor) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if changed {
		m.log.Info().Bool("online", online).Msg("network reachability changed")
		m.listeners.notify(online)
	}
}

func (m *ProbeMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ProbeMonitor) Watch(fn func(online bool)) func() {
	return m.listeners.add(fn)
}
