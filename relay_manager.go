package main

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nostr-client/internal/nostr"
	"nostr-client/internal/types"
)

// Config-level errors, rejected synchronously and never retried.
var (
	ErrInvalidURL     = errors.New("invalid relay URL: must be ws:// or wss://")
	ErrDuplicateRelay = errors.New("relay already configured")
	ErrUnknownRelay   = errors.New("relay not configured")
)

// RelayManager owns the relay configuration set and the pool of live
// connections. It is the single writer for both: all mutation goes through
// its methods, and the invariant "one live connection per enabled config,
// none per disabled config" holds after every call.
type RelayManager struct {
	mu      sync.RWMutex
	configs map[string]types.RelayConfig
	order   []string // insertion order of URLs
	conns   map[string]*RelayConn

	store RelayStore // nil disables persistence

	listenerMu sync.RWMutex
	listeners  []func(types.RelayStatus)
}

// NewRelayManager creates an empty manager. store may be nil; when set,
// every config mutation is written through to it.
func NewRelayManager(store RelayStore) *RelayManager {
	return &RelayManager{
		configs: make(map[string]types.RelayConfig),
		conns:   make(map[string]*RelayConn),
		store:   store,
	}
}

// LoadFromStore seeds the manager with the store's persisted configs.
// Call once at startup, before ConnectAll.
func (m *RelayManager) LoadFromStore() error {
	if m.store == nil {
		return nil
	}
	configs, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("loading relay configs: %w", err)
	}
	for _, cfg := range configs {
		if err := m.AddRelay(cfg); err != nil {
			slog.Warn("skipping persisted relay", "url", cfg.URL, "error", err)
		}
	}
	return nil
}

// AddRelay registers a relay config. The URL must use the ws or wss scheme
// and must not already be configured. When the config is enabled, a
// connection is started immediately.
func (m *RelayManager) AddRelay(cfg types.RelayConfig) error {
	normalized := nostr.NormalizeRelayURL(cfg.URL)
	if normalized == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, cfg.URL)
	}
	cfg.URL = normalized

	m.mu.Lock()
	if _, exists := m.configs[cfg.URL]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRelay, cfg.URL)
	}
	m.configs[cfg.URL] = cfg
	m.order = append(m.order, cfg.URL)
	if cfg.Enabled {
		m.startConnLocked(cfg.URL)
	}
	m.mu.Unlock()

	m.persist()
	slog.Info("relay added", "url", cfg.URL, "read", cfg.Read, "write", cfg.Write, "enabled", cfg.Enabled)
	return nil
}

// RemoveRelay disconnects and forgets a relay. Unknown URLs are a no-op,
// not an error.
func (m *RelayManager) RemoveRelay(url string) {
	if n := nostr.NormalizeRelayURL(url); n != "" {
		url = n
	}

	m.mu.Lock()
	_, exists := m.configs[url]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.configs, url)
	for i, u := range m.order {
		if u == url {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	conn := m.conns[url]
	delete(m.conns, url)
	m.mu.Unlock()

	if conn != nil {
		conn.Stop()
	}
	m.persist()
	slog.Info("relay removed", "url", url)
}

// UpdateRelay merges a partial config into an existing relay. Toggling
// Enabled starts or stops the connection; Read/Write/Priority only affect
// routing.
func (m *RelayManager) UpdateRelay(url string, patch types.RelayConfigPatch) error {
	if n := nostr.NormalizeRelayURL(url); n != "" {
		url = n
	}

	m.mu.Lock()
	cfg, exists := m.configs[url]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRelay, url)
	}

	wasEnabled := cfg.Enabled
	if patch.Read != nil {
		cfg.Read = *patch.Read
	}
	if patch.Write != nil {
		cfg.Write = *patch.Write
	}
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}
	if patch.Priority != nil {
		cfg.Priority = *patch.Priority
	}
	m.configs[url] = cfg

	var stopped *RelayConn
	switch {
	case cfg.Enabled && !wasEnabled:
		m.startConnLocked(url)
	case !cfg.Enabled && wasEnabled:
		stopped = m.conns[url]
		delete(m.conns, url)
	}
	m.mu.Unlock()

	if stopped != nil {
		stopped.Stop()
	}
	m.persist()
	return nil
}

// AllRelays returns the configured relays in insertion order. Callers that
// care about Priority sort the result themselves.
func (m *RelayManager) AllRelays() []types.RelayConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.RelayConfig, 0, len(m.order))
	for _, url := range m.order {
		out = append(out, m.configs[url])
	}
	return out
}

// Status returns the live-derived snapshot for one relay, or false if the
// relay is unknown.
func (m *RelayManager) Status(url string) (types.RelayStatus, bool) {
	if n := nostr.NormalizeRelayURL(url); n != "" {
		url = n
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, exists := m.configs[url]; !exists {
		return types.RelayStatus{}, false
	}
	if conn, ok := m.conns[url]; ok {
		return conn.Status(), true
	}
	// Disabled relay: no live connection to derive from.
	return types.RelayStatus{URL: url, LastChecked: time.Now()}, true
}

// Statuses returns snapshots for every configured relay, in insertion order.
func (m *RelayManager) Statuses() []types.RelayStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.RelayStatus, 0, len(m.order))
	for _, url := range m.order {
		if conn, ok := m.conns[url]; ok {
			out = append(out, conn.Status())
		} else {
			out = append(out, types.RelayStatus{URL: url, LastChecked: time.Now()})
		}
	}
	return out
}

// ConnectedRelays returns the URLs currently in the Connected state.
func (m *RelayManager) ConnectedRelays() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, url := range m.order {
		if conn, ok := m.conns[url]; ok && conn.State() == StateConnected {
			out = append(out, url)
		}
	}
	return out
}

// readConns returns live connections for Connected relays with Read
// enabled, ordered by Priority (higher first).
func (m *RelayManager) readConns() []*RelayConn {
	return m.routedConns(func(cfg types.RelayConfig) bool { return cfg.Read })
}

// writeConns returns live connections for Connected relays with Write
// enabled.
func (m *RelayManager) writeConns() []*RelayConn {
	return m.routedConns(func(cfg types.RelayConfig) bool { return cfg.Write })
}

func (m *RelayManager) routedConns(route func(types.RelayConfig) bool) []*RelayConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type ranked struct {
		conn     *RelayConn
		priority int
	}
	var picked []ranked
	for _, url := range m.order {
		cfg := m.configs[url]
		if !route(cfg) {
			continue
		}
		if conn, ok := m.conns[url]; ok && conn.State() == StateConnected {
			picked = append(picked, ranked{conn, cfg.Priority})
		}
	}
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].priority > picked[j].priority })
	out := make([]*RelayConn, len(picked))
	for i, r := range picked {
		out[i] = r.conn
	}
	return out
}

// ConnectAll idempotently ensures every enabled relay has an active or
// in-progress connection. Safe to call repeatedly.
func (m *RelayManager) ConnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for url, cfg := range m.configs {
		if cfg.Enabled {
			if _, running := m.conns[url]; !running {
				m.startConnLocked(url)
			}
		}
	}
}

// startConnLocked creates and starts the connection for url. Caller holds
// m.mu and has verified no connection exists.
func (m *RelayManager) startConnLocked(url string) {
	conn := newRelayConn(url)
	conn.onStateChange = m.broadcast
	m.conns[url] = conn
	conn.Start()
}

// OnStatusChange registers a callback fired on every connection state
// transition. Callbacks must be fast; they run on the connection's
// goroutine.
func (m *RelayManager) OnStatusChange(fn func(types.RelayStatus)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *RelayManager) broadcast(st types.RelayStatus) {
	m.listenerMu.RLock()
	listeners := m.listeners
	m.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(st)
	}
}

// Shutdown stops every live connection. Configs are left in place.
func (m *RelayManager) Shutdown() {
	m.mu.Lock()
	conns := make([]*RelayConn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*RelayConn)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Stop()
	}
}

func (m *RelayManager) persist() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.AllRelays()); err != nil {
		slog.Warn("persisting relay configs failed", "error", err)
	}
}
