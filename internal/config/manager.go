package config

import (
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the live configuration for the process. Components hold a
// reference to the Manager and read via Snapshot at the start of each unit
// of work, so a reload takes effect on the next operation without any
// component restart. The one exception is the Telegram token: the polling
// transport must reconnect to pick it up, which the manager reports via
// the reload result.
type Manager struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	current  *Config
	onReload []func(*Config)
}

// ReloadResult describes what a reload changed.
type ReloadResult struct {
	// TransportReconnect is true when the Telegram token changed, which
	// the polling transport cannot absorb without reconnecting.
	TransportReconnect bool
}

// NewManager creates a Manager seeded with an already-loaded config.
func NewManager(path string, cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		path:    path,
		logger:  logger.With("component", "config"),
		current: cfg,
	}
}

// Snapshot returns the current configuration. The returned value must be
// treated as read-only; a reload swaps the pointer rather than mutating
// the struct in place.
func (m *Manager) Snapshot() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnReload registers a callback invoked with the new config after every
// successful reload. Callbacks run synchronously on the reloading
// goroutine and must not block.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// Reload re-reads the config file and swaps it in. On parse failure the
// previous configuration stays active.
func (m *Manager) Reload() (*ReloadResult, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}

	m.mu.Lock()
	prev := m.current
	m.current = cfg
	callbacks := make([]func(*Config), len(m.onReload))
	copy(callbacks, m.onReload)
	m.mu.Unlock()

	result := &ReloadResult{
		TransportReconnect: prev.Telegram.Token != cfg.Telegram.Token,
	}

	m.logger.Info("configuration reloaded",
		"path", m.path,
		"transport_reconnect", result.TransportReconnect,
	)

	for _, fn := range callbacks {
		fn(cfg)
	}
	return result, nil
}
