package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"nostr-client/internal/types"
)

// RelayStore persists the relay configuration list across sessions. The
// profile cache is not persisted here; it is derived data, rebuilt per
// session.
type RelayStore interface {
	Load() ([]types.RelayConfig, error)
	Save(configs []types.RelayConfig) error
}

// FileRelayStore stores relay configs as a JSON file.
type FileRelayStore struct {
	mu   sync.Mutex
	path string
}

// NewFileRelayStore creates a store at path. When path is empty the
// RELAYS_CONFIG env var is used, falling back to config/relays.json.
func NewFileRelayStore(path string) *FileRelayStore {
	if path == "" {
		path = os.Getenv("RELAYS_CONFIG")
	}
	if path == "" {
		path = "config/relays.json"
	}
	return &FileRelayStore{path: path}
}

// Load reads the persisted configs. A missing file is not an error: the
// embedded defaults are returned so a fresh install connects somewhere.
func (s *FileRelayStore) Load() ([]types.RelayConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("relay config file not found, using defaults", "path", s.path)
			return DefaultRelayConfigs(), nil
		}
		return nil, err
	}

	var configs []types.RelayConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		slog.Error("invalid JSON in relay config, using defaults", "path", s.path, "error", err)
		return DefaultRelayConfigs(), nil
	}

	slog.Info("loaded relay configuration", "path", s.path, "relays", len(configs))
	return configs, nil
}

// Save writes the configs atomically (temp file + rename).
func (s *FileRelayStore) Save(configs []types.RelayConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(configs, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// DefaultRelayConfigs returns the embedded default relay set.
func DefaultRelayConfigs() []types.RelayConfig {
	urls := []string{
		"wss://relay.damus.io",
		"wss://relay.nostr.band",
		"wss://relay.primal.net",
		"wss://nos.lol",
		"wss://nostr.mom",
	}
	configs := make([]types.RelayConfig, 0, len(urls))
	for _, u := range urls {
		configs = append(configs, types.RelayConfig{
			URL:     u,
			Read:    true,
			Write:   true,
			Enabled: true,
		})
	}
	return configs
}
