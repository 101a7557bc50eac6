package types

import "time"

// RelayConfig is the durable configuration for one relay. URL is the unique
// key within a RelayManager.
type RelayConfig struct {
	URL      string `json:"url"`
	Read     bool   `json:"read"`
	Write    bool   `json:"write"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority,omitempty"`
}

// RelayConfigPatch carries a partial update for an existing relay. Nil
// fields are left unchanged.
type RelayConfigPatch struct {
	Read     *bool `json:"read,omitempty"`
	Write    *bool `json:"write,omitempty"`
	Enabled  *bool `json:"enabled,omitempty"`
	Priority *int  `json:"priority,omitempty"`
}

// RelayStatus is a point-in-time snapshot of one relay's connection state.
// It is derived from the live connection and never persisted. Connected and
// Connecting are mutually exclusive.
type RelayStatus struct {
	URL         string    `json:"url"`
	Connected   bool      `json:"connected"`
	Connecting  bool      `json:"connecting"`
	Error       string    `json:"error,omitempty"`
	LatencyMs   int64     `json:"latency_ms,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// RelayList represents a user's NIP-65 relay list
type RelayList struct {
	Read  []string
	Write []string
}
