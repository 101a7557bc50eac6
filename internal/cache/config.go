package cache

import "time"

// Config holds cache TTL configuration. Every value is injectable so
// deployments can tune staleness per entity class instead of patching
// constants.
type Config struct {
	ProfileTTL           time.Duration
	ProfileNotFoundTTL   time.Duration
	ContactTTL           time.Duration
	RelayListTTL         time.Duration
	RelayListNotFoundTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ProfileTTL:           5 * time.Minute,  // profile metadata staleness bound
		ProfileNotFoundTTL:   1 * time.Minute,  // empty misses retry sooner, but never storm
		ContactTTL:           10 * time.Minute, // contact lists change rarely
		RelayListTTL:         1 * time.Hour,
		RelayListNotFoundTTL: 5 * time.Minute,
	}
}
