package types

// ProfileInfo contains user profile metadata (kind 0)
type ProfileInfo struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	About       string `json:"about,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Website     string `json:"website,omitempty"`
}

// CachedProfile wraps profile data for serialization in the cache backend.
// CreatedAt is the created_at of the kind-0 event the profile was decoded
// from, so a later arrival can be compared against the cached value.
type CachedProfile struct {
	Profile   *ProfileInfo `json:"profile,omitempty"`
	CreatedAt int64        `json:"created_at,omitempty"`
	FetchedAt int64        `json:"fetched_at"`
	NotFound  bool         `json:"not_found"`
}

// CachedContacts wraps a kind-3 contact list for serialization
type CachedContacts struct {
	Pubkeys   []string `json:"pubkeys"`
	FetchedAt int64    `json:"fetched_at"`
}

// CachedRelayList wraps a NIP-65 relay list for serialization
type CachedRelayList struct {
	RelayList *RelayList `json:"relay_list,omitempty"`
	FetchedAt int64      `json:"fetched_at"`
	NotFound  bool       `json:"not_found"`
}
