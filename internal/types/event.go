// Package types provides shared type definitions used across internal packages.
package types

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	CreatedAt  int64      `json:"created_at"`
	Kind       int        `json:"kind"`
	Tags       [][]string `json:"tags"`
	Content    string     `json:"content"`
	Sig        string     `json:"sig"`
	RelaysSeen []string   `json:"-"`
}

// UnsignedEvent is the portion of an event handed to a signer. ID, PubKey
// and Sig are filled in by the signing capability.
type UnsignedEvent struct {
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}

// Filter represents a Nostr subscription filter (NIP-01).
// Tags holds generic tag filters keyed by tag name without the '#' prefix
// (e.g. Tags["e"] for event references, Tags["p"] for mentions).
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Limit   int
	Since   *int64
	Until   *int64
	Tags    map[string][]string
}

// NostrMessage represents a raw Nostr protocol message
type NostrMessage []interface{}

// Event kinds used by the client core.
const (
	KindProfileMetadata = 0
	KindTextNote        = 1
	KindContactList     = 3
	KindRelayListMeta   = 10002
)
