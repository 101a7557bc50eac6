package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"nostr-client/internal/types"
)

func TestComputeEventIDMatchesCanonicalSerialization(t *testing.T) {
	evt := &types.Event{
		PubKey:    "97c70a44366a6535c145b333f973ea86dfdc2d7a99da618c40c64705ad98e322",
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{{"e", "abc123", "", "reply"}, {"p", "def456"}},
		Content:   "plain content",
	}

	serialized := fmt.Sprintf(
		`[0,"%s",%d,%d,[["e","abc123","","reply"],["p","def456"]],"%s"]`,
		evt.PubKey, evt.CreatedAt, evt.Kind, evt.Content,
	)
	hash := sha256.Sum256([]byte(serialized))
	want := hex.EncodeToString(hash[:])

	if got := ComputeEventID(evt); got != want {
		t.Errorf("ComputeEventID = %s, want %s", got, want)
	}
}

func TestComputeEventIDDoesNotEscapeHTML(t *testing.T) {
	evt := &types.Event{
		PubKey:    "97c70a44366a6535c145b333f973ea86dfdc2d7a99da618c40c64705ad98e322",
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{},
		Content:   `a<b & c>d`,
	}

	// Relays hash the raw characters, not < escapes.
	serialized := fmt.Sprintf(
		`[0,"%s",%d,%d,[],"a<b & c>d"]`,
		evt.PubKey, evt.CreatedAt, evt.Kind,
	)
	hash := sha256.Sum256([]byte(serialized))
	want := hex.EncodeToString(hash[:])

	if got := ComputeEventID(evt); got != want {
		t.Errorf("ComputeEventID = %s, want %s (HTML must stay unescaped)", got, want)
	}
}

func TestParseEventFromInterface(t *testing.T) {
	raw := map[string]interface{}{
		"id":         "event-id",
		"pubkey":     "event-pubkey",
		"created_at": float64(1700000000),
		"kind":       float64(1),
		"tags":       []interface{}{[]interface{}{"p", "somebody"}},
		"content":    "hello",
	}

	evt, ok := ParseEventFromInterface(raw)
	if !ok {
		t.Fatal("ParseEventFromInterface rejected a valid map")
	}
	if evt.ID != "event-id" || evt.PubKey != "event-pubkey" || evt.Kind != 1 {
		t.Errorf("parsed event = %+v", evt)
	}
	if len(evt.Tags) != 1 || evt.Tags[0][1] != "somebody" {
		t.Errorf("parsed tags = %v", evt.Tags)
	}

	if _, ok := ParseEventFromInterface("not a map"); ok {
		t.Error("non-map input was accepted")
	}
	if _, ok := ParseEventFromInterface(map[string]interface{}{"content": "no id"}); ok {
		t.Error("event without an ID was accepted")
	}
}

func TestParseEventRejectsInvalidSignature(t *testing.T) {
	raw := map[string]interface{}{
		"id":         "00a1b2c3d4e5f60718293a4b5c6d7e8f00a1b2c3d4e5f60718293a4b5c6d7e8f",
		"pubkey":     "97c70a44366a6535c145b333f973ea86dfdc2d7a99da618c40c64705ad98e322",
		"created_at": float64(1700000000),
		"kind":       float64(1),
		"tags":       []interface{}{},
		"content":    "forged",
		"sig": "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef" +
			"deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	}
	if _, ok := ParseEventFromInterface(raw); ok {
		t.Error("event with a garbage signature was accepted")
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("ShortID = %q", got)
	}
	if got := ShortID("short"); got != "short" {
		t.Errorf("ShortID of short input = %q", got)
	}
}
