package nostr

import (
	"testing"

	"nostr-client/internal/types"
)

func TestEncodeFilter(t *testing.T) {
	since := int64(1700000000)
	f := types.Filter{
		Authors: []string{"pk-a", "pk-b"},
		Kinds:   []int{0, 1},
		Limit:   20,
		Since:   &since,
		Tags:    map[string][]string{"e": {"event-1"}},
	}

	out := EncodeFilter(f)
	if _, ok := out["ids"]; ok {
		t.Error("empty IDs were emitted")
	}
	if got := out["authors"].([]string); len(got) != 2 {
		t.Errorf("authors = %v", got)
	}
	if got := out["limit"].(int); got != 20 {
		t.Errorf("limit = %v", got)
	}
	if got := out["since"].(int64); got != since {
		t.Errorf("since = %v", got)
	}
	if got := out["#e"].([]string); len(got) != 1 || got[0] != "event-1" {
		t.Errorf("#e = %v", got)
	}
}

func TestEncodeFilterOmitsZeroValues(t *testing.T) {
	out := EncodeFilter(types.Filter{})
	if len(out) != 0 {
		t.Errorf("zero filter encoded to %v, want empty map", out)
	}
}
