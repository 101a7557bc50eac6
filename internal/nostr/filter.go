package nostr

import "nostr-client/internal/types"

// EncodeFilter converts a Filter into the map shape a relay expects inside a
// REQ message. Zero-valued fields are omitted; tag filters are emitted with
// the '#' prefix.
func EncodeFilter(f types.Filter) map[string]interface{} {
	out := make(map[string]interface{})

	if len(f.IDs) > 0 {
		out["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.Limit > 0 {
		out["limit"] = f.Limit
	}
	for tag, values := range f.Tags {
		if len(values) > 0 {
			out["#"+tag] = values
		}
	}

	return out
}
