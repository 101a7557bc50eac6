package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"nostr-client/internal/cache"
	"nostr-client/internal/nostr"
	"nostr-client/internal/types"
	"nostr-client/internal/util"
)

const (
	relayListKeyPrefix = "relaylist:"
	contactsKeyPrefix  = "contacts:"
)

// Directory resolves per-user routing data from relays: NIP-65 relay lists
// (kind 10002) and contact lists (kind 3). Both are fetched through
// singleflight so concurrent requests for the same pubkey share one query;
// unlike profiles these are identical-key lookups, not overlapping sets, so
// singleflight fits better than the batcher.
type Directory struct {
	engine  *FetchEngine
	backend cache.Backend
	config  cache.Config

	relayListGroup singleflight.Group
	contactsGroup  singleflight.Group
}

// NewDirectory builds a directory over the fetch engine and cache backend.
func NewDirectory(engine *FetchEngine, backend cache.Backend, cfg cache.Config) *Directory {
	return &Directory{engine: engine, backend: backend, config: cfg}
}

// FetchRelayList returns the pubkey's NIP-65 relay list, or nil when the
// relays have none (a cached negative, so repeated lookups stay cheap).
func (d *Directory) FetchRelayList(ctx context.Context, pubkey string) *types.RelayList {
	if data, found, err := d.backend.Get(ctx, relayListKeyPrefix+pubkey); err == nil && found {
		var cached types.CachedRelayList
		if err := json.Unmarshal(data, &cached); err == nil {
			ttl := d.config.RelayListTTL
			if cached.NotFound {
				ttl = d.config.RelayListNotFoundTTL
			}
			if time.Since(time.Unix(cached.FetchedAt, 0)) <= ttl {
				cacheHitsTotal.Add(1)
				return cached.RelayList
			}
		}
	}
	cacheMissesTotal.Add(1)

	result, _, shared := d.relayListGroup.Do(pubkey, func() (interface{}, error) {
		return d.fetchRelayListDirect(ctx, pubkey), nil
	})
	if shared {
		slog.Debug("shared relay list fetch", "pubkey", nostr.ShortID(pubkey))
	}
	if result == nil {
		return nil
	}
	return result.(*types.RelayList)
}

func (d *Directory) fetchRelayListDirect(ctx context.Context, pubkey string) *types.RelayList {
	events, err := d.engine.FetchEvents(ctx, []types.Filter{{
		Authors: []string{pubkey},
		Kinds:   []int{types.KindRelayListMeta},
		Limit:   1,
	}}, DefaultFetchOptions())
	if err != nil || len(events) == 0 {
		d.storeRelayList(pubkey, types.CachedRelayList{FetchedAt: time.Now().Unix(), NotFound: true})
		return nil
	}

	newest := events[0]
	for _, evt := range events[1:] {
		if evt.CreatedAt > newest.CreatedAt {
			newest = evt
		}
	}

	rl := parseRelayListEvent(&newest)
	d.storeRelayList(pubkey, types.CachedRelayList{RelayList: rl, FetchedAt: time.Now().Unix()})
	return rl
}

func (d *Directory) storeRelayList(pubkey string, cached types.CachedRelayList) {
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	ttl := d.config.RelayListTTL
	if cached.NotFound {
		ttl = d.config.RelayListNotFoundTTL
	}
	d.backend.Set(context.Background(), relayListKeyPrefix+pubkey, data, ttl)
}

// parseRelayListEvent extracts read/write relay sets from a kind-10002
// event's "r" tags. A tag without a marker counts for both directions.
func parseRelayListEvent(evt *types.Event) *types.RelayList {
	rl := &types.RelayList{}
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		url := nostr.NormalizeRelayURL(tag[1])
		if url == "" {
			continue
		}
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "read":
			rl.Read = append(rl.Read, url)
		case "write":
			rl.Write = append(rl.Write, url)
		default:
			rl.Read = append(rl.Read, url)
			rl.Write = append(rl.Write, url)
		}
	}
	rl.Read = util.UniqueStrings(rl.Read)
	rl.Write = util.UniqueStrings(rl.Write)
	return rl
}

// FetchContacts returns the pubkey's followed pubkeys from their newest
// kind-3 event, empty when they follow nobody or no event was found.
func (d *Directory) FetchContacts(ctx context.Context, pubkey string) []string {
	if data, found, err := d.backend.Get(ctx, contactsKeyPrefix+pubkey); err == nil && found {
		var cached types.CachedContacts
		if err := json.Unmarshal(data, &cached); err == nil {
			if time.Since(time.Unix(cached.FetchedAt, 0)) <= d.config.ContactTTL {
				cacheHitsTotal.Add(1)
				return cached.Pubkeys
			}
		}
	}
	cacheMissesTotal.Add(1)

	result, _, _ := d.contactsGroup.Do(pubkey, func() (interface{}, error) {
		return d.fetchContactsDirect(ctx, pubkey), nil
	})
	if result == nil {
		return nil
	}
	return result.([]string)
}

func (d *Directory) fetchContactsDirect(ctx context.Context, pubkey string) []string {
	events, err := d.engine.FetchEvents(ctx, []types.Filter{{
		Authors: []string{pubkey},
		Kinds:   []int{types.KindContactList},
		Limit:   1,
	}}, DefaultFetchOptions())
	if err != nil || len(events) == 0 {
		return nil
	}

	newest := events[0]
	for _, evt := range events[1:] {
		if evt.CreatedAt > newest.CreatedAt {
			newest = evt
		}
	}

	pubkeys := util.UniqueStrings(util.GetTagValues(newest.Tags, "p"))

	if data, err := json.Marshal(types.CachedContacts{
		Pubkeys:   pubkeys,
		FetchedAt: time.Now().Unix(),
	}); err == nil {
		d.backend.Set(context.Background(), contactsKeyPrefix+pubkey, data, d.config.ContactTTL)
	}
	return pubkeys
}

// ImportRelayList merges a NIP-65 relay list into the configured set. New
// URLs are added enabled with the list's direction markers; existing entries
// gain any direction the list grants but never lose one.
func (m *RelayManager) ImportRelayList(rl *types.RelayList) {
	if rl == nil {
		return
	}

	read := make(map[string]bool, len(rl.Read))
	for _, url := range rl.Read {
		read[url] = true
	}
	write := make(map[string]bool, len(rl.Write))
	for _, url := range rl.Write {
		write[url] = true
	}

	urls := util.UniqueStrings(append(append([]string{}, rl.Read...), rl.Write...))
	for _, url := range urls {
		cfg := types.RelayConfig{
			URL:     url,
			Read:    read[url],
			Write:   write[url],
			Enabled: true,
		}
		err := m.AddRelay(cfg)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrDuplicateRelay) {
			slog.Warn("skipping relay list entry", "url", url, "error", err)
			continue
		}

		patch := types.RelayConfigPatch{}
		enable := true
		if read[url] {
			patch.Read = &enable
		}
		if write[url] {
			patch.Write = &enable
		}
		if err := m.UpdateRelay(url, patch); err != nil {
			slog.Warn("merging relay list entry failed", "url", url, "error", err)
		}
	}
}
