package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"nostr-client/internal/cache"
	"nostr-client/internal/nostr"
	"nostr-client/internal/types"
	"nostr-client/internal/util"
)

const (
	profileKeyPrefix    = "profile:"
	resubscribeInterval = 30 * time.Second
	liveRetryDelay      = 5 * time.Second

	// How many staleness windows an entry stays in the backend before it is
	// dropped outright instead of served stale.
	profileRetentionFactor = 12
)

// ProfileEntry is the non-blocking view of one cached profile.
type ProfileEntry struct {
	Profile   *types.ProfileInfo
	Found     bool // an entry (including a negative one) exists
	NotFound  bool // cached "relays had nothing for this pubkey"
	Stale     bool
	CreatedAt int64
	FetchedAt time.Time
}

// ProfileUpdateFn receives live profile updates for subscribed pubkeys.
type ProfileUpdateFn func(pubkey string, profile *types.ProfileInfo)

type profileSub struct {
	pubkeys map[string]bool
	fn      ProfileUpdateFn
}

// ProfileCache maintains the pubkey -> profile map derived from the newest
// kind-0 event per author. Reads never block; freshness is pulled through a
// debounced batcher so overlapping demand from many consumers becomes one
// relay query, and pushed through a background live subscription for
// subscribed pubkeys.
//
// The cache map is mutated only on the batch-drain and live-update paths;
// concurrent EnsureFresh callers racing the same pubkey share one in-flight
// fetch instead of stomping each other.
type ProfileCache struct {
	engine  *FetchEngine
	backend cache.Backend
	config  cache.Config

	batcher *Batcher[*types.ProfileInfo]

	mu         sync.Mutex
	refreshing map[string]bool
	subs       map[int]*profileSub
	nextSubID  int

	changeCh chan struct{}
	cancel   context.CancelFunc
	runMu    sync.Mutex
}

// NewProfileCache wires the cache over a fetch engine and a cache backend.
func NewProfileCache(engine *FetchEngine, backend cache.Backend, cfg cache.Config, bcfg BatcherConfig) *ProfileCache {
	pc := &ProfileCache{
		engine:     engine,
		backend:    backend,
		config:     cfg,
		refreshing: make(map[string]bool),
		subs:       make(map[int]*profileSub),
		changeCh:   make(chan struct{}, 1),
	}
	pc.batcher = NewBatcher("profiles", bcfg, pc.fetchBatch)
	return pc
}

// Get returns the cached entry immediately, possibly stale or absent. It
// never triggers network activity.
func (pc *ProfileCache) Get(pubkey string) ProfileEntry {
	data, found, err := pc.backend.Get(context.Background(), profileKeyPrefix+pubkey)
	if err != nil || !found {
		cacheMissesTotal.Add(1)
		return ProfileEntry{}
	}

	var cached types.CachedProfile
	if err := json.Unmarshal(data, &cached); err != nil {
		cacheMissesTotal.Add(1)
		return ProfileEntry{}
	}
	cacheHitsTotal.Add(1)

	ttl := pc.config.ProfileTTL
	if cached.NotFound {
		ttl = pc.config.ProfileNotFoundTTL
	}
	fetchedAt := time.Unix(cached.FetchedAt, 0)

	return ProfileEntry{
		Profile:   cached.Profile,
		Found:     true,
		NotFound:  cached.NotFound,
		Stale:     time.Since(fetchedAt) > ttl,
		CreatedAt: cached.CreatedAt,
		FetchedAt: fetchedAt,
	}
}

// EnsureFresh guarantees every requested pubkey either has a fresh entry or
// has just been fetched. Missing and stale keys ride the shared batcher: N
// concurrent callers in one debounce window produce a single relay query
// covering the union of their keys. Returns the known profiles (cached
// negatives omitted).
func (pc *ProfileCache) EnsureFresh(ctx context.Context, pubkeys []string) map[string]*types.ProfileInfo {
	pubkeys = util.UniqueStrings(pubkeys)
	if len(pubkeys) == 0 {
		return nil
	}

	result := make(map[string]*types.ProfileInfo)
	var wanted []string
	for _, pk := range pubkeys {
		entry := pc.Get(pk)
		if entry.Found && !entry.Stale {
			if entry.Profile != nil {
				result[pk] = entry.Profile
			}
			continue
		}
		wanted = append(wanted, pk)
	}
	if len(wanted) == 0 {
		return result
	}

	pc.mu.Lock()
	for _, pk := range wanted {
		pc.refreshing[pk] = true
	}
	pc.mu.Unlock()

	fresh := pc.batcher.GetMultiple(ctx, wanted)

	pc.mu.Lock()
	for _, pk := range wanted {
		delete(pc.refreshing, pk)
	}
	pc.mu.Unlock()

	for pk, profile := range fresh {
		if profile != nil {
			result[pk] = profile
		}
	}
	return result
}

// fetchBatch is the batcher drain: one relay query for the whole key set.
func (pc *ProfileCache) fetchBatch(pubkeys []string) map[string]*types.ProfileInfo {
	ctx, cancel := context.WithTimeout(context.Background(), defaultMaxWait+connectGraceWait)
	defer cancel()

	filter := types.Filter{
		Authors: pubkeys,
		Kinds:   []int{types.KindProfileMetadata},
		Limit:   len(pubkeys),
	}
	events, err := pc.engine.FetchEvents(ctx, []types.Filter{filter}, DefaultFetchOptions())
	if err != nil {
		slog.Warn("profile batch fetch failed", "pubkeys", len(pubkeys), "error", err)
		return nil
	}

	// Keep only the newest kind-0 per author.
	newest := make(map[string]types.Event)
	for _, evt := range events {
		if evt.Kind != types.KindProfileMetadata {
			continue
		}
		if cur, ok := newest[evt.PubKey]; !ok || evt.CreatedAt > cur.CreatedAt {
			newest[evt.PubKey] = evt
		}
	}

	results := make(map[string]*types.ProfileInfo, len(pubkeys))
	var misses []string
	for _, pk := range pubkeys {
		evt, ok := newest[pk]
		if !ok {
			misses = append(misses, pk)
			continue
		}
		if profile := pc.applyProfileEvent(&evt); profile != nil {
			results[pk] = profile
		} else if entry := pc.Get(pk); entry.Profile != nil {
			// The cached event was newer than what the relays returned.
			results[pk] = entry.Profile
		}
	}

	if len(misses) > 0 {
		pc.storeNotFound(misses)
	}
	return results
}

// applyProfileEvent merges one kind-0 event into the cache if it is newer
// than the cached entry, and fires the live-update callbacks. Returns the
// decoded profile when the event won, nil when the cache already had a
// newer one or decoding failed.
func (pc *ProfileCache) applyProfileEvent(evt *types.Event) *types.ProfileInfo {
	entry := pc.Get(evt.PubKey)
	if entry.Found && !entry.NotFound && entry.CreatedAt >= evt.CreatedAt {
		// Refresh the staleness clock: the relays confirmed the cached
		// event is still the newest.
		pc.store(evt.PubKey, types.CachedProfile{
			Profile:   entry.Profile,
			CreatedAt: entry.CreatedAt,
			FetchedAt: time.Now().Unix(),
		})
		return nil
	}

	profile, err := decodeProfileContent(evt.Content)
	if err != nil {
		slog.Debug("undecodable profile content", "pubkey", nostr.ShortID(evt.PubKey), "error", err)
		return nil
	}

	pc.store(evt.PubKey, types.CachedProfile{
		Profile:   profile,
		CreatedAt: evt.CreatedAt,
		FetchedAt: time.Now().Unix(),
	})
	pc.notifySubscribers(evt.PubKey, profile)
	return profile
}

func (pc *ProfileCache) store(pubkey string, cached types.CachedProfile) {
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	// Retention outlives freshness: a stale entry is still served (marked
	// Stale) while a refresh runs, so the backend keeps it well past the
	// staleness TTL.
	ttl := pc.config.ProfileTTL * profileRetentionFactor
	if cached.NotFound {
		ttl = pc.config.ProfileNotFoundTTL
	}
	pc.backend.Set(context.Background(), profileKeyPrefix+pubkey, data, ttl)
}

// storeNotFound caches negative entries so repeated misses don't re-trigger
// immediate re-fetch storms; they still expire on their own TTL.
func (pc *ProfileCache) storeNotFound(pubkeys []string) {
	now := time.Now().Unix()
	for _, pk := range pubkeys {
		pc.store(pk, types.CachedProfile{FetchedAt: now, NotFound: true})
	}
}

// Clear wipes the whole cache (logout). Live subscriptions stay registered.
func (pc *ProfileCache) Clear(ctx context.Context) error {
	return pc.backend.Clear(ctx)
}

// Subscribe registers interest in live updates for a pubkey set. Whenever a
// newer kind-0 event for any of them arrives, through a batch fetch or the
// background live subscription, the cache updates and fn fires. Returns a
// handle for Unsubscribe.
func (pc *ProfileCache) Subscribe(pubkeys []string, fn ProfileUpdateFn) int {
	set := make(map[string]bool, len(pubkeys))
	for _, pk := range pubkeys {
		set[pk] = true
	}

	pc.mu.Lock()
	pc.nextSubID++
	id := pc.nextSubID
	pc.subs[id] = &profileSub{pubkeys: set, fn: fn}
	pc.mu.Unlock()

	pc.signalChange()
	return id
}

// Unsubscribe drops a live-update registration.
func (pc *ProfileCache) Unsubscribe(id int) {
	pc.mu.Lock()
	delete(pc.subs, id)
	pc.mu.Unlock()
	pc.signalChange()
}

func (pc *ProfileCache) notifySubscribers(pubkey string, profile *types.ProfileInfo) {
	pc.mu.Lock()
	var fns []ProfileUpdateFn
	for _, sub := range pc.subs {
		if sub.pubkeys[pubkey] {
			fns = append(fns, sub.fn)
		}
	}
	pc.mu.Unlock()

	for _, fn := range fns {
		fn(pubkey, profile)
	}
}

func (pc *ProfileCache) subscribedAuthors() []string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	set := make(map[string]bool)
	for _, sub := range pc.subs {
		for pk := range sub.pubkeys {
			set[pk] = true
		}
	}
	authors := make([]string, 0, len(set))
	for pk := range set {
		authors = append(authors, pk)
	}
	return authors
}

func (pc *ProfileCache) signalChange() {
	select {
	case pc.changeCh <- struct{}{}:
	default:
	}
}

// Start launches the background live subscription that feeds Subscribe
// callbacks. Idempotent.
func (pc *ProfileCache) Start() {
	pc.runMu.Lock()
	defer pc.runMu.Unlock()
	if pc.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	pc.cancel = cancel
	go pc.liveLoop(ctx)
}

// Stop halts the background subscription.
func (pc *ProfileCache) Stop() {
	pc.runMu.Lock()
	defer pc.runMu.Unlock()
	if pc.cancel != nil {
		pc.cancel()
		pc.cancel = nil
	}
}

// liveLoop keeps a streaming kind-0 REQ open for the union of subscribed
// pubkeys, resubscribing when the set changes, the relay pool shifts, or a
// connection drops.
func (pc *ProfileCache) liveLoop(ctx context.Context) {
	for {
		authors := pc.subscribedAuthors()
		if len(authors) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-pc.changeCh:
				continue
			}
		}

		conns := pc.engine.manager.readConns()
		if len(conns) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-pc.changeCh:
			case <-time.After(liveRetryDelay):
			}
			continue
		}

		since := time.Now().Unix()
		filter := nostr.EncodeFilter(types.Filter{
			Authors: authors,
			Kinds:   []int{types.KindProfileMetadata},
			Since:   &since,
		})

		runCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		for _, conn := range conns {
			sub, err := conn.Subscribe([]map[string]interface{}{filter})
			if err != nil {
				continue
			}
			wg.Add(1)
			go func(conn *RelayConn, sub *Subscription) {
				defer wg.Done()
				defer conn.Unsubscribe(sub)
				for {
					select {
					case evt := <-sub.EventChan:
						pc.applyProfileEvent(&evt)
					case <-sub.Done:
						return
					case <-runCtx.Done():
						return
					}
				}
			}(conn, sub)
		}

		select {
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return
		case <-pc.changeCh:
		case <-time.After(resubscribeInterval):
		}
		cancel()
		wg.Wait()
	}
}

// Profile field names accepted by FieldLoading.
const (
	FieldName        = "name"
	FieldDisplayName = "display_name"
	FieldPicture     = "picture"
	FieldAbout       = "about"
	FieldNip05       = "nip05"
	FieldBanner      = "banner"
	FieldWebsite     = "website"
	FieldLud16       = "lud16"
)

// FieldLoading reports whether a specific profile field should render as
// loading. An absent entry means every field is loading; an entry being
// refreshed keeps already-populated fields visible and marks only the empty
// ones; a fresh entry loads nothing. This lets a UI reveal fields
// progressively instead of showing an all-or-nothing spinner.
func (pc *ProfileCache) FieldLoading(pubkey, field string) bool {
	entry := pc.Get(pubkey)
	if !entry.Found {
		return true
	}
	pc.mu.Lock()
	refreshing := pc.refreshing[pubkey]
	pc.mu.Unlock()
	if !refreshing {
		return false
	}
	if entry.Profile == nil {
		return true
	}
	return profileField(entry.Profile, field) == ""
}

func profileField(p *types.ProfileInfo, field string) string {
	switch field {
	case FieldName:
		return p.Name
	case FieldDisplayName:
		return p.DisplayName
	case FieldPicture:
		return p.Picture
	case FieldAbout:
		return p.About
	case FieldNip05:
		return p.Nip05
	case FieldBanner:
		return p.Banner
	case FieldWebsite:
		return p.Website
	case FieldLud16:
		return p.Lud16
	}
	return ""
}

// decodeProfileContent parses a kind-0 content payload. Unknown fields and
// wrongly-typed values are ignored rather than failing the whole profile.
func decodeProfileContent(content string) (*types.ProfileInfo, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, err
	}

	profile := &types.ProfileInfo{}
	str := func(key string) string {
		if v, ok := raw[key].(string); ok {
			return v
		}
		return ""
	}
	profile.Name = str("name")
	profile.DisplayName = str("display_name")
	profile.Picture = str("picture")
	profile.Nip05 = str("nip05")
	profile.About = str("about")
	profile.Banner = str("banner")
	profile.Lud16 = str("lud16")
	profile.Website = str("website")
	return profile, nil
}

func encodeProfileContent(profile *types.ProfileInfo) (string, error) {
	data, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
