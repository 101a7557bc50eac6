package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"nostr-client/internal/cache"
	"nostr-client/internal/types"
)

func profileEvent(pubkey string, createdAt int64, content string) types.Event {
	return types.Event{
		ID:        "profile-" + pubkey,
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      types.KindProfileMetadata,
		Tags:      [][]string{},
		Content:   content,
	}
}

func newTestProfileCache(t *testing.T, manager *RelayManager, cfg cache.Config) *ProfileCache {
	t.Helper()
	backend := cache.NewMemory(1000, time.Minute)
	t.Cleanup(func() { backend.Close() })
	engine := NewFetchEngine(manager)
	return NewProfileCache(engine, backend, cfg, DefaultBatcherConfig())
}

func TestEnsureFreshCoalescesConcurrentCallers(t *testing.T) {
	relay := newFakeRelay(t)
	relay.addEvent(profileEvent("pk-alice", 100, `{"name":"alice","about":"hi"}`))
	manager := newTestManager(t, relay)
	profiles := newTestProfileCache(t, manager, cache.DefaultConfig())

	const callers = 5
	results := make([]map[string]*types.ProfileInfo, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = profiles.EnsureFresh(context.Background(), []string{"pk-alice"})
		}(i)
	}
	wg.Wait()

	for i, result := range results {
		profile := result["pk-alice"]
		if profile == nil || profile.Name != "alice" {
			t.Errorf("caller %d got %+v, want alice's profile", i, profile)
		}
	}
	if got := relay.reqs(); got != 1 {
		t.Errorf("relay saw %d REQs, want 1 coalesced fetch", got)
	}
}

func TestGetReportsStalenessAndEnsureFreshRefetches(t *testing.T) {
	relay := newFakeRelay(t)
	relay.addEvent(profileEvent("pk-bob", 100, `{"name":"bob"}`))
	manager := newTestManager(t, relay)

	cfg := cache.DefaultConfig()
	cfg.ProfileTTL = 30 * time.Millisecond
	profiles := newTestProfileCache(t, manager, cfg)

	profiles.EnsureFresh(context.Background(), []string{"pk-bob"})

	entry := profiles.Get("pk-bob")
	if !entry.Found || entry.Stale {
		t.Fatalf("fresh entry = %+v, want found and not stale", entry)
	}
	if entry.Profile == nil || entry.Profile.Name != "bob" {
		t.Fatalf("cached profile = %+v", entry.Profile)
	}

	time.Sleep(60 * time.Millisecond)

	entry = profiles.Get("pk-bob")
	if !entry.Found || !entry.Stale {
		t.Fatalf("aged entry = %+v, want found and stale", entry)
	}
	// A stale entry still serves its data.
	if entry.Profile == nil || entry.Profile.Name != "bob" {
		t.Fatalf("stale entry lost its profile: %+v", entry)
	}

	profiles.EnsureFresh(context.Background(), []string{"pk-bob"})
	if got := relay.reqs(); got != 2 {
		t.Errorf("relay saw %d REQs, want 2 (initial + stale refresh)", got)
	}
}

func TestEnsureFreshCachesNegativeResults(t *testing.T) {
	relay := newFakeRelay(t)
	manager := newTestManager(t, relay)
	profiles := newTestProfileCache(t, manager, cache.DefaultConfig())

	result := profiles.EnsureFresh(context.Background(), []string{"pk-ghost"})
	if result["pk-ghost"] != nil {
		t.Errorf("unknown pubkey resolved to %+v", result["pk-ghost"])
	}

	entry := profiles.Get("pk-ghost")
	if !entry.Found || !entry.NotFound {
		t.Fatalf("entry = %+v, want a cached negative", entry)
	}

	// A second call inside the negative TTL must not hit the relays again.
	before := relay.reqs()
	profiles.EnsureFresh(context.Background(), []string{"pk-ghost"})
	if got := relay.reqs(); got != before {
		t.Errorf("negative-cached pubkey triggered a re-fetch (%d -> %d REQs)", before, got)
	}
}

func TestNewerProfileEventWins(t *testing.T) {
	relay := newFakeRelay(t)
	relay.addEvent(profileEvent("pk-carol", 200, `{"name":"carol-new"}`))
	manager := newTestManager(t, relay)

	cfg := cache.DefaultConfig()
	cfg.ProfileTTL = 10 * time.Millisecond
	profiles := newTestProfileCache(t, manager, cfg)

	// Seed the cache with an older event, then age it past the TTL so the
	// next EnsureFresh goes to the relays.
	old := profileEvent("pk-carol", 100, `{"name":"carol-old"}`)
	profiles.applyProfileEvent(&old)
	time.Sleep(30 * time.Millisecond)

	profiles.EnsureFresh(context.Background(), []string{"pk-carol"})

	entry := profiles.Get("pk-carol")
	if entry.Profile == nil || entry.Profile.Name != "carol-new" {
		t.Errorf("cached profile = %+v, want the newer event's data", entry.Profile)
	}
	if entry.CreatedAt != 200 {
		t.Errorf("cached CreatedAt = %d, want 200", entry.CreatedAt)
	}

	// And the reverse: an older arrival never downgrades the cache.
	older := profileEvent("pk-carol", 50, `{"name":"carol-ancient"}`)
	profiles.applyProfileEvent(&older)
	entry = profiles.Get("pk-carol")
	if entry.Profile == nil || entry.Profile.Name != "carol-new" {
		t.Errorf("older event downgraded the cache to %+v", entry.Profile)
	}
}

func TestSubscribeReceivesLiveUpdates(t *testing.T) {
	relay := newFakeRelay(t)
	relay.addEvent(profileEvent("pk-dave", 100, `{"name":"dave"}`))
	manager := newTestManager(t, relay)
	profiles := newTestProfileCache(t, manager, cache.DefaultConfig())

	updates := make(chan *types.ProfileInfo, 4)
	id := profiles.Subscribe([]string{"pk-dave"}, func(pubkey string, profile *types.ProfileInfo) {
		if pubkey == "pk-dave" {
			updates <- profile
		}
	})
	defer profiles.Unsubscribe(id)

	profiles.Start()
	defer profiles.Stop()

	select {
	case profile := <-updates:
		if profile == nil || profile.Name != "dave" {
			t.Errorf("update carried %+v", profile)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no live update arrived for the subscribed pubkey")
	}

	entry := profiles.Get("pk-dave")
	if entry.Profile == nil || entry.Profile.Name != "dave" {
		t.Errorf("live update did not populate the cache: %+v", entry)
	}
}

func TestFieldLoading(t *testing.T) {
	relay := newFakeRelay(t)
	manager := newTestManager(t, relay)
	profiles := newTestProfileCache(t, manager, cache.DefaultConfig())

	if !profiles.FieldLoading("pk-unknown", FieldName) {
		t.Error("absent entry should report every field as loading")
	}

	evt := profileEvent("pk-erin", 100, `{"name":"erin"}`)
	profiles.applyProfileEvent(&evt)
	if profiles.FieldLoading("pk-erin", FieldName) {
		t.Error("cached entry with no refresh in flight reported loading")
	}
}

func TestClearWipesCache(t *testing.T) {
	relay := newFakeRelay(t)
	relay.addEvent(profileEvent("pk-frank", 100, `{"name":"frank"}`))
	manager := newTestManager(t, relay)
	profiles := newTestProfileCache(t, manager, cache.DefaultConfig())

	profiles.EnsureFresh(context.Background(), []string{"pk-frank"})
	if entry := profiles.Get("pk-frank"); !entry.Found {
		t.Fatal("profile was not cached")
	}

	if err := profiles.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if entry := profiles.Get("pk-frank"); entry.Found {
		t.Errorf("entry survived Clear: %+v", entry)
	}
}

func TestDecodeProfileContentToleratesBadFields(t *testing.T) {
	profile, err := decodeProfileContent(`{"name":"grace","display_name":42,"extra":{"x":1}}`)
	if err != nil {
		t.Fatalf("decodeProfileContent: %v", err)
	}
	if profile.Name != "grace" {
		t.Errorf("Name = %q", profile.Name)
	}
	if profile.DisplayName != "" {
		t.Errorf("wrongly-typed display_name decoded to %q", profile.DisplayName)
	}

	if _, err := decodeProfileContent("not json"); err == nil {
		t.Error("invalid JSON did not error")
	}
}
