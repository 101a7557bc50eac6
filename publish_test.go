package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"nostr-client/internal/types"
)

func signedTestEvent(t *testing.T) *types.Event {
	t.Helper()
	signer, err := GenerateLocalSigner()
	if err != nil {
		t.Fatalf("GenerateLocalSigner: %v", err)
	}
	evt, err := signer.SignEvent(context.Background(), types.UnsignedEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      types.KindTextNote,
		Tags:      [][]string{},
		Content:   "hello relays",
	})
	if err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	return evt
}

func TestPublishWithNoWriteRelaysFailsFast(t *testing.T) {
	manager := NewRelayManager(nil)
	defer manager.Shutdown()
	broadcaster := NewBroadcaster(manager)

	start := time.Now()
	_, err := broadcaster.PublishEvent(context.Background(), signedTestEvent(t))
	elapsed := time.Since(start)

	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("PublishEvent = %v, want *PublishError", err)
	}
	if len(pubErr.Reasons) != 0 {
		t.Errorf("Reasons = %v, want empty for no-relay failure", pubErr.Reasons)
	}
	if elapsed > time.Second {
		t.Errorf("no-relay publish took %v, want synchronous failure", elapsed)
	}
}

func TestPublishAcceptedByRelay(t *testing.T) {
	relay := newFakeRelay(t)
	manager := newTestManager(t, relay)
	broadcaster := NewBroadcaster(manager)

	evt := signedTestEvent(t)
	result, err := broadcaster.PublishEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if len(result.Accepted) != 1 || result.Accepted[0] != relay.URL() {
		t.Errorf("Accepted = %v, want [%s]", result.Accepted, relay.URL())
	}

	published := relay.publishedEvents()
	if len(published) != 1 || published[0].ID != evt.ID {
		t.Errorf("relay recorded %v, want the published event", published)
	}
}

func TestPublishRejectedByAllRelays(t *testing.T) {
	relay := newFakeRelay(t)
	relay.rejectReason = "blocked: spam detection"
	manager := newTestManager(t, relay)
	broadcaster := NewBroadcaster(manager)

	_, err := broadcaster.PublishEvent(context.Background(), signedTestEvent(t))
	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("PublishEvent = %v, want *PublishError", err)
	}
	if reason := pubErr.Reasons[relay.URL()]; reason != "blocked: spam detection" {
		t.Errorf("rejection reason = %q, want the relay's OK reason", reason)
	}
}

func TestPublishPartialAcceptanceSucceeds(t *testing.T) {
	accepting := newFakeRelay(t)
	rejecting := newFakeRelay(t)
	rejecting.rejectReason = "blocked"

	manager := newTestManager(t, accepting, rejecting)
	broadcaster := NewBroadcaster(manager)

	result, err := broadcaster.PublishEvent(context.Background(), signedTestEvent(t))
	if err != nil {
		t.Fatalf("PublishEvent: %v, one acceptance should be enough", err)
	}
	if len(result.Accepted) != 1 || result.Accepted[0] != accepting.URL() {
		t.Errorf("Accepted = %v, want [%s]", result.Accepted, accepting.URL())
	}
	if reason := result.Rejected[rejecting.URL()]; reason != "blocked" {
		t.Errorf("Rejected = %v, want the rejecting relay's reason", result.Rejected)
	}
}

func TestPublishRejectedWithDisconnectedRelay(t *testing.T) {
	rejecting := newFakeRelay(t)
	rejecting.rejectReason = "blocked"

	manager := newTestManager(t, rejecting)
	// A configured write relay that never comes up; it must not appear in
	// the failure reasons, only the relay that actually answered.
	if err := manager.AddRelay(types.RelayConfig{
		URL: "wss://unreachable.example.com", Write: true, Enabled: true,
	}); err != nil {
		t.Fatalf("AddRelay: %v", err)
	}

	broadcaster := NewBroadcaster(manager)
	_, err := broadcaster.PublishEvent(context.Background(), signedTestEvent(t))

	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("PublishEvent = %v, want *PublishError", err)
	}
	if len(pubErr.Reasons) != 1 {
		t.Errorf("Reasons = %v, want exactly the rejecting relay's", pubErr.Reasons)
	}
	if pubErr.Reasons[rejecting.URL()] != "blocked" {
		t.Errorf("Reasons = %v, missing the rejection reason", pubErr.Reasons)
	}
}

func TestPublishBoundedBySilentRelay(t *testing.T) {
	relay := newFakeRelay(t)
	relay.silentOK = true
	manager := newTestManager(t, relay)

	broadcaster := NewBroadcaster(manager)
	broadcaster.ackTimeout = 200 * time.Millisecond

	start := time.Now()
	_, err := broadcaster.PublishEvent(context.Background(), signedTestEvent(t))
	elapsed := time.Since(start)

	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("PublishEvent = %v, want *PublishError after ack timeout", err)
	}
	if elapsed > time.Second {
		t.Errorf("publish took %v, want it bounded by the ack timeout", elapsed)
	}
}

func TestBuildProfileEvent(t *testing.T) {
	unsigned, err := BuildProfileEvent(&types.ProfileInfo{
		Name:  "alice",
		About: "running a test",
	})
	if err != nil {
		t.Fatalf("BuildProfileEvent: %v", err)
	}
	if unsigned.Kind != types.KindProfileMetadata {
		t.Errorf("Kind = %d, want %d", unsigned.Kind, types.KindProfileMetadata)
	}

	profile, err := decodeProfileContent(unsigned.Content)
	if err != nil {
		t.Fatalf("decodeProfileContent: %v", err)
	}
	if profile.Name != "alice" || profile.About != "running a test" {
		t.Errorf("round-tripped profile = %+v", profile)
	}
}
