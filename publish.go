package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nostr-client/internal/nostr"
	"nostr-client/internal/types"
)

const publishAckTimeout = 5 * time.Second

// PublishError reports that no write-enabled relay accepted an event.
// Reasons maps relay URL to the machine-readable rejection reason (or a
// transport error description). Empty when no write relay was connected at
// all.
type PublishError struct {
	Reasons map[string]string
}

func (e *PublishError) Error() string {
	if len(e.Reasons) == 0 {
		return "publish failed: no write-enabled relay connected"
	}
	parts := make([]string, 0, len(e.Reasons))
	for url, reason := range e.Reasons {
		parts = append(parts, url+": "+reason)
	}
	return "publish rejected by all relays: " + strings.Join(parts, "; ")
}

// PublishResult reports the per-relay outcome of a successful publish.
type PublishResult struct {
	Accepted []string          // relays that acknowledged the event
	Rejected map[string]string // relay URL -> rejection reason
}

// Broadcaster sends signed events to every write-enabled connected relay in
// parallel. Publish is a user-initiated, at-most-once-intent action: there
// is no automatic retry, that call belongs to the caller.
type Broadcaster struct {
	manager    *RelayManager
	ackTimeout time.Duration
}

// NewBroadcaster builds a broadcaster over the manager's pool.
func NewBroadcaster(manager *RelayManager) *Broadcaster {
	return &Broadcaster{manager: manager, ackTimeout: publishAckTimeout}
}

// PublishEvent broadcasts a signed event. It succeeds when at least one
// relay accepts; it returns *PublishError when every write-enabled relay
// rejects, none answer within the ack timeout, or none are connected. It
// never hangs past the ack timeout.
func (b *Broadcaster) PublishEvent(ctx context.Context, evt *types.Event) (*PublishResult, error) {
	publishesTotal.Add(1)

	conns := b.manager.writeConns()
	if len(conns) == 0 {
		publishFailuresTotal.Add(1)
		return nil, &PublishError{Reasons: map[string]string{}}
	}

	type ack struct {
		url      string
		accepted bool
		reason   string
	}
	acks := make(chan ack, len(conns))

	inFlight := 0
	result := &PublishResult{Rejected: make(map[string]string)}
	for _, conn := range conns {
		url := conn.URL()
		err := conn.PublishWithOK(evt, func(accepted bool, reason string) {
			acks <- ack{url: url, accepted: accepted, reason: reason}
		})
		if err != nil {
			result.Rejected[url] = err.Error()
			continue
		}
		inFlight++
	}

	timer := time.NewTimer(b.ackTimeout)
	defer timer.Stop()

	for received := 0; received < inFlight; received++ {
		select {
		case a := <-acks:
			if a.accepted {
				result.Accepted = append(result.Accepted, a.url)
			} else {
				reason := a.reason
				if reason == "" {
					reason = "rejected"
				}
				result.Rejected[a.url] = reason
			}
		case <-timer.C:
			received = inFlight // relays still pending count as unanswered
		case <-ctx.Done():
			received = inFlight
		}
	}

	if len(result.Accepted) == 0 {
		publishFailuresTotal.Add(1)
		return nil, &PublishError{Reasons: result.Rejected}
	}

	slog.Debug("event published",
		"event_id", nostr.ShortID(evt.ID),
		"accepted", len(result.Accepted),
		"rejected", len(result.Rejected))
	return result, nil
}

// BuildProfileEvent assembles the unsigned kind-0 event for a profile edit.
// The caller signs it (see Signer) and hands it to PublishEvent.
func BuildProfileEvent(profile *types.ProfileInfo) (types.UnsignedEvent, error) {
	content, err := encodeProfileContent(profile)
	if err != nil {
		return types.UnsignedEvent{}, fmt.Errorf("encoding profile: %w", err)
	}
	return types.UnsignedEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      types.KindProfileMetadata,
		Tags:      [][]string{},
		Content:   content,
	}, nil
}
