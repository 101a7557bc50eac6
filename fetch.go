package main

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nostr-client/internal/nostr"
	"nostr-client/internal/types"
)

const (
	defaultMaxWait   = 3 * time.Second
	connectGraceWait = 1 * time.Second
)

// FetchOptions controls one FetchEvents call. Use DefaultFetchOptions as the
// starting point; a zero MaxWait falls back to the engine default.
type FetchOptions struct {
	// MaxWait bounds the whole call. The call resolves early once every
	// participating relay has signaled EOSE.
	MaxWait time.Duration
	// Deduplicate drops repeated event IDs across relays, keeping one entry
	// and merging the RelaysSeen lists.
	Deduplicate bool
}

// DefaultFetchOptions returns the options most callers want.
func DefaultFetchOptions() FetchOptions {
	return FetchOptions{MaxWait: defaultMaxWait, Deduplicate: true}
}

// FetchEngine executes one logical query across the connected read relays
// and returns a merged snapshot. Order across relays is unspecified; callers
// sort (see SortEventsByCreatedAt).
type FetchEngine struct {
	manager *RelayManager
}

// NewFetchEngine builds an engine over the manager's pool.
func NewFetchEngine(manager *RelayManager) *FetchEngine {
	return &FetchEngine{manager: manager}
}

// FetchEvents sends filters to every connected, read-enabled relay and
// collects results until all of them signal EOSE or MaxWait elapses,
// whichever comes first, so one dead relay never stalls the call.
//
// With zero relays connected it triggers a best-effort ConnectAll, waits a
// short grace period, and returns an empty slice (not an error) if nothing
// comes up.
func (e *FetchEngine) FetchEvents(ctx context.Context, filters []types.Filter, opts FetchOptions) ([]types.Event, error) {
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultMaxWait
	}
	fetchesTotal.Add(1)

	conns := e.manager.readConns()
	if len(conns) == 0 {
		conns = e.awaitConnections(ctx)
		if len(conns) == 0 {
			slog.Debug("fetch with no connected relays, returning empty")
			return []types.Event{}, nil
		}
	}

	encoded := make([]map[string]interface{}, 0, len(filters))
	for _, f := range filters {
		encoded = append(encoded, nostr.EncodeFilter(f))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, opts.MaxWait)
	defer cancel()

	results := make(chan types.Event, 1024)
	done := make(chan string, len(conns)) // relay URL per end-of-stream
	var wg sync.WaitGroup

	participating := 0
	for _, conn := range conns {
		sub, err := conn.Subscribe(encoded)
		if err != nil {
			// Connection dropped between snapshot and subscribe; it just
			// shrinks the effective relay set.
			continue
		}
		participating++
		wg.Add(1)
		go func(conn *RelayConn, sub *Subscription) {
			defer wg.Done()
			defer conn.Unsubscribe(sub)
			for {
				select {
				case evt := <-sub.EventChan:
					select {
					case results <- evt:
					case <-fetchCtx.Done():
						return
					}
				case <-sub.EOSEChan:
					// Events queued before the EOSE are already buffered;
					// flush them before declaring this relay finished.
					flushEvents(fetchCtx, sub.EventChan, results)
					done <- conn.URL()
					return
				case <-sub.Done:
					// Relay closed the subscription; counts as its end.
					flushEvents(fetchCtx, sub.EventChan, results)
					done <- conn.URL()
					return
				case <-fetchCtx.Done():
					return
				}
			}
		}(conn, sub)
	}

	if participating == 0 {
		return []types.Event{}, nil
	}

	var events []types.Event
	seen := make(map[string]int) // event ID -> index in events
	add := func(evt types.Event) {
		if !opts.Deduplicate {
			events = append(events, evt)
			return
		}
		if i, dup := seen[evt.ID]; dup {
			events[i].RelaysSeen = append(events[i].RelaysSeen, evt.RelaysSeen...)
			return
		}
		seen[evt.ID] = len(events)
		events = append(events, evt)
	}

	finished := 0
collect:
	for finished < participating {
		select {
		case evt := <-results:
			add(evt)
		case <-done:
			finished++
		case <-fetchCtx.Done():
			fetchTimeoutsTotal.Add(1)
			slog.Debug("fetch wait elapsed", "events", len(events), "eose", finished, "relays", participating)
			break collect
		}
	}
	cancel()
	wg.Wait()

	// Pick up events buffered between the last select and the fan-in
	// goroutines exiting.
drain:
	for {
		select {
		case evt := <-results:
			add(evt)
		default:
			break drain
		}
	}

	return events, nil
}

// flushEvents forwards whatever is already buffered on sub's event channel.
func flushEvents(ctx context.Context, from <-chan types.Event, to chan<- types.Event) {
	for {
		select {
		case evt := <-from:
			select {
			case to <- evt:
			case <-ctx.Done():
				return
			}
		default:
			return
		}
	}
}

// awaitConnections kicks off ConnectAll and polls briefly for read relays to
// come up.
func (e *FetchEngine) awaitConnections(ctx context.Context) []*RelayConn {
	e.manager.ConnectAll()
	deadline := time.After(connectGraceWait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return e.manager.readConns()
		case <-ticker.C:
			if conns := e.manager.readConns(); len(conns) > 0 {
				return conns
			}
		}
	}
}

// SortEventsByCreatedAt orders newest first, breaking ties by ID so the
// order is stable across relays.
func SortEventsByCreatedAt(events []types.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID > events[j].ID
	})
}
