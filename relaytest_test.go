package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nostr-client/internal/types"
)

// fakeRelay is an in-process NIP-01 relay for exercising the real websocket
// path. It answers REQ with its stored events followed by EOSE, and EVENT
// with an OK verdict.
type fakeRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	events    []types.Event
	published []types.Event
	reqCount  int

	rejectReason string // non-empty: OK false with this reason
	silentOK     bool   // swallow EVENT without answering OK
	noEOSE       bool   // never send EOSE (a stalled relay)
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

// URL returns the relay's ws:// endpoint.
func (f *fakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeRelay) addEvent(evt types.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *fakeRelay) publishedEvents() []types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Event{}, f.published...)
}

func (f *fakeRelay) reqs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqCount
}

func (f *fakeRelay) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var msg []interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		msgType, _ := msg[0].(string)

		switch msgType {
		case "REQ":
			subID, _ := msg[1].(string)
			f.mu.Lock()
			f.reqCount++
			events := append([]types.Event{}, f.events...)
			noEOSE := f.noEOSE
			f.mu.Unlock()

			for _, evt := range events {
				if !matchesFilters(evt, msg[2:]) {
					continue
				}
				conn.WriteJSON([]interface{}{"EVENT", subID, evt})
			}
			if !noEOSE {
				conn.WriteJSON([]interface{}{"EOSE", subID})
			}

		case "EVENT":
			raw, _ := msg[1].(map[string]interface{})
			evt := eventFromMap(raw)
			f.mu.Lock()
			f.published = append(f.published, evt)
			reject := f.rejectReason
			silent := f.silentOK
			f.mu.Unlock()

			if silent {
				continue
			}
			if reject != "" {
				conn.WriteJSON([]interface{}{"OK", evt.ID, false, reject})
			} else {
				conn.WriteJSON([]interface{}{"OK", evt.ID, true, ""})
			}

		case "CLOSE":
			// nothing to clean up
		}
	}
}

// matchesFilters implements just enough filter matching for the tests:
// authors and kinds, OR across filters.
func matchesFilters(evt types.Event, filters []interface{}) bool {
	if len(filters) == 0 {
		return true
	}
	for _, raw := range filters {
		f, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if authors, ok := f["authors"].([]interface{}); ok {
			if !containsString(authors, evt.PubKey) {
				continue
			}
		}
		if kinds, ok := f["kinds"].([]interface{}); ok {
			if !containsKind(kinds, evt.Kind) {
				continue
			}
		}
		return true
	}
	return false
}

func containsString(list []interface{}, want string) bool {
	for _, v := range list {
		if s, ok := v.(string); ok && s == want {
			return true
		}
	}
	return false
}

func containsKind(list []interface{}, want int) bool {
	for _, v := range list {
		if n, ok := v.(float64); ok && int(n) == want {
			return true
		}
	}
	return false
}

func eventFromMap(m map[string]interface{}) types.Event {
	evt := types.Event{}
	if m == nil {
		return evt
	}
	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	if createdAt, ok := m["created_at"].(float64); ok {
		evt.CreatedAt = int64(createdAt)
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	return evt
}

// newTestManager builds a manager without persistence, connected to the
// given fake relays, and waits for every connection to come up.
func newTestManager(t *testing.T, relays ...*fakeRelay) *RelayManager {
	t.Helper()
	manager := NewRelayManager(nil)
	t.Cleanup(manager.Shutdown)

	for _, relay := range relays {
		cfg := types.RelayConfig{URL: relay.URL(), Read: true, Write: true, Enabled: true}
		if err := manager.AddRelay(cfg); err != nil {
			t.Fatalf("AddRelay(%s): %v", relay.URL(), err)
		}
	}
	waitForConnections(t, manager, len(relays))
	return manager
}

func waitForConnections(t *testing.T, manager *RelayManager, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(manager.ConnectedRelays()) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d connected relays, have %d", want, len(manager.ConnectedRelays()))
}
