package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nostr-client/internal/nostr"
	"nostr-client/internal/types"
)

// Connection errors surfaced to callers. Transient socket failures are not
// among them: those are retried internally and only show up in status
// snapshots.
var (
	ErrNotConnected = errors.New("relay not connected")
	ErrConnClosed   = errors.New("relay connection closed")
)

// ConnState is the lifecycle state of a RelayConn.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 10 * time.Second
	initialBackoff   = 1 * time.Second
	maxBackoff       = 30 * time.Second
)

// Subscription represents one active REQ on a relay connection.
type Subscription struct {
	ID        string
	EventChan chan types.Event
	EOSEChan  chan bool
	Done      chan struct{}
	closeOnce sync.Once
}

// Close safely closes the Done channel exactly once
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.Done)
	})
}

// okCallback receives the relay's OK verdict for a published event.
type okCallback func(accepted bool, reason string)

// RelayConn owns the lifecycle of one relay endpoint: dialing, the read
// loop, latency sampling and reconnection with backoff. A RelayConn retries
// forever; it stops only when Stop is called (relay disabled or removed).
type RelayConn struct {
	url    string
	dialer *websocket.Dialer

	mu            sync.Mutex
	writeMu       sync.Mutex
	state         ConnState
	conn          *websocket.Conn
	subscriptions map[string]*Subscription
	okCallbacks   map[string]okCallback
	latency       time.Duration
	lastError     error
	lastChecked   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once

	// onStateChange is invoked (outside the lock) after every state
	// transition. Set once by the manager before Start.
	onStateChange func(types.RelayStatus)

	log *slog.Logger
}

// newRelayConn builds a connection for url. It does not dial; call Start.
func newRelayConn(url string) *RelayConn {
	return &RelayConn{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		state:         StateDisconnected,
		subscriptions: make(map[string]*Subscription),
		okCallbacks:   make(map[string]okCallback),
		stopCh:        make(chan struct{}),
		log:           slog.With("relay", url),
	}
}

// URL returns the relay endpoint this connection belongs to.
func (rc *RelayConn) URL() string { return rc.url }

// State returns the current lifecycle state.
func (rc *RelayConn) State() ConnState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Status derives a snapshot from the live connection state.
func (rc *RelayConn) Status() types.RelayStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.statusLocked()
}

func (rc *RelayConn) statusLocked() types.RelayStatus {
	st := types.RelayStatus{
		URL:         rc.url,
		Connected:   rc.state == StateConnected,
		Connecting:  rc.state == StateConnecting,
		LastChecked: rc.lastChecked,
	}
	if rc.latency > 0 {
		st.LatencyMs = rc.latency.Milliseconds()
	}
	if rc.lastError != nil {
		st.Error = rc.lastError.Error()
	}
	return st
}

// Start launches the maintain loop: dial, serve the read loop until the
// socket drops, back off, redial. Transient errors never give up; the loop
// exits only via Stop.
func (rc *RelayConn) Start() {
	go rc.maintainLoop()
}

func (rc *RelayConn) maintainLoop() {
	backoff := initialBackoff
	for {
		select {
		case <-rc.stopCh:
			return
		default:
		}

		err := rc.connectOnce()
		if err == nil {
			backoff = initialBackoff
			rc.serveReads()
		} else {
			rc.log.Debug("connect failed", "error", err, "retry_in", backoff)
			relayReconnectsTotal.Add(1)
		}

		select {
		case <-rc.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// connectOnce performs a single dial attempt. The dial round trip doubles as
// the latency sample.
func (rc *RelayConn) connectOnce() error {
	rc.mu.Lock()
	if rc.state != StateDisconnected {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.lastChecked = time.Now()
	st := rc.statusLocked()
	rc.mu.Unlock()
	rc.notify(st)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	conn, _, err := rc.dialer.DialContext(ctx, rc.url, nil)
	cancel()

	rc.mu.Lock()
	rc.lastChecked = time.Now()
	if err != nil {
		rc.state = StateDisconnected
		rc.lastError = err
		st = rc.statusLocked()
		rc.mu.Unlock()
		rc.notify(st)
		return err
	}
	rc.conn = conn
	rc.state = StateConnected
	rc.latency = time.Since(start)
	rc.lastError = nil
	st = rc.statusLocked()
	rc.mu.Unlock()
	rc.notify(st)

	rc.log.Debug("connected", "latency_ms", time.Since(start).Milliseconds())
	return nil
}

// Stop closes the connection and halts reconnection. Idempotent; safe to
// call on a connection that never connected.
func (rc *RelayConn) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.stopCh)
	})
	rc.teardown(ErrConnClosed)
}

// serveReads runs the read loop until the socket fails, then tears the
// connection down so the maintain loop can redial.
func (rc *RelayConn) serveReads() {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		var msg []interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-rc.stopCh:
			default:
				rc.log.Debug("read error", "error", err)
			}
			rc.teardown(err)
			return
		}
		rc.dispatch(msg)
	}
}

// dispatch routes one relay message to the interested subscription or OK
// callback.
func (rc *RelayConn) dispatch(msg []interface{}) {
	if len(msg) < 2 {
		return
	}
	msgType, ok := msg[0].(string)
	if !ok {
		return
	}

	switch msgType {
	case "EVENT":
		if len(msg) < 3 {
			return
		}
		subID, ok := msg[1].(string)
		if !ok {
			return
		}
		evt, ok := nostr.ParseEventFromInterface(msg[2])
		if !ok {
			return
		}
		evt.RelaysSeen = []string{rc.url}

		rc.mu.Lock()
		sub := rc.subscriptions[subID]
		rc.mu.Unlock()

		if sub != nil {
			select {
			case sub.EventChan <- evt:
			case <-sub.Done:
			default:
				// Channel full, drop event
				droppedEventCount.Add(1)
			}
		}

	case "EOSE":
		subID, ok := msg[1].(string)
		if !ok {
			return
		}
		rc.mu.Lock()
		sub := rc.subscriptions[subID]
		rc.mu.Unlock()
		if sub != nil {
			select {
			case sub.EOSEChan <- true:
			default:
			}
		}

	case "OK":
		// ["OK", <event-id>, <true|false>, <reason>]
		if len(msg) < 3 {
			return
		}
		eventID, _ := msg[1].(string)
		accepted, _ := msg[2].(bool)
		reason := ""
		if len(msg) >= 4 {
			reason, _ = msg[3].(string)
		}
		rc.mu.Lock()
		cb := rc.okCallbacks[eventID]
		delete(rc.okCallbacks, eventID)
		rc.mu.Unlock()
		if cb != nil {
			cb(accepted, reason)
		}

	case "CLOSED":
		subID, _ := msg[1].(string)
		rc.mu.Lock()
		sub := rc.subscriptions[subID]
		if sub != nil {
			delete(rc.subscriptions, subID)
		}
		rc.mu.Unlock()
		if sub != nil {
			sub.Close()
		}

	case "NOTICE":
		notice, _ := msg[1].(string)
		rc.log.Info("relay notice", "notice", notice)
	}
}

// teardown closes the socket, fails the pending subscriptions and OK
// callbacks, and records the disconnect reason.
func (rc *RelayConn) teardown(reason error) {
	rc.mu.Lock()
	if rc.state == StateDisconnected && rc.conn == nil {
		rc.mu.Unlock()
		return
	}
	if rc.conn != nil {
		rc.conn.Close()
		rc.conn = nil
	}
	rc.state = StateDisconnected
	if reason != nil && !errors.Is(reason, ErrConnClosed) {
		rc.lastError = reason
	}
	rc.lastChecked = time.Now()

	subs := rc.subscriptions
	rc.subscriptions = make(map[string]*Subscription)
	cbs := rc.okCallbacks
	rc.okCallbacks = make(map[string]okCallback)
	st := rc.statusLocked()
	rc.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	for _, cb := range cbs {
		cb(false, "connection closed")
	}
	rc.notify(st)
}

func (rc *RelayConn) notify(st types.RelayStatus) {
	if rc.onStateChange != nil {
		rc.onStateChange(st)
	}
}

// Send writes one message to the relay. Fails fast with ErrNotConnected
// when the socket is not up; it never queues across reconnects.
func (rc *RelayConn) Send(v interface{}) error {
	rc.mu.Lock()
	if rc.state != StateConnected || rc.conn == nil {
		rc.mu.Unlock()
		return ErrNotConnected
	}
	conn := rc.conn
	rc.mu.Unlock()

	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(v)
}

// Subscribe opens a REQ with the given filters and returns the live
// subscription. The caller must Unsubscribe when done.
func (rc *RelayConn) Subscribe(filters []map[string]interface{}) (*Subscription, error) {
	sub := &Subscription{
		ID:        "sub-" + randomID(8),
		EventChan: make(chan types.Event, 256),
		EOSEChan:  make(chan bool, 1),
		Done:      make(chan struct{}),
	}

	rc.mu.Lock()
	if rc.state != StateConnected {
		rc.mu.Unlock()
		return nil, ErrNotConnected
	}
	rc.subscriptions[sub.ID] = sub
	rc.mu.Unlock()

	req := make([]interface{}, 0, 2+len(filters))
	req = append(req, "REQ", sub.ID)
	for _, f := range filters {
		req = append(req, f)
	}

	if err := rc.Send(req); err != nil {
		rc.mu.Lock()
		delete(rc.subscriptions, sub.ID)
		rc.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// Unsubscribe sends CLOSE for the subscription and releases it.
func (rc *RelayConn) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	rc.mu.Lock()
	_, exists := rc.subscriptions[sub.ID]
	delete(rc.subscriptions, sub.ID)
	rc.mu.Unlock()

	if exists {
		// Best effort; the connection may already be gone.
		rc.Send([]interface{}{"CLOSE", sub.ID})
	}
	sub.Close()
}

// PublishWithOK sends an EVENT and registers a callback for the relay's OK
// verdict. The callback also fires (rejected, "connection closed") if the
// socket drops before the relay answers.
func (rc *RelayConn) PublishWithOK(evt *types.Event, cb okCallback) error {
	rc.mu.Lock()
	if rc.state != StateConnected {
		rc.mu.Unlock()
		return ErrNotConnected
	}
	rc.okCallbacks[evt.ID] = cb
	rc.mu.Unlock()

	if err := rc.Send([]interface{}{"EVENT", evt}); err != nil {
		rc.mu.Lock()
		delete(rc.okCallbacks, evt.ID)
		rc.mu.Unlock()
		return err
	}
	return nil
}

// TestConnection dials url, performs a minimal round trip (a one-event REQ
// answered by EOSE) and disconnects. It never joins the persistent pool;
// use it for one-off health checks.
func TestConnection(ctx context.Context, url string) (time.Duration, error) {
	normalized := nostr.NormalizeRelayURL(url)
	if normalized == "" {
		return 0, fmt.Errorf("%w: %s", ErrInvalidURL, url)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	start := time.Now()
	conn, _, err := dialer.DialContext(ctx, normalized, nil)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	subID := "ping-" + randomID(8)
	req := []interface{}{"REQ", subID, map[string]interface{}{"limit": 1}}
	if err := conn.WriteJSON(req); err != nil {
		return 0, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	}

	for {
		var msg []interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return 0, err
		}
		if len(msg) >= 1 {
			if msgType, ok := msg[0].(string); ok && msgType == "EOSE" {
				conn.WriteJSON([]interface{}{"CLOSE", subID})
				return time.Since(start), nil
			}
		}
	}
}

// randomID returns a hex string of n bytes of entropy for subscription IDs.
func randomID(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
