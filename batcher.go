package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Batcher collects requests over a time window and executes them in batches.
// This provides better deduplication than singleflight for overlapping (not
// just identical) requests.
//
// Example: three concurrent requests for profiles [a,b,c], [a,d], [b,e]
//   - singleflight: 3 separate relay queries (different batch keys)
//   - batcher: 1 relay query for [a,b,c,d,e] (merged and deduplicated)
//
// Keys leave the pending set when a batch goes in flight, not when its
// response lands, so the same key cannot ride two overlapping batches.
type Batcher[V any] struct {
	name    string
	batchFn func(keys []string) map[string]V
	window  time.Duration
	maxKeys int

	mu       sync.Mutex
	pending  map[string][]*batchWaiter[V]
	timer    *time.Timer
	timerSet bool
}

// batchWaiter represents a caller waiting for results
type batchWaiter[V any] struct {
	keys   []string
	result chan map[string]V
}

// BatcherConfig holds the debounce tunables. Both values are explicit so
// deployments can trade latency against batch size.
type BatcherConfig struct {
	Window  time.Duration // idle window before a batch drains
	MaxKeys int           // drain immediately at this many distinct keys (0 = unlimited)
}

// DefaultBatcherConfig returns sensible defaults for batching
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		Window:  50 * time.Millisecond,
		MaxKeys: 100,
	}
}

// NewBatcher creates a batcher named for logging, draining through batchFn.
func NewBatcher[V any](name string, cfg BatcherConfig, batchFn func(keys []string) map[string]V) *Batcher[V] {
	return &Batcher[V]{
		name:    name,
		batchFn: batchFn,
		window:  cfg.Window,
		maxKeys: cfg.MaxKeys,
		pending: make(map[string][]*batchWaiter[V]),
	}
}

// Get fetches a single value, batching with other concurrent requests.
func (b *Batcher[V]) Get(ctx context.Context, key string) (V, bool) {
	result := b.GetMultiple(ctx, []string{key})
	v, ok := result[key]
	return v, ok
}

// GetMultiple fetches multiple values, batching with other concurrent
// requests. Returns key -> value for the requested keys present in the
// batch result. A canceled context abandons the wait (the batch itself
// still drains for the other waiters).
func (b *Batcher[V]) GetMultiple(ctx context.Context, keys []string) map[string]V {
	if len(keys) == 0 {
		return nil
	}

	waiter := &batchWaiter[V]{
		keys:   keys,
		result: make(chan map[string]V, 1),
	}

	b.mu.Lock()
	for _, key := range keys {
		b.pending[key] = append(b.pending[key], waiter)
	}

	if !b.timerSet {
		b.timerSet = true
		b.timer = time.AfterFunc(b.window, b.drain)
	}

	if b.maxKeys > 0 && len(b.pending) >= b.maxKeys {
		b.timer.Stop()
		b.mu.Unlock()
		b.drain()
	} else {
		b.mu.Unlock()
	}

	select {
	case result := <-waiter.result:
		return result
	case <-ctx.Done():
		return nil
	}
}

// drain runs the batch function over the pending key set and distributes
// results to every waiter.
func (b *Batcher[V]) drain() {
	b.mu.Lock()

	keys := make([]string, 0, len(b.pending))
	for key := range b.pending {
		keys = append(keys, key)
	}

	waiterSet := make(map[*batchWaiter[V]]bool)
	for _, waiters := range b.pending {
		for _, w := range waiters {
			waiterSet[w] = true
		}
	}

	b.pending = make(map[string][]*batchWaiter[V])
	b.timerSet = false
	b.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	slog.Debug("batcher draining",
		"name", b.name,
		"keys", len(keys),
		"waiters", len(waiterSet))
	batchDrainsTotal.Add(1)

	results := b.batchFn(keys)

	for waiter := range waiterSet {
		waiterResult := make(map[string]V, len(waiter.keys))
		for _, key := range waiter.keys {
			if val, ok := results[key]; ok {
				waiterResult[key] = val
			}
		}
		waiter.result <- waiterResult
	}
}

// Stats returns the current pending key and waiter counts.
func (b *Batcher[V]) Stats() (pendingKeys int, pendingWaiters int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	waiterSet := make(map[*batchWaiter[V]]bool)
	for _, waiters := range b.pending {
		for _, w := range waiters {
			waiterSet[w] = true
		}
	}
	return len(b.pending), len(waiterSet)
}
