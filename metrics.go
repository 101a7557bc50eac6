package main

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// HTTP metrics
var (
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64
)

// Relay metrics
var (
	droppedEventCount    atomic.Int64
	relayReconnectsTotal atomic.Int64
)

// Fetch/publish metrics
var (
	fetchesTotal         atomic.Int64
	fetchTimeoutsTotal   atomic.Int64
	publishesTotal       atomic.Int64
	publishFailuresTotal atomic.Int64
)

// Cache metrics
var (
	cacheHitsTotal   atomic.Int64
	cacheMissesTotal atomic.Int64
	batchDrainsTotal atomic.Int64
)

// newMetricsHandler serves Prometheus-compatible metrics over the manager's
// live relay pool.
func newMetricsHandler(manager *RelayManager, cacheBackendType string, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		// Build info metric
		fmt.Fprintf(w, "# HELP nostr_build_info Build and configuration information\n")
		fmt.Fprintf(w, "# TYPE nostr_build_info gauge\n")
		fmt.Fprintf(w, "nostr_build_info{cache_backend=%q,go_version=%q} 1\n\n", cacheBackendType, runtime.Version())

		// Process metrics
		fmt.Fprintf(w, "# HELP process_start_time_seconds Unix timestamp of process start\n")
		fmt.Fprintf(w, "# TYPE process_start_time_seconds gauge\n")
		fmt.Fprintf(w, "process_start_time_seconds %d\n\n", startTime.Unix())

		fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
		fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
		fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(startTime).Seconds())

		// Go runtime metrics
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Currently allocated memory in bytes\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n\n", memStats.Alloc)

		fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total memory obtained from the OS\n")
		fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_sys_bytes %d\n\n", memStats.Sys)

		// HTTP metrics
		fmt.Fprintf(w, "# HELP http_requests_total Total number of HTTP requests\n")
		fmt.Fprintf(w, "# TYPE http_requests_total counter\n")
		fmt.Fprintf(w, "http_requests_total %d\n\n", httpRequestsTotal.Load())

		fmt.Fprintf(w, "# HELP http_errors_total Total number of HTTP 5xx errors\n")
		fmt.Fprintf(w, "# TYPE http_errors_total counter\n")
		fmt.Fprintf(w, "http_errors_total %d\n\n", httpErrorsTotal.Load())

		// Relay pool metrics
		statuses := manager.Statuses()
		connected := 0
		for _, st := range statuses {
			if st.Connected {
				connected++
			}
		}

		fmt.Fprintf(w, "# HELP nostr_relays_configured Number of configured relays\n")
		fmt.Fprintf(w, "# TYPE nostr_relays_configured gauge\n")
		fmt.Fprintf(w, "nostr_relays_configured %d\n\n", len(statuses))

		fmt.Fprintf(w, "# HELP nostr_relays_connected Number of connected relays\n")
		fmt.Fprintf(w, "# TYPE nostr_relays_connected gauge\n")
		fmt.Fprintf(w, "nostr_relays_connected %d\n\n", connected)

		if len(statuses) > 0 {
			fmt.Fprintf(w, "# HELP nostr_relay_connected Whether relay is connected (1) or not (0)\n")
			fmt.Fprintf(w, "# TYPE nostr_relay_connected gauge\n")
			for _, st := range statuses {
				val := 0
				if st.Connected {
					val = 1
				}
				fmt.Fprintf(w, "nostr_relay_connected{relay=%q} %d\n", st.URL, val)
			}
			fmt.Fprintf(w, "\n")

			fmt.Fprintf(w, "# HELP nostr_relay_latency_ms Last connect latency per relay in milliseconds\n")
			fmt.Fprintf(w, "# TYPE nostr_relay_latency_ms gauge\n")
			for _, st := range statuses {
				fmt.Fprintf(w, "nostr_relay_latency_ms{relay=%q} %d\n", st.URL, st.LatencyMs)
			}
			fmt.Fprintf(w, "\n")
		}

		fmt.Fprintf(w, "# HELP nostr_relay_reconnects_total Total relay reconnect attempts\n")
		fmt.Fprintf(w, "# TYPE nostr_relay_reconnects_total counter\n")
		fmt.Fprintf(w, "nostr_relay_reconnects_total %d\n\n", relayReconnectsTotal.Load())

		// Fetch/publish metrics
		fmt.Fprintf(w, "# HELP nostr_fetches_total Total fetch calls\n")
		fmt.Fprintf(w, "# TYPE nostr_fetches_total counter\n")
		fmt.Fprintf(w, "nostr_fetches_total %d\n\n", fetchesTotal.Load())

		fmt.Fprintf(w, "# HELP nostr_fetch_timeouts_total Fetch calls ended by the wait bound\n")
		fmt.Fprintf(w, "# TYPE nostr_fetch_timeouts_total counter\n")
		fmt.Fprintf(w, "nostr_fetch_timeouts_total %d\n\n", fetchTimeoutsTotal.Load())

		fmt.Fprintf(w, "# HELP nostr_publishes_total Total publish calls\n")
		fmt.Fprintf(w, "# TYPE nostr_publishes_total counter\n")
		fmt.Fprintf(w, "nostr_publishes_total %d\n\n", publishesTotal.Load())

		fmt.Fprintf(w, "# HELP nostr_publish_failures_total Publish calls no relay accepted\n")
		fmt.Fprintf(w, "# TYPE nostr_publish_failures_total counter\n")
		fmt.Fprintf(w, "nostr_publish_failures_total %d\n\n", publishFailuresTotal.Load())

		// Event metrics
		fmt.Fprintf(w, "# HELP nostr_events_dropped_total Events dropped due to full channels\n")
		fmt.Fprintf(w, "# TYPE nostr_events_dropped_total counter\n")
		fmt.Fprintf(w, "nostr_events_dropped_total %d\n\n", droppedEventCount.Load())

		// Cache metrics
		cacheHits := cacheHitsTotal.Load()
		cacheMisses := cacheMissesTotal.Load()

		fmt.Fprintf(w, "# HELP cache_hits_total Total cache hits\n")
		fmt.Fprintf(w, "# TYPE cache_hits_total counter\n")
		fmt.Fprintf(w, "cache_hits_total %d\n\n", cacheHits)

		fmt.Fprintf(w, "# HELP cache_misses_total Total cache misses\n")
		fmt.Fprintf(w, "# TYPE cache_misses_total counter\n")
		fmt.Fprintf(w, "cache_misses_total %d\n\n", cacheMisses)

		fmt.Fprintf(w, "# HELP batch_drains_total Batched fetch windows drained\n")
		fmt.Fprintf(w, "# TYPE batch_drains_total counter\n")
		fmt.Fprintf(w, "batch_drains_total %d\n\n", batchDrainsTotal.Load())

		var hitRatio float64
		if total := cacheHits + cacheMisses; total > 0 {
			hitRatio = float64(cacheHits) / float64(total)
		}
		fmt.Fprintf(w, "# HELP cache_hit_ratio Cache hit ratio (0-1)\n")
		fmt.Fprintf(w, "# TYPE cache_hit_ratio gauge\n")
		fmt.Fprintf(w, "cache_hit_ratio %.4f\n", hitRatio)
	}
}
