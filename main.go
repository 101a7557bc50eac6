package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nostr-client/internal/cache"
	"nostr-client/internal/types"
)

const maxBodySize = 32 * 1024 // 32KB for POST requests

// initCacheBackend returns a Redis backend when REDIS_URL is set and
// reachable, otherwise the in-process memory backend.
func initCacheBackend() (cache.Backend, string) {
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		slog.Info("initializing Redis cache")
		backend, err := cache.NewRedis(redisURL, "nostr-client:")
		if err == nil {
			return backend, "redis"
		}
		slog.Warn("Redis connection failed, using memory cache", "error", err)
	}
	return cache.NewMemory(10000, time.Minute), "memory"
}

func main() {
	InitLogger()
	startTime := time.Now()

	backend, backendType := initCacheBackend()
	cacheConfig := cache.DefaultConfig()

	store := NewFileRelayStore("")
	manager := NewRelayManager(store)
	if err := manager.LoadFromStore(); err != nil {
		slog.Error("loading relay configuration failed", "error", err)
		os.Exit(1)
	}
	manager.ConnectAll()

	engine := NewFetchEngine(manager)
	broadcaster := NewBroadcaster(manager)
	directory := NewDirectory(engine, backend, cacheConfig)
	profiles := NewProfileCache(engine, backend, cacheConfig, DefaultBatcherConfig())
	profiles.Start()

	var signer Signer
	if hexKey := os.Getenv("NOSTR_SECRET_KEY"); hexKey != "" {
		local, err := NewLocalSigner(hexKey)
		if err != nil {
			slog.Error("invalid NOSTR_SECRET_KEY", "error", err)
			os.Exit(1)
		}
		signer = local
		slog.Info("local signer loaded", "pubkey", local.GetPublicKey())
	}

	api := &apiServer{
		manager:     manager,
		engine:      engine,
		broadcaster: broadcaster,
		directory:   directory,
		profiles:    profiles,
		signer:      signer,
		backendType: backendType,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.healthHandler)
	mux.HandleFunc("/metrics", newMetricsHandler(manager, backendType, startTime))
	mux.HandleFunc("/relays", api.relaysHandler)
	mux.HandleFunc("/relay", api.relayHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      RequestLoggingMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("server starting", "port", port, "cache_backend", backendType)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}

	profiles.Stop()
	manager.Shutdown()
	if err := backend.Close(); err != nil {
		slog.Warn("closing cache backend failed", "error", err)
	}
	slog.Info("shutdown complete")
}

// apiServer exposes the client core over a small JSON API, mainly for
// operating and debugging the relay pool.
type apiServer struct {
	manager     *RelayManager
	engine      *FetchEngine
	broadcaster *Broadcaster
	directory   *Directory
	profiles    *ProfileCache
	signer      Signer
	backendType string
}

func (s *apiServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.manager.Statuses()
	connected := 0
	for _, st := range statuses {
		if st.Connected {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"cache_backend":    s.backendType,
		"relays_total":     len(statuses),
		"relays_connected": connected,
	})
}

// relaysHandler lists statuses and accepts new relay configs.
func (s *apiServer) relaysHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.manager.Statuses())
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var cfg types.RelayConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.manager.AddRelay(cfg); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrDuplicateRelay) {
				status = http.StatusConflict
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, s.manager.AllRelays())
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// relayHandler reads, updates or removes one relay, addressed by the url
// query parameter (e.g. DELETE /relay?url=wss://relay.damus.io).
func (s *apiServer) relayHandler(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	switch r.Method {
	case http.MethodGet:
		st, ok := s.manager.Status(url)
		if !ok {
			writeError(w, http.StatusNotFound, "relay not configured")
			return
		}
		writeJSON(w, http.StatusOK, st)
	case http.MethodPatch:
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var patch types.RelayConfigPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.manager.UpdateRelay(url, patch); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrUnknownRelay) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.manager.AllRelays())
	case http.MethodDelete:
		s.manager.RemoveRelay(url)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, PATCH, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
