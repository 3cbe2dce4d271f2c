package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/offline-agent/pkg/agent"
	"github.com/Sternrassler/offline-agent/pkg/cache"
	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/Sternrassler/offline-agent/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// maxPushPayload bounds the body accepted by the push endpoint.
const maxPushPayload = 64 << 10

type settings struct {
	origin       string
	listenAddr   string
	mode         string
	store        string
	storePath    string
	redisAddr    string
	manifestPath string
	logLevel     string
	pretty       bool
}

func loadSettings() settings {
	return settings{
		origin:       getEnv("ORIGIN_URL", "http://localhost:3000"),
		listenAddr:   getEnv("LISTEN_ADDR", ":8080"),
		mode:         getEnv("MODE", "reverse"),
		store:        getEnv("STORE", "memory"),
		storePath:    getEnv("STORE_PATH", "offline-agent.db"),
		redisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		manifestPath: getEnv("MANIFEST_PATH", ""),
		logLevel:     getEnv("LOG_LEVEL", "info"),
		pretty:       getEnv("LOG_PRETTY", "") == "true",
	}
}

func main() {
	s := loadSettings()

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(s.logLevel),
		Pretty: s.pretty,
		Output: os.Stderr,
	})

	origin, err := url.Parse(s.origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		logger.Fatal().Str("origin", s.origin).Msg("ORIGIN_URL must be an absolute URL")
	}

	manifest, err := loadManifest(s.manifestPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load build manifest")
	}

	store, err := openStore(context.Background(), s)
	if err != nil {
		logger.Fatal().Err(err).Str("store", s.store).Msg("Failed to open cache store")
	}
	defer store.Close()

	reg, err := agent.NewRegistration(agent.DefaultConfig(store, origin))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create registration")
	}

	installCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	active, err := reg.Register(installCtx, manifest)
	cancel()
	if err != nil {
		// Keep serving as a plain proxy until POST /_agent/register succeeds.
		logger.Error().Err(err).Str(logging.FieldGeneration, manifest.Generation).Msg("Install failed, passing requests through")
	} else {
		logger.Info().Str(logging.FieldGeneration, active.Generation()).Msg("Agent active")
	}

	var fallback http.Handler = reg
	if s.mode == "forward" {
		fallback = agent.NewForwardProxy(reg)
	}

	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           newRouter(reg, store, manifest, fallback),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", s.listenAddr).
			Str("mode", s.mode).
			Str("origin", origin.String()).
			Str("store", s.store).
			Msg("Starting offline agent")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Graceful shutdown failed")
	}
	if err := reg.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close registration")
	}
	logger.Info().Msg("Stopped")
}

// newRouter mounts the control endpoints under /_agent and sends every other
// request to fallback.
func newRouter(reg *agent.Registration, store cache.Store, manifest agent.BuildManifest, fallback http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Route("/_agent", func(r chi.Router) {
		r.Get("/healthz", healthHandler)
		r.Get("/ready", readyHandler(reg))
		r.Handle("/metrics", metrics.Handler())
		r.Get("/generations", generationsHandler(store))
		r.Post("/sync/{tag}", syncHandler(reg))
		r.Post("/push", pushHandler(reg))
		r.Post("/register", registerHandler(reg, manifest))
		r.Post("/unregister", unregisterHandler(reg))
	})

	r.Handle("/*", fallback)
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

type readyResponse struct {
	State      string `json:"state"`
	Generation string `json:"generation,omitempty"`
}

func readyHandler(reg *agent.Registration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := reg.Active()
		if a == nil {
			writeJSON(w, http.StatusServiceUnavailable, readyResponse{State: "none"})
			return
		}

		status := http.StatusOK
		if !a.Controlling() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, readyResponse{
			State:      a.State().String(),
			Generation: a.Generation(),
		})
	}
}

type generationInfo struct {
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
}

func generationsHandler(store cache.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := store.Names(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		out := make([]generationInfo, 0, len(names))
		for _, name := range names {
			keys, err := store.Keys(r.Context(), name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			info := generationInfo{Name: name, Entries: make([]string, 0, len(keys))}
			for _, k := range keys {
				info.Entries = append(info.Entries, k.String())
			}
			out = append(out, info)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func syncHandler(reg *agent.Registration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Sync(r.Context(), chi.URLParam(r, "tag")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func pushHandler(reg *agent.Registration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := reg.Push(r.Context(), payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// registerHandler installs manifest again, replacing the active generation
// only when the install succeeds.
func registerHandler(reg *agent.Registration, manifest agent.BuildManifest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := reg.Register(r.Context(), manifest)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, readyResponse{
			State:      a.State().String(),
			Generation: a.Generation(),
		})
	}
}

func unregisterHandler(reg *agent.Registration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Unregister(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

// loadManifest reads the build manifest at path, or returns the default
// manifest when path is empty.
func loadManifest(path string) (agent.BuildManifest, error) {
	if path == "" {
		return agent.DefaultManifest(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return agent.BuildManifest{}, err
	}
	defer f.Close()
	return agent.LoadBuildManifest(f)
}

// openStore builds the cache backend selected by STORE.
func openStore(ctx context.Context, s settings) (cache.Store, error) {
	switch s.store {
	case "memory":
		return cache.NewMemoryStore(), nil
	case "sqlite":
		return cache.NewSQLiteStore(s.storePath)
	case "leveldb":
		return cache.NewLevelDBStore(s.storePath)
	case "redis":
		redisClient := redis.NewClient(&redis.Options{Addr: s.redisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", s.redisAddr, err)
		}
		return cache.NewRedisStore(redisClient, ""), nil
	default:
		return nil, fmt.Errorf("unknown store %q (want memory, sqlite, leveldb or redis)", s.store)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
