package integration

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/offline-agent/internal/testutil"
	"github.com/Sternrassler/offline-agent/pkg/agent"
	"github.com/Sternrassler/offline-agent/pkg/cache"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// appOrigin is the public origin the agent serves; testTransport sends its
// traffic to the mock server.
const appOrigin = "https://app.harit-swaraj.example"

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// testTransport sends requests for the app origin to the mock server.
type testTransport struct {
	origin *testutil.MockOrigin
}

func (t *testTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, err := url.Parse(t.origin.URL())
	if err != nil {
		return nil, err
	}
	out := req.Clone(req.Context())
	out.URL.Scheme = target.Scheme
	out.URL.Host = target.Host
	out.Host = ""
	return http.DefaultTransport.RoundTrip(out)
}

// setupRegistration wires a Redis-backed registration to a mock origin
// serving the application shell.
func setupRegistration(t *testing.T) (*agent.Registration, cache.Store, *testutil.MockOrigin) {
	t.Helper()

	redisClient, cleanup := setupRedis(t)
	t.Cleanup(cleanup)

	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)
	origin.ServeAppShell()

	store := cache.NewRedisStore(redisClient, "it:"+t.Name())
	originURL, _ := url.Parse(appOrigin)

	cfg := agent.DefaultConfig(store, originURL)
	cfg.Fetcher = agent.NewHTTPFetcher(&http.Client{Transport: &testTransport{origin: origin}}, 2*time.Second)
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 5 * time.Millisecond

	reg, err := agent.NewRegistration(cfg)
	if err != nil {
		t.Fatalf("Failed to create registration: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	return reg, store, origin
}

func get(t *testing.T, reg *agent.Registration, path string, navigate bool) (*http.Response, string, error) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, appOrigin+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
		req.Header.Set("Accept", "text/html")
	}

	resp, err := reg.Handle(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body), nil
}

// TestFullOfflineFlow covers install, online serving, offline fallback and
// generation replacement against a real Redis store.
func TestFullOfflineFlow(t *testing.T) {
	reg, store, origin := setupRegistration(t)
	ctx := context.Background()

	origin.SetResponse("/api/plots", testutil.NewJSONResponse(`[{"id":7,"crop":"millet"}]`))

	// Install: every manifest asset lands in the generation at once
	t.Log("Install generation v1")
	v1, err := reg.Register(ctx, agent.DefaultManifest())
	if err != nil {
		t.Fatalf("Register v1 failed: %v", err)
	}

	keys, err := store.Keys(ctx, v1.Generation())
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != len(agent.DefaultManifest().Assets) {
		t.Errorf("stored entries = %d, want %d", len(keys), len(agent.DefaultManifest().Assets))
	}

	// Online: dynamic data comes from the network and is stored in the background
	t.Log("Dynamic request online")
	resp, body, err := get(t, reg, "/api/plots", false)
	if err != nil {
		t.Fatalf("dynamic request failed: %v", err)
	}
	if resp.Header.Get(agent.HeaderCache) != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", resp.Header.Get(agent.HeaderCache))
	}
	if !strings.Contains(body, "millet") {
		t.Errorf("body = %q", body)
	}
	v1.Wait()

	// Offline: stored data answers
	origin.SetOffline(true)

	t.Log("Dynamic request offline")
	resp, body, err = get(t, reg, "/api/plots", false)
	if err != nil {
		t.Fatalf("offline dynamic request failed: %v", err)
	}
	if resp.Header.Get(agent.HeaderCache) != "HIT" || !strings.Contains(body, "millet") {
		t.Errorf("offline dynamic response: X-Cache=%q body=%q", resp.Header.Get(agent.HeaderCache), body)
	}

	t.Log("Navigation offline")
	resp, body, err = get(t, reg, "/fields/7", true)
	if err != nil {
		t.Fatalf("offline navigation failed: %v", err)
	}
	if resp.Header.Get(agent.HeaderCache) != "OFFLINE" || !strings.Contains(body, "You are offline") {
		t.Errorf("offline navigation: X-Cache=%q body=%q", resp.Header.Get(agent.HeaderCache), body)
	}

	t.Log("Uncached asset offline")
	if _, _, err := get(t, reg, "/static/unknown.js", false); !errors.Is(err, agent.ErrNoResponse) {
		t.Errorf("error = %v, want ErrNoResponse", err)
	}

	// New build: v2 replaces v1 and v1 is deleted
	origin.SetOffline(false)

	t.Log("Install generation v2")
	manifest := agent.DefaultManifest()
	manifest.Generation = "harit-swaraj-v2"
	v2, err := reg.Register(ctx, manifest)
	if err != nil {
		t.Fatalf("Register v2 failed: %v", err)
	}

	if v1.State() != agent.StateRedundant {
		t.Errorf("v1 state = %v, want redundant", v1.State())
	}

	names, err := store.Names(ctx)
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if len(names) != 1 || names[0] != v2.Generation() {
		t.Errorf("generations = %v, want [%s]", names, v2.Generation())
	}
}

// TestInstallFailureKeepsPrevious verifies a failed install leaves the
// previous generation serving and stores nothing for the new one.
func TestInstallFailureKeepsPrevious(t *testing.T) {
	reg, store, origin := setupRegistration(t)
	ctx := context.Background()

	v1, err := reg.Register(ctx, agent.DefaultManifest())
	if err != nil {
		t.Fatalf("Register v1 failed: %v", err)
	}

	origin.SetResponse("/logo512.png", testutil.NewNotFoundResponse())

	manifest := agent.DefaultManifest()
	manifest.Generation = "harit-swaraj-v2"
	if _, err := reg.Register(ctx, manifest); !errors.Is(err, agent.ErrInstallFailed) {
		t.Fatalf("Register v2 error = %v, want ErrInstallFailed", err)
	}

	if reg.Active() != v1 {
		t.Error("previous agent should keep serving")
	}

	has, err := store.Has(ctx, "harit-swaraj-v2")
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if has {
		t.Error("failed install left a partial generation")
	}

	// 4xx is not retried
	if got := origin.PathCount("/logo512.png"); got != 2 {
		t.Errorf("/logo512.png fetched %d times, want 2 (one per install)", got)
	}
}

// TestUnregister verifies every generation is removed from Redis.
func TestUnregister(t *testing.T) {
	reg, store, _ := setupRegistration(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, agent.DefaultManifest()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := reg.Unregister(ctx); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	names, err := store.Names(ctx)
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("generations after unregister = %v", names)
	}
	if reg.Active() != nil {
		t.Error("agent still active after unregister")
	}
}
