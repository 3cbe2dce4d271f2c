package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/Sternrassler/offline-agent/internal/testutil"
	"github.com/Sternrassler/offline-agent/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistration(t *testing.T, origin *testutil.MockOrigin, store cache.Store) *Registration {
	t.Helper()
	reg, err := NewRegistration(testConfig(t, origin, store))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestNewRegistration_Validation(t *testing.T) {
	_, err := NewRegistration(Config{})
	assert.Error(t, err)
}

func TestRegistration_SupersedesPreviousGeneration(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.ServeAppShell()

	ctx := context.Background()
	store := cache.NewMemoryStore()
	reg := newTestRegistration(t, origin, store)

	first, err := reg.Register(ctx, shellManifest("harit-swaraj-v1"))
	require.NoError(t, err)
	assert.Same(t, first, reg.Active())

	second, err := reg.Register(ctx, shellManifest("harit-swaraj-v2"))
	require.NoError(t, err)
	assert.Same(t, second, reg.Active())
	assert.Equal(t, StateRedundant, first.State())
	assert.Equal(t, StateActive, second.State())

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"harit-swaraj-v2"}, names)
}

func TestRegistration_FailedInstallKeepsPrevious(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	bodies := origin.ServeAppShell()

	ctx := context.Background()
	store := cache.NewMemoryStore()
	reg := newTestRegistration(t, origin, store)

	first, err := reg.Register(ctx, shellManifest("v1"))
	require.NoError(t, err)

	broken := shellManifest("v2")
	broken.Assets = append(broken.Assets, "/missing.css")
	_, err = reg.Register(ctx, broken)
	require.ErrorIs(t, err, ErrInstallFailed)

	assert.Same(t, first, reg.Active())
	assert.Equal(t, StateActive, first.State())

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names)

	// The previous generation keeps serving offline
	origin.SetOffline(true)
	resp, err := reg.Handle(newRequest(t, origin, "GET", "/index.html"))
	require.NoError(t, err)
	assert.Equal(t, bodies["/index.html"], readBody(t, resp))
}

func TestRegistration_HandleWithoutActiveAgent(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.ServeAppShell()

	reg := newTestRegistration(t, origin, cache.NewMemoryStore())
	assert.Nil(t, reg.Active())

	resp, err := reg.Handle(newRequest(t, origin, "GET", "/"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 1, origin.RequestCount())
}

func TestRegistration_Unregister(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.ServeAppShell()

	ctx := context.Background()
	store := cache.NewMemoryStore()
	require.NoError(t, store.Open(ctx, "orphan"))
	reg := newTestRegistration(t, origin, store)

	a, err := reg.Register(ctx, shellManifest("v1"))
	require.NoError(t, err)

	require.NoError(t, reg.Unregister(ctx))
	assert.Nil(t, reg.Active())
	assert.Equal(t, StateRedundant, a.State())

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	// With nothing registered requests go to the network
	origin.SetOffline(true)
	_, err = reg.Handle(newRequest(t, origin, "GET", "/"))
	assert.Error(t, err)
}

func TestRegistration_UnregisterJoinsDropErrors(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	ctx := context.Background()
	mem := cache.NewMemoryStore()
	require.NoError(t, mem.Open(ctx, "stuck"))
	require.NoError(t, mem.Open(ctx, "v0"))

	reg := newTestRegistration(t, origin, &dropFailingStore{Store: mem, fail: "stuck"})
	err := reg.Unregister(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")

	names, _ := mem.Names(ctx)
	assert.Equal(t, []string{"stuck"}, names)
}

func TestRegistration_Hooks(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	reg := newTestRegistration(t, origin, cache.NewMemoryStore())

	drained := 0
	reg.OnSync(SyncTagOfflineData, func(ctx context.Context) error {
		drained++
		return nil
	})
	require.NoError(t, reg.Sync(context.Background(), SyncTagOfflineData))
	assert.Equal(t, 1, drained)

	assert.NoError(t, reg.Push(context.Background(), []byte(`{"title":"Hi"}`)))
	assert.Error(t, reg.Push(context.Background(), []byte(`{`)))
}

func TestRegistration_ServeHTTP(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	bodies := origin.ServeAppShell()
	origin.SetResponse("/api/batches", testutil.NewJSONResponse(`[{"id":7}]`))

	reg := newTestRegistration(t, origin, cache.NewMemoryStore())
	_, err := reg.Register(context.Background(), shellManifest("v1"))
	require.NoError(t, err)

	front := httptest.NewServer(reg)
	defer front.Close()

	resp, err := http.Get(front.URL + "/index.html")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get(HeaderCache))
	assert.Equal(t, bodies["/index.html"], readBody(t, resp))

	resp, err = http.Get(front.URL + "/api/batches?page=1")
	require.NoError(t, err)
	assert.Equal(t, "MISS", resp.Header.Get(HeaderCache))
	assert.Equal(t, `[{"id":7}]`, readBody(t, resp))

	origin.SetOffline(true)

	resp, err = http.Get(front.URL + "/api/plots")
	require.NoError(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "no-response", resp.Header.Get(HeaderOfflineAgent))
	resp.Body.Close()

	// POST while offline is a gateway failure, not an offline answer
	resp, err = http.Post(front.URL+"/api/harvest", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(HeaderOfflineAgent))
	resp.Body.Close()
}

func TestForwardProxy(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	bodies := origin.ServeAppShell()

	reg := newTestRegistration(t, origin, cache.NewMemoryStore())
	_, err := reg.Register(context.Background(), shellManifest("v1"))
	require.NoError(t, err)

	proxy := httptest.NewServer(NewForwardProxy(reg))
	defer proxy.Close()

	proxyURL, _ := url.Parse(proxy.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	origin.SetOffline(true)
	origin.Reset()

	resp, err := client.Get(origin.URL() + "/")
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get(HeaderCache))
	assert.Equal(t, bodies["/"], readBody(t, resp))
	assert.Zero(t, origin.RequestCount())

	resp, err = client.Get(origin.URL() + "/api/batches")
	require.NoError(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "no-response", resp.Header.Get(HeaderOfflineAgent))
	resp.Body.Close()
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, StatusForError(ErrNoResponse))
	assert.Equal(t, http.StatusGatewayTimeout, StatusForError(errors.Join(errors.New("x"), ErrNoResponse)))
	assert.Equal(t, http.StatusBadGateway, StatusForError(&FetchError{Class: ErrorClassNetwork}))
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Session-Hop")
	h.Set("X-Session-Hop", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Type", "text/html")

	removeHopHeaders(h)

	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("X-Session-Hop"))
	assert.Empty(t, h.Get("Keep-Alive"))
	assert.Empty(t, h.Get("Transfer-Encoding"))
	assert.Equal(t, "text/html", h.Get("Content-Type"))
}
