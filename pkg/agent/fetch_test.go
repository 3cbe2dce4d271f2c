package agent

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Sternrassler/offline-agent/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher_BuffersBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"batch":1}]`))
	}))
	defer server.Close()

	f := NewHTTPFetcher(server.Client(), time.Second)
	req, _ := http.NewRequest("GET", server.URL+"/api/batches", nil)

	resp, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `[{"batch":1}]`, string(body))
	assert.Equal(t, int64(len(body)), resp.ContentLength)
	assert.Same(t, req, resp.Request)
}

func TestHTTPFetcher_DecodesContentEncoding(t *testing.T) {
	gotEncoding := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding <- r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("<html>shell</html>"))
		gz.Close()
	}))
	defer server.Close()

	f := NewHTTPFetcher(server.Client(), time.Second)
	req, _ := http.NewRequest("GET", server.URL+"/index.html", nil)
	req.Header.Set("Accept-Encoding", "br")

	resp, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, "gzip", <-gotEncoding, "transport negotiates the encoding")
	assert.Equal(t, "<html>shell</html>", string(body))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "br", req.Header.Get("Accept-Encoding"), "caller request untouched")
}

func TestHTTPFetcher_NonSuccessIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := NewHTTPFetcher(server.Client(), time.Second)
	req, _ := http.NewRequest("GET", server.URL+"/api/batches", nil)

	resp, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPFetcher_TimeoutCoversBody(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	f := NewHTTPFetcher(server.Client(), 50*time.Millisecond)
	req, _ := http.NewRequest("GET", server.URL+"/api/slow", nil)

	start := time.Now()
	_, err := f.Fetch(context.Background(), req)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ErrorClassNetwork, fe.Class)
}

func TestHTTPFetcher_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	f := NewHTTPFetcher(nil, time.Second)
	req, _ := http.NewRequest("GET", addr+"/", nil)

	_, err := f.Fetch(context.Background(), req)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ErrorClassNetwork, fe.Class)
	assert.Zero(t, fe.StatusCode)
}

func TestNewHTTPFetcher_Defaults(t *testing.T) {
	f := NewHTTPFetcher(nil, 0)
	assert.Equal(t, http.DefaultClient, f.client)
	assert.Equal(t, DefaultNetworkTimeout, f.timeout)
}

func TestResponseType(t *testing.T) {
	origin, _ := url.Parse("https://app.example.org")

	tests := []struct {
		name string
		url  string
		mode string
		want cache.ResponseType
	}{
		{"same origin", "https://app.example.org/logo192.png", "", cache.TypeBasic},
		{"same origin explicit port", "https://APP.example.org:443/index.html", "", cache.TypeBasic},
		{"same origin no-cors", "https://app.example.org/logo192.png", "no-cors", cache.TypeBasic},
		{"cross origin cors", "https://tiles.example.net/api/tiles/1", "cors", cache.TypeCORS},
		{"cross origin without metadata", "https://tiles.example.net/a.png", "", cache.TypeCORS},
		{"cross origin no-cors", "https://cdn.example.net/font.woff2", "no-cors", cache.TypeOpaque},
		{"different scheme", "http://app.example.org/", "", cache.TypeCORS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", tt.url, nil)
			if tt.mode != "" {
				req.Header.Set("Sec-Fetch-Mode", tt.mode)
			}
			assert.Equal(t, tt.want, responseType(origin, req))
		})
	}
}

func TestIsCacheable(t *testing.T) {
	tests := []struct {
		name   string
		resp   *http.Response
		typ    cache.ResponseType
		expect bool
	}{
		{"basic 200", &http.Response{StatusCode: 200}, cache.TypeBasic, true},
		{"cors 200", &http.Response{StatusCode: 200}, cache.TypeCORS, true},
		{"opaque 200", &http.Response{StatusCode: 200}, cache.TypeOpaque, false},
		{"error type", &http.Response{StatusCode: 200}, cache.TypeError, false},
		{"204 no content", &http.Response{StatusCode: 204}, cache.TypeBasic, false},
		{"301 redirect", &http.Response{StatusCode: 301}, cache.TypeBasic, false},
		{"404", &http.Response{StatusCode: 404}, cache.TypeBasic, false},
		{"500", &http.Response{StatusCode: 500}, cache.TypeBasic, false},
		{"nil response", nil, cache.TypeBasic, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, isCacheable(tt.resp, tt.typ))
		})
	}
}
