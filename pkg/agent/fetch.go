package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Sternrassler/offline-agent/pkg/cache"
)

// DefaultNetworkTimeout bounds every network fetch, body read included.
const DefaultNetworkTimeout = 10 * time.Second

// Fetcher performs the network leg of an intercepted request.
//
// A nil error means a response arrived, whatever its status. Failures to get
// any response at all are reported as errors.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches over an http.Client and buffers the body so the whole
// exchange fits inside one timeout.
type HTTPFetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPFetcher creates a fetcher. A nil client uses http.DefaultClient and
// a non-positive timeout uses DefaultNetworkTimeout.
func NewHTTPFetcher(client *http.Client, timeout time.Duration) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultNetworkTimeout
	}
	return &HTTPFetcher{
		client:  client,
		timeout: timeout,
	}
}

// Fetch sends req and reads the full response body before returning.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	out := req.Clone(ctx)
	out.RequestURI = ""
	// The transport negotiates and decodes content encoding itself, so
	// bodies reaching the cache are never compressed.
	out.Header.Del("Accept-Encoding")

	resp, err := f.client.Do(out)
	if err != nil {
		agentFetchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &FetchError{URL: req.URL.String(), Class: ErrorClassNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		agentFetchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &FetchError{
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Class:      ErrorClassNetwork,
			Err:        fmt.Errorf("read body: %w", err),
		}
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Request = req
	return resp, nil
}

// responseType derives the fetch response type of a network response to req
// as seen from origin.
func responseType(origin *url.URL, req *http.Request) cache.ResponseType {
	if sameOrigin(origin, req.URL) {
		return cache.TypeBasic
	}
	if req.Header.Get("Sec-Fetch-Mode") == "no-cors" {
		return cache.TypeOpaque
	}
	return cache.TypeCORS
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return cache.CanonicalURL(&url.URL{Scheme: a.Scheme, Host: a.Host}) ==
		cache.CanonicalURL(&url.URL{Scheme: b.Scheme, Host: b.Host})
}

// isCacheable reports whether a network response may be stored.
func isCacheable(resp *http.Response, typ cache.ResponseType) bool {
	if resp == nil || resp.StatusCode != http.StatusOK {
		return false
	}
	return typ != cache.TypeOpaque && typ != cache.TypeError
}
