package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/offline-agent/pkg/cache"
	"github.com/Sternrassler/offline-agent/pkg/logging"
)

// Response sources reported in the X-Cache header and in metrics.
const (
	sourceHit         = "hit"
	sourceMiss        = "miss"
	sourceOffline     = "offline"
	sourcePassthrough = "passthrough"
	sourceNone        = "none"
)

// HeaderCache marks responses the agent stored or served. Non-cacheable
// network responses are returned without it.
const HeaderCache = "X-Cache"

// networkFirst serves a dynamic request. A cacheable network response is
// stored on a detached task and returned at once; on network failure the
// stored snapshot answers, or ErrNoResponse.
func (a *Agent) networkFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	logger := a.requestLogger(req, ClassDynamic)

	resp, err := a.config.Fetcher.Fetch(ctx, req)
	if err == nil {
		if snap, key, ok := a.snapshot(req, resp); ok {
			a.detach(func(ctx context.Context) error {
				return a.config.Store.Put(ctx, a.Generation(), key, snap)
			})
			markSource(resp, "MISS")
		}
		agentRequestsTotal.WithLabelValues(ClassDynamic.String(), sourceMiss).Inc()
		return resp, nil
	}

	logger.Warn().Err(err).Msg("Network failed, falling back to cache")

	snap, lerr := a.lookup(ctx, req)
	if lerr != nil {
		agentRequestsTotal.WithLabelValues(ClassDynamic.String(), sourceNone).Inc()
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNoResponse, req.Method, req.URL, err)
	}
	return a.serveSnapshot(req, ClassDynamic, snap, sourceHit), nil
}

// cacheFirst serves a static request. A stored snapshot answers without any
// network traffic; a miss goes to the network and stores a cacheable
// response before returning it. When the network fails too, navigations get
// the offline page and everything else gets ErrNoResponse.
func (a *Agent) cacheFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	logger := a.requestLogger(req, ClassStatic)

	if snap, err := a.lookup(ctx, req); err == nil {
		return a.serveSnapshot(req, ClassStatic, snap, sourceHit), nil
	}

	resp, err := a.config.Fetcher.Fetch(ctx, req)
	if err != nil {
		if IsNavigation(req) {
			if page, oerr := a.ResolveOffline(ctx, req); oerr == nil {
				logger.Warn().Err(err).Msg("Network failed, serving offline page")
				return a.serveSnapshot(req, ClassStatic, page, sourceOffline), nil
			}
		}
		logger.Warn().Err(err).Msg("Network failed, no cached response")
		agentRequestsTotal.WithLabelValues(ClassStatic.String(), sourceNone).Inc()
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNoResponse, req.Method, req.URL, err)
	}

	if snap, key, ok := a.snapshot(req, resp); ok {
		if err := a.write(ctx, key, snap); err != nil {
			logger.Error().Err(err).Msg("Failed to cache response")
		}
		markSource(resp, "MISS")
	}
	agentRequestsTotal.WithLabelValues(ClassStatic.String(), sourceMiss).Inc()
	return resp, nil
}

// lookup matches req in the agent's generation. Store failures are logged
// and reported as misses by the caller.
func (a *Agent) lookup(ctx context.Context, req *http.Request) (*cache.Snapshot, error) {
	snap, err := cache.Lookup(ctx, a.config.Store, a.Generation(), req)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			logger := a.requestLogger(req, a.config.Classifier.Classify(req))
			logger.Error().
				Err(err).
				Msg("Cache lookup failed")
		}
		return nil, err
	}
	return snap, nil
}

// snapshot captures resp for storage if it is cacheable.
func (a *Agent) snapshot(req *http.Request, resp *http.Response) (*cache.Snapshot, cache.Key, bool) {
	typ := responseType(a.config.Origin, req)
	if !isCacheable(resp, typ) {
		a.logger.Debug().
			Str("url", req.URL.String()).
			Int("status", resp.StatusCode).
			Str("type", string(typ)).
			Msg("Response not cacheable")
		return nil, cache.Key{}, false
	}

	snap, err := cache.NewSnapshot(req, resp, typ)
	if err != nil {
		a.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Failed to snapshot response")
		return nil, cache.Key{}, false
	}
	return snap, cache.KeyFromRequest(req), true
}

// write stores snap and waits for the result.
func (a *Agent) write(ctx context.Context, key cache.Key, snap *cache.Snapshot) error {
	if !a.beginWrite() {
		return nil
	}
	defer a.writes.Done()

	ctx, cancel := context.WithTimeout(ctx, a.config.WriteTimeout)
	defer cancel()
	return a.config.Store.Put(ctx, a.Generation(), key, snap)
}

// detach runs a cache write in the background. The caller never waits for
// it and its failure is only logged; Wait drains outstanding writes.
func (a *Agent) detach(fn func(ctx context.Context) error) {
	if !a.beginWrite() {
		agentDetachedWritesTotal.WithLabelValues("skipped").Inc()
		return
	}

	go func() {
		defer a.writes.Done()

		ctx, cancel := context.WithTimeout(context.Background(), a.config.WriteTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			agentDetachedWritesTotal.WithLabelValues("error").Inc()
			a.logger.Warn().Err(err).Msg("Background cache write failed")
			return
		}
		agentDetachedWritesTotal.WithLabelValues("ok").Inc()
	}()
}

// serveSnapshot turns a stored snapshot into the response for req.
func (a *Agent) serveSnapshot(req *http.Request, class Class, snap *cache.Snapshot, source string) *http.Response {
	resp := snap.Response(req)
	switch source {
	case sourceOffline:
		markSource(resp, "OFFLINE")
	default:
		markSource(resp, "HIT")
	}

	logger := a.requestLogger(req, class)
	logger.Debug().
		Str(logging.FieldSource, source).
		Dur("age", snap.Age()).
		Msg("Served from cache")
	agentRequestsTotal.WithLabelValues(class.String(), source).Inc()
	return resp
}

func markSource(resp *http.Response, value string) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(HeaderCache, value)
}
