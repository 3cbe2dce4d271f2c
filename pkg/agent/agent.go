// Package agent intercepts application requests and answers them from the
// network, from a generation-scoped cache or from an offline page.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/offline-agent/pkg/cache"
	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/rs/zerolog"
)

// Config holds the agent configuration.
type Config struct {
	// Origin is the application origin; manifest paths resolve against it (REQUIRED)
	Origin *url.URL

	// Store holds the cache generations (REQUIRED)
	Store cache.Store

	// Manifest names the generation and the assets pre-cached at install
	Manifest BuildManifest

	// Fetcher performs network requests (default: HTTPFetcher)
	Fetcher Fetcher

	// Classifier picks the strategy per request (default: "/api/" is dynamic)
	Classifier *Classifier

	// Hooks dispatches sync and push events (default: log-only notifier)
	Hooks *Hooks

	// NetworkTimeout bounds each fetch of the default Fetcher, body included
	NetworkTimeout time.Duration

	// WriteTimeout bounds each cache write made while serving a request
	WriteTimeout time.Duration

	// MaxConcurrency is the number of parallel fetches during install
	MaxConcurrency int

	// Retry applies to install fetches only; request-time fetches fall back
	// to the cache instead of retrying.
	Retry RetryConfig
}

// DefaultConfig returns a configuration serving the default manifest.
func DefaultConfig(store cache.Store, origin *url.URL) Config {
	return Config{
		Origin:         origin,
		Store:          store,
		Manifest:       DefaultManifest(),
		NetworkTimeout: DefaultNetworkTimeout,
		WriteTimeout:   5 * time.Second,
		MaxConcurrency: 4,
		Retry:          DefaultRetryConfig(),
	}
}

// withDefaults fills unset optional fields.
func (c Config) withDefaults() Config {
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = DefaultNetworkTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryConfig()
	}
	if c.Fetcher == nil {
		c.Fetcher = NewHTTPFetcher(nil, c.NetworkTimeout)
	}
	if c.Classifier == nil {
		c.Classifier = NewClassifier()
	}
	if c.Hooks == nil {
		c.Hooks = NewHooks(nil)
	}
	return c
}

func (c Config) validate() error {
	if c.Store == nil {
		return fmt.Errorf("cache store is required")
	}
	if c.Origin == nil || c.Origin.Scheme == "" || c.Origin.Host == "" {
		return fmt.Errorf("absolute origin URL is required")
	}
	return nil
}

// Agent serves one cache generation. It moves through the lifecycle states
// once: a superseded agent is never reused.
type Agent struct {
	config Config
	logger zerolog.Logger

	mu     sync.Mutex
	state  State
	writes sync.WaitGroup
}

// New creates an idle agent. Call Install then Activate before it controls
// requests.
func New(cfg Config) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	cfg = cfg.withDefaults()

	return &Agent{
		config: cfg,
		logger: logging.ForGeneration("agent", cfg.Manifest.Generation),
		state:  StateIdle,
	}, nil
}

// Generation returns the generation this agent installs and serves.
func (a *Agent) Generation() string {
	return a.config.Manifest.Generation
}

// Manifest returns the build manifest the agent was created with.
func (a *Agent) Manifest() BuildManifest {
	return a.config.Manifest
}

// Handle answers an intercepted request.
//
// Until the agent is active, and for every non-GET request, the request goes
// straight to the network. Otherwise dynamic requests are served network-first
// and static requests cache-first. ErrNoResponse means nothing could answer.
func (a *Agent) Handle(req *http.Request) (*http.Response, error) {
	class := a.config.Classifier.Classify(req)

	startTime := time.Now()
	defer func() {
		agentRequestDuration.WithLabelValues(class.String()).Observe(time.Since(startTime).Seconds())
	}()

	if req.Method != http.MethodGet || !a.Controlling() {
		return passthrough(a.config.Fetcher, req, class)
	}

	switch class {
	case ClassDynamic:
		return a.networkFirst(req)
	default:
		return a.cacheFirst(req)
	}
}

// passthrough sends req to the network without touching the cache.
func passthrough(fetcher Fetcher, req *http.Request, class Class) (*http.Response, error) {
	resp, err := fetcher.Fetch(req.Context(), req)
	if err != nil {
		agentRequestsTotal.WithLabelValues(class.String(), sourceNone).Inc()
		return nil, err
	}
	agentRequestsTotal.WithLabelValues(class.String(), sourcePassthrough).Inc()
	return resp, nil
}

// Wait blocks until every cache write started while serving requests has
// finished.
func (a *Agent) Wait() {
	a.writes.Wait()
}

// OnSync registers a background sync handler.
func (a *Agent) OnSync(tag string, fn SyncFunc) {
	a.config.Hooks.OnSync(tag, fn)
}

// Sync runs the background sync handler for tag.
func (a *Agent) Sync(ctx context.Context, tag string) error {
	return a.config.Hooks.Sync(ctx, tag)
}

// Push delivers a push payload as a notification.
func (a *Agent) Push(ctx context.Context, payload []byte) error {
	return a.config.Hooks.Push(ctx, payload)
}

func (a *Agent) requestLogger(req *http.Request, class Class) zerolog.Logger {
	return logging.WithRequest(a.logger, req, class.String())
}
