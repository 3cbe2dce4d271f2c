package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/rs/zerolog"
)

// HeaderOfflineAgent is set on error responses the agent produces itself.
const HeaderOfflineAgent = "X-Offline-Agent"

// Registration owns the succession of agents for one origin. Register
// installs a new generation while the previous agent keeps serving; only a
// fully installed agent replaces it.
type Registration struct {
	config Config
	logger zerolog.Logger

	// installMu serializes Register and Unregister
	installMu sync.Mutex

	mu     sync.RWMutex
	active *Agent
}

// NewRegistration creates a registration with no active agent. cfg.Manifest
// is ignored; every Register call brings its own.
func NewRegistration(cfg Config) (*Registration, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Registration{
		config: cfg.withDefaults(),
		logger: logging.NewLogger("registration"),
	}, nil
}

// Register installs and activates an agent for manifest. If install fails
// the error is returned and the previously active agent, if any, keeps
// serving. On success the previous agent is retired and its pending writes
// drained before the new one deletes stale generations.
func (r *Registration) Register(ctx context.Context, manifest BuildManifest) (*Agent, error) {
	r.installMu.Lock()
	defer r.installMu.Unlock()

	cfg := r.config
	cfg.Manifest = manifest
	next, err := New(cfg)
	if err != nil {
		return nil, err
	}

	if err := next.Install(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := r.active; prev != nil {
		prev.Retire()
		prev.Wait()
	}
	if err := next.Activate(ctx); err != nil {
		return nil, err
	}
	r.active = next

	r.logger.Info().
		Str(logging.FieldGeneration, next.Generation()).
		Int("assets", len(manifest.Assets)).
		Msg("Registered")
	return next, nil
}

// Active returns the controlling agent, or nil.
func (r *Registration) Active() *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Handle routes req to the active agent. Without one the request goes
// straight to the network.
func (r *Registration) Handle(req *http.Request) (*http.Response, error) {
	if a := r.Active(); a != nil {
		return a.Handle(req)
	}
	return passthrough(r.config.Fetcher, req, r.config.Classifier.Classify(req))
}

// Unregister retires the active agent and deletes every generation in the
// store. Deletion continues past individual failures, which are joined.
func (r *Registration) Unregister(ctx context.Context) error {
	r.installMu.Lock()
	defer r.installMu.Unlock()

	r.mu.Lock()
	if r.active != nil {
		r.active.Retire()
		r.active.Wait()
		r.active = nil
	}
	r.mu.Unlock()

	names, err := r.config.Store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}

	var errs []error
	for _, name := range names {
		if _, err := r.config.Store.Drop(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("drop %s: %w", name, err))
		}
	}

	r.logger.Info().
		Int("generations", len(names)).
		Int("failures", len(errs)).
		Msg("Unregistered")
	return errors.Join(errs...)
}

// Close retires the active agent and waits for its pending cache writes.
// Stored generations are kept.
func (r *Registration) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.active.Retire()
		r.active.Wait()
	}
	return nil
}

// Sync runs the background sync handler for tag.
func (r *Registration) Sync(ctx context.Context, tag string) error {
	return r.config.Hooks.Sync(ctx, tag)
}

// Push delivers a push payload as a notification.
func (r *Registration) Push(ctx context.Context, payload []byte) error {
	return r.config.Hooks.Push(ctx, payload)
}

// OnSync registers a background sync handler shared by every agent.
func (r *Registration) OnSync(tag string, fn SyncFunc) {
	r.config.Hooks.OnSync(tag, fn)
}

// ServeHTTP serves the origin through the agent (reverse-proxy mode).
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	out, err := r.outbound(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := r.Handle(out)
	if err != nil {
		logger := logging.WithRequest(r.logger, out, r.config.Classifier.Classify(out).String())
		logger.Warn().Err(err).Msg("Request failed")
		writeError(w, err)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	removeHopHeaders(header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to write response body")
	}
}

// outbound rewrites an incoming server request into a client request for
// the origin.
func (r *Registration) outbound(req *http.Request) (*http.Request, error) {
	target := r.config.Origin.ResolveReference(&url.URL{
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
	})

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	out.Header = req.Header.Clone()
	removeHopHeaders(out.Header)
	out.ContentLength = req.ContentLength
	return out, nil
}

// StatusForError maps a Handle error to the status a host should answer with.
func StatusForError(err error) int {
	if errors.Is(err, ErrNoResponse) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNoResponse) {
		w.Header().Set(HeaderOfflineAgent, "no-response")
	}
	http.Error(w, http.StatusText(StatusForError(err)), StatusForError(err))
}

// removeHopHeaders deletes connection-specific fields, including those named
// by the Connection header.
func removeHopHeaders(h http.Header) {
	for _, line := range h.Values("Connection") {
		for _, name := range strings.Split(line, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range []string{
		"Connection",
		"Proxy-Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"TE",
		"Trailer",
		"Transfer-Encoding",
		"Upgrade",
	} {
		h.Del(name)
	}
}
