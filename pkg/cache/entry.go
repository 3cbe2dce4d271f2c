package cache

import (
	"net/http"
	"strings"
	"time"
)

// ResponseType mirrors the fetch response types the agent distinguishes.
type ResponseType string

const (
	// TypeBasic is a same-origin response.
	TypeBasic ResponseType = "basic"

	// TypeCORS is a cross-origin response readable by the application.
	TypeCORS ResponseType = "cors"

	// TypeOpaque is a cross-origin no-cors response. Never stored.
	TypeOpaque ResponseType = "opaque"

	// TypeError is a network error placeholder. Never stored.
	TypeError ResponseType = "error"
)

// Snapshot is an immutable copy of a response captured when it was written.
type Snapshot struct {
	// URL is the request URL the response answered
	URL string `json:"url"`

	// StatusCode is the HTTP status code of the stored response
	StatusCode int `json:"status_code"`

	// Status is the status line text (e.g. "200 OK")
	Status string `json:"status"`

	// Type is the response type at capture time
	Type ResponseType `json:"type"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Data is the response body
	Data []byte `json:"data"`

	// Vary holds the request header values named by the response's Vary
	// header, captured when the snapshot was taken.
	Vary map[string]string `json:"vary,omitempty"`

	// IgnoreVary makes the snapshot answer every request for its URL,
	// whatever the request headers.
	IgnoreVary bool `json:"ignore_vary,omitempty"`

	// CachedAt is when the snapshot was taken
	CachedAt time.Time `json:"cached_at"`
}

// Clone returns a deep copy. Stores hand out clones so callers never share
// a snapshot with the store.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Headers = s.Headers.Clone()
	if s.Data != nil {
		c.Data = append([]byte(nil), s.Data...)
	}
	if s.Vary != nil {
		c.Vary = make(map[string]string, len(s.Vary))
		for k, v := range s.Vary {
			c.Vary[k] = v
		}
	}
	return &c
}

// Age returns how long ago the snapshot was captured.
func (s *Snapshot) Age() time.Duration {
	if s.CachedAt.IsZero() {
		return 0
	}
	age := time.Since(s.CachedAt)
	if age < 0 {
		return 0
	}
	return age
}

// MatchesVary reports whether a request carrying h would be answered by this
// snapshot. A stored "Vary: *" never matches unless IgnoreVary is set.
func (s *Snapshot) MatchesVary(h http.Header) bool {
	if s.IgnoreVary {
		return true
	}
	for _, name := range varyNames(s.Headers) {
		if name == "*" {
			return false
		}
		if h.Get(name) != s.Vary[http.CanonicalHeaderKey(name)] {
			return false
		}
	}
	return true
}

// transportHeaders are negotiated by the HTTP client itself. Stored bodies
// are already decoded, so these never select between snapshots.
var transportHeaders = map[string]bool{
	"Accept-Encoding": true,
	"Te":              true,
}

// varyNames lists the header names in a response's Vary header, minus the
// transport-managed ones.
func varyNames(h http.Header) []string {
	var names []string
	for _, line := range h.Values("Vary") {
		for _, name := range strings.Split(line, ",") {
			name = strings.TrimSpace(name)
			if name != "" && !transportHeaders[http.CanonicalHeaderKey(name)] {
				names = append(names, name)
			}
		}
	}
	return names
}
