package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Key identifies a stored response within a generation.
type Key struct {
	// Method is the upper-cased request method. Only GET is ever stored.
	Method string

	// URL is the canonical absolute request URL (see CanonicalURL).
	URL string
}

// KeyFromRequest builds the key for an outgoing request.
func KeyFromRequest(req *http.Request) Key {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return Key{
		Method: strings.ToUpper(method),
		URL:    CanonicalURL(req.URL),
	}
}

// KeyFor builds a GET key for a path resolved against base.
func KeyFor(base *url.URL, path string) Key {
	ref := &url.URL{Path: path}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		ref = &url.URL{Path: path[:i], RawQuery: path[i+1:]}
	}
	return Key{
		Method: http.MethodGet,
		URL:    CanonicalURL(base.ResolveReference(ref)),
	}
}

// String generates a deterministic key string.
// Format: METHOD canonical-url
//
// Example:
//
//	GET https://app.example.org/api/batches?page=2&size=50
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	method, rawURL, ok := strings.Cut(s, " ")
	if !ok || method == "" || rawURL == "" {
		return Key{}, fmt.Errorf("malformed cache key %q", s)
	}
	return Key{Method: method, URL: rawURL}, nil
}

// CanonicalURL normalizes a URL so that equivalent requests map to the same key.
// Scheme and host are lower-cased, default ports dropped, the fragment removed
// and query parameters sorted.
func CanonicalURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.User = nil
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	switch {
	case c.Scheme == "http" && strings.HasSuffix(c.Host, ":80"):
		c.Host = strings.TrimSuffix(c.Host, ":80")
	case c.Scheme == "https" && strings.HasSuffix(c.Host, ":443"):
		c.Host = strings.TrimSuffix(c.Host, ":443")
	}
	if c.Path == "" && c.Opaque == "" {
		c.Path = "/"
	}

	// Sort query params for determinism
	if c.RawQuery != "" {
		values := c.Query()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(values))
		for _, k := range keys {
			vs := append([]string(nil), values[k]...)
			sort.Strings(vs)
			for _, v := range vs {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		c.RawQuery = strings.Join(parts, "&")
	}

	return c.String()
}
