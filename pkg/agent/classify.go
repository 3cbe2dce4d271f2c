package agent

import (
	"net/http"
	"strings"
)

// Class selects the consistency strategy for a request.
type Class int

const (
	// ClassStatic requests are served cache-first.
	ClassStatic Class = iota

	// ClassDynamic requests are served network-first.
	ClassDynamic
)

// String returns the lower-case class name used in logs and metrics.
func (c Class) String() string {
	switch c {
	case ClassDynamic:
		return "dynamic"
	case ClassStatic:
		return "static"
	default:
		return "unknown"
	}
}

// DefaultAPIPrefix marks data API requests.
const DefaultAPIPrefix = "/api/"

// Classifier assigns a Class to each request by URL path.
type Classifier struct {
	prefixes []string
}

// NewClassifier creates a classifier treating any path that contains one of
// prefixes as dynamic. With no prefixes DefaultAPIPrefix is used.
func NewClassifier(prefixes ...string) *Classifier {
	var kept []string
	for _, p := range prefixes {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		kept = []string{DefaultAPIPrefix}
	}
	return &Classifier{prefixes: kept}
}

// Classify returns ClassDynamic when the request path contains an API
// prefix, ClassStatic otherwise. It is a pure function of the URL.
func (c *Classifier) Classify(req *http.Request) Class {
	path := req.URL.EscapedPath()
	for _, p := range c.prefixes {
		if strings.Contains(path, p) {
			return ClassDynamic
		}
	}
	return ClassStatic
}

// IsNavigation reports whether req is a top-level page load.
//
// Fetch metadata decides when present. Clients that send none are treated as
// navigating when they issue a GET that accepts HTML.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	if req.Method != http.MethodGet {
		return false
	}
	switch req.Header.Get("Sec-Fetch-Dest") {
	case "", "document":
	default:
		return false
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
