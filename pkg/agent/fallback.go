package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/offline-agent/pkg/cache"
)

// ResolveOffline returns the stored offline page when req is a navigation,
// and ErrNoResponse otherwise or when no offline page is stored.
func (a *Agent) ResolveOffline(ctx context.Context, req *http.Request) (*cache.Snapshot, error) {
	page := a.config.Manifest.OfflinePage
	if !IsNavigation(req) || page == "" {
		return nil, ErrNoResponse
	}

	snap, err := a.config.Store.Match(ctx, a.Generation(), cache.KeyFor(a.config.Origin, page))
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, ErrNoResponse
		}
		return nil, fmt.Errorf("%w: offline page: %w", ErrNoResponse, err)
	}
	return snap, nil
}
