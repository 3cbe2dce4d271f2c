package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/offline-agent/pkg/cache"
)

// precacheResult is the outcome of fetching one manifest asset.
type precacheResult struct {
	index int
	entry cache.Entry
	err   error
}

// precache fetches every manifest asset with a bounded worker pool and
// returns the entries in manifest order. The first failure cancels the
// remaining fetches and is returned; no partial result is ever returned.
func (a *Agent) precache(ctx context.Context) ([]cache.Entry, error) {
	assets := a.config.Manifest.Assets
	if len(assets) == 0 {
		return nil, nil
	}
	startTime := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := a.config.MaxConcurrency
	if workers > len(assets) {
		workers = len(assets)
	}

	a.logger.Info().
		Int("assets", len(assets)).
		Int("workers", workers).
		Msg("Pre-caching manifest")

	queue := make(chan int, len(assets))
	for i := range assets {
		queue <- i
	}
	close(queue)

	// Buffered for every asset so workers never block on send
	results := make(chan precacheResult, len(assets))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go a.precacheWorker(ctx, queue, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	entries := make([]cache.Entry, len(assets))
	fetched := 0
	var firstErr error
	for result := range results {
		if result.err != nil {
			if firstErr == nil {
				firstErr = result.err
				cancel()
			}
			continue
		}
		entries[result.index] = result.entry
		fetched++
	}

	if firstErr != nil {
		return nil, firstErr
	}
	if fetched < len(assets) {
		return nil, fmt.Errorf("%w: pre-cached %d/%d assets: %v", ErrContextCancelled, fetched, len(assets), ctx.Err())
	}

	a.logger.Info().
		Int("assets", fetched).
		Dur("duration", time.Since(startTime)).
		Msg("Pre-cache complete")
	return entries, nil
}

// precacheWorker fetches assets from the queue until it is drained or the
// context is cancelled.
func (a *Agent) precacheWorker(ctx context.Context, queue <-chan int, results chan<- precacheResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for index := range queue {
		select {
		case <-ctx.Done():
			a.logger.Debug().
				Int("worker_id", workerID).
				Int("assets_processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		path := a.config.Manifest.Assets[index]
		entry, err := a.fetchAsset(ctx, path)
		if err != nil {
			a.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("asset", path).
				Msg("Asset fetch failed")
		}
		results <- precacheResult{index: index, entry: entry, err: err}
		processed++
	}
}

// fetchAsset fetches one manifest path and snapshots it. Anything but a 200
// counts as a failure; server and network failures are retried.
func (a *Agent) fetchAsset(ctx context.Context, path string) (cache.Entry, error) {
	key := cache.KeyFor(a.config.Origin, path)

	var entry cache.Entry
	err := retryWithBackoff(ctx, a.config.Retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.URL, nil)
		if err != nil {
			return &FetchError{URL: key.URL, Class: ErrorClassClient, Err: err}
		}

		resp, err := a.config.Fetcher.Fetch(ctx, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			class := classifyStatus(resp.StatusCode)
			agentFetchErrorsTotal.WithLabelValues(string(class)).Inc()
			return &FetchError{URL: key.URL, StatusCode: resp.StatusCode, Class: class}
		}

		snap, err := cache.NewSnapshot(req, resp, responseType(a.config.Origin, req))
		if err != nil {
			return &FetchError{URL: key.URL, StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Err: err}
		}
		// Manifest assets answer any request for their path, as the
		// install request carried no client headers to vary on.
		snap.IgnoreVary = true
		entry = cache.Entry{Key: key, Snapshot: snap}
		return nil
	})
	if err != nil {
		return cache.Entry{}, fmt.Errorf("asset %s: %w", path, err)
	}
	return entry, nil
}
