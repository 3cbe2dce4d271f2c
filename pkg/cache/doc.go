// Package cache provides the generation-scoped response store used by the
// offline agent.
//
// A Store holds named generations. Each generation maps a request identity
// (Key: method plus canonical URL, refined by the Vary headers recorded in the
// stored Snapshot) to an immutable response snapshot. Generations are created
// when first written, populated atomically with PutAll at install time or
// incrementally with Put at request time, and dropped wholesale when a newer
// generation activates.
//
// # Backends
//
//   - MemoryStore: in-process maps, used by default and in tests
//   - SQLiteStore: local persistent store (generations and entries tables)
//   - LevelDBStore: embedded persistent store, one batch per atomic write
//   - RedisStore: one set of generation names plus one hash per generation
//
// # Basic Usage
//
//	store, err := cache.NewSQLiteStore("offline.db")
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	snap, err := cache.Lookup(ctx, store, "harit-swaraj-v1", req)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// go to the network
//	}
//
// # Snapshots
//
//	// Capture a response (the body is restored for the caller)
//	snap, err := cache.NewSnapshot(req, resp, cache.TypeBasic)
//	if err != nil {
//		return err
//	}
//	err = store.Put(ctx, "harit-swaraj-v1", cache.KeyFromRequest(req), snap)
//
//	// Replay it later
//	resp := snap.Response(req)
//
// # Metrics
//
//   - offline_cache_hits_total{backend}
//   - offline_cache_misses_total{backend}
//   - offline_cache_writes_total{backend}
//   - offline_cache_generations_dropped_total{backend}
//   - offline_cache_errors_total{backend,operation}
//
// Reads from a generation that does not exist, including one dropped while a
// request was in flight, are misses rather than errors.
package cache
