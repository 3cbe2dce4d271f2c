package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrCacheMiss indicates the requested key was not found in the generation,
	// or the generation itself does not exist (or was dropped mid-request).
	ErrCacheMiss = errors.New("cache miss")

	// ErrGenerationNotFound indicates an operation that requires an existing
	// generation was given an unknown name.
	ErrGenerationNotFound = errors.New("generation not found")

	// ErrInvalidSnapshot indicates the stored snapshot is invalid or corrupted.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// Entry pairs a key with the snapshot stored under it.
type Entry struct {
	Key      Key
	Snapshot *Snapshot
}

// Store is a set of named generations, each mapping request identity to a
// stored response snapshot.
//
// Implementations must be safe for concurrent use. Concurrent writes to the
// same key resolve last-write-wins and never corrupt a snapshot. Reads from a
// generation that does not exist return ErrCacheMiss, never another error.
type Store interface {
	// Open creates the generation if it does not exist yet.
	Open(ctx context.Context, generation string) error

	// Has reports whether the generation exists.
	Has(ctx context.Context, generation string) (bool, error)

	// Names returns every generation name, sorted.
	Names(ctx context.Context) ([]string, error)

	// Drop deletes a generation and all of its entries. It reports whether
	// the generation existed.
	Drop(ctx context.Context, generation string) (bool, error)

	// Match returns the snapshot stored under key, or ErrCacheMiss.
	Match(ctx context.Context, generation string, key Key) (*Snapshot, error)

	// Put stores snap under key, opening the generation if needed and
	// replacing any previous snapshot.
	Put(ctx context.Context, generation string, key Key, snap *Snapshot) error

	// PutAll writes all entries and opens the generation in a single atomic
	// operation: either every entry is visible afterwards or none is.
	PutAll(ctx context.Context, generation string, entries []Entry) error

	// Remove deletes a single entry and reports whether it existed.
	Remove(ctx context.Context, generation string, key Key) (bool, error)

	// Keys lists the keys stored in a generation, sorted by their string form.
	// Returns ErrGenerationNotFound for unknown generations.
	Keys(ctx context.Context, generation string) ([]Key, error)

	// Close releases the backend.
	Close() error
}

// Lookup matches an outgoing request against a generation, honoring the
// Vary headers recorded in the stored snapshot.
func Lookup(ctx context.Context, s Store, generation string, req *http.Request) (*Snapshot, error) {
	snap, err := s.Match(ctx, generation, KeyFromRequest(req))
	if err != nil {
		return nil, err
	}
	if !snap.MatchesVary(req.Header) {
		return nil, ErrCacheMiss
	}
	return snap, nil
}

func validateGeneration(name string) error {
	if name == "" {
		return fmt.Errorf("generation name cannot be empty")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("generation name %q contains NUL", name)
	}
	return nil
}

func validateEntry(key Key, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	if key.Method == "" || key.URL == "" {
		return fmt.Errorf("incomplete cache key %q", key.String())
	}
	return nil
}
