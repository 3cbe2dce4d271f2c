package cache

import (
	"context"
	"sort"
	"sync"
)

const backendMemory = "memory"

// MemoryStore keeps generations in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	generations map[string]map[string]*Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		generations: make(map[string]map[string]*Snapshot),
	}
}

func (m *MemoryStore) Open(ctx context.Context, generation string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.generations[generation]; !ok {
		m.generations[generation] = make(map[string]*Snapshot)
	}
	return nil
}

func (m *MemoryStore) Has(ctx context.Context, generation string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.generations[generation]
	return ok, nil
}

func (m *MemoryStore) Names(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.generations))
	for name := range m.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) Drop(ctx context.Context, generation string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.generations[generation]; !ok {
		return false, nil
	}
	delete(m.generations, generation)
	GenerationsDropped.WithLabelValues(backendMemory).Inc()
	return true, nil
}

func (m *MemoryStore) Match(ctx context.Context, generation string, key Key) (*Snapshot, error) {
	m.mu.RLock()
	snap, ok := m.generations[generation][key.String()]
	m.mu.RUnlock()
	if !ok {
		observeMatch(backendMemory, ErrCacheMiss)
		return nil, ErrCacheMiss
	}
	observeMatch(backendMemory, nil)
	return snap.Clone(), nil
}

func (m *MemoryStore) Put(ctx context.Context, generation string, key Key, snap *Snapshot) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	if err := validateEntry(key, snap); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.generations[generation]
	if !ok {
		gen = make(map[string]*Snapshot)
		m.generations[generation] = gen
	}
	gen[key.String()] = snap.Clone()
	CacheWrites.WithLabelValues(backendMemory).Inc()
	return nil
}

func (m *MemoryStore) PutAll(ctx context.Context, generation string, entries []Entry) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	// Validate and copy everything before touching the map so a bad entry
	// leaves the store untouched.
	staged := make(map[string]*Snapshot, len(entries))
	for _, e := range entries {
		if err := validateEntry(e.Key, e.Snapshot); err != nil {
			return err
		}
		staged[e.Key.String()] = e.Snapshot.Clone()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.generations[generation]
	if !ok {
		gen = make(map[string]*Snapshot, len(staged))
		m.generations[generation] = gen
	}
	for k, snap := range staged {
		gen[k] = snap
	}
	CacheWrites.WithLabelValues(backendMemory).Add(float64(len(staged)))
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, generation string, key Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.generations[generation]
	if !ok {
		return false, nil
	}
	if _, ok := gen[key.String()]; !ok {
		return false, nil
	}
	delete(gen, key.String())
	return true, nil
}

func (m *MemoryStore) Keys(ctx context.Context, generation string) ([]Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gen, ok := m.generations[generation]
	if !ok {
		return nil, ErrGenerationNotFound
	}
	raw := make([]string, 0, len(gen))
	for k := range gen {
		raw = append(raw, k)
	}
	return parseKeys(raw)
}

func (m *MemoryStore) Close() error {
	return nil
}

// parseKeys sorts and parses stored key strings.
func parseKeys(raw []string) ([]Key, error) {
	sort.Strings(raw)
	keys := make([]Key, 0, len(raw))
	for _, s := range raw {
		k, err := ParseKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}
