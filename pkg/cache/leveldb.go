package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const backendLevelDB = "leveldb"

// Key layout:
//
//	g\x00<generation>                 -> generation marker
//	e\x00<generation>\x00<key string> -> JSON snapshot
const (
	ldbGenerationPrefix = "g\x00"
	ldbEntryPrefix      = "e\x00"
)

// LevelDBStore persists generations in an embedded LevelDB database.
type LevelDBStore struct {
	db *leveldb.DB

	// serializes drop against put so a generation dropped mid-write is not
	// left half-populated
	mu sync.Mutex
}

// NewLevelDBStore opens (or creates) the database directory at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func ldbGenerationKey(generation string) []byte {
	return []byte(ldbGenerationPrefix + generation)
}

func ldbEntriesPrefix(generation string) []byte {
	return []byte(ldbEntryPrefix + generation + "\x00")
}

func ldbEntryKey(generation string, key Key) []byte {
	return append(ldbEntriesPrefix(generation), key.String()...)
}

func (l *LevelDBStore) Open(ctx context.Context, generation string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return observeError(backendLevelDB, "open", l.db.Put(ldbGenerationKey(generation), nil, nil))
}

func (l *LevelDBStore) Has(ctx context.Context, generation string) (bool, error) {
	ok, err := l.db.Has(ldbGenerationKey(generation), nil)
	return ok, observeError(backendLevelDB, "has", err)
}

func (l *LevelDBStore) Names(ctx context.Context) ([]string, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(ldbGenerationPrefix)), nil)
	defer iter.Release()

	names := make([]string, 0)
	for iter.Next() {
		names = append(names, string(iter.Key()[len(ldbGenerationPrefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, observeError(backendLevelDB, "names", err)
	}
	// iteration order is byte order, already sorted
	return names, nil
}

func (l *LevelDBStore) Drop(ctx context.Context, generation string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existed, err := l.db.Has(ldbGenerationKey(generation), nil)
	if err != nil {
		return false, observeError(backendLevelDB, "drop", err)
	}

	batch := new(leveldb.Batch)
	batch.Delete(ldbGenerationKey(generation))

	iter := l.db.NewIterator(util.BytesPrefix(ldbEntriesPrefix(generation)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return false, observeError(backendLevelDB, "drop", err)
	}

	if err := l.db.Write(batch, nil); err != nil {
		return false, observeError(backendLevelDB, "drop", err)
	}
	if existed {
		GenerationsDropped.WithLabelValues(backendLevelDB).Inc()
	}
	return existed, nil
}

func (l *LevelDBStore) Match(ctx context.Context, generation string, key Key) (*Snapshot, error) {
	data, err := l.db.Get(ldbEntryKey(generation, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			observeMatch(backendLevelDB, ErrCacheMiss)
			return nil, ErrCacheMiss
		}
		observeMatch(backendLevelDB, err)
		return nil, fmt.Errorf("leveldb get: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		observeMatch(backendLevelDB, err)
		return nil, err
	}
	observeMatch(backendLevelDB, nil)
	return &snap, nil
}

func (l *LevelDBStore) Put(ctx context.Context, generation string, key Key, snap *Snapshot) error {
	return l.PutAll(ctx, generation, []Entry{{Key: key, Snapshot: snap}})
}

func (l *LevelDBStore) PutAll(ctx context.Context, generation string, entries []Entry) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(ldbGenerationKey(generation), nil)
	for _, e := range entries {
		if err := validateEntry(e.Key, e.Snapshot); err != nil {
			return err
		}
		data, err := json.Marshal(e.Snapshot)
		if err != nil {
			return observeError(backendLevelDB, "put", fmt.Errorf("marshal snapshot: %w", err))
		}
		batch.Put(ldbEntryKey(generation, e.Key), data)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.Write(batch, nil); err != nil {
		return observeError(backendLevelDB, "put", fmt.Errorf("leveldb write: %w", err))
	}
	CacheWrites.WithLabelValues(backendLevelDB).Add(float64(len(entries)))
	return nil
}

func (l *LevelDBStore) Remove(ctx context.Context, generation string, key Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ldbEntryKey(generation, key)
	ok, err := l.db.Has(k, nil)
	if err != nil || !ok {
		return false, observeError(backendLevelDB, "remove", err)
	}
	if err := l.db.Delete(k, nil); err != nil {
		return false, observeError(backendLevelDB, "remove", err)
	}
	return true, nil
}

func (l *LevelDBStore) Keys(ctx context.Context, generation string) ([]Key, error) {
	ok, err := l.Has(ctx, generation)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGenerationNotFound
	}

	prefix := ldbEntriesPrefix(generation)
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	raw := make([]string, 0)
	for iter.Next() {
		raw = append(raw, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, observeError(backendLevelDB, "keys", err)
	}
	return parseKeys(raw)
}

func (l *LevelDBStore) Close() error {
	return l.db.Close()
}
