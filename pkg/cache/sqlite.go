package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const backendSQLite = "sqlite"

// SQLiteStore persists generations in a local SQLite database.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at filename.
// If filename is empty, a shared in-memory database is used.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			cached_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Open(ctx context.Context, generation string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)",
		generation, time.Now().Unix())
	return observeError(backendSQLite, "open", err)
}

func (s *SQLiteStore) Has(ctx context.Context, generation string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM generations WHERE name = ?", generation).Scan(&n)
	if err != nil {
		return false, observeError(backendSQLite, "has", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM generations ORDER BY name")
	if err != nil {
		return nil, observeError(backendSQLite, "names", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, observeError(backendSQLite, "names", err)
		}
		names = append(names, name)
	}
	return names, observeError(backendSQLite, "names", rows.Err())
}

func (s *SQLiteStore) Drop(ctx context.Context, generation string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, observeError(backendSQLite, "drop", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", generation); err != nil {
		return false, observeError(backendSQLite, "drop", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE name = ?", generation)
	if err != nil {
		return false, observeError(backendSQLite, "drop", err)
	}
	if err := tx.Commit(); err != nil {
		return false, observeError(backendSQLite, "drop", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		GenerationsDropped.WithLabelValues(backendSQLite).Inc()
	}
	return n > 0, nil
}

func (s *SQLiteStore) Match(ctx context.Context, generation string, key Key) (*Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE generation = ? AND key = ?",
		generation, key.String()).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			observeMatch(backendSQLite, ErrCacheMiss)
			return nil, ErrCacheMiss
		}
		observeMatch(backendSQLite, err)
		return nil, fmt.Errorf("sqlite match: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		observeMatch(backendSQLite, err)
		return nil, err
	}
	observeMatch(backendSQLite, nil)
	return &snap, nil
}

func (s *SQLiteStore) Put(ctx context.Context, generation string, key Key, snap *Snapshot) error {
	return s.PutAll(ctx, generation, []Entry{{Key: key, Snapshot: snap}})
}

func (s *SQLiteStore) PutAll(ctx context.Context, generation string, entries []Entry) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}

	type row struct {
		key      string
		cachedAt int64
		data     []byte
	}
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		if err := validateEntry(e.Key, e.Snapshot); err != nil {
			return err
		}
		data, err := json.Marshal(e.Snapshot)
		if err != nil {
			return observeError(backendSQLite, "put", fmt.Errorf("marshal snapshot: %w", err))
		}
		rows = append(rows, row{key: e.Key.String(), cachedAt: e.Snapshot.CachedAt.Unix(), data: data})
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return observeError(backendSQLite, "put", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)",
		generation, time.Now().Unix()); err != nil {
		return observeError(backendSQLite, "put", err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (generation, key, cached_at, bytes) VALUES (?, ?, ?, ?)",
			generation, r.key, r.cachedAt, r.data); err != nil {
			return observeError(backendSQLite, "put", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return observeError(backendSQLite, "put", err)
	}

	CacheWrites.WithLabelValues(backendSQLite).Add(float64(len(rows)))
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, generation string, key Key) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE generation = ? AND key = ?", generation, key.String())
	if err != nil {
		return false, observeError(backendSQLite, "remove", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Keys(ctx context.Context, generation string) ([]Key, error) {
	ok, err := s.Has(ctx, generation)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGenerationNotFound
	}

	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE generation = ?", generation)
	if err != nil {
		return nil, observeError(backendSQLite, "keys", err)
	}
	defer rows.Close()

	raw := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, observeError(backendSQLite, "keys", err)
		}
		raw = append(raw, k)
	}
	if err := rows.Err(); err != nil {
		return nil, observeError(backendSQLite, "keys", err)
	}
	return parseKeys(raw)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
