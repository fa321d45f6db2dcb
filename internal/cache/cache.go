// Package cache is a sqlite-backed TTL store for provider data that may be
// reused across invocations, such as token prices.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const (
	lockTimeout = 5 * time.Second
	// expired entries are kept this long so callers can fall back to them
	staleRetention = 24 * time.Hour
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

// Entry describes a cached value as of the read.
type Entry struct {
	Hit   bool
	Value []byte
	Age   time.Duration
	TTL   time.Duration
}

// Stale reports whether the entry outlived its TTL.
func (e Entry) Stale() bool {
	return e.Hit && e.Age > e.TTL
}

// Within reports whether the entry is usable when staleness up to maxStale is
// tolerated. A negative maxStale accepts any age.
func (e Entry) Within(maxStale time.Duration) bool {
	if !e.Hit {
		return false
	}
	return maxStale < 0 || e.Age <= e.TTL+maxStale
}

func Open(path, lockPath string) (*Store, error) {
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(lockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	for _, query := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL
		);`,
	} {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	_ = store.Prune(staleRetention)
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes entries older than their TTL plus keep.
func (s *Store) Prune(keep time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := s.now().UTC().Add(-keep).Unix()
	if _, err := s.db.Exec("DELETE FROM cache_entries WHERE created_at + ttl_seconds < ?", cutoff); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

func (s *Store) Get(key string) (Entry, error) {
	var (
		value       []byte
		createdUnix int64
		ttlSeconds  int64
	)
	err := s.db.QueryRow("SELECT value, created_at, ttl_seconds FROM cache_entries WHERE key = ?", key).Scan(&value, &createdUnix, &ttlSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("cache read: %w", err)
	}
	age := s.now().UTC().Sub(time.Unix(createdUnix, 0).UTC())
	if age < 0 {
		age = 0
	}
	return Entry{Hit: true, Value: value, Age: age, TTL: time.Duration(ttlSeconds) * time.Second}, nil
}

// Set writes key under the cross-process file lock.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	locked, err := s.lock.TryLockContext(context.Background(), lockTimeout)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO cache_entries (key, value, created_at, ttl_seconds)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			created_at=excluded.created_at,
			ttl_seconds=excluded.ttl_seconds
	`, key, value, s.now().UTC().Unix(), ttlSeconds)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// GetJSON decodes key into out when the entry is no staler than maxStale.
// Zero maxStale only accepts fresh entries.
func (s *Store) GetJSON(key string, out any, maxStale time.Duration) (bool, error) {
	if s == nil {
		return false, nil
	}
	entry, err := s.Get(key)
	if err != nil || !entry.Within(maxStale) {
		return false, err
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) SetJSON(key string, value any, ttl time.Duration) error {
	if s == nil {
		return nil
	}
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return s.Set(key, buf, ttl)
}
