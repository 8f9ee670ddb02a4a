// Package storage provides the KeyedStore, a transactional map from keys to
// page snapshots kept in a single SQLite file.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/masahif/hopfetch/internal/page"
	// SQLite database driver (CGO-free)
	_ "modernc.org/sqlite"
)

// ErrStoreClosed is returned by operations on a closed store
var ErrStoreClosed = errors.New("store is closed")

// KeyedStore maps keys to page snapshots. Every mutation runs in its own
// transaction. The in-memory key index is updated under the same lock as the
// transaction, so HasKey, Keys and Size always reflect committed state.
type KeyedStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	index  map[string]struct{}
	closed bool
}

// Open creates an empty store at path. Any existing file there is removed first.
func Open(path string) (*KeyedStore, error) {
	for _, name := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove existing store file %s: %w", name, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection prevents lock conflicts
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &KeyedStore{
		db:    db,
		path:  path,
		index: make(map[string]struct{}),
	}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *KeyedStore) initSchema() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",  // Each committed mutation is durable
		"PRAGMA cache_size = -64000", // 64MB cache
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 30000", // 30 second timeout for locks
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Path returns the backing file location
func (s *KeyedStore) Path() string {
	return s.path
}

// Close closes the database connection. Further calls return ErrStoreClosed.
func (s *KeyedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Get returns the snapshot stored under key
func (s *KeyedStore) Get(ctx context.Context, key string) (page.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap page.Snapshot
	if s.closed {
		return snap, false, ErrStoreClosed
	}

	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM entries WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, false, fmt.Errorf("failed to decode value for key %s: %w", key, err)
	}

	return snap, true, nil
}

// Set stores snap under key
func (s *KeyedStore) Set(ctx context.Context, key string, snap page.Snapshot) error {
	return s.Merge(ctx, map[string]page.Snapshot{key: snap})
}

// Merge stores every entry of values in one transaction
func (s *KeyedStore) Merge(ctx context.Context, values map[string]page.Snapshot) error {
	if len(values) == 0 {
		return nil
	}

	encoded := make(map[string][]byte, len(values))
	for key, snap := range values {
		raw, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to encode value for key %s: %w", key, err)
		}
		encoded[key] = raw
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO entries (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		now := time.Now()
		for key, raw := range encoded {
			if _, err := stmt.ExecContext(ctx, key, raw, now); err != nil {
				return fmt.Errorf("failed to store key %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for key := range encoded {
		s.index[key] = struct{}{}
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *KeyedStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	delete(s.index, key)
	return nil
}

// Values returns every stored snapshot ordered by key
func (s *KeyedStore) Values(ctx context.Context) ([]page.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query values: %w", err)
	}
	defer func() { _ = rows.Close() }()

	values := make([]page.Snapshot, 0, len(s.index))
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}

		var snap page.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("failed to decode value for key %s: %w", key, err)
		}
		values = append(values, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate values: %w", err)
	}

	return values, nil
}

// HasKey reports whether key is stored
func (s *KeyedStore) HasKey(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.index[key]
	return ok
}

// Keys returns the stored keys in sorted order
func (s *KeyedStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.index))
	for key := range s.index {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Size returns the number of stored keys
func (s *KeyedStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// SetMeta stores a metadata value
func (s *KeyedStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta returns a metadata value, or "" when it is not set
func (s *KeyedStore) GetMeta(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

// withTx runs fn in a transaction, committing only when fn succeeds
func (s *KeyedStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
