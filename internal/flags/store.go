// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package flags persists the monotonic per-record flag sets: "ever in the
// claim stage" and operator done overrides. Entries are never removed, so
// the in-memory caches are safe for concurrent reads.
package flags

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed flag store with write-through in-memory caches.
type Store struct {
	db *sql.DB

	mu      sync.RWMutex
	claimed map[int64]bool
	done    map[int64]bool
}

// Open creates or opens the flag database at path and loads both flag sets.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
		}
	}

	// WAL mode for better concurrency and durability.
	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{
		db:      db,
		claimed: make(map[int64]bool),
		done:    make(map[int64]bool),
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := s.load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	return s, nil
}

// NewMemory returns a store with no durable backing. Used when the flag
// database cannot be opened: flags still work for the process lifetime.
func NewMemory() *Store {
	return &Store{
		claimed: make(map[int64]bool),
		done:    make(map[int64]bool),
	}
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS claim_flags (
		record_id INTEGER PRIMARY KEY,
		first_seen DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS done_overrides (
		record_id INTEGER PRIMARY KEY,
		marked_by TEXT,
		marked_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT record_id FROM claim_flags")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		s.claimed[id] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	doneRows, err := s.db.QueryContext(ctx, "SELECT record_id FROM done_overrides")
	if err != nil {
		return err
	}
	defer doneRows.Close()
	for doneRows.Next() {
		var id int64
		if err := doneRows.Scan(&id); err != nil {
			return err
		}
		s.done[id] = true
	}
	return doneRows.Err()
}

// MarkClaims records that the given records were seen in the claim stage.
// Already-flagged ids are ignored; the set only grows.
func (s *Store) MarkClaims(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	var fresh []int64
	for _, id := range ids {
		if !s.claimed[id] {
			s.claimed[id] = true
			fresh = append(fresh, id)
		}
	}
	s.mu.Unlock()

	if len(fresh) == 0 || s.db == nil {
		return nil
	}

	for _, id := range fresh {
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO claim_flags (record_id) VALUES (?)", id); err != nil {
			return fmt.Errorf("failed to persist claim flag for %d: %w", id, err)
		}
	}
	return nil
}

// MarkDone records an operator done override for a record.
func (s *Store) MarkDone(ctx context.Context, id int64, markedBy string) error {
	s.mu.Lock()
	already := s.done[id]
	s.done[id] = true
	s.mu.Unlock()

	if already || s.db == nil {
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO done_overrides (record_id, marked_by) VALUES (?, ?)",
		id, markedBy); err != nil {
		return fmt.Errorf("failed to persist done override for %d: %w", id, err)
	}
	return nil
}

// Claimed returns a copy of the claim flag set.
func (s *Store) Claimed() map[int64]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySet(s.claimed)
}

// Done returns a copy of the done override set.
func (s *Store) Done() map[int64]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySet(s.done)
}

// ClaimSeen reports whether a record was ever flagged as claimed.
func (s *Store) ClaimSeen(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claimed[id]
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func copySet(set map[int64]bool) map[int64]bool {
	out := make(map[int64]bool, len(set))
	for id := range set {
		out[id] = true
	}
	return out
}
