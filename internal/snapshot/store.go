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

// Package snapshot holds the single live derived-event collection, its
// content digest, and the on-disk mirror used for warm restarts.
package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/shopcal/internal/log"
)

var (
	// ErrNotFound is returned by Patch when no event has the given id.
	ErrNotFound = errors.New("event not found")

	// ErrClosed is returned by Patch for done or hidden events.
	// Edits to closed records go through a full refresh instead.
	ErrClosed = errors.New("event is closed")
)

// Meta carries diagnostic counters for one snapshot build. It never
// participates in the digest.
type Meta struct {
	Reason      string         `json:"reason,omitempty"`
	RecordCount int            `json:"record_count"`
	Skipped     map[string]int `json:"skipped,omitempty"`
	FetchMS     int64          `json:"fetch_ms,omitempty"`
}

// Snapshot is the versioned, content-addressed derived event collection.
// Version strictly increases on every observably different commit; equal
// digests never bump it.
type Snapshot struct {
	Version int64     `json:"version"`
	BuiltAt time.Time `json:"built_at"`
	Digest  string    `json:"digest"`
	Events  []Event   `json:"events"`
	Meta    Meta      `json:"meta"`
}

// PatchUpdates names the whitelisted fields an interactive edit may change.
// Nil pointers leave the field untouched.
type PatchUpdates struct {
	Start   *string
	Address *string
	Comment *string
	Hidden  *bool
}

// Store owns exactly one live Snapshot. TryCommit and Patch are the only
// mutation paths and both serialize on the store mutex, so a full refresh and
// a patch can never interleave partial writes.
type Store struct {
	mu      sync.Mutex
	current Snapshot
	path    string
	logger  *slog.Logger
}

// NewStore creates a store mirroring to path. An empty path disables the
// disk mirror (used in tests).
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		logger: log.WithComponent(logger, "snapshot"),
	}
}

// Load restores the snapshot from the disk mirror. A missing or unreadable
// mirror degrades to an empty snapshot; startup never fails here.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return
	}

	snap, err := readMirror(s.path)
	if err != nil {
		s.logger.Warn("snapshot mirror unreadable, starting empty", log.Error(err))
		return
	}
	if snap == nil {
		return
	}

	s.current = *snap
	s.logger.Info("snapshot restored from disk",
		slog.Int64(log.VersionKey, snap.Version),
		slog.Int("events", len(snap.Events)))
}

// Current returns the committed snapshot. The returned value owns its event
// slice; callers may read it without further locking.
func (s *Store) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Version returns the committed snapshot version without copying events.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Version
}

// TryCommit installs candidate as the live snapshot if its content differs
// from the committed one. The candidate's Version, BuiltAt, and Digest are
// assigned here. When the digest matches the live snapshot the candidate is
// discarded, only diagnostics are refreshed, and no version bump happens.
func (s *Store) TryCommit(candidate Snapshot) bool {
	digest := Digest(candidate.Events)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if digest == s.current.Digest {
		// Observably equivalent. Keep the committed events, refresh the
		// diagnostics so operators can see the pass ran.
		s.current.BuiltAt = now
		s.current.Meta = candidate.Meta
		s.logger.Debug("refresh produced identical digest, commit skipped",
			slog.String(log.DigestKey, shortDigest(digest)))
		return false
	}

	candidate.Version = s.nextVersionLocked(now)
	candidate.BuiltAt = now
	candidate.Digest = digest
	s.current = candidate

	s.persistLocked()

	s.logger.Info("snapshot committed",
		slog.Int64(log.VersionKey, candidate.Version),
		slog.String(log.DigestKey, shortDigest(digest)),
		slog.Int("events", len(candidate.Events)))
	return true
}

// Patch applies an interactive edit to a single event in place, bumping the
// version and digest exactly like a committed refresh so viewers cannot tell
// the difference.
func (s *Store) Patch(id string, updates PatchUpdates) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.current.Events {
		if s.current.Events[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	// Clone before mutating: snapshots handed out by Current share the
	// committed backing array until a commit replaces it.
	events := make([]Event, len(s.current.Events))
	copy(events, s.current.Events)
	ev := &events[idx]
	ev.Attrs = cloneAttrs(ev.Attrs)

	if ev.Closed() {
		return false, fmt.Errorf("%w: %s", ErrClosed, id)
	}

	if updates.Start != nil {
		ev.Start = *updates.Start
		ev.AllDay = IsDateOnly(ev.Start)
	}
	if updates.Address != nil {
		ev.Attrs["address"] = *updates.Address
	}
	if updates.Comment != nil {
		ev.Attrs["comment"] = *updates.Comment
	}
	if updates.Hidden != nil {
		ev.Hidden = *updates.Hidden
	}

	now := time.Now()
	s.current.Events = events
	s.current.Version = s.nextVersionLocked(now)
	s.current.BuiltAt = now
	s.current.Digest = Digest(events)

	s.persistLocked()

	s.logger.Info("event patched",
		slog.String("event_id", id),
		slog.Int64(log.VersionKey, s.current.Version))
	return true, nil
}

// nextVersionLocked returns a strictly increasing version based on the
// current wall clock, guarded against clock steps.
func (s *Store) nextVersionLocked(now time.Time) int64 {
	v := now.UnixNano()
	if v <= s.current.Version {
		v = s.current.Version + 1
	}
	return v
}

func (s *Store) copyLocked() Snapshot {
	snap := s.current
	snap.Events = make([]Event, len(s.current.Events))
	copy(snap.Events, s.current.Events)
	return snap
}

// persistLocked mirrors the snapshot to disk. Durability is best-effort:
// a write failure is logged and the in-memory commit stands.
func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	if err := writeMirror(s.path, s.current); err != nil {
		s.logger.Error("failed to persist snapshot mirror", log.Error(err))
	}
}

func cloneAttrs(attrs map[string]string) map[string]string {
	clone := make(map[string]string, len(attrs))
	for k, v := range attrs {
		clone[k] = v
	}
	return clone
}

func shortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
