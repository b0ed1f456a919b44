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

// Package notify fans snapshot version numbers out to connected viewers.
//
// The channel is a pure invalidation signal: only the version number is
// pushed, never event payloads. Viewers re-fetch the full snapshot after a
// notification, which sidesteps ordering and partial-delivery problems.
package notify

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/shopcal/internal/log"
)

// subscriberBuffer is the per-viewer channel depth. Versions supersede each
// other, so a slow viewer losing intermediate versions is harmless as long
// as the latest lands.
const subscriberBuffer = 8

// DefaultHeartbeat is the interval between SSE comment frames used to
// detect and prune dead connections.
const DefaultHeartbeat = 25 * time.Second

// Hub tracks connected viewer channels. Adding and removing subscribers is
// safe concurrently with Notify.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]chan int64
	logger    *slog.Logger
	heartbeat time.Duration

	// onCount, when set, observes the subscriber count after changes.
	onCount func(int)
}

// Option configures a Hub.
type Option func(*Hub)

// WithHeartbeat overrides the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) { h.heartbeat = d }
}

// WithCountCallback registers an observer for the subscriber count,
// typically a metrics gauge.
func WithCountCallback(fn func(int)) Option {
	return func(h *Hub) { h.onCount = fn }
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		subs:      make(map[string]chan int64),
		logger:    log.WithComponent(logger, "notify"),
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new viewer channel. The returned unsubscribe
// function is idempotent.
func (h *Hub) Subscribe() (<-chan int64, func()) {
	id := uuid.New().String()
	ch := make(chan int64, subscriberBuffer)

	h.mu.Lock()
	h.subs[id] = ch
	count := len(h.subs)
	h.mu.Unlock()

	h.observeCount(count)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			count := len(h.subs)
			h.mu.Unlock()
			h.observeCount(count)
		})
	}
	return ch, unsub
}

// Notify pushes version to every open channel. Sends never block: when a
// viewer's buffer is full, its oldest pending version is dropped in favor
// of the new one.
func (h *Hub) Notify(version int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- version:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- version:
			default:
			}
		}
	}
}

// Count returns the number of connected viewers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) observeCount(count int) {
	if h.onCount != nil {
		h.onCount(count)
	}
}

// ServeHTTP streams version invalidations to one viewer over SSE.
// currentVersion is sent immediately on connect so late joiners catch up.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, currentVersion int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsub := h.Subscribe()
	defer unsub()

	h.logger.Debug("viewer connected", slog.Int("viewers", h.Count()))
	defer h.logger.Debug("viewer disconnected")

	fmt.Fprintf(w, "event: version\ndata: %d\n\n", currentVersion)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case version := <-ch:
			fmt.Fprintf(w, "event: version\ndata: %d\n\n", version)
			flusher.Flush()
		case <-ticker.C:
			// Comment frame; keeps intermediaries from timing the
			// connection out and surfaces dead peers as write errors.
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
