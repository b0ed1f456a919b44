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

// Package refresh coordinates full snapshot rebuilds.
//
// All trigger sources funnel through one coordinator: triggers never block
// and never stack, so N triggers during a running pass cause exactly one
// follow-up pass. A pass that fails upstream leaves the committed snapshot
// untouched.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/shopcal/internal/config"
	"github.com/tombee/shopcal/internal/crm"
	"github.com/tombee/shopcal/internal/derive"
	"github.com/tombee/shopcal/internal/log"
	"github.com/tombee/shopcal/internal/snapshot"
)

// Trigger reasons, recorded in snapshot diagnostics and logs.
const (
	ReasonStartup       = "startup"
	ReasonWebhook       = "webhook"
	ReasonManual        = "manual"
	ReasonConfigChanged = "config-changed"
	ReasonDriftDetected = "drift-detected"
	ReasonReconcile     = "post-patch-reconcile"
)

// Pass outcomes, as reported to the pass observer.
const (
	OutcomeCommitted = "committed"
	OutcomeSkipped   = "skipped"
	OutcomeAborted   = "aborted"
)

// State is the coordinator's lifecycle position.
type State int

const (
	// StateIdle means no pass is running and none is queued.
	StateIdle State = iota
	// StateRunning means a pass is in flight.
	StateRunning
	// StateRunningPending means a pass is in flight and at least one trigger
	// arrived since it started, so exactly one follow-up pass will run.
	StateRunningPending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRunningPending:
		return "running-pending"
	default:
		return "unknown"
	}
}

// Fetcher is the CRM surface a refresh pass needs.
type Fetcher interface {
	ListAllRecords(ctx context.Context, stage string) ([]crm.RawRecord, error)
	ResolveUsers(ctx context.Context, ids []int64) (map[int64]string, error)
}

// FlagStore is the persistent flag surface consulted during a pass.
type FlagStore interface {
	MarkClaims(ctx context.Context, ids []int64) error
	Claimed() map[int64]bool
	Done() map[int64]bool
}

// Notifier receives the new version after a commit.
type Notifier interface {
	Notify(version int64)
}

// Deps bundles the collaborators a Coordinator drives.
type Deps struct {
	CRM       Fetcher
	Deriver   *derive.Deriver
	Snapshots *snapshot.Store
	Flags     FlagStore
	Notifier  Notifier
	Logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPassObserver registers a callback invoked after every pass, typically
// a metrics recorder.
func WithPassObserver(fn func(reason, outcome string, d time.Duration)) Option {
	return func(c *Coordinator) { c.onPass = fn }
}

// Coordinator serializes refresh passes. Trigger may be called from any
// goroutine; Run owns the pass loop.
type Coordinator struct {
	crm       Fetcher
	deriver   *derive.Deriver
	snapshots *snapshot.Store
	flags     FlagStore
	notifier  Notifier
	logger    *slog.Logger

	stages      []string
	parallelism int
	userBatch   int
	debounce    time.Duration

	onPass func(reason, outcome string, d time.Duration)

	// wake carries at most one token; extra triggers coalesce into it.
	wake chan struct{}

	mu        sync.Mutex
	running   bool
	pending   bool
	reason    string
	coalesced int

	nameMu sync.Mutex
	names  map[int64]string

	reconcileMu    sync.Mutex
	reconcileTimer *time.Timer
}

// New creates a Coordinator for the given stage partitions.
func New(deps Deps, cfg config.RefreshConfig, stages []string, opts ...Option) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(stages) == 0 {
		stages = []string{""}
	}

	c := &Coordinator{
		crm:         deps.CRM,
		deriver:     deps.Deriver,
		snapshots:   deps.Snapshots,
		flags:       deps.Flags,
		notifier:    deps.Notifier,
		logger:      log.WithComponent(logger, "refresh"),
		stages:      stages,
		parallelism: cfg.PullParallelism,
		userBatch:   cfg.UserBatchSize,
		debounce:    cfg.Debounce,
		wake:        make(chan struct{}, 1),
		names:       make(map[int64]string),
	}
	if c.parallelism <= 0 {
		c.parallelism = 1
	}
	if c.userBatch <= 0 {
		c.userBatch = config.DefaultUserBatchSize
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger requests a refresh pass. It never blocks. Triggers arriving while
// a pass runs are coalesced into a single follow-up pass; the first reason
// of a burst wins.
func (c *Coordinator) Trigger(reason string) {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
	} else {
		c.coalesced++
	}
	if c.running {
		c.pending = true
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// ScheduleReconcile arms a delayed trigger, replacing any previously armed
// one. Used to confirm interactive patches against the upstream record.
func (c *Coordinator) ScheduleReconcile(delay time.Duration) {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	if c.reconcileTimer != nil {
		c.reconcileTimer.Stop()
	}
	c.reconcileTimer = time.AfterFunc(delay, func() {
		c.Trigger(ReasonReconcile)
	})
}

// SetDeriver swaps the derivation rules, used after a config reload. The
// next pass picks it up; a running pass finishes with the old rules.
func (c *Coordinator) SetDeriver(d *derive.Deriver) {
	c.mu.Lock()
	c.deriver = d
	c.mu.Unlock()
}

// State reports the coordinator's current lifecycle position.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.running && c.pending:
		return StateRunningPending
	case c.running:
		return StateRunning
	default:
		return StateIdle
	}
}

// Run drives the pass loop until ctx is cancelled. Passes themselves are not
// cancelled mid-flight; cancellation takes effect between passes.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("refresh coordinator started",
		slog.Int("stage_partitions", len(c.stages)),
		slog.Duration("debounce", c.debounce))

	for {
		select {
		case <-ctx.Done():
			c.stopReconcileTimer()
			return ctx.Err()
		case <-c.wake:
		}

		if !c.waitDebounce(ctx) {
			c.stopReconcileTimer()
			return ctx.Err()
		}

		c.mu.Lock()
		reason := c.reason
		coalesced := c.coalesced
		c.reason = ""
		c.coalesced = 0
		c.running = true
		c.pending = false
		c.mu.Unlock()

		c.runPass(ctx, reason, coalesced)

		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		// A trigger that arrived mid-pass left a token in wake, so the loop
		// immediately schedules the follow-up pass.
	}
}

// waitDebounce holds the pass back for the debounce window so trigger bursts
// collapse into one pass. Returns false on ctx cancel.
func (c *Coordinator) waitDebounce(ctx context.Context) bool {
	if c.debounce <= 0 {
		return true
	}
	timer := time.NewTimer(c.debounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.wake:
			// Burst member; absorbed into the upcoming pass.
		case <-timer.C:
			return true
		}
	}
}

func (c *Coordinator) runPass(ctx context.Context, reason string, coalesced int) {
	start := time.Now()
	logger := c.logger.With(log.Reason(reason))
	if coalesced > 0 {
		logger = logger.With(slog.Int("coalesced", coalesced))
	}
	logger.Debug("refresh pass starting")

	records, err := c.pull(ctx)
	if err != nil {
		logger.Warn("refresh pass aborted, keeping last snapshot",
			log.Error(err), log.Duration("elapsed", time.Since(start).Milliseconds()))
		c.observe(reason, OutcomeAborted, time.Since(start))
		return
	}
	fetchMS := time.Since(start).Milliseconds()

	// Record claim sightings before deriving so this pass already sees them.
	if ids := derive.ClaimIDs(records); len(ids) > 0 {
		if err := c.flags.MarkClaims(ctx, ids); err != nil {
			logger.Warn("failed to persist claim flags", log.Error(err))
		}
	}

	names := c.resolveNames(ctx, derive.AssigneeIDs(records), logger)

	c.mu.Lock()
	deriver := c.deriver
	c.mu.Unlock()

	flags := derive.Flags{Claimed: c.flags.Claimed(), Done: c.flags.Done()}
	events, skipped := deriver.Derive(records, flags, names)

	committed := c.snapshots.TryCommit(snapshot.Snapshot{
		Events: events,
		Meta: snapshot.Meta{
			Reason:      reason,
			RecordCount: len(records),
			Skipped:     map[string]int(skipped),
			FetchMS:     fetchMS,
		},
	})

	outcome := OutcomeSkipped
	if committed {
		outcome = OutcomeCommitted
		if c.notifier != nil {
			c.notifier.Notify(c.snapshots.Version())
		}
	}

	logger.Info("refresh pass finished",
		slog.String("outcome", outcome),
		slog.Int("records", len(records)),
		slog.Int("events", len(events)),
		log.Duration("elapsed", time.Since(start).Milliseconds()))
	c.observe(reason, outcome, time.Since(start))
}

// pull fetches every stage partition with bounded parallelism. Any partition
// failure fails the whole pull; a partial record set must never be committed.
func (c *Coordinator) pull(ctx context.Context) ([]crm.RawRecord, error) {
	results := make([][]crm.RawRecord, len(c.stages))
	errs := make([]error, len(c.stages))

	sem := make(chan struct{}, c.parallelism)
	var wg sync.WaitGroup
	for i, stage := range c.stages {
		wg.Add(1)
		go func(i int, stage string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			records, err := c.crm.ListAllRecords(ctx, stage)
			if err != nil {
				errs[i] = fmt.Errorf("pull stage %q: %w", stage, err)
				return
			}
			results[i] = records
		}(i, stage)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	var records []crm.RawRecord
	for _, part := range results {
		records = append(records, part...)
	}
	return records, nil
}

// resolveNames returns display names for the given assignee ids, resolving
// uncached ids in batches. The cache is append-only: names never change
// mid-run, and a resolution failure degrades to the cached subset.
func (c *Coordinator) resolveNames(ctx context.Context, ids []int64, logger *slog.Logger) map[int64]string {
	c.nameMu.Lock()
	var missing []int64
	for _, id := range ids {
		if _, ok := c.names[id]; !ok {
			missing = append(missing, id)
		}
	}
	c.nameMu.Unlock()

	for start := 0; start < len(missing); start += c.userBatch {
		end := start + c.userBatch
		if end > len(missing) {
			end = len(missing)
		}
		resolved, err := c.crm.ResolveUsers(ctx, missing[start:end])
		if err != nil {
			logger.Warn("assignee resolution failed, using cached names", log.Error(err))
			break
		}
		c.nameMu.Lock()
		for id, name := range resolved {
			c.names[id] = name
		}
		c.nameMu.Unlock()
	}

	c.nameMu.Lock()
	defer c.nameMu.Unlock()
	names := make(map[int64]string, len(ids))
	for _, id := range ids {
		if name, ok := c.names[id]; ok {
			names[id] = name
		}
	}
	return names
}

func (c *Coordinator) observe(reason, outcome string, d time.Duration) {
	if c.onPass != nil {
		c.onPass(reason, outcome, d)
	}
}

func (c *Coordinator) stopReconcileTimer() {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()
	if c.reconcileTimer != nil {
		c.reconcileTimer.Stop()
		c.reconcileTimer = nil
	}
}
