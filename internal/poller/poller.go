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

// Package poller reconciles against missed webhooks by watching the CRM's
// latest-modification marker on a fixed interval.
package poller

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/tombee/shopcal/internal/log"
	"github.com/tombee/shopcal/internal/refresh"
)

// jitterFraction spreads ticks by up to this share of the interval so
// restarts do not synchronize polling across instances.
const jitterFraction = 0.1

// Checker is the CRM surface the poller needs.
type Checker interface {
	LatestModified(ctx context.Context) (int64, string, error)
}

// Triggerer requests refresh passes.
type Triggerer interface {
	Trigger(reason string)
}

// Option configures a Poller.
type Option func(*Poller)

// WithTickObserver registers a callback invoked after every tick with its
// outcome, typically a metrics counter.
func WithTickObserver(fn func(outcome string)) Option {
	return func(p *Poller) { p.onTick = fn }
}

// Tick outcomes, as reported to the tick observer.
const (
	TickBaseline  = "baseline"
	TickUnchanged = "unchanged"
	TickDrift     = "drift"
	TickError     = "error"
)

// Poller drives the reconciliation loop. It only ever observes a cheap
// marker; the coordinator does the actual work when drift is detected.
type Poller struct {
	crm      Checker
	trigger  Triggerer
	interval time.Duration
	logger   *slog.Logger
	onTick   func(outcome string)

	lastID  int64
	lastMod string
	primed  bool
}

// New creates a Poller ticking at the given interval.
func New(crm Checker, trigger Triggerer, interval time.Duration, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		crm:      crm,
		trigger:  trigger,
		interval: interval,
		logger:   log.WithComponent(logger, "poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ticks until ctx is cancelled. Tick failures are logged and swallowed;
// the loop itself never stops on error.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("reconciliation poller started", slog.Duration("interval", p.interval))

	timer := time.NewTimer(p.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			p.tick(ctx)
			timer.Reset(p.nextDelay())
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	id, modified, err := p.crm.LatestModified(ctx)
	if err != nil {
		p.logger.Warn("latest-modified check failed", log.Error(err))
		p.observe(TickError)
		return
	}

	// First observation is the baseline; drift is only meaningful relative
	// to a previous tick.
	if !p.primed {
		p.lastID, p.lastMod = id, modified
		p.primed = true
		p.observe(TickBaseline)
		return
	}

	if id == p.lastID && modified == p.lastMod {
		p.observe(TickUnchanged)
		return
	}

	p.logger.Info("upstream drift detected",
		slog.Int64(log.RecordIDKey, id),
		slog.String("modified_at", modified))
	p.lastID, p.lastMod = id, modified
	p.trigger.Trigger(refresh.ReasonDriftDetected)
	p.observe(TickDrift)
}

func (p *Poller) nextDelay() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(float64(p.interval)*jitterFraction) + 1))
	return p.interval + jitter
}

func (p *Poller) observe(outcome string) {
	if p.onTick != nil {
		p.onTick(outcome)
	}
}
