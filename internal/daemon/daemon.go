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

// Package daemon wires the sync engine together and serves its HTTP surface.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/shopcal/internal/config"
	"github.com/tombee/shopcal/internal/crm"
	"github.com/tombee/shopcal/internal/derive"
	"github.com/tombee/shopcal/internal/flags"
	"github.com/tombee/shopcal/internal/log"
	"github.com/tombee/shopcal/internal/metrics"
	"github.com/tombee/shopcal/internal/notify"
	"github.com/tombee/shopcal/internal/poller"
	"github.com/tombee/shopcal/internal/refresh"
	"github.com/tombee/shopcal/internal/secrets"
	"github.com/tombee/shopcal/internal/snapshot"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// recordUpdater is the CRM write surface the HTTP handlers need.
type recordUpdater interface {
	UpdateField(ctx context.Context, recordID int64, fieldID, value string) error
}

// Daemon is the shopcald process: CRM client, refresh coordinator, snapshot
// store, notifier, poller, and the HTTP server in front of them.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	server *http.Server
	ln     net.Listener

	updater   recordUpdater
	snapshots *snapshot.Store
	flagStore *flags.Store
	hub       *notify.Hub
	coord     *refresh.Coordinator
	poll      *poller.Poller
	metrics   *metrics.Provider
	watcher   *configWatcher
	webhook   *webhookHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New creates a daemon from configuration. It resolves the CRM credential,
// opens the flag database, and restores the snapshot mirror, but does not
// listen yet.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.New(log.FromEnv())
	dlog := log.WithComponent(logger, "daemon")

	token := ""
	if cfg.CRM.OAuth == nil {
		var err error
		token, err = secrets.ResolveCRMToken(cfg.CRM.Token)
		if err != nil {
			return nil, fmt.Errorf("resolve crm token: %w", err)
		}
	}

	client, err := crm.New(cfg.CRM, token)
	if err != nil {
		return nil, fmt.Errorf("create crm client: %w", err)
	}

	deriver, err := derive.New(cfg.Calendar)
	if err != nil {
		return nil, fmt.Errorf("compile calendar rules: %w", err)
	}

	provider, err := metrics.NewProvider("shopcald", opts.Version)
	if err != nil {
		return nil, fmt.Errorf("create metrics provider: %w", err)
	}

	snapStore := snapshot.NewStore(filepath.Join(cfg.DataDir, "snapshot.json"), logger)
	snapStore.Load()

	flagStore, err := flags.Open(filepath.Join(cfg.DataDir, "flags.db"))
	if err != nil {
		dlog.Warn("flag database unavailable, flags held in memory only", log.Error(err))
		flagStore = flags.NewMemory()
	}

	hub := notify.NewHub(logger, notify.WithCountCallback(provider.SetViewers))

	coord := refresh.New(refresh.Deps{
		CRM:       client,
		Deriver:   deriver,
		Snapshots: snapStore,
		Flags:     flagStore,
		Notifier:  hub,
		Logger:    logger,
	}, cfg.Refresh, cfg.CRM.StagePartitions,
		refresh.WithPassObserver(func(reason, outcome string, d time.Duration) {
			provider.RecordPass(reason, outcome, d)
			if outcome != refresh.OutcomeAborted {
				provider.RecordSkipped(snapStore.Current().Meta.Skipped)
			}
		}))

	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    dlog,
		updater:   client,
		snapshots: snapStore,
		flagStore: flagStore,
		hub:       hub,
		coord:     coord,
		metrics:   provider,
	}

	webhook, err := newWebhookHandler(cfg.Webhook, coord, provider.Collector, logger)
	if err != nil {
		return nil, fmt.Errorf("configure webhook endpoint: %w", err)
	}
	d.webhook = webhook

	if cfg.PollEnabled() {
		d.poll = poller.New(client, coord, cfg.Poll.Interval, logger,
			poller.WithTickObserver(provider.RecordPollTick))
	}

	if cfg.Path() != "" {
		watcher, err := newConfigWatcher(cfg.Path(), coord, logger)
		if err != nil {
			dlog.Warn("config watch unavailable", log.Error(err))
		} else {
			d.watcher = watcher
		}
	}

	return d, nil
}

// Start binds the listener and launches the background loops. The first
// refresh pass is triggered immediately; until it commits, viewers see the
// restored mirror (or an empty snapshot).
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("daemon already started")
	}

	ln, err := net.Listen("tcp", d.cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Listen.Addr, err)
	}
	d.ln = ln

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel

	d.server = &http.Server{
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("http server stopped", log.Error(err))
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.coord.Run(runCtx)
	}()

	if d.poll != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			_ = d.poll.Run(runCtx)
		}()
	}

	if d.watcher != nil {
		d.watcher.Start(runCtx)
	}

	d.coord.Trigger(refresh.ReasonStartup)
	d.started = true

	d.logger.Info("daemon started",
		slog.String("addr", ln.Addr().String()),
		slog.String("version", d.opts.Version))
	return nil
}

// Addr returns the bound listen address.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Stop gracefully shuts the daemon down: stop accepting requests, stop the
// background loops, flush state.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	var errs []error
	if err := d.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	d.cancel()
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.wg.Wait()

	if err := d.flagStore.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close flag store: %w", err))
	}
	if err := d.metrics.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
	}

	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}
