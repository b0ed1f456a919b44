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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/shopcal/internal/config"
	"github.com/tombee/shopcal/internal/derive"
	"github.com/tombee/shopcal/internal/log"
	"github.com/tombee/shopcal/internal/refresh"
)

// watchDebounce coalesces the event bursts editors produce on save.
const watchDebounce = 500 * time.Millisecond

// configWatcher reloads the calendar mapping rules when the config file
// changes and triggers a refresh so the new rules apply immediately.
// The directory is watched, not the file: most editors replace the file by
// rename, which drops a file-level watch.
type configWatcher struct {
	path    string
	coord   *refresh.Coordinator
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newConfigWatcher(path string, coord *refresh.Coordinator, logger *slog.Logger) (*configWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &configWatcher{
		path:    absPath,
		coord:   coord,
		watcher: fsw,
		logger:  log.WithComponent(logger, "configwatch"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. The loop exits on ctx cancel or Stop.
func (w *configWatcher) Start(ctx context.Context) {
	go w.eventLoop(ctx)
	w.logger.Info("config watch started", slog.String("path", w.path))
}

// Stop stops the watcher and waits for the loop to exit.
func (w *configWatcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

func (w *configWatcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", log.Error(err))
		}
	}
}

// reload re-reads the config and swaps the derivation rules. A config that
// fails to load or compile keeps the previous rules in place.
func (w *configWatcher) reload() {
	cfg, err := config.Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous rules", log.Error(err))
		return
	}

	deriver, err := derive.New(cfg.Calendar)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous rules", log.Error(err))
		return
	}

	w.coord.SetDeriver(deriver)
	w.logger.Info("calendar rules reloaded")
	w.coord.Trigger(refresh.ReasonConfigChanged)
}
