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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/shopcal/internal/config"
	"github.com/tombee/shopcal/internal/daemon"
	"github.com/tombee/shopcal/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var (
		configPath  = flag.String("config", defaultConfigPath(), "Path to the configuration file")
		addr        = flag.String("addr", "", "TCP address to listen on (overrides config)")
		dataDir     = flag.String("data-dir", "", "Data directory (overrides config)")
		allowRemote = flag.Bool("allow-remote", false, "Allow binding to non-localhost addresses (SECURITY WARNING)")
		noPoll      = flag.Bool("no-poll", false, "Disable the reconciliation poller")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("shopcald %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if *addr != "" {
		cfg.Listen.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *allowRemote {
		cfg.Listen.AllowRemote = true
		logger.Warn("--allow-remote is enabled. The daemon will accept connections from any network address. Configure API keys before exposing it.")
	}
	if *noPoll {
		off := false
		cfg.Poll.Enabled = &off
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	d, err := daemon.New(cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		logger.Error("Failed to create daemon", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		logger.Error("Failed to start daemon", slog.Any("error", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := d.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", slog.Any("error", err))
		os.Exit(1)
	}
}

// defaultConfigPath looks for the config in the user config directory,
// falling back to a plain relative path.
func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/shopcal/config.yaml"
	}
	return "config.yaml"
}
