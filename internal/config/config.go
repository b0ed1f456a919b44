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

// Package config loads and validates the shopcald configuration file.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level shopcald configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen,omitempty"`
	DataDir  string         `yaml:"data_dir,omitempty"`
	CRM      CRMConfig      `yaml:"crm"`
	Refresh  RefreshConfig  `yaml:"refresh,omitempty"`
	Poll     PollConfig     `yaml:"poll,omitempty"`
	Auth     AuthConfig     `yaml:"auth,omitempty"`
	Webhook  WebhookConfig  `yaml:"webhook,omitempty"`
	Calendar CalendarConfig `yaml:"calendar,omitempty"`

	// path the config was loaded from, used by the config watcher.
	path string
}

// ListenConfig configures the HTTP listener.
type ListenConfig struct {
	// Addr is the TCP address to listen on.
	// Default: 127.0.0.1:8137
	Addr string `yaml:"addr,omitempty"`

	// AllowRemote permits binding to non-localhost addresses.
	AllowRemote bool `yaml:"allow_remote"`
}

// CRMConfig configures the upstream CRM client.
type CRMConfig struct {
	// BaseURL is the CRM REST API base URL.
	BaseURL string `yaml:"base_url"`

	// Token is the static API token. If empty, the token is resolved from
	// the SHOPCAL_CRM_TOKEN environment variable or the OS keyring.
	Token string `yaml:"token,omitempty"`

	// OAuth enables OAuth2 client-credentials authentication instead of a
	// static token.
	OAuth *OAuthConfig `yaml:"oauth,omitempty"`

	// RateLimit is the client-side request rate limit in requests/second.
	// Default: 2
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// RateBurst is the rate limiter burst size.
	// Default: 4
	RateBurst int `yaml:"rate_burst,omitempty"`

	// PageSize is the list page size.
	// Default: 50
	PageSize int `yaml:"page_size,omitempty"`

	// StagePartitions are the stage filters pulled as independent queries
	// during one refresh pass. Default: a single unfiltered query.
	StagePartitions []string `yaml:"stage_partitions,omitempty"`

	// Timeout is the per-request timeout.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// RetryAttempts is the maximum number of retries for a failed request.
	// Default: 3
	RetryAttempts int `yaml:"retry_attempts,omitempty"`
}

// OAuthConfig holds OAuth2 client-credentials settings for the CRM.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// RefreshConfig configures the refresh coordinator.
type RefreshConfig struct {
	// Debounce is the window during which near-simultaneous triggers are
	// coalesced into a single refresh pass.
	// Default: 500ms
	Debounce time.Duration `yaml:"debounce,omitempty"`

	// PullParallelism bounds the number of concurrent stage-partition pulls
	// within one pass. Default: 3
	PullParallelism int `yaml:"pull_parallelism,omitempty"`

	// UserBatchSize is the batch size for assignee name resolution.
	// Default: 50
	UserBatchSize int `yaml:"user_batch_size,omitempty"`

	// ReconcileAfterPatch is the delay before a full refresh is scheduled to
	// confirm an interactive patch against the CRM.
	// Default: 20s
	ReconcileAfterPatch time.Duration `yaml:"reconcile_after_patch,omitempty"`
}

// PollConfig configures the reconciliation poller.
type PollConfig struct {
	// Enabled turns the background drift poller on.
	// Default: true
	Enabled *bool `yaml:"enabled,omitempty"`

	// Interval between drift checks.
	// Default: 60s
	Interval time.Duration `yaml:"interval,omitempty"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// Enabled turns API-key auth on for /api/v1 routes.
	Enabled bool `yaml:"enabled"`

	// APIKeys is the list of accepted keys.
	APIKeys []string `yaml:"api_keys,omitempty"`
}

// WebhookConfig configures the CRM webhook endpoint.
type WebhookConfig struct {
	// Secret is the HMAC-SHA256 signing secret. Empty disables verification.
	Secret string `yaml:"secret,omitempty"`

	// EventFilter is an optional jq expression applied to the webhook payload
	// to extract the event kind (e.g. ".event"). Non-matching payloads still
	// trigger a refresh; the extracted value is only used for logging.
	EventFilter string `yaml:"event_filter,omitempty"`
}

// CalendarConfig holds the field-mapping knobs consumed by the deriver.
type CalendarConfig struct {
	// Colors maps a business material-type code to an event color.
	Colors map[string]string `yaml:"colors,omitempty"`

	// DefaultColor is used when no other rule matches.
	// Default: gray
	DefaultColor string `yaml:"default_color,omitempty"`

	// SelfPickupKeywords are the free-text markers scanned for self-pickup
	// orders. Matching is case-insensitive.
	SelfPickupKeywords []string `yaml:"self_pickup_keywords,omitempty"`

	// DoneWhen is an expr predicate over the raw record deciding whether an
	// order counts as done. The record is bound as "record" with its fields
	// as a map. Default: record.completion_date != ""
	DoneWhen string `yaml:"done_when,omitempty"`
}

// Default values applied by Load.
const (
	DefaultListenAddr          = "127.0.0.1:8137"
	DefaultRateLimit           = 2.0
	DefaultRateBurst           = 4
	DefaultPageSize            = 50
	DefaultTimeout             = 30 * time.Second
	DefaultRetryAttempts       = 3
	DefaultDebounce            = 500 * time.Millisecond
	DefaultPullParallelism     = 3
	DefaultUserBatchSize       = 50
	DefaultReconcileAfterPatch = 20 * time.Second
	DefaultPollInterval        = 60 * time.Second
	DefaultColor               = "gray"
	DefaultDoneWhen            = `record.completion_date != ""`
)

// DefaultDataDir returns the default data directory.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "shopcal"), nil
}

// Load reads the configuration file at path, applies defaults, and
// validates the result. A missing file yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{path: path}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Path returns the file path the config was loaded from (may be empty).
func (c *Config) Path() string {
	return c.path
}

// PollEnabled reports whether the reconciliation poller should run.
func (c *Config) PollEnabled() bool {
	if c.Poll.Enabled == nil {
		return true
	}
	return *c.Poll.Enabled
}

func (c *Config) applyDefaults() {
	if c.Listen.Addr == "" {
		c.Listen.Addr = DefaultListenAddr
	}
	if c.DataDir == "" {
		if dir, err := DefaultDataDir(); err == nil {
			c.DataDir = dir
		}
	}
	if c.CRM.RateLimit <= 0 {
		c.CRM.RateLimit = DefaultRateLimit
	}
	if c.CRM.RateBurst <= 0 {
		c.CRM.RateBurst = DefaultRateBurst
	}
	if c.CRM.PageSize <= 0 {
		c.CRM.PageSize = DefaultPageSize
	}
	if c.CRM.Timeout <= 0 {
		c.CRM.Timeout = DefaultTimeout
	}
	if c.CRM.RetryAttempts < 0 {
		c.CRM.RetryAttempts = DefaultRetryAttempts
	}
	if c.CRM.RetryAttempts == 0 {
		c.CRM.RetryAttempts = DefaultRetryAttempts
	}
	if len(c.CRM.StagePartitions) == 0 {
		c.CRM.StagePartitions = []string{""}
	}
	if c.Refresh.Debounce <= 0 {
		c.Refresh.Debounce = DefaultDebounce
	}
	if c.Refresh.PullParallelism <= 0 {
		c.Refresh.PullParallelism = DefaultPullParallelism
	}
	if c.Refresh.UserBatchSize <= 0 {
		c.Refresh.UserBatchSize = DefaultUserBatchSize
	}
	if c.Refresh.ReconcileAfterPatch <= 0 {
		c.Refresh.ReconcileAfterPatch = DefaultReconcileAfterPatch
	}
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = DefaultPollInterval
	}
	if c.Calendar.DefaultColor == "" {
		c.Calendar.DefaultColor = DefaultColor
	}
	if c.Calendar.DoneWhen == "" {
		c.Calendar.DoneWhen = DefaultDoneWhen
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.CRM.BaseURL == "" {
		return fmt.Errorf("crm.base_url is required")
	}
	if c.CRM.OAuth != nil {
		if c.CRM.OAuth.TokenURL == "" {
			return fmt.Errorf("crm.oauth.token_url is required when oauth is configured")
		}
		if c.CRM.OAuth.ClientID == "" {
			return fmt.Errorf("crm.oauth.client_id is required when oauth is configured")
		}
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.enabled requires at least one api key")
	}
	if c.Refresh.PullParallelism > 16 {
		return fmt.Errorf("refresh.pull_parallelism must be <= 16, got %d", c.Refresh.PullParallelism)
	}
	if !c.Listen.AllowRemote {
		if host, _, err := net.SplitHostPort(c.Listen.Addr); err == nil && host != "localhost" {
			if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
				return fmt.Errorf("listen.addr %q is not loopback; set listen.allow_remote to bind it", c.Listen.Addr)
			}
		}
	}
	return nil
}
