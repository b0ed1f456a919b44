package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
crm:
  base_url: https://crm.example.com/api
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.Listen.Addr)
	assert.Equal(t, DefaultRateLimit, cfg.CRM.RateLimit)
	assert.Equal(t, DefaultPageSize, cfg.CRM.PageSize)
	assert.Equal(t, DefaultDebounce, cfg.Refresh.Debounce)
	assert.Equal(t, DefaultPullParallelism, cfg.Refresh.PullParallelism)
	assert.Equal(t, DefaultUserBatchSize, cfg.Refresh.UserBatchSize)
	assert.Equal(t, DefaultPollInterval, cfg.Poll.Interval)
	assert.Equal(t, DefaultColor, cfg.Calendar.DefaultColor)
	assert.Equal(t, DefaultDoneWhen, cfg.Calendar.DoneWhen)
	assert.True(t, cfg.PollEnabled())
	// A single unfiltered partition by default.
	assert.Equal(t, []string{""}, cfg.CRM.StagePartitions)
}

func TestLoad_Explicit(t *testing.T) {
	path := writeConfig(t, `
listen:
  addr: 0.0.0.0:9000
  allow_remote: true
crm:
  base_url: https://crm.example.com/api
  rate_limit: 5
  page_size: 100
  stage_partitions: ["normal", "claim"]
refresh:
  debounce: 250ms
  pull_parallelism: 4
poll:
  enabled: false
  interval: 2m
calendar:
  colors:
    kitchen: green
    wardrobe: blue
  default_color: slate
  done_when: record.stage == "finished"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen.Addr)
	assert.Equal(t, 5.0, cfg.CRM.RateLimit)
	assert.Equal(t, []string{"normal", "claim"}, cfg.CRM.StagePartitions)
	assert.Equal(t, 250*time.Millisecond, cfg.Refresh.Debounce)
	assert.Equal(t, 4, cfg.Refresh.PullParallelism)
	assert.False(t, cfg.PollEnabled())
	assert.Equal(t, 2*time.Minute, cfg.Poll.Interval)
	assert.Equal(t, "green", cfg.Calendar.Colors["kitchen"])
	assert.Equal(t, "slate", cfg.Calendar.DefaultColor)
	assert.Equal(t, `record.stage == "finished"`, cfg.Calendar.DoneWhen)
}

func TestLoad_MissingBaseURL(t *testing.T) {
	path := writeConfig(t, `
listen:
  addr: 127.0.0.1:8137
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crm.base_url")
}

func TestLoad_AuthRequiresKeys(t *testing.T) {
	path := writeConfig(t, `
crm:
  base_url: https://crm.example.com/api
auth:
  enabled: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}

func TestLoad_OAuthValidation(t *testing.T) {
	path := writeConfig(t, `
crm:
  base_url: https://crm.example.com/api
  oauth:
    client_id: abc
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_url")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	// Defaults alone fail validation: base_url is required.
	require.Error(t, err)
}
