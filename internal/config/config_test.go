package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, 3*time.Minute, cfg.Scheduler.DefaultLockLifetime)
	assert.Equal(t, []string{"analyze"}, cfg.Scheduler.CancelOnStart)
	assert.Equal(t, 2, cfg.JobConcurrency("crawl"))
	assert.Equal(t, 0, cfg.JobConcurrency("liveness"))
	assert.Equal(t, "*/10 * * * *", cfg.Recurrence.TickSpec)
	assert.Equal(t, 24, cfg.Recurrence.DefaultRemaining)
	assert.Equal(t, time.Hour, cfg.BucketSize())
	assert.Equal(t, 1.0, cfg.Crawl.HostRPS)
	assert.Equal(t, 2, cfg.Crawl.HostBurst)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawlflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  poll_interval: 500ms
  max_concurrency: 8
jobs:
  crawl:
    concurrency: 5
recurrence:
  tick_spec: "@hourly"
`), 0o600))
	t.Setenv("CRAWLFLOW_SERVER_ADDR", "127.0.0.1:9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, 5, cfg.JobConcurrency("crawl"))
	assert.Equal(t, "@hourly", cfg.Recurrence.TickSpec)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	good, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"poll interval":  func(c *Config) { c.Scheduler.PollInterval = 0 },
		"concurrency":    func(c *Config) { c.Scheduler.MaxConcurrency = -1 },
		"tick spec":      func(c *Config) { c.Recurrence.TickSpec = "sometimes" },
		"bucket":         func(c *Config) { c.Recurrence.BucketHours = 0 },
		"job limit":      func(c *Config) { c.Jobs = map[string]JobConfig{"crawl": {Concurrency: -2}} },
		"crawl timeout":  func(c *Config) { c.Crawl.DefaultTimeout = 0 },
		"empty db path":  func(c *Config) { c.DB.Path = "" },
		"lock lifetime":  func(c *Config) { c.Scheduler.DefaultLockLifetime = 0 },
		"release delay":  func(c *Config) { c.Scheduler.ReleaseDelay = -time.Second },
		"recur defaults": func(c *Config) { c.Recurrence.DefaultRemaining = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := good
			c.Jobs = map[string]JobConfig{}
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
