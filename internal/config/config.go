// Package config loads and validates crawlflow configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"crawlflow/internal/queue"
)

type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	DB         DBConfig             `mapstructure:"db"`
	Log        LogConfig            `mapstructure:"log"`
	Scheduler  SchedulerConfig      `mapstructure:"scheduler"`
	Jobs       map[string]JobConfig `mapstructure:"jobs"`
	Recurrence RecurrenceConfig     `mapstructure:"recurrence"`
	Crawl      CrawlConfig          `mapstructure:"crawl"`
}

type ServerConfig struct {
	Addr  string `mapstructure:"addr"`
	Debug bool   `mapstructure:"debug"`
}

type DBConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// SchedulerConfig tunes the polling loop.
type SchedulerConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaxConcurrency      int           `mapstructure:"max_concurrency"`
	DefaultConcurrency  int           `mapstructure:"default_concurrency"`
	DefaultLockLifetime time.Duration `mapstructure:"default_lock_lifetime"`
	ReleaseDelay        time.Duration `mapstructure:"release_delay"`
	// CancelOnStart lists one-off job types dropped at startup.
	CancelOnStart []string `mapstructure:"cancel_on_start"`
}

type JobConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type RecurrenceConfig struct {
	TickSpec           string `mapstructure:"tick_spec"`
	BucketHours        int    `mapstructure:"bucket_hours"`
	DefaultRemaining   int    `mapstructure:"default_remaining"`
	DefaultPeriodHours int    `mapstructure:"default_period_hours"`
}

type CrawlConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// HostRPS limits fetches per host; 0 disables the limit.
	HostRPS   float64 `mapstructure:"host_rps"`
	HostBurst int     `mapstructure:"host_burst"`
}

// Load builds a Config from defaults, an optional file and CRAWLFLOW_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.debug", false)
	v.SetDefault("db.path", "crawlflow.db")
	v.SetDefault("db.busy_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
	v.SetDefault("scheduler.poll_interval", 3*time.Second)
	v.SetDefault("scheduler.max_concurrency", 4)
	v.SetDefault("scheduler.default_concurrency", 1)
	v.SetDefault("scheduler.default_lock_lifetime", 3*time.Minute)
	v.SetDefault("scheduler.release_delay", time.Second)
	v.SetDefault("scheduler.cancel_on_start", []string{"analyze"})
	v.SetDefault("jobs.crawl.concurrency", 2)
	v.SetDefault("jobs.analyze.concurrency", 1)
	v.SetDefault("recurrence.tick_spec", "*/10 * * * *")
	v.SetDefault("recurrence.bucket_hours", 1)
	v.SetDefault("recurrence.default_remaining", 24)
	v.SetDefault("recurrence.default_period_hours", 1)
	v.SetDefault("crawl.default_timeout", 30*time.Second)
	v.SetDefault("crawl.host_rps", 1.0)
	v.SetDefault("crawl.host_burst", 2)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db.path must be set")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be > 0")
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be > 0")
	}
	if c.Scheduler.DefaultConcurrency <= 0 {
		return fmt.Errorf("scheduler.default_concurrency must be > 0")
	}
	if c.Scheduler.DefaultLockLifetime <= 0 {
		return fmt.Errorf("scheduler.default_lock_lifetime must be > 0")
	}
	if c.Scheduler.ReleaseDelay < 0 {
		return fmt.Errorf("scheduler.release_delay must be >= 0")
	}
	for name, j := range c.Jobs {
		if j.Concurrency < 0 {
			return fmt.Errorf("jobs.%s.concurrency must be >= 0", name)
		}
	}
	if err := queue.ValidateRepeatSpec(c.Recurrence.TickSpec); err != nil {
		return fmt.Errorf("recurrence.tick_spec: %w", err)
	}
	if c.Recurrence.BucketHours <= 0 {
		return fmt.Errorf("recurrence.bucket_hours must be > 0")
	}
	if c.Recurrence.DefaultRemaining <= 0 || c.Recurrence.DefaultPeriodHours <= 0 {
		return fmt.Errorf("recurrence defaults must be > 0")
	}
	if c.Crawl.DefaultTimeout <= 0 {
		return fmt.Errorf("crawl.default_timeout must be > 0")
	}
	if c.Crawl.HostRPS < 0 || c.Crawl.HostBurst < 0 {
		return fmt.Errorf("crawl.host_rps and crawl.host_burst must be >= 0")
	}
	return nil
}

// JobConcurrency returns the configured limit for jobType, or 0 to use the scheduler default.
func (c Config) JobConcurrency(jobType string) int {
	return c.Jobs[jobType].Concurrency
}

// BucketSize is the recurrence bucket width.
func (c Config) BucketSize() time.Duration {
	return time.Duration(c.Recurrence.BucketHours) * time.Hour
}
