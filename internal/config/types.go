package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the timer subsystem and the rotation ceiling.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Scheduling, Recrawling and Deleting are the global event settings.
	// Site settings override run counts and the recrawl/delete knobs.
	Scheduling SchedulingConfig `json:"scheduling"`
	Recrawling RecrawlingConfig `json:"recrawling"`
	Deleting   DeletingConfig   `json:"deleting"`

	Executor ExecutorConfig `json:"executor"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
	Notify   NotifyConfig   `json:"notify,omitempty"`

	// Sites are upserted into storage on load. Configured settings win over
	// stored ones; keys written at runtime are kept.
	Sites []SiteConfig `json:"sites,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile writes JSON lines to Path, rotated by size.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects where sites and cursors live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/crawlsched.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	DSN         string      `json:"dsn,omitempty"`          // postgres; do not log
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// SchedulerConfig controls triggering.
//
// Defaults:
//   - max_run_count: 1000 (2 when demo is set)
//   - job_timeout: "0s" (disabled)
//   - startup_spread: "30s"
type SchedulerConfig struct {
	Timezone    string `json:"timezone,omitempty"`
	MaxRunCount int    `json:"max_run_count,omitempty"`
	Demo        bool   `json:"demo,omitempty"`

	JobTimeout    string `json:"job_timeout,omitempty"`
	StartupSpread string `json:"startup_spread,omitempty"`
}

// SchedulingConfig drives URL collection and post crawling. Intervals are
// keys of the interval table, e.g. "interval_5_minutes".
type SchedulingConfig struct {
	Active                bool   `json:"active"`
	IntervalURLCollection string `json:"interval_url_collection"`
	IntervalPostCrawl     string `json:"interval_post_crawl"`
	RunCountURLCollection int    `json:"run_count_url_collection,omitempty"`
	RunCountPostCrawl     int    `json:"run_count_post_crawl,omitempty"`
}

type RecrawlingConfig struct {
	Active                    bool   `json:"active"`
	Interval                  string `json:"interval"`
	RunCount                  int    `json:"run_count,omitempty"`
	MaxRecrawlCount           int    `json:"max_recrawl_count,omitempty"`
	MinTimeBetweenRecrawlsMin int    `json:"min_time_between_recrawls_in_min,omitempty"`
	PostsNewerThanMin         int    `json:"posts_newer_than_in_min,omitempty"`
}

type DeletingConfig struct {
	Active            bool   `json:"active"`
	Interval          string `json:"interval"`
	MaxPostsPerEvent  int    `json:"max_posts_per_event,omitempty"`
	OlderThanMin      int    `json:"older_than_in_min,omitempty"`
	DeleteAttachments bool   `json:"delete_attachments,omitempty"`
}

// ExecutorConfig points at the service doing the per-site work.
type ExecutorConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"`
	Token   string `json:"token,omitempty"` // bearer token (do not log)
	Retries int    `json:"retries,omitempty"`
}

// MetricsConfig controls the HTTP endpoint serving Prometheus metrics,
// /healthz and /status.
//
// A non-loopback addr requires token.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Path    string `json:"path,omitempty"`  // default: "/metrics"
	Token   string `json:"token,omitempty"` // bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"` // mount net/http/pprof under /debug/pprof/
}

// NotifyConfig forwards finished ticks to NATS. Empty NATSURL disables it.
type NotifyConfig struct {
	NATSURL       string `json:"nats_url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"` // default: "crawlsched"
	Token         string `json:"token,omitempty"`          // do not log
}

type SiteConfig struct {
	ID       int64             `json:"id"`
	Name     string            `json:"name,omitempty"`
	Status   string            `json:"status,omitempty"` // default: "publish"
	Settings map[string]string `json:"settings,omitempty"`
}

// Validate checks fields whose errors would otherwise only surface at use.
// Interval keys are checked by the caller against the interval table.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	add(err)
	_, err = ParseDurationField("scheduler.job_timeout", c.Scheduler.JobTimeout)
	add(err)
	_, err = ParseDurationField("scheduler.startup_spread", c.Scheduler.StartupSpread)
	add(err)
	_, err = ParseDurationField("executor.timeout", c.Executor.Timeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path is required"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required"))
		}
	case "redis":
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			add(errors.New("storage.redis.addr is required"))
		}
	default:
		add(fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}

	seen := map[int64]bool{}
	for i, s := range c.Sites {
		if s.ID <= 0 {
			add(fmt.Errorf("sites[%d].id must be positive", i))
		}
		if seen[s.ID] {
			add(fmt.Errorf("sites[%d].id %d is duplicated", i, s.ID))
		}
		seen[s.ID] = true
	}
	return errors.Join(errs...)
}

// EffectiveMaxRunCount resolves the rotation ceiling.
func (c SchedulerConfig) EffectiveMaxRunCount() int {
	if c.Demo {
		return 2
	}
	if c.MaxRunCount > 0 {
		return c.MaxRunCount
	}
	return 1000
}

// MetricsAddr returns the listen address and path with defaults applied.
func (c MetricsConfig) MetricsAddr() (addr, path string) {
	addr = strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = "127.0.0.1:9464"
	}
	path = strings.TrimSpace(c.Path)
	if path == "" {
		path = "/metrics"
	}
	return addr, path
}
