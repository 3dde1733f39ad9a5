package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"crawlsched/internal/config"
	"crawlsched/internal/events"
	"crawlsched/internal/executor"
	"crawlsched/internal/notify"
	"crawlsched/internal/observability"
	"crawlsched/internal/schedule"
	"crawlsched/internal/storage"
	"crawlsched/internal/task/scheduler"
	logx "crawlsched/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{
		Driver:        driver,
		Path:          strings.TrimSpace(sc.Path),
		DSN:           strings.TrimSpace(sc.DSN),
		RedisAddr:     strings.TrimSpace(sc.Redis.Addr),
		RedisPassword: sc.Redis.Password,
		RedisDB:       sc.Redis.DB,
		RedisPrefix:   sc.Redis.Prefix,
	}
	if driver == "sqlite" || driver == "sqlite3" {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	spread, err := config.ParseDurationField("scheduler.startup_spread", cfg.Scheduler.StartupSpread)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:       strings.TrimSpace(cfg.Scheduler.Timezone),
		DefaultTimeout: timeout,
		StartupSpread:  spread,
	}, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	timeout, err := config.ParseDurationField("executor.timeout", cfg.Executor.Timeout)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		BaseURL: strings.TrimSpace(cfg.Executor.BaseURL),
		Timeout: timeout,
		Token:   cfg.Executor.Token,
		Retries: cfg.Executor.Retries,
	}, nil
}

func mapObservabilityConfig(cfg *config.Config) observability.Config {
	addr, path := cfg.Metrics.MetricsAddr()
	return observability.Config{
		Enabled:      cfg.Metrics.Enabled,
		Addr:         addr,
		MetricsPath:  path,
		Token:        cfg.Metrics.Token,
		Pprof:        cfg.Metrics.Pprof,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// mapScheduleSettings extracts what Reconcile needs.
func mapScheduleSettings(cfg *config.Config) schedule.Settings {
	return schedule.Settings{
		CollectActive:   cfg.Scheduling.Active,
		CollectInterval: strings.TrimSpace(cfg.Scheduling.IntervalURLCollection),
		CrawlInterval:   strings.TrimSpace(cfg.Scheduling.IntervalPostCrawl),
		RecrawlActive:   cfg.Recrawling.Active,
		RecrawlInterval: strings.TrimSpace(cfg.Recrawling.Interval),
		DeleteActive:    cfg.Deleting.Active,
		DeleteInterval:  strings.TrimSpace(cfg.Deleting.Interval),
	}
}

// mapDefaults builds the global settings handed to every tick. Out-of-range
// values are left to the handlers, which fall back to their defaults.
func mapDefaults(cfg *config.Config) events.Defaults {
	return events.Defaults{
		SchedulingActive: cfg.Scheduling.Active,
		RecrawlingActive: cfg.Recrawling.Active,
		DeletingActive:   cfg.Deleting.Active,

		RunCountURLCollection: cfg.Scheduling.RunCountURLCollection,
		RunCountPostCrawl:     cfg.Scheduling.RunCountPostCrawl,
		RunCountPostRecrawl:   cfg.Recrawling.RunCount,

		MaxRecrawlCount:           cfg.Recrawling.MaxRecrawlCount,
		MinTimeBetweenRecrawlsMin: cfg.Recrawling.MinTimeBetweenRecrawlsMin,
		RecrawlPostsNewerThanMin:  cfg.Recrawling.PostsNewerThanMin,

		MaxPostsPerDeleteEvent:  cfg.Deleting.MaxPostsPerEvent,
		DeletePostsOlderThanMin: cfg.Deleting.OlderThanMin,
		DeleteAttachments:       cfg.Deleting.DeleteAttachments,
	}
}

// validate runs the checks that need packages config cannot import. It is
// installed as the reload validator so a bad edit keeps the previous config.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var errs []error
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	check := func(path string, active bool, key string) {
		if !active {
			return
		}
		if _, err := schedule.LookupInterval(strings.TrimSpace(key)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	check("scheduling.interval_url_collection", cfg.Scheduling.Active, cfg.Scheduling.IntervalURLCollection)
	check("scheduling.interval_post_crawl", cfg.Scheduling.Active, cfg.Scheduling.IntervalPostCrawl)
	check("recrawling.interval", cfg.Recrawling.Active, cfg.Recrawling.Interval)
	check("deleting.interval", cfg.Deleting.Active, cfg.Deleting.Interval)

	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(cfg.Executor.BaseURL) == "" {
		errs = append(errs, errors.New("executor.base_url is required"))
	}
	return errors.Join(errs...)
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		URL:           strings.TrimSpace(cfg.Notify.NATSURL),
		SubjectPrefix: cfg.Notify.SubjectPrefix,
		Token:         cfg.Notify.Token,
	}
}
