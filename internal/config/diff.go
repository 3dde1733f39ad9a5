package config

import (
	"maps"
	"sort"
	"strings"

	logx "crawlsched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the IDs of configured sites that were added or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []int64) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (never log the redis password or the dsn). The store is opened once, so
	// changes only take effect after a restart.
	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.Redis.Addr != nS.Redis.Addr || oS.Redis.DB != nS.Redis.DB || oS.Redis.Prefix != nS.Redis.Prefix ||
		oS.Redis.Password != nS.Redis.Password || oS.DSN != nS.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.String("storage.redis_addr", nS.Redis.Addr),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.max_run_count", newCfg.Scheduler.EffectiveMaxRunCount()),
			logx.Bool("scheduler.demo", newCfg.Scheduler.Demo),
		)
	}

	if oldCfg.Scheduling != newCfg.Scheduling {
		changed = append(changed, "scheduling")
		attrs = append(attrs,
			logx.Bool("scheduling.active", newCfg.Scheduling.Active),
			logx.String("scheduling.interval_url_collection", newCfg.Scheduling.IntervalURLCollection),
			logx.String("scheduling.interval_post_crawl", newCfg.Scheduling.IntervalPostCrawl),
		)
	}

	if oldCfg.Recrawling != newCfg.Recrawling {
		changed = append(changed, "recrawling")
		attrs = append(attrs,
			logx.Bool("recrawling.active", newCfg.Recrawling.Active),
			logx.String("recrawling.interval", newCfg.Recrawling.Interval),
		)
	}

	if oldCfg.Deleting != newCfg.Deleting {
		changed = append(changed, "deleting")
		attrs = append(attrs,
			logx.Bool("deleting.active", newCfg.Deleting.Active),
			logx.String("deleting.interval", newCfg.Deleting.Interval),
			logx.Int("deleting.max_posts_per_event", newCfg.Deleting.MaxPostsPerEvent),
		)
	}

	// Executor (never log token)
	oE, nE := oldCfg.Executor, newCfg.Executor
	if oE.BaseURL != nE.BaseURL || oE.Timeout != nE.Timeout || oE.Retries != nE.Retries ||
		oE.Token != nE.Token {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.base_url", nE.BaseURL),
			logx.Secret("executor.token", nE.Token),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newCfg.Notify.NATSURL != ""),
			logx.String("notify.subject_prefix", newCfg.Notify.SubjectPrefix),
			logx.Secret("notify.token", newCfg.Notify.Token),
		)
	}

	sites := diffSites(oldCfg.Sites, newCfg.Sites)
	if len(sites) > 0 {
		changed = append(changed, "sites")
		attrs = append(attrs, logx.Int64s("sites.changed", sites))
	}

	sort.Strings(changed)
	return changed, attrs, sites
}

// diffSites returns the IDs of sites in newS that are new or differ from oldS.
// Removed sites are not reported: storage keeps them.
func diffSites(oldS, newS []SiteConfig) []int64 {
	prev := make(map[int64]SiteConfig, len(oldS))
	for _, s := range oldS {
		prev[s.ID] = s
	}
	var out []int64
	for _, s := range newS {
		o, ok := prev[s.ID]
		if !ok || o.Name != s.Name || o.Status != s.Status || !maps.Equal(o.Settings, s.Settings) {
			out = append(out, s.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
