package tenant

import (
	"strconv"
	"strings"
)

// ID identifies a site.
type ID = int64

// StatusPublished is the only lifecycle state that can be scheduled.
const StatusPublished = "publish"

// Category is one of the independently toggled scheduling concerns.
type Category int

const (
	CategoryCollect Category = iota // URL collection and post crawling
	CategoryRecrawl
	CategoryDelete
)

// Categories lists every category in reconcile order.
var Categories = []Category{CategoryCollect, CategoryRecrawl, CategoryDelete}

func (c Category) String() string {
	switch c {
	case CategoryCollect:
		return "collect"
	case CategoryRecrawl:
		return "recrawl"
	case CategoryDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ActiveKey returns the site setting that flags membership in c.
func (c Category) ActiveKey() string {
	switch c {
	case CategoryRecrawl:
		return KeyActiveRecrawling
	case CategoryDelete:
		return KeyActivePostDeleting
	default:
		return KeyActive
	}
}

// Site setting keys.
const (
	KeyActive             = "active"
	KeyActiveRecrawling   = "active_recrawling"
	KeyActivePostDeleting = "active_post_deleting"

	KeyRunCountURLCollection = "run_count_url_collection"
	KeyRunCountPostCrawl     = "run_count_post_crawl"
	KeyRunCountPostRecrawl   = "run_count_post_recrawl"

	KeyMaxRecrawlCount           = "max_recrawl_count"
	KeyMinTimeBetweenRecrawlsMin = "min_time_between_two_recrawls_in_min"
	KeyRecrawlPostsNewerThanMin  = "recrawl_posts_newer_than_in_min"
	KeyDeletePostsOlderThanMin   = "delete_posts_older_than_in_min"
	KeyIsDeletePostAttachments   = "is_delete_post_attachments"
	KeyCronLastDeletedAt         = "cron_last_deleted_at"
	KeyRecrawlLastCrawledURLID   = "recrawl_last_crawled_url_id"
	KeyRecrawlDraftPostID        = "recrawl_post_draft_id"
)

// Site is a stored site record.
type Site struct {
	ID       ID
	Name     string
	Status   string
	Settings Settings
}

// Published reports whether the site can be scheduled.
func (s Site) Published() bool { return s.Status == StatusPublished }

// ActiveFor reports whether the site is published and flagged for c.
func (s Site) ActiveFor(c Category) bool {
	return s.Published() && IsTruthy(s.Settings[c.ActiveKey()])
}

// TruthyValues are the stored flag representations that count as "on".
// Both checkbox-style and numeric values are accepted.
var TruthyValues = []string{"on", "1", "true", "yes"}

// IsTruthy reports whether a stored flag value counts as active.
func IsTruthy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, t := range TruthyValues {
		if v == t {
			return true
		}
	}
	return false
}

// Settings is a snapshot of one site's settings.
type Settings map[string]string

// Clone returns an independent copy.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// String returns the trimmed value for key, or def when unset or blank.
func (s Settings) String(key, def string) string {
	v := strings.TrimSpace(s[key])
	if v == "" {
		return def
	}
	return v
}

// Int returns the integer value for key, or def when unset or unparsable.
func (s Settings) Int(key string, def int) int {
	v := strings.TrimSpace(s[key])
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Bool returns whether key holds a truthy value.
func (s Settings) Bool(key string) bool { return IsTruthy(s[key]) }
