package events

import (
	"context"
	"time"

	"crawlsched/internal/rotation"
	"crawlsched/internal/tenant"
)

// Request identifies one unit of per-site work. SiteID 0 means "no
// particular site".
type Request struct {
	Event    string          `json:"event"`
	SiteID   tenant.ID       `json:"site_id,omitempty"`
	Settings tenant.Settings `json:"settings,omitempty"`
	Run      int             `json:"run"`
}

// Outcome reports whether a collect or crawl run did any work.
type Outcome struct {
	RequestMade bool `json:"request_made"`
}

// RecrawlRequest carries the candidate filters. A zero filter is disabled.
type RecrawlRequest struct {
	Request
	MaxRecrawlCount       int `json:"max_recrawl_count"`
	MinMinutesBetween     int `json:"min_time_between_recrawls_in_min"`
	PostsNewerThanMinutes int `json:"posts_newer_than_in_min"`
}

// ResumeRequest continues a recrawl that left a draft behind.
type ResumeRequest struct {
	Request
	URLID       int64 `json:"url_id"`
	DraftPostID int64 `json:"draft_post_id"`
}

// RecrawlOutcome reports the candidate handled. DraftPostID and URLID are
// set while a multi-page recrawl is unfinished.
type RecrawlOutcome struct {
	Found       bool  `json:"found"`
	URLID       int64 `json:"url_id,omitempty"`
	DraftPostID int64 `json:"draft_post_id,omitempty"`
}

type DeleteRequest struct {
	Request
	Limit             int  `json:"limit"`
	OlderThanMinutes  int  `json:"older_than_in_min"`
	DeleteAttachments bool `json:"delete_attachments"`
}

type DeleteOutcome struct {
	Deleted int `json:"deleted"`
}

// Executor performs the per-site work.
type Executor interface {
	CollectURLs(ctx context.Context, req Request) (Outcome, error)
	CrawlPost(ctx context.Context, req Request) (Outcome, error)
	RecrawlPost(ctx context.Context, req RecrawlRequest) (RecrawlOutcome, error)
	ResumeRecrawl(ctx context.Context, req ResumeRequest) (RecrawlOutcome, error)
	ResetRecrawl(ctx context.Context, req Request) error
	DeletePosts(ctx context.Context, req DeleteRequest) (DeleteOutcome, error)
}

// Dispatcher runs one rotation tick.
type Dispatcher interface {
	Run(ctx context.Context, cursorKey string, s rotation.Strategy) (rotation.Result, error)
}

// Deregisterer removes the timers of a category.
type Deregisterer interface {
	Remove(c tenant.Category)
}

// SettingsWriter persists a single site setting.
type SettingsWriter interface {
	SaveSetting(ctx context.Context, id tenant.ID, key, value string) error
}

// Defaults are the global settings. Site settings override the run counts
// and the recrawl and delete knobs.
type Defaults struct {
	SchedulingActive bool
	RecrawlingActive bool
	DeletingActive   bool

	RunCountURLCollection int
	RunCountPostCrawl     int
	RunCountPostRecrawl   int

	MaxRecrawlCount           int
	MinTimeBetweenRecrawlsMin int
	RecrawlPostsNewerThanMin  int

	MaxPostsPerDeleteEvent  int
	DeletePostsOlderThanMin int
	DeleteAttachments       bool
}

const (
	DefaultMaxPostsPerDeleteEvent  = 30
	DefaultDeletePostsOlderThanMin = 43200
)

// Active reports whether category c is enabled.
func (d Defaults) Active(c tenant.Category) bool {
	switch c {
	case tenant.CategoryRecrawl:
		return d.RecrawlingActive
	case tenant.CategoryDelete:
		return d.DeletingActive
	default:
		return d.SchedulingActive
	}
}

// TickDone is published on the bus after every tick.
type TickDone struct {
	ID       string        `json:"id"` // random per tick, matches the "tick" log field
	Event    string        `json:"event"`
	Outcome  string        `json:"outcome"`
	Sites    []tenant.ID   `json:"sites,omitempty"`
	Runs     int           `json:"runs"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// EventTickDone is the bus event type carrying TickDone.
const EventTickDone = "tick.done"

const lastDeletedLayout = "2006-01-02 15:04:05"
