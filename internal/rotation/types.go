package rotation

import (
	"context"
	"errors"

	"crawlsched/internal/tenant"
)

// ErrBusy is returned when a tick for the same cursor key is already running.
var ErrBusy = errors.New("rotation: event already running")

const (
	// DefaultMaxRunCount bounds the runs per site in one tick.
	DefaultMaxRunCount = 1000
	// DemoMaxRunCount is the ceiling used by demo deployments.
	DemoMaxRunCount = 2
)

// Cursor keys, one per event. Collect and crawl share a category but rotate
// independently.
const (
	CursorCollect = "last_checked_site_id"
	CursorCrawl   = "last_crawled_site_id"
	CursorRecrawl = "last_recrawled_site_id"
	CursorDelete  = "last_post_deleted_site_id"
)

// CategoryFor maps a cursor key to the category whose active list it walks.
// Unknown keys fall back to the collect category.
func CategoryFor(cursorKey string) tenant.Category {
	switch cursorKey {
	case CursorRecrawl:
		return tenant.CategoryRecrawl
	case CursorDelete:
		return tenant.CategoryDelete
	default:
		return tenant.CategoryCollect
	}
}

// TenantContext is handed to every strategy callback. Settings is reloaded
// from storage before every run after the first.
type TenantContext struct {
	ID       tenant.ID
	Settings tenant.Settings
	// Run is the zero-based run index for this site in the current tick.
	Run int
}

// Strategy supplies the per-event behaviour to the dispatcher.
type Strategy interface {
	// Action does the event's work for one site.
	Action(ctx context.Context, tc *TenantContext) error
	// RequiredRunCount is read once per site; values below 1 are treated as 1.
	RequiredRunCount(tc *TenantContext) int
	// IsNoOp reports whether the most recent Action found nothing to do.
	IsNoOp() bool
	// OnNoTenant is called when the category has no active site.
	OnNoTenant(ctx context.Context) error
}

// Resetter is implemented by strategies that cache state derived from site
// settings. ResetTenantState is called before every run.
type Resetter interface {
	ResetTenantState()
}

// Directory resolves active sites and their settings.
type Directory interface {
	Active(ctx context.Context, c tenant.Category) ([]tenant.ID, error)
	Settings(ctx context.Context, id tenant.ID) (tenant.Settings, error)
	Invalidate()
	Generation() uint64
}

// CursorStore persists the last site handled per cursor key.
type CursorStore interface {
	GetCursor(ctx context.Context, key string) (tenant.ID, bool, error)
	SetCursor(ctx context.Context, key string, id tenant.ID) error
}

// Result summarizes one tick.
type Result struct {
	CursorKey string
	// Tenants lists the sites tried, in order.
	Tenants []tenant.ID
	// Runs counts Action invocations across all sites.
	Runs int
	// Idle is set when no site was active for the category.
	Idle bool
	// Exhausted is set when every active site reported a no-op on its first run.
	Exhausted bool
	// CeilingHit is set when the run ceiling cut a site's runs short.
	CeilingHit bool
	Generation uint64
}
