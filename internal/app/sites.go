package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"crawlsched/internal/config"
	"crawlsched/internal/storage"
	"crawlsched/internal/tenant"
)

// seedSites upserts the configured sites. Configured settings overwrite
// stored ones; keys only present in storage (cursors, draft markers,
// cron_last_deleted_at) are kept. With only set, just those IDs are
// written.
func seedSites(ctx context.Context, st storage.Store, sites []config.SiteConfig, only map[int64]bool) (int, error) {
	n := 0
	var errs []error
	for _, sc := range sites {
		if only != nil && !only[sc.ID] {
			continue
		}
		site, err := st.GetSite(ctx, sc.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			site = tenant.Site{ID: sc.ID, Settings: tenant.Settings{}}
		case err != nil:
			errs = append(errs, fmt.Errorf("site %d: %w", sc.ID, err))
			continue
		}
		if site.Settings == nil {
			site.Settings = tenant.Settings{}
		}
		if name := strings.TrimSpace(sc.Name); name != "" {
			site.Name = name
		}
		site.Status = strings.TrimSpace(sc.Status)
		if site.Status == "" {
			site.Status = tenant.StatusPublished
		}
		maps.Copy(site.Settings, sc.Settings)

		if err := st.UpsertSite(ctx, site); err != nil {
			errs = append(errs, fmt.Errorf("site %d: %w", sc.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// changedSiteSet turns a changed-ID list into a lookup set.
func changedSiteSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
