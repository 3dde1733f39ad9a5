package events

import (
	"context"
	"fmt"
	"strconv"

	"crawlsched/internal/rotation"
	"crawlsched/internal/schedule"
	"crawlsched/internal/tenant"
)

func runCount(tc *rotation.TenantContext, key string, def int) int {
	return tc.Settings.Int(key, max(def, 1))
}

func request(event string, tc *rotation.TenantContext) Request {
	return Request{Event: event, SiteID: tc.ID, Settings: tc.Settings, Run: tc.Run}
}

// collectStrategy asks the executor to collect URLs for a site.
type collectStrategy struct {
	h           *Handlers
	defaults    Defaults
	requestMade bool
}

func (s *collectStrategy) Action(ctx context.Context, tc *rotation.TenantContext) error {
	out, err := s.h.exec.CollectURLs(ctx, request(schedule.EventCollectURLs, tc))
	s.requestMade = out.RequestMade
	return err
}

func (s *collectStrategy) RequiredRunCount(tc *rotation.TenantContext) int {
	return runCount(tc, tenant.KeyRunCountURLCollection, s.defaults.RunCountURLCollection)
}

func (s *collectStrategy) IsNoOp() bool { return !s.requestMade }

// OnNoTenant lets the executor pick a site on its own.
func (s *collectStrategy) OnNoTenant(ctx context.Context) error {
	s.h.idle(schedule.EventCollectURLs)
	_, err := s.h.exec.CollectURLs(ctx, Request{Event: schedule.EventCollectURLs})
	return err
}

func (s *collectStrategy) ResetTenantState() { s.requestMade = false }

type crawlStrategy struct {
	h           *Handlers
	defaults    Defaults
	requestMade bool
}

func (s *crawlStrategy) Action(ctx context.Context, tc *rotation.TenantContext) error {
	out, err := s.h.exec.CrawlPost(ctx, request(schedule.EventCrawlPost, tc))
	s.requestMade = out.RequestMade
	return err
}

func (s *crawlStrategy) RequiredRunCount(tc *rotation.TenantContext) int {
	return runCount(tc, tenant.KeyRunCountPostCrawl, s.defaults.RunCountPostCrawl)
}

func (s *crawlStrategy) IsNoOp() bool { return !s.requestMade }

func (s *crawlStrategy) OnNoTenant(context.Context) error {
	s.h.idle(schedule.EventCrawlPost)
	return nil
}

func (s *crawlStrategy) ResetTenantState() { s.requestMade = false }

// recrawlStrategy recrawls the stalest eligible post of a site. When no
// candidate is left it resumes an unfinished draft, or resets the site's
// recrawl position.
type recrawlStrategy struct {
	h        *Handlers
	defaults Defaults
	found    bool
}

func (s *recrawlStrategy) Action(ctx context.Context, tc *rotation.TenantContext) error {
	req := RecrawlRequest{
		Request:               request(schedule.EventRecrawlPost, tc),
		MaxRecrawlCount:       max(tc.Settings.Int(tenant.KeyMaxRecrawlCount, s.defaults.MaxRecrawlCount), 0),
		MinMinutesBetween:     max(tc.Settings.Int(tenant.KeyMinTimeBetweenRecrawlsMin, s.defaults.MinTimeBetweenRecrawlsMin), 0),
		PostsNewerThanMinutes: max(tc.Settings.Int(tenant.KeyRecrawlPostsNewerThanMin, s.defaults.RecrawlPostsNewerThanMin), 0),
	}
	out, err := s.h.exec.RecrawlPost(ctx, req)
	if err != nil {
		return err
	}
	s.found = out.Found
	if out.Found {
		return s.saveDraft(ctx, tc, out)
	}

	urlID := int64(tc.Settings.Int(tenant.KeyRecrawlLastCrawledURLID, 0))
	draftID := int64(tc.Settings.Int(tenant.KeyRecrawlDraftPostID, 0))
	if urlID > 0 && draftID > 0 {
		out, err = s.h.exec.ResumeRecrawl(ctx, ResumeRequest{Request: req.Request, URLID: urlID, DraftPostID: draftID})
		if err != nil {
			return err
		}
		if out.Found {
			return s.saveDraft(ctx, tc, out)
		}
	}
	if err := s.h.exec.ResetRecrawl(ctx, req.Request); err != nil {
		return err
	}
	return s.saveDraft(ctx, tc, RecrawlOutcome{})
}

// saveDraft stores the unfinished-recrawl markers when they changed.
func (s *recrawlStrategy) saveDraft(ctx context.Context, tc *rotation.TenantContext, out RecrawlOutcome) error {
	set := func(key string, v int64) error {
		val := ""
		if v > 0 {
			val = strconv.FormatInt(v, 10)
		}
		if tc.Settings[key] == val {
			return nil
		}
		if err := s.h.settings.SaveSetting(ctx, tc.ID, key, val); err != nil {
			return fmt.Errorf("save %s for site %d: %w", key, tc.ID, err)
		}
		return nil
	}
	if err := set(tenant.KeyRecrawlLastCrawledURLID, out.URLID); err != nil {
		return err
	}
	return set(tenant.KeyRecrawlDraftPostID, out.DraftPostID)
}

func (s *recrawlStrategy) RequiredRunCount(tc *rotation.TenantContext) int {
	return runCount(tc, tenant.KeyRunCountPostRecrawl, s.defaults.RunCountPostRecrawl)
}

func (s *recrawlStrategy) IsNoOp() bool { return !s.found }

func (s *recrawlStrategy) OnNoTenant(context.Context) error {
	s.h.idle(schedule.EventRecrawlPost)
	return nil
}

func (s *recrawlStrategy) ResetTenantState() { s.found = false }

// deleteStrategy deletes up to a shared budget of old posts, one run per
// site. The rotation moves on while budget remains.
type deleteStrategy struct {
	h         *Handlers
	defaults  Defaults
	remaining int
	deleted   int
}

func newDeleteStrategy(h *Handlers, d Defaults) *deleteStrategy {
	budget := d.MaxPostsPerDeleteEvent
	if budget < 1 {
		budget = DefaultMaxPostsPerDeleteEvent
	}
	return &deleteStrategy{h: h, defaults: d, remaining: budget}
}

func (s *deleteStrategy) Action(ctx context.Context, tc *rotation.TenantContext) error {
	if s.remaining < 1 {
		return nil
	}
	olderThan := tc.Settings.Int(tenant.KeyDeletePostsOlderThanMin, 0)
	if olderThan < 1 {
		olderThan = s.defaults.DeletePostsOlderThanMin
	}
	if olderThan < 1 {
		olderThan = DefaultDeletePostsOlderThanMin
	}
	attachments := s.defaults.DeleteAttachments
	if _, ok := tc.Settings[tenant.KeyIsDeletePostAttachments]; ok {
		attachments = tc.Settings.Bool(tenant.KeyIsDeletePostAttachments)
	}

	out, err := s.h.exec.DeletePosts(ctx, DeleteRequest{
		Request:           request(schedule.EventDeletePosts, tc),
		Limit:             s.remaining,
		OlderThanMinutes:  olderThan,
		DeleteAttachments: attachments,
	})
	if err != nil {
		return err
	}
	n := min(max(out.Deleted, 0), s.remaining)
	s.remaining -= n
	s.deleted += n

	stamp := s.h.now().Format(lastDeletedLayout)
	if err := s.h.settings.SaveSetting(ctx, tc.ID, tenant.KeyCronLastDeletedAt, stamp); err != nil {
		return fmt.Errorf("save %s for site %d: %w", tenant.KeyCronLastDeletedAt, tc.ID, err)
	}
	return nil
}

func (s *deleteStrategy) RequiredRunCount(*rotation.TenantContext) int { return 1 }

// IsNoOp reports true while budget remains, so the next site is tried.
func (s *deleteStrategy) IsNoOp() bool { return s.remaining > 0 }

func (s *deleteStrategy) OnNoTenant(context.Context) error {
	s.h.idle(schedule.EventDeletePosts)
	return nil
}
