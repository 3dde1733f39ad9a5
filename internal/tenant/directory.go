package tenant

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	logx "crawlsched/pkg/logx"
)

// Source is the external site store the Directory reads from.
type Source interface {
	// QueryActive returns IDs of published sites whose flag setting is truthy.
	QueryActive(ctx context.Context, flag string) ([]ID, error)
	LoadSettings(ctx context.Context, id ID) (Settings, error)
	SaveSetting(ctx context.Context, id ID, key, value string) error
}

type cacheEntry struct {
	gen uint64
	ids []ID
}

// Directory resolves ordered active site lists per category.
//
// Cached lists are tagged with the generation they were read at; Invalidate
// and SetActive bump the generation, which drops every cached list at once.
type Directory struct {
	src Source
	log logx.Logger

	gen atomic.Uint64

	mu    sync.Mutex
	cache map[Category]cacheEntry
}

func NewDirectory(src Source, log logx.Logger) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{src: src, log: log, cache: map[Category]cacheEntry{}}
}

// Generation returns the current cache generation.
func (d *Directory) Generation() uint64 { return d.gen.Load() }

// Invalidate drops all cached active lists.
func (d *Directory) Invalidate() {
	g := d.gen.Add(1)
	d.log.Trace("active site cache invalidated", logx.Uint64("gen", g))
}

// Active returns the ascending list of active site IDs for c.
// An empty list is valid and means there is nothing to schedule.
func (d *Directory) Active(ctx context.Context, c Category) ([]ID, error) {
	gen := d.gen.Load()

	d.mu.Lock()
	if e, ok := d.cache[c]; ok && e.gen == gen {
		ids := slices.Clone(e.ids)
		d.mu.Unlock()
		return ids, nil
	}
	d.mu.Unlock()

	ids, err := d.src.QueryActive(ctx, c.ActiveKey())
	if err != nil {
		return nil, fmt.Errorf("query active sites (%s): %w", c, err)
	}
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	d.mu.Lock()
	d.cache[c] = cacheEntry{gen: gen, ids: ids}
	d.mu.Unlock()

	d.log.Debug("active sites loaded", logx.String("category", c.String()), logx.Int64s("sites", ids))
	return slices.Clone(ids), nil
}

// SetActive toggles a site's membership in c and invalidates the cache.
func (d *Directory) SetActive(ctx context.Context, id ID, c Category, active bool) error {
	v := ""
	if active {
		v = "on"
	}
	if err := d.src.SaveSetting(ctx, id, c.ActiveKey(), v); err != nil {
		return fmt.Errorf("set site %d %s active=%v: %w", id, c, active, err)
	}
	d.Invalidate()
	return nil
}

// Settings loads a fresh settings snapshot for a site. It is never cached.
func (d *Directory) Settings(ctx context.Context, id ID) (Settings, error) {
	s, err := d.src.LoadSettings(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load settings for site %d: %w", id, err)
	}
	if s == nil {
		s = Settings{}
	}
	return s, nil
}

// SaveSetting writes a single site setting.
func (d *Directory) SaveSetting(ctx context.Context, id ID, key, value string) error {
	return d.src.SaveSetting(ctx, id, key, value)
}
