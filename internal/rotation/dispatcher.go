package rotation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"crawlsched/internal/tenant"
	logx "crawlsched/pkg/logx"
)

type Config struct {
	// MaxRunCount is the hard ceiling of runs per site in one tick.
	// 0 means DefaultMaxRunCount.
	MaxRunCount int
}

type Dispatcher struct {
	dir     Directory
	cursors CursorStore
	log     logx.Logger

	maxRunCount int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(cfg Config, dir Directory, cursors CursorStore, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	maxRun := cfg.MaxRunCount
	if maxRun <= 0 {
		maxRun = DefaultMaxRunCount
	}
	return &Dispatcher{
		dir:         dir,
		cursors:     cursors,
		log:         log,
		maxRunCount: maxRun,
		locks:       map[string]*sync.Mutex{},
	}
}

// MaxRunCount returns the effective run ceiling.
func (d *Dispatcher) MaxRunCount() int { return d.maxRunCount }

func (d *Dispatcher) lockFor(key string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[key]
	if !ok {
		l = &sync.Mutex{}
		d.locks[key] = l
	}
	return l
}

// NextTenant returns the active site following the stored cursor for key.
// It wraps to the first active site when the cursor is unset, points at the
// last site, or names a site that is no longer active.
func (d *Dispatcher) NextTenant(ctx context.Context, cursorKey string) (tenant.ID, bool, error) {
	active, err := d.dir.Active(ctx, CategoryFor(cursorKey))
	if err != nil {
		return 0, false, err
	}
	if len(active) == 0 {
		return 0, false, nil
	}

	last, ok, err := d.cursors.GetCursor(ctx, cursorKey)
	if err != nil {
		return 0, false, fmt.Errorf("read cursor %s: %w", cursorKey, err)
	}
	if !ok {
		return active[0], true, nil
	}

	pos := slices.Index(active, last)
	if pos >= 0 && pos < len(active)-1 {
		return active[pos+1], true, nil
	}
	return active[0], true, nil
}

// Run executes one tick for cursorKey using s.
//
// Errors from the strategy are returned as-is (wrapped); the dispatcher does
// not retry them. A concurrent Run for the same key returns ErrBusy.
func (d *Dispatcher) Run(ctx context.Context, cursorKey string, s Strategy) (Result, error) {
	l := d.lockFor(cursorKey)
	if !l.TryLock() {
		return Result{CursorKey: cursorKey}, ErrBusy
	}
	defer l.Unlock()

	// Each tick starts with a fresh view of the active sites.
	d.dir.Invalidate()

	t := &tick{
		d:     d,
		key:   cursorKey,
		strat: s,
		tried: map[tenant.ID]struct{}{},
		res:   Result{CursorKey: cursorKey, Generation: d.dir.Generation()},
	}

	start := time.Now()
	err := t.loop(ctx)
	d.log.Debug("tick finished",
		logx.String("cursor", cursorKey),
		logx.Int64s("sites", t.res.Tenants),
		logx.Int("runs", t.res.Runs),
		logx.Bool("idle", t.res.Idle),
		logx.Bool("exhausted", t.res.Exhausted),
		logx.Bool("ceiling", t.res.CeilingHit),
		logx.Duration("took", time.Since(start)),
		logx.Err(err),
	)
	return t.res, err
}
