package rotation

import (
	"context"
	"fmt"

	"crawlsched/internal/tenant"
	logx "crawlsched/pkg/logx"
)

type state int

const (
	stateResolveTenant state = iota
	stateRunAction
	stateDecide
	stateDone
)

func (s state) String() string {
	switch s {
	case stateResolveTenant:
		return "resolve"
	case stateRunAction:
		return "run"
	case stateDecide:
		return "decide"
	default:
		return "done"
	}
}

// tick holds the per-invocation state. It is discarded when Run returns.
type tick struct {
	d     *Dispatcher
	key   string
	strat Strategy

	tried map[tenant.ID]struct{}

	// current site; nil forces ResolveTenant to pick the next one.
	tc       *TenantContext
	required int
	count    int

	res Result
}

// loop drives the state machine:
//
//	resolve -> run       site found and not tried yet
//	resolve -> done      no active site, or rotation came back to a tried site
//	run     -> decide    action returned
//	decide  -> resolve   first run was a no-op
//	decide  -> run       more runs required
//	decide  -> done      required runs reached, later-run no-op, or ceiling
func (t *tick) loop(ctx context.Context) error {
	st := stateResolveTenant
	for st != stateDone {
		var err error
		switch st {
		case stateResolveTenant:
			st, err = t.resolve(ctx)
		case stateRunAction:
			st, err = t.run(ctx)
		case stateDecide:
			st = t.decide()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tick) resolve(ctx context.Context) (state, error) {
	id, ok, err := t.d.NextTenant(ctx, t.key)
	if err != nil {
		return stateDone, err
	}
	if !ok {
		t.res.Idle = true
		if err := t.strat.OnNoTenant(ctx); err != nil {
			return stateDone, fmt.Errorf("%s: no-site action: %w", t.key, err)
		}
		return stateDone, nil
	}
	if _, seen := t.tried[id]; seen {
		t.res.Exhausted = true
		return stateDone, nil
	}

	settings, err := t.d.dir.Settings(ctx, id)
	if err != nil {
		return stateDone, err
	}
	t.tc = &TenantContext{ID: id, Settings: settings}
	t.required = max(1, t.strat.RequiredRunCount(t.tc))
	t.count = 0

	// Advance the cursor before running so a failing site cannot pin the rotation.
	if err := t.d.cursors.SetCursor(ctx, t.key, id); err != nil {
		return stateDone, fmt.Errorf("write cursor %s: %w", t.key, err)
	}
	t.res.Tenants = append(t.res.Tenants, id)
	return stateRunAction, nil
}

func (t *tick) run(ctx context.Context) (state, error) {
	if r, ok := t.strat.(Resetter); ok {
		r.ResetTenantState()
	}
	// The previous run may have changed the site's settings.
	if t.count > 0 {
		settings, err := t.d.dir.Settings(ctx, t.tc.ID)
		if err != nil {
			return stateDone, err
		}
		t.tc.Settings = settings
	}
	t.tc.Run = t.count

	t.res.Runs++
	if err := t.strat.Action(ctx, t.tc); err != nil {
		return stateDone, fmt.Errorf("%s: site %d run %d: %w", t.key, t.tc.ID, t.count, err)
	}
	return stateDecide, nil
}

func (t *tick) decide() state {
	if t.count == 0 {
		t.tried[t.tc.ID] = struct{}{}
		if t.strat.IsNoOp() {
			t.d.log.Trace("nothing to do; trying next site", logx.String("cursor", t.key), logx.Site(t.tc.ID))
			t.tc = nil
			return stateResolveTenant
		}
	} else if t.strat.IsNoOp() {
		return stateDone
	}

	t.count++
	if t.count >= t.d.maxRunCount {
		if t.count < t.required {
			t.res.CeilingHit = true
			t.d.log.Warn("run ceiling reached",
				logx.String("cursor", t.key),
				logx.Site(t.tc.ID),
				logx.Int("required", t.required),
				logx.Int("max", t.d.maxRunCount),
			)
		}
		return stateDone
	}
	if t.count < t.required {
		return stateRunAction
	}
	return stateDone
}
