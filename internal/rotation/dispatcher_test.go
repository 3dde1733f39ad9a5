package rotation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"crawlsched/internal/tenant"
	logx "crawlsched/pkg/logx"
)

type fakeDir struct {
	active   map[tenant.Category][]tenant.ID
	settings map[tenant.ID]tenant.Settings
	loads    int
	invals   int
	gen      uint64
}

func (f *fakeDir) Active(_ context.Context, c tenant.Category) ([]tenant.ID, error) {
	return slices.Clone(f.active[c]), nil
}

func (f *fakeDir) Settings(_ context.Context, id tenant.ID) (tenant.Settings, error) {
	f.loads++
	return f.settings[id].Clone(), nil
}

func (f *fakeDir) Invalidate()        { f.invals++; f.gen++ }
func (f *fakeDir) Generation() uint64 { return f.gen }

type fakeCursors struct {
	mu sync.Mutex
	m  map[string]tenant.ID
}

func (f *fakeCursors) GetCursor(_ context.Context, key string) (tenant.ID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.m[key]
	return id, ok, nil
}

func (f *fakeCursors) SetCursor(_ context.Context, key string, id tenant.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = id
	return nil
}

type call struct {
	id  tenant.ID
	run int
}

// scriptStrategy records calls; noop decides the no-op result per call.
type scriptStrategy struct {
	required int
	noop     func(c call) bool
	err      error

	calls    []call
	noTenant int
	resets   int
	last     bool
}

func (s *scriptStrategy) Action(_ context.Context, tc *TenantContext) error {
	c := call{id: tc.ID, run: tc.Run}
	s.calls = append(s.calls, c)
	if s.err != nil {
		return s.err
	}
	s.last = s.noop != nil && s.noop(c)
	return nil
}

func (s *scriptStrategy) RequiredRunCount(*TenantContext) int { return s.required }
func (s *scriptStrategy) IsNoOp() bool                       { return s.last }
func (s *scriptStrategy) OnNoTenant(context.Context) error {
	s.noTenant++
	return nil
}
func (s *scriptStrategy) ResetTenantState() { s.resets++ }

func newTestDispatcher(active []tenant.ID, maxRun int) (*Dispatcher, *fakeDir, *fakeCursors) {
	dir := &fakeDir{
		active:   map[tenant.Category][]tenant.ID{tenant.CategoryCollect: active},
		settings: map[tenant.ID]tenant.Settings{},
	}
	cur := &fakeCursors{m: map[string]tenant.ID{}}
	return New(Config{MaxRunCount: maxRun}, dir, cur, logx.Nop()), dir, cur
}

func ids(calls []call) []tenant.ID {
	out := make([]tenant.ID, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.id)
	}
	return out
}

func TestNextTenant(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		cursor *tenant.ID
		want   tenant.ID
	}{
		{name: "no cursor", cursor: nil, want: 1},
		{name: "middle", cursor: ptr(2), want: 3},
		{name: "first", cursor: ptr(1), want: 2},
		{name: "last wraps", cursor: ptr(3), want: 1},
		{name: "stale cursor", cursor: ptr(99), want: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, _, cur := newTestDispatcher([]tenant.ID{1, 2, 3}, 0)
			if tt.cursor != nil {
				cur.m[CursorCollect] = *tt.cursor
			}
			got, ok, err := d.NextTenant(context.Background(), CursorCollect)
			if err != nil || !ok {
				t.Fatalf("NextTenant = (%d, %v, %v)", got, ok, err)
			}
			if got != tt.want {
				t.Fatalf("NextTenant = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNextTenantNoActive(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDispatcher(nil, 0)
	if _, ok, err := d.NextTenant(context.Background(), CursorCollect); ok || err != nil {
		t.Fatalf("expected no site, got ok=%v err=%v", ok, err)
	}
}

func TestCategoryFor(t *testing.T) {
	t.Parallel()
	cases := map[string]tenant.Category{
		CursorCollect: tenant.CategoryCollect,
		CursorCrawl:   tenant.CategoryCollect,
		CursorRecrawl: tenant.CategoryRecrawl,
		CursorDelete:  tenant.CategoryDelete,
		"other":       tenant.CategoryCollect,
	}
	for key, want := range cases {
		if got := CategoryFor(key); got != want {
			t.Fatalf("CategoryFor(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestRunNoActiveTenants(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDispatcher(nil, 0)
	s := &scriptStrategy{required: 3}

	res, err := d.Run(context.Background(), CursorCollect, s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.noTenant != 1 {
		t.Fatalf("OnNoTenant calls = %d, want 1", s.noTenant)
	}
	if len(s.calls) != 0 || res.Runs != 0 {
		t.Fatalf("expected zero action calls, got %d", len(s.calls))
	}
	if !res.Idle {
		t.Fatal("expected idle result")
	}
}

func TestRunSingleTenantRunsRequiredCount(t *testing.T) {
	t.Parallel()
	d, dir, cur := newTestDispatcher([]tenant.ID{7}, 0)
	s := &scriptStrategy{required: 4}

	res, err := d.Run(context.Background(), CursorCollect, s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []tenant.ID{7, 7, 7, 7}; !slices.Equal(ids(s.calls), want) {
		t.Fatalf("calls = %v, want %v", ids(s.calls), want)
	}
	for i, c := range s.calls {
		if c.run != i {
			t.Fatalf("call %d has run index %d", i, c.run)
		}
	}
	if !slices.Equal(res.Tenants, []tenant.ID{7}) {
		t.Fatalf("tenants = %v, want [7]", res.Tenants)
	}
	// One load when the site is picked, one per later run.
	if dir.loads != 4 {
		t.Fatalf("settings loads = %d, want 4", dir.loads)
	}
	if s.resets != 4 {
		t.Fatalf("resets = %d, want 4", s.resets)
	}
	if cur.m[CursorCollect] != 7 {
		t.Fatalf("cursor = %d, want 7", cur.m[CursorCollect])
	}
}

func TestRunClampsRequiredRunCount(t *testing.T) {
	t.Parallel()
	for _, required := range []int{0, -5} {
		d, _, _ := newTestDispatcher([]tenant.ID{1, 2}, 0)
		s := &scriptStrategy{required: required}
		if _, err := d.Run(context.Background(), CursorCollect, s); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(s.calls) != 1 {
			t.Fatalf("required=%d: calls = %d, want 1", required, len(s.calls))
		}
	}
}

func TestRunRotatesOnFirstRunNoOp(t *testing.T) {
	t.Parallel()
	d, _, cur := newTestDispatcher([]tenant.ID{1, 2}, 0)
	s := &scriptStrategy{
		required: 3,
		noop:     func(c call) bool { return c.id == 1 },
	}

	res, err := d.Run(context.Background(), CursorCollect, s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []tenant.ID{1, 2, 2, 2}; !slices.Equal(ids(s.calls), want) {
		t.Fatalf("calls = %v, want %v", ids(s.calls), want)
	}
	if !slices.Equal(res.Tenants, []tenant.ID{1, 2}) {
		t.Fatalf("tenants = %v", res.Tenants)
	}
	if cur.m[CursorCollect] != 2 {
		t.Fatalf("cursor = %d, want 2", cur.m[CursorCollect])
	}
}

func TestRunStopsOnLaterNoOp(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDispatcher([]tenant.ID{1, 2}, 0)
	s := &scriptStrategy{
		required: 5,
		noop:     func(c call) bool { return c.run == 2 },
	}

	if _, err := d.Run(context.Background(), CursorCollect, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Runs 0 and 1 do work, run 2 is a no-op: the tick ends without moving on.
	if want := []tenant.ID{1, 1, 1}; !slices.Equal(ids(s.calls), want) {
		t.Fatalf("calls = %v, want %v", ids(s.calls), want)
	}
}

func TestRunFullRotationExhaustion(t *testing.T) {
	t.Parallel()
	d, _, cur := newTestDispatcher([]tenant.ID{4, 5, 6}, 0)
	cur.m[CursorCollect] = 5
	s := &scriptStrategy{
		required: 2,
		noop:     func(call) bool { return true },
	}

	res, err := d.Run(context.Background(), CursorCollect, s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []tenant.ID{6, 4, 5}; !slices.Equal(ids(s.calls), want) {
		t.Fatalf("calls = %v, want %v", ids(s.calls), want)
	}
	if !res.Exhausted {
		t.Fatal("expected exhausted result")
	}
	if s.noTenant != 0 {
		t.Fatalf("OnNoTenant calls = %d, want 0", s.noTenant)
	}
}

func TestRunCeiling(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDispatcher([]tenant.ID{1}, DemoMaxRunCount)
	s := &scriptStrategy{required: 50}

	res, err := d.Run(context.Background(), CursorCollect, s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(s.calls) != DemoMaxRunCount {
		t.Fatalf("calls = %d, want %d", len(s.calls), DemoMaxRunCount)
	}
	if !res.CeilingHit {
		t.Fatal("expected ceiling flag")
	}
}

func TestRunDefaultCeiling(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDispatcher([]tenant.ID{1}, 0)
	if d.MaxRunCount() != DefaultMaxRunCount {
		t.Fatalf("MaxRunCount = %d, want %d", d.MaxRunCount(), DefaultMaxRunCount)
	}
	s := &scriptStrategy{required: DefaultMaxRunCount + 10}
	if _, err := d.Run(context.Background(), CursorCollect, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(s.calls) != DefaultMaxRunCount {
		t.Fatalf("calls = %d, want %d", len(s.calls), DefaultMaxRunCount)
	}
}

func TestRunFairAcrossTicks(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDispatcher([]tenant.ID{1, 2, 3}, 0)
	var visited []tenant.ID
	for i := 0; i < 6; i++ {
		s := &scriptStrategy{required: 1}
		res, err := d.Run(context.Background(), CursorCollect, s)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		visited = append(visited, res.Tenants...)
	}
	if want := []tenant.ID{1, 2, 3, 1, 2, 3}; !slices.Equal(visited, want) {
		t.Fatalf("visited = %v, want %v", visited, want)
	}
}

func TestRunInvalidatesDirectoryPerTick(t *testing.T) {
	t.Parallel()
	d, dir, _ := newTestDispatcher([]tenant.ID{1}, 0)
	for i := 0; i < 3; i++ {
		if _, err := d.Run(context.Background(), CursorCollect, &scriptStrategy{required: 1}); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if dir.invals != 3 {
		t.Fatalf("invalidations = %d, want 3", dir.invals)
	}
}

func TestRunPropagatesActionError(t *testing.T) {
	t.Parallel()
	d, _, cur := newTestDispatcher([]tenant.ID{1, 2}, 0)
	boom := errors.New("boom")
	s := &scriptStrategy{required: 3, err: boom}

	_, err := d.Run(context.Background(), CursorCollect, s)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(s.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(s.calls))
	}
	// The cursor still moved, so the next tick starts at site 2.
	if cur.m[CursorCollect] != 1 {
		t.Fatalf("cursor = %d, want 1", cur.m[CursorCollect])
	}
}

type blockingStrategy struct {
	scriptStrategy
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStrategy) Action(ctx context.Context, tc *TenantContext) error {
	close(b.entered)
	<-b.release
	return b.scriptStrategy.Action(ctx, tc)
}

func TestRunRejectsOverlap(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDispatcher([]tenant.ID{1}, 0)
	b := &blockingStrategy{
		scriptStrategy: scriptStrategy{required: 1},
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.Run(context.Background(), CursorCollect, b)
		done <- err
	}()
	<-b.entered

	if _, err := d.Run(context.Background(), CursorCollect, &scriptStrategy{required: 1}); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}

	close(b.release)
	if err := <-done; err != nil {
		t.Fatalf("first Run: %v", err)
	}
}

func ptr(v tenant.ID) *tenant.ID { return &v }
