package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"crawlsched/internal/eventbus"
	"crawlsched/internal/metrics"
	"crawlsched/internal/rotation"
	"crawlsched/internal/schedule"
	logx "crawlsched/pkg/logx"
)

const idleLogEvery = 10 * time.Minute

// Deps wires Handlers to its collaborators. Bus and Metrics are optional.
type Deps struct {
	Dispatcher Dispatcher
	Executor   Executor
	Timers     Deregisterer
	Settings   SettingsWriter
	// Defaults returns the current global settings; it is read once per tick.
	Defaults func() Defaults

	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Log     logx.Logger
	Now     func() time.Time
}

// Handlers runs the scheduled events.
type Handlers struct {
	disp     Dispatcher
	exec     Executor
	timers   Deregisterer
	settings SettingsWriter
	defaults func() Defaults
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	log      logx.Logger
	now      func() time.Time

	idleMu  sync.Mutex
	idleLog map[string]*rate.Sometimes
}

func New(d Deps) *Handlers {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	defaults := d.Defaults
	if defaults == nil {
		defaults = func() Defaults { return Defaults{} }
	}
	return &Handlers{
		disp:     d.Dispatcher,
		exec:     d.Executor,
		timers:   d.Timers,
		settings: d.Settings,
		defaults: defaults,
		bus:      d.Bus,
		metrics:  d.Metrics,
		log:      log.With(logx.String("comp", "events")),
		now:      now,
		idleLog:  map[string]*rate.Sometimes{},
	}
}

// Job returns the timer callback for event.
func (h *Handlers) Job(event string) schedule.Job {
	return func(ctx context.Context) error { return h.Run(ctx, event, false) }
}

// Bind attaches every event's job to s.
func (h *Handlers) Bind(s interface{ Bind(string, schedule.Job) }) {
	for _, ev := range schedule.Events {
		s.Bind(ev, h.Job(ev))
	}
}

func (h *Handlers) CollectURLs(ctx context.Context, bypass bool) error {
	return h.Run(ctx, schedule.EventCollectURLs, bypass)
}

func (h *Handlers) CrawlPost(ctx context.Context, bypass bool) error {
	return h.Run(ctx, schedule.EventCrawlPost, bypass)
}

func (h *Handlers) RecrawlPost(ctx context.Context, bypass bool) error {
	return h.Run(ctx, schedule.EventRecrawlPost, bypass)
}

func (h *Handlers) DeletePosts(ctx context.Context, bypass bool) error {
	return h.Run(ctx, schedule.EventDeletePosts, bypass)
}

// Run executes one tick of event. With bypass set the enable flag is
// ignored, which is how manual runs work.
func (h *Handlers) Run(ctx context.Context, event string, bypass bool) error {
	start := h.now()
	tick := uuid.NewString()
	d := h.defaults()
	cat := schedule.CategoryOf(event)

	if !bypass && !d.Active(cat) {
		if h.timers != nil {
			h.timers.Remove(cat)
		}
		h.log.Debug("event disabled; timers removed", logx.String("event", event), logx.String("category", cat.String()))
		h.finish(tick, event, metrics.OutcomeDisabled, rotation.Result{}, start, nil)
		return nil
	}

	strategy, cursor, err := h.strategy(event, d)
	if err != nil {
		return err
	}
	res, err := h.disp.Run(ctx, cursor, strategy)

	outcome := metrics.OutcomeDone
	switch {
	case errors.Is(err, rotation.ErrBusy):
		outcome = metrics.OutcomeBusy
	case err != nil:
		outcome = metrics.OutcomeError
	case res.Idle:
		outcome = metrics.OutcomeIdle
	case res.CeilingHit:
		outcome = metrics.OutcomeCeiling
	case res.Exhausted:
		outcome = metrics.OutcomeExhausted
	}
	if ds, ok := strategy.(*deleteStrategy); ok {
		h.metrics.PostsDeleted(ds.deleted)
	}
	h.finish(tick, event, outcome, res, start, err)
	if err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	return nil
}

func (h *Handlers) strategy(event string, d Defaults) (rotation.Strategy, string, error) {
	switch event {
	case schedule.EventCollectURLs:
		return &collectStrategy{h: h, defaults: d}, rotation.CursorCollect, nil
	case schedule.EventCrawlPost:
		return &crawlStrategy{h: h, defaults: d}, rotation.CursorCrawl, nil
	case schedule.EventRecrawlPost:
		return &recrawlStrategy{h: h, defaults: d}, rotation.CursorRecrawl, nil
	case schedule.EventDeletePosts:
		return newDeleteStrategy(h, d), rotation.CursorDelete, nil
	default:
		return nil, "", fmt.Errorf("unknown event %q", event)
	}
}

func (h *Handlers) finish(tick, event, outcome string, res rotation.Result, start time.Time, err error) {
	took := h.now().Sub(start)
	h.metrics.RecordTick(event, outcome, res.Runs, took)

	fields := []logx.Field{
		logx.String("tick", tick),
		logx.String("event", event),
		logx.String("outcome", outcome),
		logx.Int64s("sites", res.Tenants),
		logx.Int("runs", res.Runs),
		logx.Duration("took", took),
	}
	if err != nil {
		h.log.Warn("tick failed", append(fields, logx.Err(err))...)
	} else if res.Runs > 0 {
		h.log.Info("tick done", fields...)
	}

	if h.bus == nil {
		return
	}
	ev := TickDone{ID: tick, Event: event, Outcome: outcome, Sites: res.Tenants, Runs: res.Runs, Duration: took}
	if err != nil {
		ev.Error = err.Error()
	}
	h.bus.Publish(eventbus.Event{Type: EventTickDone, Data: ev})
}

// idle logs that event found no active site, at most once per idleLogEvery.
func (h *Handlers) idle(event string) {
	h.idleMu.Lock()
	s, ok := h.idleLog[event]
	if !ok {
		s = &rate.Sometimes{First: 1, Interval: idleLogEvery}
		h.idleLog[event] = s
	}
	h.idleMu.Unlock()
	s.Do(func() { h.log.Info("no active sites", logx.String("event", event)) })
}
