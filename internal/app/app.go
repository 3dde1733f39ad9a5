// Package app wires configuration, storage, the rotation dispatcher, the
// event handlers and the timer subsystem into the crawlsched daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"crawlsched/internal/config"
	"crawlsched/internal/eventbus"
	"crawlsched/internal/events"
	"crawlsched/internal/executor"
	"crawlsched/internal/metrics"
	"crawlsched/internal/notify"
	"crawlsched/internal/observability"
	"crawlsched/internal/rotation"
	"crawlsched/internal/runtime/supervisor"
	"crawlsched/internal/schedule"
	"crawlsched/internal/storage"
	"crawlsched/internal/task/scheduler"
	"crawlsched/internal/tenant"
	logx "crawlsched/pkg/logx"
)

type StopReason string

const (
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	dir      *tenant.Directory
	disp     *rotation.Dispatcher
	timers   *scheduler.Service
	events   *schedule.EventScheduler
	handlers *events.Handlers
	metrics  *metrics.Metrics
	obs      *observability.Server
	notify   *notify.Forwarder // nil when disabled
}

// Options overrides collaborators; zero values use the configured ones.
type Options struct {
	Executor events.Executor
	Registry *prometheus.Registry
}

// CheckConfig loads and validates the config at path without opening
// storage or starting anything.
func CheckConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func NewApp(cfgPath string) (*App, error) {
	return NewAppWithOptions(cfgPath, Options{})
}

func NewAppWithOptions(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	if n, err := seedSites(context.Background(), store, cfg.Sites, nil); err != nil {
		appLog.Warn("some configured sites could not be stored", logx.Err(err))
	} else if n > 0 {
		appLog.Info("configured sites stored", logx.Int("count", n))
	}

	exec := opts.Executor
	if exec == nil {
		ec, err := mapExecutorConfig(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		client, err := executor.New(ec, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		exec = client
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := metrics.New(reg)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	timers := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), bus)
	evs := schedule.New(timers, log)

	dir := tenant.NewDirectory(store, log.With(logx.String("comp", "tenant")))
	disp := rotation.New(
		rotation.Config{MaxRunCount: cfg.Scheduler.EffectiveMaxRunCount()},
		dir, store, log.With(logx.String("comp", "rotation")),
	)

	h := events.New(events.Deps{
		Dispatcher: disp,
		Executor:   exec,
		Timers:     evs,
		Settings:   dir,
		Defaults:   func() events.Defaults { return mapDefaults(cfgm.Get()) },
		Bus:        bus,
		Metrics:    m,
		Log:        log,
	})
	h.Bind(evs)

	var fwd *notify.Forwarder
	if nc := mapNotifyConfig(cfg); nc.URL != "" {
		fwd, err = notify.Dial(nc, log.With(logx.String("comp", "notify")))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		dir:      dir,
		disp:     disp,
		timers:   timers,
		events:   evs,
		handlers: h,
		metrics:  m,
		notify:   fwd,
	}
	a.obs = observability.New(mapObservabilityConfig(cfg), reg, func() any { return a.Status() },
		log.With(logx.String("comp", "observability")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.timers.Start(a.sup.Context())
	if err := a.reconcile(a.cfgm.Get()); err != nil {
		// Other events are still scheduled.
		a.log.Warn("some events could not be scheduled", logx.Err(err))
	}

	if a.obs.Enabled() {
		a.obs.Start(a.sup.Context())
	}

	evCh, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-evCh:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				// A disabled tick removes its own timers.
				if td, ok := e.Data.(events.TickDone); ok && td.Outcome == metrics.OutcomeDisabled {
					a.syncScheduledGauge()
				}
			}
		}
	})

	if a.notify != nil {
		ticks, unsubTicks := a.bus.Subscribe(64, events.EventTickDone)
		a.sup.Go0("notify.forward", func(c context.Context) {
			defer unsubTicks()
			a.notify.Run(c, ticks)
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedSites := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range []string{"storage", "executor", "notify"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if slices.Contains(sections, "scheduler") && oldCfg.Scheduler.EffectiveMaxRunCount() != newCfg.Scheduler.EffectiveMaxRunCount() {
		a.log.Warn("scheduler.max_run_count changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.timers.Apply(sc)
	}

	if len(changedSites) > 0 {
		if n, err := seedSites(ctx, a.store, newCfg.Sites, changedSiteSet(changedSites)); err != nil {
			a.log.Warn("some configured sites could not be stored", logx.Err(err))
		} else {
			a.log.Info("configured sites updated", logx.Int("count", n))
		}
		a.dir.Invalidate()
	}

	if err := a.reconcile(newCfg); err != nil {
		a.log.Warn("some events could not be scheduled", logx.Err(err))
	}

	a.obs.Reconfigure(ctx, mapObservabilityConfig(newCfg))

	a.log.Info("config reloaded", fields...)
}

// reconcile brings the event timers in line with cfg.
func (a *App) reconcile(cfg *config.Config) error {
	err := a.events.Reconcile(mapScheduleSettings(cfg))
	a.syncScheduledGauge()
	return err
}

func (a *App) syncScheduledGauge() {
	for _, st := range a.events.Status() {
		a.metrics.SetScheduled(st.Event, st.Scheduled)
	}
}

// Reconcile applies the current config to the event timers and returns the
// resulting schedule.
func (a *App) Reconcile() ([]schedule.EventStatus, error) {
	err := a.reconcile(a.cfgm.Get())
	return a.events.Status(), err
}

// RunOnce runs one tick of event with the enable flag bypassed.
func (a *App) RunOnce(ctx context.Context, event string) error {
	if !slices.Contains(schedule.Events, event) {
		return fmt.Errorf("unknown event %q (want one of %s)", event, strings.Join(schedule.Events, ", "))
	}
	return a.handlers.Run(ctx, event, true)
}

// Status is the document served at /status.
type Status struct {
	Events      []schedule.EventStatus `json:"events"`
	Timers      scheduler.Snapshot     `json:"timers"`
	Goroutines  []supervisor.Stats     `json:"goroutines,omitempty"`
	Generation  uint64                 `json:"directory_generation"`
	MaxRunCount int                    `json:"max_run_count"`
	BusDropped  uint64                 `json:"bus_dropped"`
}

func (a *App) Status() Status {
	return Status{
		Events:      a.events.Status(),
		Timers:      a.timers.Snapshot(),
		Goroutines:  a.sup.Snapshot(),
		Generation:  a.dir.Generation(),
		MaxRunCount: a.disp.MaxRunCount(),
		BusDropped:  a.bus.Dropped(),
	}
}

// Close releases what NewApp opened. Use it instead of Stop when Start was
// never called.
func (a *App) Close() error {
	err := errors.Join(a.notify.Close(), a.store.Close())
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	// step runs fn bounded by max so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Timers first so no tick starts while storage closes.
	step("scheduler", 5*time.Second, func(c context.Context) error { a.timers.Stop(c); return nil })
	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("notify", time.Second, func(context.Context) error { return a.notify.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
