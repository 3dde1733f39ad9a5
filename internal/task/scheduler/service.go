package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"crawlsched/internal/eventbus"
	logx "crawlsched/pkg/logx"
)

// Config controls the timer service.
type Config struct {
	Timezone string // IANA name; empty means the host zone

	// DefaultTimeout bounds a single job run. 0 disables the timeout.
	DefaultTimeout time.Duration

	// StartupSpread caps the random delay before a timer's first fire.
	// 0 means maxStartupSpread; negative disables it.
	StartupSpread time.Duration
}

// Job is the work a timer triggers.
type Job = func(ctx context.Context) error

type timer struct {
	name  string
	every time.Duration
	job   Job
	delay time.Duration

	entry cron.EntryID
	busy  atomic.Bool
	warn  rate.Sometimes
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	c      *cron.Cron
	timers map[string]*timer

	// ctx is canceled on Stop so in-flight jobs can wind down.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus, timers: map[string]*timer{}}
}

// Running reports whether the cron runner is started.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Apply swaps the config. A timezone change restarts the runner with every
// timer re-added. Running jobs are waited for without holding the lock so
// they may add or remove timers.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	c := s.c
	s.mu.Unlock()
	if c == nil || !tzChanged {
		return
	}
	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != c {
		// stopped or restarted meanwhile
		return
	}
	s.startLocked()
	s.log.Info("timezone changed; timers re-added", logx.String("tz", s.loc.String()))
}

// Start begins firing every added timer. Jobs get a context derived from ctx
// that is canceled on Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
	s.log.Info("timers started", logx.String("tz", s.loc.String()), logx.Int("timers", len(s.timers)))
}

func (s *Service) startLocked() {
	s.loc = s.location()
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, t := range s.timers {
		s.scheduleLocked(t)
	}
	s.c.Start()
}

// Stop halts firing and waits for running jobs until ctx is done. Timers
// stay added and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	for _, t := range s.timers {
		t.entry = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("timers stop timed out; jobs still running")
	}
	s.log.Info("timers stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using host zone", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
