package scheduler

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	logx "crawlsched/pkg/logx"
)

const errWarnEvery = 30 * time.Second

// AddInterval fires job every `every`, replacing any timer of the same name.
// Before Start the timer is only remembered.
func (s *Service) AddInterval(name string, every time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return errors.New("timer name required")
	case every <= 0:
		return fmt.Errorf("timer %q: interval must be positive", name)
	case job == nil:
		return fmt.Errorf("timer %q: job required", name)
	}

	t := &timer{
		name:  name,
		every: every,
		job:   job,
		warn:  rate.Sometimes{First: 1, Interval: errWarnEvery},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(name)
	s.timers[name] = t
	if s.c == nil {
		return nil
	}
	s.scheduleLocked(t)
	s.log.Debug("timer added",
		logx.String("name", name),
		logx.Duration("every", every),
		logx.Duration("first_delay", t.delay),
	)
	return nil
}

// Remove drops the named timer and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.dropLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("timer removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) dropLocked(name string) bool {
	t, ok := s.timers[name]
	if !ok {
		return false
	}
	if s.c != nil && t.entry != 0 {
		s.c.Remove(t.entry)
	}
	delete(s.timers, name)
	return true
}

// Has reports whether a timer with that name is added.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// Next returns the next fire time of the named timer. ok is false when the
// timer is unknown or the runner is stopped.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[name]
	if !ok || s.c == nil || t.entry == 0 {
		return time.Time{}, false
	}
	next := s.c.Entry(t.entry).Next
	return next, !next.IsZero()
}

func (s *Service) scheduleLocked(t *timer) {
	sched, delay := spreadSchedule(t.every, time.Now().In(s.loc), s.cfg.StartupSpread)
	t.delay = delay
	timeout := s.cfg.DefaultTimeout
	ctx := s.ctx
	t.entry = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(ctx, t, timeout) }))
}

// TimerInfo describes one timer in a Snapshot.
type TimerInfo struct {
	Name       string        `json:"name"`
	Every      time.Duration `json:"every"`
	FirstDelay time.Duration `json:"first_delay"`
	Busy       bool          `json:"busy"`
	Next       time.Time     `json:"next,omitzero"`
	Prev       time.Time     `json:"prev,omitzero"`
}

type Snapshot struct {
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	Timers   []TimerInfo `json:"timers"`
}

// Snapshot lists the timers sorted by name.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = s.location()
	}
	snap := Snapshot{Running: s.c != nil, Timezone: loc.String()}
	for _, t := range s.timers {
		info := TimerInfo{Name: t.name, Every: t.every, FirstDelay: t.delay, Busy: t.busy.Load()}
		if s.c != nil && t.entry != 0 {
			e := s.c.Entry(t.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Timers = append(snap.Timers, info)
	}
	slices.SortFunc(snap.Timers, func(a, b TimerInfo) int { return strings.Compare(a.Name, b.Name) })
	return snap
}
