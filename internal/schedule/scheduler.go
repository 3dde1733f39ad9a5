package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crawlsched/internal/tenant"
	logx "crawlsched/pkg/logx"
)

// Event names, also used as timer names.
const (
	EventCollectURLs = "collect_urls"
	EventCrawlPost   = "crawl_post"
	EventRecrawlPost = "recrawl_post"
	EventDeletePosts = "delete_posts"
)

// Events lists every event in registration order.
var Events = []string{EventCollectURLs, EventCrawlPost, EventRecrawlPost, EventDeletePosts}

// CategoryOf returns the category that gates event.
func CategoryOf(event string) tenant.Category {
	switch event {
	case EventRecrawlPost:
		return tenant.CategoryRecrawl
	case EventDeletePosts:
		return tenant.CategoryDelete
	default:
		return tenant.CategoryCollect
	}
}

// Job is the function a timer fires.
type Job = func(ctx context.Context) error

// Timer is the wall-clock timer subsystem.
type Timer interface {
	AddInterval(name string, every time.Duration, job Job) error
	Remove(name string) bool
	Next(name string) (time.Time, bool)
}

// Settings is the global scheduling configuration consumed by Reconcile.
type Settings struct {
	CollectActive   bool
	CollectInterval string // interval key for collect_urls
	CrawlInterval   string // interval key for crawl_post

	RecrawlActive   bool
	RecrawlInterval string

	DeleteActive   bool
	DeleteInterval string
}

// Active reports whether c is enabled.
func (s Settings) Active(c tenant.Category) bool {
	switch c {
	case tenant.CategoryRecrawl:
		return s.RecrawlActive
	case tenant.CategoryDelete:
		return s.DeleteActive
	default:
		return s.CollectActive
	}
}

func (s Settings) intervalKey(event string) string {
	switch event {
	case EventCollectURLs:
		return s.CollectInterval
	case EventCrawlPost:
		return s.CrawlInterval
	case EventRecrawlPost:
		return s.RecrawlInterval
	default:
		return s.DeleteInterval
	}
}

// EventStatus describes one event's timer.
type EventStatus struct {
	Event     string    `json:"event"`
	Scheduled bool      `json:"scheduled"`
	Interval  Interval  `json:"interval"`
	Next      time.Time `json:"next,omitzero"`
}

// EventScheduler keeps the four event timers registered according to the
// current Settings.
type EventScheduler struct {
	timer Timer
	log   logx.Logger

	mu      sync.Mutex
	jobs    map[string]Job
	current map[string]Interval
}

func New(timer Timer, log logx.Logger) *EventScheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &EventScheduler{
		timer:   timer,
		log:     log.With(logx.String("comp", "schedule")),
		jobs:    map[string]Job{},
		current: map[string]Interval{},
	}
}

// Bind sets the job fired by event's timer. It must be called for every
// event before Reconcile schedules it.
func (s *EventScheduler) Bind(event string, job Job) {
	s.mu.Lock()
	s.jobs[event] = job
	s.mu.Unlock()
}

// Reconcile brings the timers in line with st. Active events are
// unscheduled then scheduled, so calling it repeatedly leaves exactly one
// timer per active event. An unknown interval key only fails that event.
func (s *EventScheduler) Reconcile(st Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, ev := range Events {
		if !st.Active(CategoryOf(ev)) {
			s.unscheduleLocked(ev)
			continue
		}
		if err := s.scheduleLocked(ev, st.intervalKey(ev)); err != nil {
			s.log.Warn("event not scheduled", logx.String("event", ev), logx.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *EventScheduler) scheduleLocked(event, key string) error {
	iv, err := LookupInterval(key)
	if err != nil {
		s.unscheduleLocked(event)
		return fmt.Errorf("%s: %w", event, err)
	}
	job := s.jobs[event]
	if job == nil {
		return fmt.Errorf("%s: no job bound", event)
	}
	s.unscheduleLocked(event)
	if err := s.timer.AddInterval(event, iv.Duration(), job); err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	s.current[event] = iv
	s.log.Debug("event scheduled", logx.String("event", event), logx.String("interval", iv.Key))
	return nil
}

func (s *EventScheduler) unscheduleLocked(event string) {
	delete(s.current, event)
	if s.timer.Remove(event) {
		s.log.Debug("event unscheduled", logx.String("event", event))
	}
}

// RemoveCollectAndCrawl unschedules both collect_urls and crawl_post.
func (s *EventScheduler) RemoveCollectAndCrawl() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unscheduleLocked(EventCollectURLs)
	s.unscheduleLocked(EventCrawlPost)
}

func (s *EventScheduler) RemoveRecrawl() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unscheduleLocked(EventRecrawlPost)
}

func (s *EventScheduler) RemoveDelete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unscheduleLocked(EventDeletePosts)
}

// Remove unschedules every timer owned by category c.
func (s *EventScheduler) Remove(c tenant.Category) {
	switch c {
	case tenant.CategoryRecrawl:
		s.RemoveRecrawl()
	case tenant.CategoryDelete:
		s.RemoveDelete()
	default:
		s.RemoveCollectAndCrawl()
	}
}

// Status reports the timer state of every event.
func (s *EventScheduler) Status() []EventStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventStatus, 0, len(Events))
	for _, ev := range Events {
		st := EventStatus{Event: ev}
		st.Interval, st.Scheduled = s.current[ev]
		if next, ok := s.timer.Next(ev); ok {
			st.Next = next
		}
		out = append(out, st)
	}
	return out
}
