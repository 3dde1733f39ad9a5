package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crawlsched/internal/eventbus"
	logx "crawlsched/pkg/logx"
)

// ErrOverlapSkip is reported when a timer fires while its previous run is
// still in flight.
var ErrOverlapSkip = errors.New("previous run still in flight")

// Bus event types.
const (
	EventFired   = "timer.fired"
	EventSkipped = "timer.skipped"
)

// FiredEvent is the payload of EventFired and EventSkipped.
type FiredEvent struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

func (s *Service) fire(ctx context.Context, t *timer, timeout time.Duration) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	if !t.busy.CompareAndSwap(false, true) {
		s.publish(EventSkipped, FiredEvent{Name: t.name, Started: start})
		t.warn.Do(func() {
			s.log.Debug("timer skipped", logx.String("name", t.name), logx.Err(ErrOverlapSkip))
		})
		return
	}
	defer t.busy.Store(false)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := runGuarded(ctx, t.job)

	ev := FiredEvent{Name: t.name, Started: start, Duration: time.Since(start)}
	if err != nil {
		ev.Error = err.Error()
		t.warn.Do(func() {
			s.log.Warn("timer job failed", logx.String("name", t.name), logx.Err(err))
		})
	}
	s.publish(EventFired, ev)
}

// runGuarded turns a panicking job into an error.
func runGuarded(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}

func (s *Service) publish(typ string, ev FiredEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}
