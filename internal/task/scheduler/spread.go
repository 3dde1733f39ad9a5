package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// delayedStart fires first at `first`, then follows base.
type delayedStart struct {
	base  cron.Schedule
	first time.Time
}

func (d *delayedStart) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	return d.base.Next(t)
}

// spreadSchedule returns an every-interval schedule whose first fire is
// now+every plus a random delay below min(every, limit). A negative limit
// disables the delay; zero means maxStartupSpread.
func spreadSchedule(every time.Duration, now time.Time, limit time.Duration) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	if limit < 0 {
		return base, 0
	}
	if limit == 0 {
		limit = maxStartupSpread
	}
	span := min(every, limit)
	if span <= 0 {
		return base, 0
	}
	delay := rand.N(span)
	return &delayedStart{base: base, first: now.Add(every + delay)}, delay
}
