// Package schedule maps the four crawl events onto wall-clock timers.
//
// EventScheduler owns the fixed interval table and keeps the timer
// registrations in line with the enable flags: an active category is
// unscheduled then scheduled at its configured interval, an inactive one is
// unscheduled. Unscheduling something that is not registered is a no-op.
package schedule
