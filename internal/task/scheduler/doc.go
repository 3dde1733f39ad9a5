// Package scheduler fires named interval jobs on a robfig/cron runner.
//
// Timers are keyed by name; adding a name again replaces the previous
// timer. A trigger that arrives while the previous run of the same timer is
// still in flight is skipped. The first fire of each timer is pushed back by
// a random startup spread so timers added together do not fire together.
package scheduler
